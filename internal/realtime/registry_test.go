package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plexalabs/dynconf/internal/dynconfig"
)

type sentMessage struct {
	Type    string
	Payload any
}

type recordingSender struct {
	mu       sync.Mutex
	messages []sentMessage
	closed   bool
}

func (s *recordingSender) Send(messageType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, sentMessage{Type: messageType, Payload: payload})
	return nil
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSender) sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.messages...)
}

func (s *recordingSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var registryEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mustRegister(t *testing.T, registry *Registry, id string, role Role) *recordingSender {
	t.Helper()
	sender := &recordingSender{}
	if err := registry.Register(id, "user-"+id, role, sender, registryEpoch); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return sender
}

func TestRegistryRejectsDuplicateConnectionID(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "conn-1", RoleAdmin)

	err := registry.Register("conn-1", "someone-else", RoleUser, &recordingSender{}, registryEpoch)
	if !errors.Is(err, ErrConnectionExists) {
		t.Fatalf("expected ErrConnectionExists, got %v", err)
	}
}

func TestRegistryIndexesByIDAndByType(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "by-id", RoleAdmin)
	mustRegister(t, registry, "by-type", RoleAdmin)

	if err := registry.AddSubscription("by-id", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
		ConfigIDs:   []string{"rule-1"},
	}, registryEpoch); err != nil {
		t.Fatalf("add id subscription: %v", err)
	}
	if err := registry.AddSubscription("by-type", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
	}, registryEpoch); err != nil {
		t.Fatalf("add type subscription: %v", err)
	}

	deliveries := registry.Candidates(dynconfig.ConfigTypeRule, "rule-1")
	if len(deliveries) != 2 {
		t.Fatalf("expected both subscribers as candidates, got %d", len(deliveries))
	}

	// An unrelated id still reaches the type-level subscriber only.
	deliveries = registry.Candidates(dynconfig.ConfigTypeRule, "rule-other")
	if len(deliveries) != 1 || deliveries[0].Info.ID != "by-type" {
		t.Fatalf("expected only the type subscriber, got %+v", deliveries)
	}
}

func TestRegistryCandidatesAreDeduplicated(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "conn-1", RoleAdmin)

	// Same connection indexed through the id and through the type.
	subs := []Subscription{
		{ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule}, ConfigIDs: []string{"rule-1"}},
		{ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule}},
	}
	for _, sub := range subs {
		if err := registry.AddSubscription("conn-1", sub, registryEpoch); err != nil {
			t.Fatalf("add subscription: %v", err)
		}
	}

	deliveries := registry.Candidates(dynconfig.ConfigTypeRule, "rule-1")
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery for one connection, got %d", len(deliveries))
	}
}

func TestRegistryCandidatesHonorScopeFilters(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "scoped", RoleAdmin)

	if err := registry.AddSubscription("scoped", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
		ConfigIDs:   []string{"rule-1"},
	}, registryEpoch); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	// Wrong type for the subscribed id yields nothing.
	if deliveries := registry.Candidates(dynconfig.ConfigTypeSettings, "rule-1"); len(deliveries) != 0 {
		t.Fatalf("expected no candidates for mismatched type, got %+v", deliveries)
	}
}

func TestRegistryUnsubscribeRemovesOnlyOwnedEntries(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "keeper", RoleAdmin)
	mustRegister(t, registry, "leaver", RoleAdmin)

	for _, id := range []string{"keeper", "leaver"} {
		if err := registry.AddSubscription(id, Subscription{
			ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
			ConfigIDs:   []string{"rule-shared"},
		}, registryEpoch); err != nil {
			t.Fatalf("add subscription for %s: %v", id, err)
		}
	}

	if err := registry.RemoveSubscriptions("leaver", UnsubscribeRequest{
		ConfigIDs: []string{"rule-shared"},
	}, registryEpoch); err != nil {
		t.Fatalf("remove subscriptions: %v", err)
	}

	if registry.SubscribedTo("rule-shared", "leaver") {
		t.Fatal("leaver still indexed after unsubscribe")
	}
	if !registry.SubscribedTo("rule-shared", "keeper") {
		t.Fatal("keeper's index entry was removed by another connection's unsubscribe")
	}
}

func TestRegistryUnsubscribeKeepsEntriesBackedByOtherSubscriptions(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "conn-1", RoleAdmin)

	// Two subscriptions cover rule-1; dropping rule-2 must not unindex rule-1.
	subs := []Subscription{
		{ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule}, ConfigIDs: []string{"rule-1"}},
		{ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule}, ConfigIDs: []string{"rule-1", "rule-2"}},
	}
	for _, sub := range subs {
		if err := registry.AddSubscription("conn-1", sub, registryEpoch); err != nil {
			t.Fatalf("add subscription: %v", err)
		}
	}

	if err := registry.RemoveSubscriptions("conn-1", UnsubscribeRequest{
		ConfigIDs: []string{"rule-2"},
	}, registryEpoch); err != nil {
		t.Fatalf("remove subscriptions: %v", err)
	}

	if !registry.SubscribedTo("rule-1", "conn-1") {
		t.Fatal("rule-1 entry dropped although a remaining subscription still covers it")
	}
	if registry.SubscribedTo("rule-2", "conn-1") {
		t.Fatal("rule-2 entry survived its only subscription")
	}
}

func TestRegistryUnregisterDropsAllIndexEntries(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "conn-1", RoleAdmin)

	subs := []Subscription{
		{ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule}, ConfigIDs: []string{"rule-1"}},
		{ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeSettings}},
	}
	for _, sub := range subs {
		if err := registry.AddSubscription("conn-1", sub, registryEpoch); err != nil {
			t.Fatalf("add subscription: %v", err)
		}
	}

	if !registry.Unregister("conn-1") {
		t.Fatal("expected Unregister to find the connection")
	}

	if registry.SubscribedTo("rule-1", "conn-1") {
		t.Fatal("id index entry survived unregister")
	}
	if deliveries := registry.Candidates(dynconfig.ConfigTypeSettings, "any"); len(deliveries) != 0 {
		t.Fatalf("type index entry survived unregister: %+v", deliveries)
	}
	if registry.Unregister("conn-1") {
		t.Fatal("expected second Unregister to report missing connection")
	}
}

func TestRegistryIdleSince(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "idle", RoleUser)
	mustRegister(t, registry, "active", RoleUser)

	registry.Touch("active", registryEpoch.Add(45*time.Minute))

	idle := registry.IdleSince(registryEpoch.Add(30 * time.Minute))
	if len(idle) != 1 || idle[0] != "idle" {
		t.Fatalf("expected only the idle connection, got %v", idle)
	}
}

func TestRegistryStats(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, "admin-1", RoleAdmin)
	mustRegister(t, registry, "admin-2", RoleAdmin)
	mustRegister(t, registry, "partner-1", RolePartner)

	if err := registry.AddSubscription("partner-1", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
		ConfigIDs:   []string{"rule-1"},
	}, registryEpoch); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	stats := registry.Stats()
	if stats.TotalConnections != 3 {
		t.Fatalf("expected 3 connections, got %d", stats.TotalConnections)
	}
	if stats.ConnectionsByRole[string(RoleAdmin)] != 2 {
		t.Fatalf("unexpected role counts: %v", stats.ConnectionsByRole)
	}
	if stats.SubscribersByConfig["rule-1"] != 1 {
		t.Fatalf("unexpected subscriber counts: %v", stats.SubscribersByConfig)
	}
}
