package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plexalabs/dynconf/internal/dynconfig"
	"github.com/plexalabs/dynconf/internal/eventbus"
)

type fakeConfigs struct {
	byType     map[dynconfig.ConfigType][]dynconfig.ConfigRecord
	history    map[string][]dynconfig.VersionRecord
	historyErr error
}

func (f *fakeConfigs) Get(_ context.Context, key dynconfig.ConfigKey) (dynconfig.ConfigRecord, error) {
	for _, record := range f.byType[key.Type] {
		if record.ConfigID == key.ID {
			return record, nil
		}
	}
	return dynconfig.ConfigRecord{}, &dynconfig.NotFoundError{Key: key}
}

func (f *fakeConfigs) List(_ context.Context, filters dynconfig.ListFilters) ([]dynconfig.ConfigRecord, error) {
	return f.byType[filters.Type], nil
}

func (f *fakeConfigs) History(_ context.Context, key dynconfig.ConfigKey, limit int) ([]dynconfig.VersionRecord, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	versions := f.history[key.String()]
	if len(versions) > limit {
		versions = versions[:limit]
	}
	return versions, nil
}

type gatewayFixture struct {
	gateway *Gateway
	configs *fakeConfigs
	now     *time.Time
}

func newTestGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	now := registryEpoch
	fixture := &gatewayFixture{
		configs: &fakeConfigs{
			byType:  make(map[dynconfig.ConfigType][]dynconfig.ConfigRecord),
			history: make(map[string][]dynconfig.VersionRecord),
		},
		now: &now,
	}

	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	gateway, err := NewGateway(GatewayConfig{
		Registry: NewRegistry(),
		Configs:  fixture.configs,
		Bus:      bus,
		Clock:    func() time.Time { return *fixture.now },
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	fixture.gateway = gateway
	return fixture
}

func (f *fakeConfigs) addRule(id string, rate float64) {
	f.byType[dynconfig.ConfigTypeRule] = append(f.byType[dynconfig.ConfigTypeRule], dynconfig.ConfigRecord{
		ConfigType:    dynconfig.ConfigTypeRule,
		ConfigID:      id,
		Configuration: dynconfig.Payload{"rate": rate},
		Status:        dynconfig.StatusActive,
	})
}

func ruleEvent(id string) eventbus.Event {
	return eventbus.Event{
		EventType:     eventbus.EventUpdated,
		ConfigType:    string(dynconfig.ConfigTypeRule),
		ConfigID:      id,
		Configuration: map[string]any{"rate": 21.0},
		Timestamp:     registryEpoch,
	}
}

func countMessages(messages []sentMessage, messageType string) int {
	n := 0
	for _, message := range messages {
		if message.Type == messageType {
			n++
		}
	}
	return n
}

func TestConnectPushesOnlyReadableSnapshots(t *testing.T) {
	fixture := newTestGateway(t)
	fixture.configs.addRule("rule-1", 10)
	fixture.configs.byType[dynconfig.ConfigTypeSettings] = []dynconfig.ConfigRecord{
		{ConfigType: dynconfig.ConfigTypeSettings, ConfigID: "global", Status: dynconfig.StatusActive},
	}

	sender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "conn-1", "partner-user", RolePartner, sender); err != nil {
		t.Fatalf("connect: %v", err)
	}

	messages := sender.sent()
	if countMessages(messages, MessageInitialData) != 1 {
		t.Fatalf("expected one snapshot for the partner role, got %+v", messages)
	}
	snapshot, ok := messages[0].Payload.(InitialData)
	if !ok {
		t.Fatalf("unexpected snapshot payload %T", messages[0].Payload)
	}
	if snapshot.ConfigType != dynconfig.ConfigTypeRule || len(snapshot.Configs) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestConnectSnapshotIsCapped(t *testing.T) {
	fixture := newTestGateway(t)
	for i := 0; i < connectSnapshotLimit+7; i++ {
		fixture.configs.addRule(fmt.Sprintf("rule-%03d", i), float64(i))
	}

	sender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "conn-1", "admin-user", RoleAdmin, sender); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for _, message := range sender.sent() {
		if message.Type != MessageInitialData {
			continue
		}
		snapshot := message.Payload.(InitialData)
		if snapshot.ConfigType == dynconfig.ConfigTypeRule && len(snapshot.Configs) != connectSnapshotLimit {
			t.Fatalf("expected capped snapshot of %d, got %d", connectSnapshotLimit, len(snapshot.Configs))
		}
	}
}

func TestSubscribeRejectedForForbiddenType(t *testing.T) {
	fixture := newTestGateway(t)
	sender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "conn-1", "partner-user", RolePartner, sender); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := fixture.gateway.HandleSubscribe(context.Background(), "conn-1", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule, dynconfig.ConfigTypeSettings},
	})
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	if authErr.ConfigType != dynconfig.ConfigTypeSettings {
		t.Fatalf("expected denial on settings, got %q", authErr.ConfigType)
	}

	// The whole subscription is rejected, so no delivery for any of its types.
	fixture.gateway.handleEvent(ruleEvent("rule-1"))
	if countMessages(sender.sent(), MessageConfigUpdate) != 0 {
		t.Fatal("rejected subscription still received an update")
	}
}

func TestSubscribeRejectedWithoutConfigTypes(t *testing.T) {
	fixture := newTestGateway(t)
	ctx := context.Background()

	// A subscription naming only config ids could never match an event, so it
	// is rejected outright instead of being stored as a dead index entry.
	adminSender := &recordingSender{}
	if err := fixture.gateway.Connect(ctx, "conn-1", "admin-user", RoleAdmin, adminSender); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ack, err := fixture.gateway.HandleSubscribe(ctx, "conn-1", Subscription{
		ConfigIDs: []string{"rule-1"},
	})
	if !errors.Is(err, ErrNoSubscriptionTypes) {
		t.Fatalf("expected ErrNoSubscriptionTypes, got %v", err)
	}
	if ack.Success {
		t.Fatal("empty subscription was acknowledged as success")
	}
	if fixture.gateway.registry.SubscribedTo("rule-1", "conn-1") {
		t.Fatal("rejected subscription left a reverse-index entry")
	}
	fixture.gateway.handleEvent(ruleEvent("rule-1"))
	if countMessages(adminSender.sent(), MessageConfigUpdate) != 0 {
		t.Fatal("rejected subscription still received an update")
	}

	// The same rejection applies to roles with no read grants at all.
	userSender := &recordingSender{}
	if err := fixture.gateway.Connect(ctx, "conn-2", "plain-user", RoleUser, userSender); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := fixture.gateway.HandleSubscribe(ctx, "conn-2", Subscription{}); !errors.Is(err, ErrNoSubscriptionTypes) {
		t.Fatalf("expected ErrNoSubscriptionTypes for user role, got %v", err)
	}
}

func TestSubscribePushesInitialSnapshot(t *testing.T) {
	fixture := newTestGateway(t)
	fixture.configs.addRule("rule-1", 10)

	sender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "conn-1", "admin-user", RoleAdmin, sender); err != nil {
		t.Fatalf("connect: %v", err)
	}
	before := countMessages(sender.sent(), MessageInitialData)

	ack, err := fixture.gateway.HandleSubscribe(context.Background(), "conn-1", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !ack.Success {
		t.Fatalf("expected success ack, got %+v", ack)
	}
	if countMessages(sender.sent(), MessageInitialData) != before+1 {
		t.Fatal("expected a fresh snapshot after subscribe")
	}
}

func TestEventDeliveryRechecksRoleAuthorization(t *testing.T) {
	fixture := newTestGateway(t)

	adminSender := &recordingSender{}
	userSender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "admin-conn", "admin-user", RoleAdmin, adminSender); err != nil {
		t.Fatalf("connect admin: %v", err)
	}
	if err := fixture.gateway.Connect(context.Background(), "user-conn", "plain-user", RoleUser, userSender); err != nil {
		t.Fatalf("connect user: %v", err)
	}

	if _, err := fixture.gateway.HandleSubscribe(context.Background(), "admin-conn", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
	}); err != nil {
		t.Fatalf("subscribe admin: %v", err)
	}
	// A subscription that bypassed the policy gate must still be filtered at
	// delivery time.
	if err := fixture.gateway.registry.AddSubscription("user-conn", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
	}, registryEpoch); err != nil {
		t.Fatalf("add raw subscription: %v", err)
	}

	fixture.gateway.handleEvent(ruleEvent("rule-1"))

	if countMessages(adminSender.sent(), MessageConfigUpdate) != 1 {
		t.Fatal("admin subscriber did not receive the update")
	}
	if countMessages(userSender.sent(), MessageConfigUpdate) != 0 {
		t.Fatal("unauthorized role received an update")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fixture := newTestGateway(t)
	sender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "conn-1", "admin-user", RoleAdmin, sender); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := fixture.gateway.HandleSubscribe(context.Background(), "conn-1", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
		ConfigIDs:   []string{"rule-1"},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fixture.gateway.handleEvent(ruleEvent("rule-1"))
	if countMessages(sender.sent(), MessageConfigUpdate) != 1 {
		t.Fatal("expected one update before unsubscribe")
	}

	if _, err := fixture.gateway.HandleUnsubscribe(context.Background(), "conn-1", UnsubscribeRequest{
		ConfigIDs: []string{"rule-1"},
	}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	fixture.gateway.handleEvent(ruleEvent("rule-1"))
	if countMessages(sender.sent(), MessageConfigUpdate) != 1 {
		t.Fatal("update delivered after unsubscribe")
	}
}

func TestDisconnectClosesSenderAndStopsDelivery(t *testing.T) {
	fixture := newTestGateway(t)
	sender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "conn-1", "admin-user", RoleAdmin, sender); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := fixture.gateway.HandleSubscribe(context.Background(), "conn-1", Subscription{
		ConfigTypes: []dynconfig.ConfigType{dynconfig.ConfigTypeRule},
		ConfigIDs:   []string{"rule-1"},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if !fixture.gateway.Disconnect("conn-1") {
		t.Fatal("expected Disconnect to find the connection")
	}
	if !sender.isClosed() {
		t.Fatal("expected sender to be closed on disconnect")
	}
	if fixture.gateway.registry.SubscribedTo("rule-1", "conn-1") {
		t.Fatal("index entry survived disconnect")
	}

	fixture.gateway.handleEvent(ruleEvent("rule-1"))
	if countMessages(sender.sent(), MessageConfigUpdate) != 0 {
		t.Fatal("update delivered to a disconnected client")
	}
}

func TestSweepIdleDropsOnlyStaleConnections(t *testing.T) {
	fixture := newTestGateway(t)
	staleSender := &recordingSender{}
	freshSender := &recordingSender{}
	if err := fixture.gateway.Connect(context.Background(), "stale", "user-a", RoleAdmin, staleSender); err != nil {
		t.Fatalf("connect stale: %v", err)
	}
	if err := fixture.gateway.Connect(context.Background(), "fresh", "user-b", RoleAdmin, freshSender); err != nil {
		t.Fatalf("connect fresh: %v", err)
	}

	*fixture.now = registryEpoch.Add(29 * time.Minute)
	fixture.gateway.Touch("fresh")

	*fixture.now = registryEpoch.Add(31 * time.Minute)
	if swept := fixture.gateway.SweepIdle(); swept != 1 {
		t.Fatalf("expected one swept connection, got %d", swept)
	}

	if !staleSender.isClosed() {
		t.Fatal("stale connection was not closed")
	}
	if freshSender.isClosed() {
		t.Fatal("fresh connection was swept")
	}
}

func TestStatusDeniedForForbiddenType(t *testing.T) {
	fixture := newTestGateway(t)
	if err := fixture.gateway.Connect(context.Background(), "conn-1", "partner-user", RolePartner, &recordingSender{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := fixture.gateway.HandleStatus(context.Background(), "conn-1", StatusRequest{
		ConfigType: dynconfig.ConfigTypeSettings,
		ConfigID:   "global",
	})
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestStatusReturnsRecordWithHistorySlice(t *testing.T) {
	fixture := newTestGateway(t)
	fixture.configs.addRule("rule-1", 10)
	key := dynconfig.ConfigKey{Type: dynconfig.ConfigTypeRule, ID: "rule-1"}
	for version := 7; version >= 1; version-- {
		fixture.configs.history[key.String()] = append(fixture.configs.history[key.String()], dynconfig.VersionRecord{
			ConfigType: key.Type,
			ConfigID:   key.ID,
			Version:    version,
		})
	}

	if err := fixture.gateway.Connect(context.Background(), "conn-1", "admin-user", RoleAdmin, &recordingSender{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	response, err := fixture.gateway.HandleStatus(context.Background(), "conn-1", StatusRequest{
		ConfigType: key.Type,
		ConfigID:   key.ID,
	})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !response.Success || response.Config.ConfigID != "rule-1" {
		t.Fatalf("unexpected status response: %+v", response)
	}
	if len(response.VersionHistory) != statusHistoryLimit {
		t.Fatalf("expected history capped at %d, got %d", statusHistoryLimit, len(response.VersionHistory))
	}
}

func TestStatusDegradesWhenHistoryUnavailable(t *testing.T) {
	fixture := newTestGateway(t)
	fixture.configs.addRule("rule-1", 10)
	fixture.configs.historyErr = errors.New("history store down")

	if err := fixture.gateway.Connect(context.Background(), "conn-1", "admin-user", RoleAdmin, &recordingSender{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	response, err := fixture.gateway.HandleStatus(context.Background(), "conn-1", StatusRequest{
		ConfigType: dynconfig.ConfigTypeRule,
		ConfigID:   "rule-1",
	})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !response.Success || len(response.VersionHistory) != 0 {
		t.Fatalf("expected success with empty history, got %+v", response)
	}
}
