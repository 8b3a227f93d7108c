package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/plexalabs/dynconf/internal/dynconfig"
)

var (
	// ErrConnectionExists indicates a duplicate connection id on register.
	ErrConnectionExists = errors.New("realtime: connection already registered")
	// ErrConnectionUnknown indicates an operation on an unregistered connection.
	ErrConnectionUnknown = errors.New("realtime: unknown connection")
)

// ConnectionInfo is the public snapshot of one live client.
type ConnectionInfo struct {
	ID            string
	UserID        string
	Role          Role
	Subscriptions []Subscription
	ConnectedAt   time.Time
	LastActivity  time.Time
}

type connection struct {
	info   ConnectionInfo
	sender Sender

	// Reference counts into the two indexes, so removal takes back exactly
	// the entries this connection added.
	ownedIDs   map[string]int
	ownedTypes map[dynconfig.ConfigType]int
}

// Registry tracks live connections, their subscriptions, and the reverse
// indexes used for event fan-out. All mutations happen under one mutex so a
// disconnect racing a subscribe can never strand an index entry.
type Registry struct {
	mu          sync.Mutex
	connections map[string]*connection
	idIndex     map[string]map[string]struct{}
	typeIndex   map[dynconfig.ConfigType]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*connection),
		idIndex:     make(map[string]map[string]struct{}),
		typeIndex:   make(map[dynconfig.ConfigType]map[string]struct{}),
	}
}

// Register adds a connection.
func (r *Registry) Register(id, userID string, role Role, sender Sender, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[id]; ok {
		return ErrConnectionExists
	}
	r.connections[id] = &connection{
		info: ConnectionInfo{
			ID:           id,
			UserID:       userID,
			Role:         role,
			ConnectedAt:  now,
			LastActivity: now,
		},
		sender:     sender,
		ownedIDs:   make(map[string]int),
		ownedTypes: make(map[dynconfig.ConfigType]int),
	}
	return nil
}

// Unregister removes the connection and every index entry it owns.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return false
	}
	for configID := range conn.ownedIDs {
		r.dropIDEntry(configID, id)
	}
	for configType := range conn.ownedTypes {
		r.dropTypeEntry(configType, id)
	}
	delete(r.connections, id)
	return true
}

// AddSubscription stores the subscription and indexes it: by configId when ids
// are supplied, by configType otherwise.
func (r *Registry) AddSubscription(id string, sub Subscription, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return ErrConnectionUnknown
	}

	conn.info.Subscriptions = append(conn.info.Subscriptions, sub)
	conn.info.LastActivity = now

	if len(sub.ConfigIDs) > 0 {
		for _, configID := range sub.ConfigIDs {
			if conn.ownedIDs[configID] == 0 {
				r.addIDEntry(configID, id)
			}
			conn.ownedIDs[configID]++
		}
		return nil
	}
	for _, configType := range sub.ConfigTypes {
		if conn.ownedTypes[configType] == 0 {
			r.addTypeEntry(configType, id)
		}
		conn.ownedTypes[configType]++
	}
	return nil
}

// RemoveSubscriptions drops every subscription referencing any of the named
// configIds or configTypes, then reconciles the connection's index entries so
// only entries still backed by a remaining subscription survive.
func (r *Registry) RemoveSubscriptions(id string, request UnsubscribeRequest, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return ErrConnectionUnknown
	}

	kept := conn.info.Subscriptions[:0]
	for _, sub := range conn.info.Subscriptions {
		if subscriptionTargeted(sub, request) {
			continue
		}
		kept = append(kept, sub)
	}
	conn.info.Subscriptions = kept
	conn.info.LastActivity = now

	r.reindex(conn)
	return nil
}

func subscriptionTargeted(sub Subscription, request UnsubscribeRequest) bool {
	for _, configID := range request.ConfigIDs {
		for _, candidate := range sub.ConfigIDs {
			if candidate == configID {
				return true
			}
		}
	}
	for _, configType := range request.ConfigTypes {
		for _, candidate := range sub.ConfigTypes {
			if candidate == configType {
				return true
			}
		}
	}
	return false
}

// reindex rebuilds the connection's owned entries from its remaining
// subscriptions. Called with the registry lock held.
func (r *Registry) reindex(conn *connection) {
	wantIDs := make(map[string]int)
	wantTypes := make(map[dynconfig.ConfigType]int)
	for _, sub := range conn.info.Subscriptions {
		if len(sub.ConfigIDs) > 0 {
			for _, configID := range sub.ConfigIDs {
				wantIDs[configID]++
			}
			continue
		}
		for _, configType := range sub.ConfigTypes {
			wantTypes[configType]++
		}
	}

	for configID := range conn.ownedIDs {
		if wantIDs[configID] == 0 {
			r.dropIDEntry(configID, conn.info.ID)
		}
	}
	for configID := range wantIDs {
		if conn.ownedIDs[configID] == 0 {
			r.addIDEntry(configID, conn.info.ID)
		}
	}
	conn.ownedIDs = wantIDs

	for configType := range conn.ownedTypes {
		if wantTypes[configType] == 0 {
			r.dropTypeEntry(configType, conn.info.ID)
		}
	}
	for configType := range wantTypes {
		if conn.ownedTypes[configType] == 0 {
			r.addTypeEntry(configType, conn.info.ID)
		}
	}
	conn.ownedTypes = wantTypes
}

// Touch refreshes the connection's activity timestamp.
func (r *Registry) Touch(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.connections[id]; ok {
		conn.info.LastActivity = now
	}
}

// Snapshot returns a copy of the connection's info and its sender.
func (r *Registry) Snapshot(id string) (ConnectionInfo, Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return ConnectionInfo{}, nil, false
	}
	return copyInfo(conn.info), conn.sender, true
}

// Delivery pairs a candidate connection with its sender for fan-out.
type Delivery struct {
	Info   ConnectionInfo
	Sender Sender
}

// Candidates returns the connections whose subscriptions cover the event key:
// the reverse-index set for the configId plus any type-level subscribers.
func (r *Registry) Candidates(configType dynconfig.ConfigType, configID string) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	deliveries := make([]Delivery, 0)

	collect := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		conn, ok := r.connections[id]
		if !ok {
			return
		}
		for _, sub := range conn.info.Subscriptions {
			if sub.Matches(configType, configID) {
				seen[id] = struct{}{}
				deliveries = append(deliveries, Delivery{Info: copyInfo(conn.info), Sender: conn.sender})
				return
			}
		}
	}

	for id := range r.idIndex[configID] {
		collect(id)
	}
	for id := range r.typeIndex[configType] {
		collect(id)
	}
	return deliveries
}

// IDs returns every registered connection id.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

// IdleSince returns ids of connections whose last activity is at or before the cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []string
	for id, conn := range r.connections {
		if !conn.info.LastActivity.After(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

// SubscribedTo reports whether the configId's reverse-index set contains the connection.
func (r *Registry) SubscribedTo(configID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.idIndex[configID][connectionID]
	return ok
}

// ConnectionStats summarizes the registry for the admin surface.
type ConnectionStats struct {
	TotalConnections    int            `json:"totalConnections"`
	ConnectionsByRole   map[string]int `json:"connectionsByRole"`
	IndexedConfigIDs    int            `json:"indexedConfigIds"`
	SubscribersByConfig map[string]int `json:"subscribersByConfig"`
}

// Stats counts connections and index membership.
func (r *Registry) Stats() ConnectionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := ConnectionStats{
		TotalConnections:    len(r.connections),
		ConnectionsByRole:   make(map[string]int),
		IndexedConfigIDs:    len(r.idIndex),
		SubscribersByConfig: make(map[string]int),
	}
	for _, conn := range r.connections {
		stats.ConnectionsByRole[string(conn.info.Role)]++
	}
	for configID, members := range r.idIndex {
		stats.SubscribersByConfig[configID] = len(members)
	}
	return stats
}

func (r *Registry) addIDEntry(configID, connectionID string) {
	members, ok := r.idIndex[configID]
	if !ok {
		members = make(map[string]struct{})
		r.idIndex[configID] = members
	}
	members[connectionID] = struct{}{}
}

func (r *Registry) dropIDEntry(configID, connectionID string) {
	members, ok := r.idIndex[configID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.idIndex, configID)
	}
}

func (r *Registry) addTypeEntry(configType dynconfig.ConfigType, connectionID string) {
	members, ok := r.typeIndex[configType]
	if !ok {
		members = make(map[string]struct{})
		r.typeIndex[configType] = members
	}
	members[connectionID] = struct{}{}
}

func (r *Registry) dropTypeEntry(configType dynconfig.ConfigType, connectionID string) {
	members, ok := r.typeIndex[configType]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.typeIndex, configType)
	}
}

func copyInfo(info ConnectionInfo) ConnectionInfo {
	out := info
	out.Subscriptions = append([]Subscription(nil), info.Subscriptions...)
	return out
}
