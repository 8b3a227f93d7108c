package realtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/plexalabs/dynconf/internal/dynconfig"
	"github.com/plexalabs/dynconf/internal/eventbus"
	"go.uber.org/zap"
)

const (
	// connectSnapshotLimit caps the records pushed per type right after connect.
	connectSnapshotLimit = 20
	// statusHistoryLimit bounds the version slice in a status response.
	statusHistoryLimit = 5
)

var (
	errMissingRegistry = errors.New("connection registry is required")
	errMissingConfigs  = errors.New("config reader is required")
	errMissingGwBus    = errors.New("event bus is required")
)

const (
	opGatewayNew  = "realtime.gateway.new"
	opSubscribe   = "realtime.subscribe"
	opUnsubscribe = "realtime.unsubscribe"
	opStatus      = "realtime.status"
	opDeliver     = "realtime.deliver"
	opSweep       = "realtime.sweep"
)

// ConfigReader is the slice of the config service the gateway consumes.
type ConfigReader interface {
	Get(ctx context.Context, key dynconfig.ConfigKey) (dynconfig.ConfigRecord, error)
	List(ctx context.Context, filters dynconfig.ListFilters) ([]dynconfig.ConfigRecord, error)
	History(ctx context.Context, key dynconfig.ConfigKey, limit int) ([]dynconfig.VersionRecord, error)
}

// GatewayConfig wires the collaborators of a Gateway.
type GatewayConfig struct {
	Registry      *Registry
	Policy        *Policy
	Configs       ConfigReader
	Bus           eventbus.Bus
	Logger        *zap.Logger
	Clock         func() time.Time
	IdleThreshold time.Duration
	SnapshotTypes []dynconfig.ConfigType
}

// Gateway bridges the event bus to live client connections: it serves initial
// snapshots on subscribe, fans out change events through the reverse index,
// and re-checks read authorization at delivery time.
type Gateway struct {
	registry      *Registry
	policy        *Policy
	configs       ConfigReader
	logger        *zap.Logger
	clock         func() time.Time
	idleThreshold time.Duration
	snapshotTypes []dynconfig.ConfigType
	unsubscribe   func()
}

// NewGateway validates dependencies, hooks the gateway onto the bus, and
// returns it.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, dynconfigGatewayError(opGatewayNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Configs == nil {
		return nil, dynconfigGatewayError(opGatewayNew, "missing_configs", errMissingConfigs)
	}
	if cfg.Bus == nil {
		return nil, dynconfigGatewayError(opGatewayNew, "missing_bus", errMissingGwBus)
	}

	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idleThreshold := cfg.IdleThreshold
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Minute
	}
	snapshotTypes := cfg.SnapshotTypes
	if len(snapshotTypes) == 0 {
		snapshotTypes = []dynconfig.ConfigType{dynconfig.ConfigTypeRule, dynconfig.ConfigTypeSettings}
	}

	gateway := &Gateway{
		registry:      cfg.Registry,
		policy:        policy,
		configs:       cfg.Configs,
		logger:        logger,
		clock:         clock,
		idleThreshold: idleThreshold,
		snapshotTypes: snapshotTypes,
	}
	gateway.unsubscribe = cfg.Bus.Subscribe(gateway.handleEvent)
	return gateway, nil
}

// Close detaches the gateway from the bus and disconnects every client.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
	for _, id := range g.registry.IDs() {
		g.Disconnect(id)
	}
}

// Connect registers the connection and pushes a bounded snapshot of each type
// the role may read.
func (g *Gateway) Connect(ctx context.Context, id, userID string, role Role, sender Sender) error {
	now := g.clock().UTC()
	if err := g.registry.Register(id, userID, role, sender, now); err != nil {
		return err
	}

	for _, configType := range g.snapshotTypes {
		if !g.policy.CanRead(role, configType) {
			continue
		}
		active := true
		records, err := g.configs.List(ctx, dynconfig.ListFilters{Type: configType, IsActive: &active})
		if err != nil {
			g.logger.Warn("connect snapshot skipped",
				zap.String("operation", opSubscribe),
				zap.String("connection_id", id),
				zap.String("config_type", string(configType)),
				zap.Error(err))
			continue
		}
		if len(records) > connectSnapshotLimit {
			records = records[:connectSnapshotLimit]
		}
		g.send(id, sender, MessageInitialData, InitialData{ConfigType: configType, Configs: records})
	}

	g.logger.Info("realtime client connected",
		zap.String("connection_id", id),
		zap.String("user_id", userID),
		zap.String("role", string(role)))
	return nil
}

// Disconnect removes the connection, all its subscriptions, and every
// reverse-index entry it owned, then closes its sender if closable.
func (g *Gateway) Disconnect(id string) bool {
	_, sender, ok := g.registry.Snapshot(id)
	if !g.registry.Unregister(id) {
		return false
	}
	if ok {
		if closer, closable := sender.(io.Closer); closable {
			_ = closer.Close()
		}
	}
	g.logger.Info("realtime client disconnected", zap.String("connection_id", id))
	return true
}

// HandleSubscribe authorizes and stores the subscription, then pushes the
// initial snapshot for each requested type the role may read.
func (g *Gateway) HandleSubscribe(ctx context.Context, connectionID string, sub Subscription) (Ack, error) {
	now := g.clock().UTC()
	info, sender, ok := g.registry.Snapshot(connectionID)
	if !ok {
		return Ack{}, ErrConnectionUnknown
	}

	if err := g.policy.CanSubscribe(info.Role, sub.ConfigTypes); err != nil {
		g.logger.Warn("subscription rejected",
			zap.String("operation", opSubscribe),
			zap.String("connection_id", connectionID),
			zap.String("role", string(info.Role)),
			zap.Error(err))
		return Ack{}, err
	}

	if err := g.registry.AddSubscription(connectionID, sub, now); err != nil {
		return Ack{}, err
	}

	// CanSubscribe already verified read access for every requested type, so
	// each one gets a snapshot; nothing is narrowed after the ack.
	for _, configType := range sub.ConfigTypes {
		active := true
		records, err := g.configs.List(ctx, dynconfig.ListFilters{
			Type:     configType,
			Region:   sub.Region,
			TaxType:  sub.TaxType,
			IsActive: &active,
		})
		if err != nil {
			g.logger.Warn("initial snapshot failed",
				zap.String("operation", opSubscribe),
				zap.String("connection_id", connectionID),
				zap.String("config_type", string(configType)),
				zap.Error(err))
			continue
		}
		g.send(connectionID, sender, MessageInitialData, InitialData{ConfigType: configType, Configs: records})
	}

	return Ack{Success: true, Message: "subscribed to configuration updates"}, nil
}

// HandleUnsubscribe stops future delivery for the named scopes.
func (g *Gateway) HandleUnsubscribe(_ context.Context, connectionID string, request UnsubscribeRequest) (Ack, error) {
	if err := g.registry.RemoveSubscriptions(connectionID, request, g.clock().UTC()); err != nil {
		return Ack{}, err
	}
	return Ack{Success: true, Message: "unsubscribed from configuration updates"}, nil
}

// HandleStatus returns the current record plus a short history slice, subject
// to read authorization.
func (g *Gateway) HandleStatus(ctx context.Context, connectionID string, request StatusRequest) (StatusResponse, error) {
	info, _, ok := g.registry.Snapshot(connectionID)
	if !ok {
		return StatusResponse{}, ErrConnectionUnknown
	}
	g.registry.Touch(connectionID, g.clock().UTC())

	if !g.policy.CanRead(info.Role, request.ConfigType) {
		return StatusResponse{}, &AuthorizationError{Role: info.Role, ConfigType: request.ConfigType}
	}

	key, err := dynconfig.NewConfigKey(request.ConfigType, request.ConfigID)
	if err != nil {
		return StatusResponse{}, err
	}

	record, err := g.configs.Get(ctx, key)
	if err != nil {
		return StatusResponse{}, err
	}

	versions, err := g.configs.History(ctx, key, statusHistoryLimit)
	if err != nil {
		g.logger.Warn("status history read failed",
			zap.String("operation", opStatus),
			zap.String("key", key.String()),
			zap.Error(err))
		versions = []dynconfig.VersionRecord{}
	}

	return StatusResponse{
		Success:        true,
		Config:         record,
		VersionHistory: versions,
		LastUpdated:    record.UpdatedAt,
	}, nil
}

// Touch refreshes a connection's activity timestamp; transports call it for
// every inbound client message.
func (g *Gateway) Touch(connectionID string) {
	g.registry.Touch(connectionID, g.clock().UTC())
}

// SweepIdle force-disconnects connections idle past the configured threshold
// and returns how many were dropped.
func (g *Gateway) SweepIdle() int {
	cutoff := g.clock().UTC().Add(-g.idleThreshold)
	idle := g.registry.IdleSince(cutoff)
	for _, id := range idle {
		g.Disconnect(id)
	}
	if len(idle) > 0 {
		g.logger.Info("idle connections swept",
			zap.String("operation", opSweep),
			zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Stats exposes registry counts for the admin surface.
func (g *Gateway) Stats() ConnectionStats {
	return g.registry.Stats()
}

// handleEvent fans one bus event out to the matching connections.
// Authorization is re-evaluated per connection at delivery time, so a role
// change mid-session cannot leak data through an older subscription.
func (g *Gateway) handleEvent(event eventbus.Event) {
	configType := dynconfig.ConfigType(event.ConfigType)
	deliveries := g.registry.Candidates(configType, event.ConfigID)

	for _, delivery := range deliveries {
		if !g.policy.CanRead(delivery.Info.Role, configType) {
			continue
		}
		g.send(delivery.Info.ID, delivery.Sender, MessageConfigUpdate, ConfigUpdate{
			EventType:             event.EventType,
			ConfigType:            event.ConfigType,
			ConfigID:              event.ConfigID,
			Configuration:         event.Configuration,
			PreviousConfiguration: event.PreviousConfiguration,
			EffectiveDate:         event.EffectiveDate,
			UpdatedBy:             event.UpdatedBy,
			Timestamp:             event.Timestamp,
			Metadata:              event.Metadata,
		})
	}
}

// send pushes one message and logs delivery failures without aborting the
// caller's fan-out.
func (g *Gateway) send(connectionID string, sender Sender, messageType string, payload any) {
	if err := sender.Send(messageType, payload); err != nil {
		g.logger.Warn("message delivery failed",
			zap.String("operation", opDeliver),
			zap.String("connection_id", connectionID),
			zap.String("message_type", messageType),
			zap.Error(err))
	}
}

func dynconfigGatewayError(operation, reason string, cause error) error {
	return &gatewayError{operation: operation, reason: reason, err: cause}
}

type gatewayError struct {
	operation string
	reason    string
	err       error
}

func (e *gatewayError) Error() string {
	return e.operation + "." + e.reason + ": " + e.err.Error()
}

func (e *gatewayError) Unwrap() error {
	return e.err
}
