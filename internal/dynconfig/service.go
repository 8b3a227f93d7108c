package dynconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plexalabs/dynconf/internal/eventbus"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("config store is required")
	errMissingHistory = errors.New("version history is required")
	errMissingBus     = errors.New("event bus is required")
	noOpLogger        = zap.NewNop()
)

const (
	opServiceNew = "dynconfig.service.new"
	opCreate     = "dynconfig.create"
	opUpdate     = "dynconfig.update"
	opDelete     = "dynconfig.delete"
	opRollback   = "dynconfig.rollback"
	opGet        = "dynconfig.get"
	opList       = "dynconfig.list"
	opHistory    = "dynconfig.history"
	opImport     = "dynconfig.import"
	opExport     = "dynconfig.export"
	opStats      = "dynconfig.stats"
	opWarmCache  = "dynconfig.warm_cache"
)

// ServiceConfig wires the collaborators of a Service.
type ServiceConfig struct {
	Store     ConfigStore
	Cache     *ConfigCache
	History   *VersionHistory
	Validator *ConfigValidator
	Bus       eventbus.Bus
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service orchestrates configuration writes. It is the only component allowed
// to mutate the store, the cache, and the version history, and it serializes
// mutations per config key so version assignment stays atomic.
type Service struct {
	store     ConfigStore
	cache     *ConfigCache
	history   *VersionHistory
	validator *ConfigValidator
	bus       eventbus.Bus
	clock     func() time.Time
	logger    *zap.Logger

	locksMu sync.Mutex
	locks   map[ConfigKey]*keyLock
}

// keyLock is a per-key mutex with a waiter count so lockKey can drop the map
// entry once nobody holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewService validates dependencies and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.History == nil {
		return nil, newServiceError(opServiceNew, "missing_history", errMissingHistory)
	}
	if cfg.Bus == nil {
		return nil, newServiceError(opServiceNew, "missing_bus", errMissingBus)
	}

	cache := cfg.Cache
	if cache == nil {
		cache = NewConfigCache()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = NewConfigValidator(cfg.Store)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:     cfg.Store,
		cache:     cache,
		history:   cfg.History,
		validator: validator,
		bus:       cfg.Bus,
		clock:     clock,
		logger:    logger,
		locks:     make(map[ConfigKey]*keyLock),
	}, nil
}

// lockKey serializes mutations for one config key. Writes to different keys
// proceed independently. Entries are reference-counted and removed from the
// map once the last holder releases, so the map only holds contended keys.
func (s *Service) lockKey(key ConfigKey) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

// Create stores a new active configuration and appends version 1. Creating over
// an existing active record is a conflict; creating over an inactive record
// reactivates it and continues its version chain.
func (s *Service) Create(ctx context.Context, request WriteRequest) (ConfigRecord, VersionRecord, error) {
	unlock := s.lockKey(request.Key)
	defer unlock()

	validation := s.validator.Validate(ctx, request)
	if !validation.IsValid {
		return ConfigRecord{}, VersionRecord{}, &ValidationError{Key: request.Key, Errors: validation.Errors}
	}

	existing, found, err := s.store.Get(ctx, request.Key)
	if err != nil {
		s.logError(opCreate, "store_get_failed", err, request.Key)
		return ConfigRecord{}, VersionRecord{}, newServiceError(opCreate, "store_get_failed", err)
	}
	if found && existing.Active() {
		return ConfigRecord{}, VersionRecord{}, &ConflictError{Key: request.Key, Reason: "active configuration already exists"}
	}

	now := s.clock().UTC()
	record := ConfigRecord{
		ConfigType:     request.Key.Type,
		ConfigID:       request.Key.ID,
		Configuration:  request.Configuration.Clone(),
		Region:         request.Region,
		TaxType:        request.TaxType,
		Priority:       request.Priority,
		Tags:           request.Tags,
		EffectiveFrom:  request.EffectiveFrom,
		EffectiveUntil: request.EffectiveUntil,
		Status:         StatusActive,
		CreatedBy:      request.UpdatedBy,
		UpdatedBy:      request.UpdatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if found {
		// Reactivation keeps the original provenance.
		record.CreatedBy = existing.CreatedBy
		record.CreatedAt = existing.CreatedAt
	}

	snapshot, err := s.commit(ctx, opCreate, record, request.Reason, request.Metadata)
	if err != nil {
		return ConfigRecord{}, VersionRecord{}, err
	}

	s.publish(ctx, eventbus.EventCreated, record, nil, request.Metadata)
	s.logger.Info("configuration created",
		zap.String("key", request.Key.String()),
		zap.Int("version", snapshot.Version),
		zap.Bool("reactivated", found))
	return record, snapshot, nil
}

// Update merges the partial configuration over the existing record and appends
// the next version. Scope fields are replaced only when the request sets them.
func (s *Service) Update(ctx context.Context, request WriteRequest) (ConfigRecord, VersionRecord, error) {
	unlock := s.lockKey(request.Key)
	defer unlock()

	return s.updateLocked(ctx, request)
}

func (s *Service) updateLocked(ctx context.Context, request WriteRequest) (ConfigRecord, VersionRecord, error) {
	existing, found, err := s.store.Get(ctx, request.Key)
	if err != nil {
		s.logError(opUpdate, "store_get_failed", err, request.Key)
		return ConfigRecord{}, VersionRecord{}, newServiceError(opUpdate, "store_get_failed", err)
	}
	if !found {
		return ConfigRecord{}, VersionRecord{}, &NotFoundError{Key: request.Key}
	}

	merged := existing
	merged.Configuration = mergePayload(existing.Configuration, request.Configuration)
	if request.Region != "" {
		merged.Region = request.Region
	}
	if request.TaxType != "" {
		merged.TaxType = request.TaxType
	}
	if request.Priority != 0 {
		merged.Priority = request.Priority
	}
	if request.Tags != nil {
		merged.Tags = request.Tags
	}
	if request.EffectiveFrom != nil {
		merged.EffectiveFrom = request.EffectiveFrom
	}
	if request.EffectiveUntil != nil {
		merged.EffectiveUntil = request.EffectiveUntil
	}
	merged.UpdatedBy = request.UpdatedBy
	merged.UpdatedAt = s.clock().UTC()

	validation := s.validator.Validate(ctx, WriteRequest{
		Key:           request.Key,
		Configuration: merged.Configuration,
		Region:        merged.Region,
		TaxType:       merged.TaxType,
	})
	if !validation.IsValid {
		return ConfigRecord{}, VersionRecord{}, &ValidationError{Key: request.Key, Errors: validation.Errors}
	}

	snapshot, err := s.commit(ctx, opUpdate, merged, request.Reason, request.Metadata)
	if err != nil {
		return ConfigRecord{}, VersionRecord{}, err
	}

	eventType := eventbus.EventUpdated
	if request.Metadata != nil {
		if isRollback, _ := request.Metadata["rollback"].(bool); isRollback {
			eventType = eventbus.EventRollback
		}
	}
	s.publish(ctx, eventType, merged, existing.Configuration, request.Metadata)
	s.logger.Info("configuration updated",
		zap.String("key", request.Key.String()),
		zap.Int("version", snapshot.Version))
	return merged, snapshot, nil
}

// Delete soft-deletes the record: status flips to inactive, the cache entry is
// dropped, and version history is left untouched.
func (s *Service) Delete(ctx context.Context, key ConfigKey, deletedBy string) error {
	unlock := s.lockKey(key)
	defer unlock()

	existing, found, err := s.store.Get(ctx, key)
	if err != nil {
		s.logError(opDelete, "store_get_failed", err, key)
		return newServiceError(opDelete, "store_get_failed", err)
	}
	if !found {
		return &NotFoundError{Key: key}
	}

	now := s.clock().UTC()
	if err := s.store.SoftDelete(ctx, key, deletedBy, now); err != nil {
		s.logError(opDelete, "store_delete_failed", err, key)
		return newServiceError(opDelete, "store_delete_failed", err)
	}
	s.cache.Delete(key)

	deleted := existing
	deleted.Status = StatusInactive
	deleted.UpdatedBy = deletedBy
	deleted.UpdatedAt = now
	s.publish(ctx, eventbus.EventDeleted, deleted, nil, nil)

	s.logger.Info("configuration deleted", zap.String("key", key.String()))
	return nil
}

// Rollback applies the target version's configuration as a new forward update.
// The new version is tagged with rollback provenance and published as a
// distinct rollback event.
func (s *Service) Rollback(ctx context.Context, key ConfigKey, targetVersion int, rolledBackBy, reason string) (ConfigRecord, VersionRecord, error) {
	unlock := s.lockKey(key)
	defer unlock()

	target, found, err := s.history.Find(ctx, key, targetVersion)
	if err != nil {
		s.logError(opRollback, "history_read_failed", err, key)
		return ConfigRecord{}, VersionRecord{}, newServiceError(opRollback, "history_read_failed", err)
	}
	if !found {
		return ConfigRecord{}, VersionRecord{}, &NotFoundError{Key: key, Version: targetVersion}
	}

	record, snapshot, err := s.updateLocked(ctx, WriteRequest{
		Key:           key,
		Configuration: target.Configuration.Clone(),
		UpdatedBy:     rolledBackBy,
		Reason:        fmt.Sprintf("rollback to version %d: %s", targetVersion, reason),
		Metadata: Metadata{
			"rollback":       true,
			"targetVersion":  targetVersion,
			"originalReason": reason,
		},
	})
	if err != nil {
		return ConfigRecord{}, VersionRecord{}, err
	}

	s.logger.Info("configuration rolled back",
		zap.String("key", key.String()),
		zap.Int("target_version", targetVersion),
		zap.Int("new_version", snapshot.Version))
	return record, snapshot, nil
}

// Get reads the record cache-first and populates the cache on a store hit.
// Inactive records are returned; List is the active-filtered view.
func (s *Service) Get(ctx context.Context, key ConfigKey) (ConfigRecord, error) {
	if record, ok := s.cache.Get(key); ok {
		return record, nil
	}

	record, found, err := s.store.Get(ctx, key)
	if err != nil {
		s.logError(opGet, "store_get_failed", err, key)
		return ConfigRecord{}, newServiceError(opGet, "store_get_failed", err)
	}
	if !found {
		return ConfigRecord{}, &NotFoundError{Key: key}
	}

	s.cache.Set(record)
	return record, nil
}

// List returns records matching the filters, highest priority first.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]ConfigRecord, error) {
	records, err := s.store.List(ctx, filters)
	if err != nil {
		s.logger.Error("configuration list failed",
			zap.String("operation", opList),
			zap.Error(err))
		return nil, newServiceError(opList, "store_list_failed", err)
	}
	return records, nil
}

// History returns up to limit versions for the key, newest first.
func (s *Service) History(ctx context.Context, key ConfigKey, limit int) ([]VersionRecord, error) {
	versions, err := s.history.Read(ctx, key, limit)
	if err != nil {
		s.logError(opHistory, "history_read_failed", err, key)
		return nil, newServiceError(opHistory, "history_read_failed", err)
	}
	return versions, nil
}

// Validate runs the pre-commit checks without persisting anything.
func (s *Service) Validate(ctx context.Context, request WriteRequest) ValidationResult {
	return s.validator.Validate(ctx, request)
}

// WarmCache loads every active record into the cache, mirroring startup in the
// read-through model.
func (s *Service) WarmCache(ctx context.Context) (int, error) {
	active := true
	records, err := s.store.List(ctx, ListFilters{IsActive: &active})
	if err != nil {
		s.logger.Error("cache warm failed",
			zap.String("operation", opWarmCache),
			zap.Error(err))
		return 0, newServiceError(opWarmCache, "store_list_failed", err)
	}
	for _, record := range records {
		s.cache.Set(record)
	}
	s.logger.Info("configuration cache warmed", zap.Int("entries", len(records)))
	return len(records), nil
}

// ClearCache drops every cached entry.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

// commit persists the record, refreshes the cache, and appends the version
// snapshot. Called with the key lock held.
func (s *Service) commit(ctx context.Context, operation string, record ConfigRecord, reason string, metadata Metadata) (VersionRecord, error) {
	if err := s.store.Put(ctx, record); err != nil {
		s.logError(operation, "store_put_failed", err, record.Key())
		return VersionRecord{}, newServiceError(operation, "store_put_failed", err)
	}
	s.cache.Set(record)

	snapshot, err := s.history.Append(ctx, record, reason, metadata)
	if err != nil {
		s.logError(operation, "history_append_failed", err, record.Key())
		return VersionRecord{}, newServiceError(operation, "history_append_failed", err)
	}
	return snapshot, nil
}

func (s *Service) publish(ctx context.Context, eventType eventbus.EventType, record ConfigRecord, previous Payload, metadata Metadata) {
	effectiveDate := record.UpdatedAt
	if record.EffectiveFrom != nil {
		effectiveDate = *record.EffectiveFrom
	}

	event := eventbus.Event{
		EventType:             eventType,
		ConfigType:            string(record.ConfigType),
		ConfigID:              record.ConfigID,
		Configuration:         record.Configuration.Clone(),
		PreviousConfiguration: previous.Clone(),
		EffectiveDate:         effectiveDate,
		UpdatedBy:             record.UpdatedBy,
		Timestamp:             s.clock().UTC(),
		Metadata:              metadata,
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		// Distribution is best-effort; the write itself has already committed.
		s.logger.Warn("config event publish failed",
			zap.String("key", record.Key().String()),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, key ConfigKey) {
	s.logger.Error("dynconfig service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("key", key.String()),
		zap.Error(err))
}

// mergePayload lays the partial update over the base payload. Top-level fields
// present in the update replace the base field wholesale.
func mergePayload(base, update Payload) Payload {
	merged := base.Clone()
	if merged == nil {
		merged = Payload{}
	}
	for field, value := range update.Clone() {
		merged[field] = value
	}
	return merged
}
