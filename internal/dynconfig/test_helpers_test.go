package dynconfig

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/plexalabs/dynconf/internal/eventbus"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ConfigRecord{}, &VersionRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// captureBus records published events synchronously for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *captureBus) Publish(_ context.Context, event eventbus.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	return nil
}

func (b *captureBus) Subscribe(eventbus.Handler) func() { return func() {} }

func (b *captureBus) Close() error { return nil }

func (b *captureBus) published() []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]eventbus.Event(nil), b.events...)
}

func newTestService(t *testing.T) (*Service, *captureBus, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	bus := &captureBus{}
	service, err := NewService(ServiceConfig{
		Store:   NewGormStore(db),
		History: NewVersionHistory(db, DefaultHistoryLimit),
		Bus:     bus,
		Clock:   func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, bus, db
}

func mustKey(t *testing.T, configType ConfigType, id string) ConfigKey {
	t.Helper()
	key, err := NewConfigKey(configType, id)
	if err != nil {
		t.Fatalf("unexpected config key error: %v", err)
	}
	return key
}

func ruleRequest(t *testing.T, id string, rate float64) WriteRequest {
	t.Helper()
	return WriteRequest{
		Key: mustKey(t, ConfigTypeRule, id),
		Configuration: Payload{
			"name":    "standard rate",
			"taxType": "GST",
			"rate":    rate,
		},
		Region:    "US",
		TaxType:   "GST",
		UpdatedBy: "tester",
		Reason:    "test write",
	}
}

func mustCreate(t *testing.T, service *Service, request WriteRequest) (ConfigRecord, VersionRecord) {
	t.Helper()
	record, version, err := service.Create(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return record, version
}
