package dynconfig

import "testing"

func cachedRecord(id string, rate float64) ConfigRecord {
	return ConfigRecord{
		ConfigType:    ConfigTypeRule,
		ConfigID:      id,
		Configuration: Payload{"rate": rate},
		Status:        StatusActive,
	}
}

func TestCacheSetGetDelete(t *testing.T) {
	cache := NewConfigCache()
	record := cachedRecord("rule-cache", 7.5)

	cache.Set(record)
	if cache.Size() != 1 {
		t.Fatalf("expected one entry, got %d", cache.Size())
	}

	got, ok := cache.Get(record.Key())
	if !ok {
		t.Fatal("expected cache hit after Set")
	}
	if got.Configuration["rate"] != 7.5 {
		t.Fatalf("unexpected cached payload: %v", got.Configuration)
	}

	cache.Delete(record.Key())
	if _, ok := cache.Get(record.Key()); ok {
		t.Fatal("expected miss after Delete")
	}
	// Deleting a missing key is a no-op.
	cache.Delete(record.Key())
}

func TestCacheIsolatesPayloadsFromCallers(t *testing.T) {
	cache := NewConfigCache()
	record := cachedRecord("rule-isolated", 10.0)
	cache.Set(record)

	// Mutating the payload passed to Set must not reach the cache.
	record.Configuration["rate"] = 99.0
	first, _ := cache.Get(record.Key())
	if first.Configuration["rate"] != 10.0 {
		t.Fatalf("Set leaked caller payload into the cache: %v", first.Configuration)
	}

	// Mutating a returned payload must not reach the cache either.
	first.Configuration["rate"] = 55.0
	second, _ := cache.Get(record.Key())
	if second.Configuration["rate"] != 10.0 {
		t.Fatalf("Get handed out a shared payload: %v", second.Configuration)
	}
}

func TestCacheClearAndKeys(t *testing.T) {
	cache := NewConfigCache()
	cache.Set(cachedRecord("rule-a", 1))
	cache.Set(cachedRecord("rule-b", 2))

	keys := cache.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected two keys, got %v", keys)
	}

	cache.Clear()
	if cache.Size() != 0 {
		t.Fatalf("expected empty cache after Clear, got %d entries", cache.Size())
	}
}
