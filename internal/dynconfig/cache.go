package dynconfig

import "sync"

// ConfigCache mirrors the store's current records in process memory. It is an
// explicit object with its own lifetime rather than a package-level map so
// tests and multiple services can hold isolated instances.
type ConfigCache struct {
	mu      sync.RWMutex
	entries map[ConfigKey]ConfigRecord
}

// NewConfigCache returns an empty cache.
func NewConfigCache() *ConfigCache {
	return &ConfigCache{entries: make(map[ConfigKey]ConfigRecord)}
}

// Get returns the cached record for the key, if present. The payload is cloned
// so callers can never mutate the cached copy in place.
func (c *ConfigCache) Get(key ConfigKey) (ConfigRecord, bool) {
	c.mu.RLock()
	record, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return ConfigRecord{}, false
	}
	record.Configuration = record.Configuration.Clone()
	return record, true
}

// Set stores the record under its key, replacing any previous entry.
func (c *ConfigCache) Set(record ConfigRecord) {
	record.Configuration = record.Configuration.Clone()
	c.mu.Lock()
	c.entries[record.Key()] = record
	c.mu.Unlock()
}

// Delete removes the key from the cache. Missing keys are a no-op.
func (c *ConfigCache) Delete(key ConfigKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *ConfigCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[ConfigKey]ConfigRecord)
	c.mu.Unlock()
}

// Size returns the number of cached entries.
func (c *ConfigCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the cached keys in no particular order.
func (c *ConfigCache) Keys() []ConfigKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]ConfigKey, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}
