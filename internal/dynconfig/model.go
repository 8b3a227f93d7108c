package dynconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigType enumerates configuration kinds. The set is extensible; these two
// cover the shipped rule and settings configurations.
type ConfigType string

const (
	ConfigTypeRule     ConfigType = "rule"
	ConfigTypeSettings ConfigType = "settings"
)

// Status marks whether a record is live or soft-deleted.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var (
	// ErrInvalidConfigKey indicates an empty or malformed config key component.
	ErrInvalidConfigKey = errors.New("dynconfig: invalid config key")
)

// ConfigKey identifies one configuration object.
type ConfigKey struct {
	Type ConfigType
	ID   string
}

// NewConfigKey validates both components and returns a ConfigKey.
func NewConfigKey(configType ConfigType, configID string) (ConfigKey, error) {
	if strings.TrimSpace(string(configType)) == "" {
		return ConfigKey{}, fmt.Errorf("%w: empty type", ErrInvalidConfigKey)
	}
	if strings.TrimSpace(configID) == "" {
		return ConfigKey{}, fmt.Errorf("%w: empty id", ErrInvalidConfigKey)
	}
	return ConfigKey{Type: configType, ID: configID}, nil
}

// String renders the key in its canonical type:id form.
func (k ConfigKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// Payload is the opaque structured configuration body.
type Payload map[string]any

// Clone returns a deep, independent copy of the payload. The copy goes through
// a JSON round trip so nested maps and slices never alias the original.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		// Payloads arrive from JSON decoding, so marshalling them back cannot fail.
		return Payload{}
	}
	var out Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		return Payload{}
	}
	return out
}

// Metadata carries free-form write annotations, including rollback provenance.
type Metadata map[string]any

// ConfigRecord stores the current state of one configuration.
type ConfigRecord struct {
	ConfigType     ConfigType `gorm:"column:config_type;size:64;primaryKey" json:"configType"`
	ConfigID       string     `gorm:"column:config_id;size:190;primaryKey" json:"configId"`
	Configuration  Payload    `gorm:"column:configuration;type:text;serializer:json" json:"configuration"`
	Region         string     `gorm:"column:region;size:64;index" json:"region,omitempty"`
	TaxType        string     `gorm:"column:tax_type;size:64;index" json:"taxType,omitempty"`
	Priority       int        `gorm:"column:priority;not null;default:0" json:"priority"`
	Tags           []string   `gorm:"column:tags;type:text;serializer:json" json:"tags,omitempty"`
	EffectiveFrom  *time.Time `gorm:"column:effective_from" json:"effectiveFrom,omitempty"`
	EffectiveUntil *time.Time `gorm:"column:effective_until" json:"effectiveUntil,omitempty"`
	Status         Status     `gorm:"column:status;size:16;not null" json:"status"`
	CreatedBy      string     `gorm:"column:created_by;size:190;not null" json:"createdBy"`
	UpdatedBy      string     `gorm:"column:updated_by;size:190;not null" json:"updatedBy"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (ConfigRecord) TableName() string {
	return "config_records"
}

// Key returns the record's config key.
func (r ConfigRecord) Key() ConfigKey {
	return ConfigKey{Type: r.ConfigType, ID: r.ConfigID}
}

// Active reports whether the record has not been soft-deleted.
func (r ConfigRecord) Active() bool {
	return r.Status == StatusActive
}

// EffectiveAt reports whether the record's validity window contains the given time.
func (r ConfigRecord) EffectiveAt(at time.Time) bool {
	if r.EffectiveFrom != nil && r.EffectiveFrom.After(at) {
		return false
	}
	if r.EffectiveUntil != nil && !r.EffectiveUntil.After(at) {
		return false
	}
	return true
}

// VersionRecord stores an immutable snapshot appended on every successful write.
type VersionRecord struct {
	RecordID      int64      `gorm:"column:record_id;primaryKey;autoIncrement" json:"-"`
	ConfigType    ConfigType `gorm:"column:config_type;size:64;not null;index:idx_config_versions_key,priority:1" json:"configType"`
	ConfigID      string     `gorm:"column:config_id;size:190;not null;index:idx_config_versions_key,priority:2" json:"configId"`
	Version       int        `gorm:"column:version;not null" json:"version"`
	Configuration Payload    `gorm:"column:configuration;type:text;serializer:json" json:"configuration"`
	EffectiveDate time.Time  `gorm:"column:effective_date;not null" json:"effectiveDate"`
	ExpiryDate    *time.Time `gorm:"column:expiry_date" json:"expiryDate,omitempty"`
	UpdatedBy     string     `gorm:"column:updated_by;size:190;not null" json:"updatedBy"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
	Reason        string     `gorm:"column:reason;type:text" json:"reason"`
	Metadata      Metadata   `gorm:"column:metadata;type:text;serializer:json" json:"metadata,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "config_versions"
}

// ListFilters narrows a List query. Zero values leave the dimension unfiltered.
type ListFilters struct {
	Type          ConfigType
	Region        string
	TaxType       string
	IsActive      *bool
	EffectiveDate *time.Time
	Tags          []string
}

// WriteRequest carries the caller-provided parts of a create or update.
type WriteRequest struct {
	Key            ConfigKey
	Configuration  Payload
	Region         string
	TaxType        string
	Priority       int
	Tags           []string
	EffectiveFrom  *time.Time
	EffectiveUntil *time.Time
	UpdatedBy      string
	Reason         string
	Metadata       Metadata
}
