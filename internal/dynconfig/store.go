package dynconfig

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ConfigStore persists configuration records. The service layer treats it as an
// opaque key/value collaborator; this package ships the GORM implementation.
type ConfigStore interface {
	Get(ctx context.Context, key ConfigKey) (ConfigRecord, bool, error)
	Put(ctx context.Context, record ConfigRecord) error
	List(ctx context.Context, filters ListFilters) ([]ConfigRecord, error)
	SoftDelete(ctx context.Context, key ConfigKey, deletedBy string, at time.Time) error
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a GORM handle as a ConfigStore.
func NewGormStore(db *gorm.DB) ConfigStore {
	return &gormStore{db: db}
}

func (s *gormStore) Get(ctx context.Context, key ConfigKey) (ConfigRecord, bool, error) {
	var record ConfigRecord
	err := s.db.WithContext(ctx).
		Where("config_type = ? AND config_id = ?", key.Type, key.ID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConfigRecord{}, false, nil
	}
	if err != nil {
		return ConfigRecord{}, false, err
	}
	return record, true, nil
}

func (s *gormStore) Put(ctx context.Context, record ConfigRecord) error {
	return s.db.WithContext(ctx).Save(&record).Error
}

func (s *gormStore) List(ctx context.Context, filters ListFilters) ([]ConfigRecord, error) {
	query := s.db.WithContext(ctx).Model(&ConfigRecord{})

	if filters.Type != "" {
		query = query.Where("config_type = ?", filters.Type)
	}
	if filters.Region != "" {
		query = query.Where("region = ?", filters.Region)
	}
	if filters.TaxType != "" {
		query = query.Where("tax_type = ?", filters.TaxType)
	}
	if filters.IsActive != nil {
		status := StatusInactive
		if *filters.IsActive {
			status = StatusActive
		}
		query = query.Where("status = ?", status)
	}
	if filters.EffectiveDate != nil {
		at := filters.EffectiveDate.UTC()
		query = query.Where("effective_from IS NULL OR effective_from <= ?", at)
		query = query.Where("effective_until IS NULL OR effective_until > ?", at)
	}

	var records []ConfigRecord
	if err := query.
		Order("priority DESC").
		Order("updated_at DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	if len(filters.Tags) == 0 {
		return records, nil
	}

	// Tags live inside a serialized column, so the subset match happens here.
	matched := records[:0]
	for _, record := range records {
		if containsAllTags(record.Tags, filters.Tags) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func (s *gormStore) SoftDelete(ctx context.Context, key ConfigKey, deletedBy string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ConfigRecord{}).
		Where("config_type = ? AND config_id = ?", key.Type, key.ID).
		Updates(map[string]any{
			"status":     StatusInactive,
			"updated_by": deletedBy,
			"updated_at": at,
		}).Error
}

func containsAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, tag := range have {
		set[tag] = struct{}{}
	}
	for _, tag := range want {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}
