package dynconfig

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// DefaultHistoryLimit bounds the retained versions per config key.
const DefaultHistoryLimit = 50

// VersionHistory is the append-only, bounded version log. Versions are numbered
// max(existing)+1 starting at 1; once the bound is exceeded the oldest entries
// are evicted. Reads return most-recent-first.
type VersionHistory struct {
	db    *gorm.DB
	limit int
}

// NewVersionHistory wraps a GORM handle as a version log. A non-positive limit
// falls back to DefaultHistoryLimit.
func NewVersionHistory(db *gorm.DB, limit int) *VersionHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &VersionHistory{db: db, limit: limit}
}

// Append snapshots the record as the next version for its key. The stored
// configuration is cloned, so later edits to the live record never reach the
// snapshot.
func (h *VersionHistory) Append(ctx context.Context, record ConfigRecord, reason string, metadata Metadata) (VersionRecord, error) {
	key := record.Key()

	effectiveDate := record.UpdatedAt
	if record.EffectiveFrom != nil {
		effectiveDate = *record.EffectiveFrom
	}

	var snapshot VersionRecord
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := nextVersion(tx, key)
		if err != nil {
			return err
		}

		snapshot = VersionRecord{
			ConfigType:    key.Type,
			ConfigID:      key.ID,
			Version:       next,
			Configuration: record.Configuration.Clone(),
			EffectiveDate: effectiveDate,
			ExpiryDate:    record.EffectiveUntil,
			UpdatedBy:     record.UpdatedBy,
			UpdatedAt:     record.UpdatedAt,
			Reason:        reason,
			Metadata:      metadata,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}

		if next > h.limit {
			return tx.
				Where("config_type = ? AND config_id = ? AND version <= ?", key.Type, key.ID, next-h.limit).
				Delete(&VersionRecord{}).Error
		}
		return nil
	})
	if err != nil {
		return VersionRecord{}, err
	}
	return snapshot, nil
}

// Read returns up to limit versions for the key, newest first. A non-positive
// limit returns everything retained.
func (h *VersionHistory) Read(ctx context.Context, key ConfigKey, limit int) ([]VersionRecord, error) {
	query := h.db.WithContext(ctx).
		Where("config_type = ? AND config_id = ?", key.Type, key.ID).
		Order("version DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var versions []VersionRecord
	if err := query.Find(&versions).Error; err != nil {
		return nil, err
	}
	return versions, nil
}

// Find returns one retained version for the key.
func (h *VersionHistory) Find(ctx context.Context, key ConfigKey, version int) (VersionRecord, bool, error) {
	var snapshot VersionRecord
	err := h.db.WithContext(ctx).
		Where("config_type = ? AND config_id = ? AND version = ?", key.Type, key.ID, version).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VersionRecord{}, false, nil
	}
	if err != nil {
		return VersionRecord{}, false, err
	}
	return snapshot, true, nil
}

// LastUpdated returns the newest snapshot timestamp across all keys, or the
// zero time when no versions exist.
func (h *VersionHistory) LastUpdated(ctx context.Context) (time.Time, error) {
	var snapshot VersionRecord
	err := h.db.WithContext(ctx).Order("updated_at DESC").Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return snapshot.UpdatedAt, nil
}

func nextVersion(tx *gorm.DB, key ConfigKey) (int, error) {
	var current *int
	err := tx.Model(&VersionRecord{}).
		Where("config_type = ? AND config_id = ?", key.Type, key.ID).
		Select("MAX(version)").
		Scan(&current).Error
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 1, nil
	}
	return *current + 1, nil
}
