package dynconfig

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/plexalabs/dynconf/internal/eventbus"
	"go.uber.org/zap"
)

// exportFormatVersion tags export bundles so future importers can branch on layout.
const exportFormatVersion = "1.0"

// BulkItemResult reports one item of a bulk update.
type BulkItemResult struct {
	ConfigType ConfigType `json:"configType"`
	ConfigID   string     `json:"configId"`
	Success    bool       `json:"success"`
	Version    int        `json:"version,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// BulkUpdate applies each update independently and never aborts the batch; a
// failed item is reported and the rest proceed.
func (s *Service) BulkUpdate(ctx context.Context, requests []WriteRequest) []BulkItemResult {
	results := make([]BulkItemResult, 0, len(requests))
	for _, request := range requests {
		result := BulkItemResult{ConfigType: request.Key.Type, ConfigID: request.Key.ID}
		_, snapshot, err := s.Update(ctx, request)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Version = snapshot.Version
		}
		results = append(results, result)
	}
	return results
}

// ExportBundle is the full configuration dump, grouped by type.
type ExportBundle struct {
	Configs       map[ConfigType][]ConfigRecord `json:"configs"`
	RecordCount   int                           `json:"recordCount"`
	ExportedAt    time.Time                     `json:"exportedAt"`
	FormatVersion string                        `json:"formatVersion"`
}

// Export returns every record, active and inactive, grouped by type.
func (s *Service) Export(ctx context.Context) (ExportBundle, error) {
	records, err := s.store.List(ctx, ListFilters{})
	if err != nil {
		s.logger.Error("configuration export failed",
			zap.String("operation", opExport),
			zap.Error(err))
		return ExportBundle{}, newServiceError(opExport, "store_list_failed", err)
	}

	bundle := ExportBundle{
		Configs:       make(map[ConfigType][]ConfigRecord),
		RecordCount:   len(records),
		ExportedAt:    s.clock().UTC(),
		FormatVersion: exportFormatVersion,
	}
	for _, record := range records {
		bundle.Configs[record.ConfigType] = append(bundle.Configs[record.ConfigType], record)
	}
	return bundle, nil
}

// ImportRequest carries records to import, grouped by type.
type ImportRequest struct {
	Configs           map[ConfigType][]ConfigRecord `json:"configs"`
	OverwriteExisting bool                          `json:"overwriteExisting"`
}

// ImportReport counts the outcome per type; item failures are collected, not fatal.
type ImportReport struct {
	Imported map[ConfigType]int `json:"imported"`
	Skipped  map[ConfigType]int `json:"skipped"`
	Errors   []string           `json:"errors"`
}

// Import loads records best-effort. Existing keys are skipped unless
// OverwriteExisting is set, in which case the stored configuration is replaced
// wholesale and the version chain continues.
func (s *Service) Import(ctx context.Context, request ImportRequest, importedBy string) ImportReport {
	report := ImportReport{
		Imported: make(map[ConfigType]int),
		Skipped:  make(map[ConfigType]int),
		Errors:   []string{},
	}

	for configType, records := range request.Configs {
		for _, incoming := range records {
			key, err := NewConfigKey(configType, incoming.ConfigID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("skipping %s record with invalid id: %v", configType, err))
				continue
			}
			imported, err := s.importOne(ctx, key, incoming, request.OverwriteExisting, importedBy)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("import %s failed: %v", key, err))
				continue
			}
			if imported {
				report.Imported[configType]++
			} else {
				report.Skipped[configType]++
			}
		}
	}

	if _, err := s.WarmCache(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("cache refresh failed: %v", err))
	}

	s.logger.Info("configuration import completed",
		zap.Any("imported", report.Imported),
		zap.Any("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)))
	return report
}

func (s *Service) importOne(ctx context.Context, key ConfigKey, incoming ConfigRecord, overwrite bool, importedBy string) (bool, error) {
	unlock := s.lockKey(key)
	defer unlock()

	validation := s.validator.Validate(ctx, WriteRequest{
		Key:           key,
		Configuration: incoming.Configuration,
		Region:        incoming.Region,
		TaxType:       incoming.TaxType,
	})
	if !validation.IsValid {
		return false, &ValidationError{Key: key, Errors: validation.Errors}
	}

	existing, found, err := s.store.Get(ctx, key)
	if err != nil {
		return false, newServiceError(opImport, "store_get_failed", err)
	}
	if found && !overwrite {
		return false, nil
	}

	now := s.clock().UTC()
	record := incoming
	record.ConfigType = key.Type
	record.ConfigID = key.ID
	record.Configuration = incoming.Configuration.Clone()
	record.Status = StatusActive
	record.CreatedBy = importedBy
	record.CreatedAt = now
	record.UpdatedBy = importedBy
	record.UpdatedAt = now
	if found {
		record.CreatedBy = existing.CreatedBy
		record.CreatedAt = existing.CreatedAt
	}

	snapshot, err := s.commit(ctx, opImport, record, "imported configuration", Metadata{"import": true})
	if err != nil {
		return false, err
	}

	eventType := eventbus.EventCreated
	var previous Payload
	if found {
		eventType = eventbus.EventUpdated
		previous = existing.Configuration
	}
	s.publish(ctx, eventType, record, previous, Metadata{"import": true})

	s.logger.Debug("configuration imported",
		zap.String("key", key.String()),
		zap.Int("version", snapshot.Version))
	return true, nil
}

// Statistics summarizes the store and cache for the admin surface.
type Statistics struct {
	TotalRecords    int       `json:"totalRecords"`
	ActiveRecords   int       `json:"activeRecords"`
	InactiveRecords int       `json:"inactiveRecords"`
	RegionCoverage  []string  `json:"regionCoverage"`
	TaxTypes        []string  `json:"taxTypes"`
	CacheSize       int       `json:"cacheSize"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// Stats computes store-wide counts and coverage sets.
func (s *Service) Stats(ctx context.Context) (Statistics, error) {
	records, err := s.store.List(ctx, ListFilters{})
	if err != nil {
		s.logger.Error("configuration stats failed",
			zap.String("operation", opStats),
			zap.Error(err))
		return Statistics{}, newServiceError(opStats, "store_list_failed", err)
	}

	stats := Statistics{
		TotalRecords:   len(records),
		RegionCoverage: []string{},
		TaxTypes:       []string{},
		CacheSize:      s.cache.Size(),
	}

	regions := make(map[string]struct{})
	taxTypes := make(map[string]struct{})
	for _, record := range records {
		if record.Active() {
			stats.ActiveRecords++
		} else {
			stats.InactiveRecords++
		}
		if record.Region != "" {
			regions[record.Region] = struct{}{}
		}
		if record.TaxType != "" {
			taxTypes[record.TaxType] = struct{}{}
		}
		if record.UpdatedAt.After(stats.LastUpdated) {
			stats.LastUpdated = record.UpdatedAt
		}
	}

	for region := range regions {
		stats.RegionCoverage = append(stats.RegionCoverage, region)
	}
	for taxType := range taxTypes {
		stats.TaxTypes = append(stats.TaxTypes, taxType)
	}
	sort.Strings(stats.RegionCoverage)
	sort.Strings(stats.TaxTypes)

	return stats, nil
}
