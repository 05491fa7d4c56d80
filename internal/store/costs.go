package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
)

// UpsertCosts writes a batch of canonical records in one transaction:
// either every record is applied or none. Rows matching an existing natural
// key replace cost, usage quantity, currency and updated_at; created_at is
// preserved.
func (s *Store) UpsertCosts(ctx context.Context, records []normalizer.CostRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([]costRow, 0, len(records))
	for i, rec := range records {
		row, err := toCostRow(rec)
		if err != nil {
			return 0, fmt.Errorf("%w: record %d: %v", ErrPersistence, i, err)
		}
		rows = append(rows, row)
	}

	var written int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "natural_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cost", "usage_quantity", "currency", "updated_at",
			}),
		}).Create(&rows)
		if res.Error != nil {
			return res.Error
		}
		written = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: upsert costs: %v", ErrPersistence, err)
	}

	s.logger.Info("cost batch upserted",
		zap.Int("records", len(rows)),
		zap.Int64("written", written))
	return written, nil
}

// QueryOption narrows a cost query.
type QueryOption func(*gorm.DB) *gorm.DB

// WithServices restricts results to the named services.
func WithServices(services ...string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("service_name IN ?", services)
	}
}

// WithDateRangeType restricts results to one granularity, keeping daily and
// monthly rows for the same window from double-counting in aggregates.
func WithDateRangeType(t normalizer.DateRangeType) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("date_range_type = ?", string(t))
	}
}

// WithDimensionShape restricts results to rows produced by the service
// dimension (region and usage_type absent), the default dashboard view.
func WithDimensionShape() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("region IS NULL AND usage_type IS NULL")
	}
}

// WithTagShape restricts results to rows produced by the cost-allocation
// tag dimension, where the provider's "key$value" group key is carried in
// usage_type and no service or region breakdown applies.
func WithTagShape() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("service_name = ? AND region IS NULL AND usage_type IS NOT NULL",
			normalizer.ServiceNameAll)
	}
}

// QueryCosts returns records for the account whose intervals begin inside
// [start, end], ordered by start_date ascending for deterministic charting.
// Read-only; never triggers a provider fetch.
func (s *Store) QueryCosts(ctx context.Context, accountID string, start, end time.Time, opts ...QueryOption) ([]normalizer.CostRecord, error) {
	q := s.db.WithContext(ctx).
		Model(&costRow{}).
		Where("account_id = ?", accountID).
		Where("start_date >= ? AND start_date <= ?", start.UTC(), end.UTC())
	for _, opt := range opts {
		q = opt(q)
	}

	var rows []costRow
	if err := q.Order("start_date ASC, service_name ASC, natural_key ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query costs: %v", ErrPersistence, err)
	}

	records := make([]normalizer.CostRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromCostRow(row))
	}
	return records, nil
}

func toCostRow(rec normalizer.CostRecord) (costRow, error) {
	if rec.AccountID == "" || rec.ServiceName == "" {
		return costRow{}, fmt.Errorf("missing account or service")
	}
	if !rec.StartDate.Before(rec.EndDate) {
		return costRow{}, fmt.Errorf("start %s not before end %s",
			rec.StartDate.Format(time.RFC3339), rec.EndDate.Format(time.RFC3339))
	}
	if rec.Cost.IsNegative() {
		return costRow{}, fmt.Errorf("negative cost %s", rec.Cost)
	}
	currency := rec.Currency
	if currency == "" {
		currency = "USD"
	}
	return costRow{
		ID:            uuid.New(),
		NaturalKey:    rec.NaturalKey(),
		AccountID:     rec.AccountID,
		ServiceName:   rec.ServiceName,
		Region:        rec.Region,
		UsageType:     rec.UsageType,
		ResourceID:    rec.ResourceID,
		Cost:          rec.Cost,
		UsageQuantity: rec.UsageQuantity,
		StartDate:     rec.StartDate.UTC(),
		EndDate:       rec.EndDate.UTC(),
		DateRangeType: string(rec.DateRangeType),
		Currency:      currency,
	}, nil
}

func fromCostRow(row costRow) normalizer.CostRecord {
	return normalizer.CostRecord{
		AccountID:     row.AccountID,
		ServiceName:   row.ServiceName,
		Region:        row.Region,
		UsageType:     row.UsageType,
		ResourceID:    row.ResourceID,
		Cost:          row.Cost,
		UsageQuantity: row.UsageQuantity,
		StartDate:     row.StartDate.UTC(),
		EndDate:       row.EndDate.UTC(),
		DateRangeType: normalizer.DateRangeType(row.DateRangeType),
		Currency:      row.Currency,
	}
}
