package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertForecasts writes forecast points atomically. Conflicts on
// (account, service, date, model version) replace the predicted cost and
// confidence; points from other model versions are never touched, keeping
// the historical audit trail intact.
func (s *Store) UpsertForecasts(ctx context.Context, points []ForecastPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	for i := range points {
		if points[i].AccountID == "" || points[i].ServiceName == "" || points[i].ModelVersion == "" {
			return 0, fmt.Errorf("%w: forecast point %d: missing key field", ErrPersistence, i)
		}
		if points[i].ID == uuid.Nil {
			points[i].ID = uuid.New()
		}
		points[i].ForecastDate = points[i].ForecastDate.UTC()
	}

	var written int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "account_id"}, {Name: "service_name"},
				{Name: "forecast_date"}, {Name: "model_version"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"forecasted_cost", "confidence_level"}),
		}).Create(&points)
		if res.Error != nil {
			return res.Error
		}
		written = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: upsert forecasts: %v", ErrPersistence, err)
	}
	return written, nil
}

// QueryForecasts returns forecast points for the account ordered by date.
// modelVersion narrows to one model when non-empty.
func (s *Store) QueryForecasts(ctx context.Context, accountID string, from, to time.Time, modelVersion string) ([]ForecastPoint, error) {
	q := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("forecast_date >= ? AND forecast_date <= ?", from.UTC(), to.UTC())
	if modelVersion != "" {
		q = q.Where("model_version = ?", modelVersion)
	}

	var points []ForecastPoint
	if err := q.Order("forecast_date ASC, service_name ASC, model_version ASC").Find(&points).Error; err != nil {
		return nil, fmt.Errorf("%w: query forecasts: %v", ErrPersistence, err)
	}
	return points, nil
}

func validStatus(status string) bool {
	switch status {
	case StatusOpen, StatusImplemented, StatusDismissed:
		return true
	}
	return false
}

func recommendationKey(accountID string, resourceID *string, service, recType string) string {
	resource := "\x00"
	if resourceID != nil {
		resource = *resourceID
	}
	return strings.Join([]string{accountID, resource, service, recType}, "|")
}

// UpsertRecommendations writes recommendations atomically on their natural
// key. Description and savings are refreshed on conflict, but a status the
// UI already advanced past open is preserved: rerunning the analysis never
// reopens an implemented or dismissed recommendation.
func (s *Store) UpsertRecommendations(ctx context.Context, recs []Recommendation) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	for i := range recs {
		if recs[i].AccountID == "" || recs[i].ServiceName == "" || recs[i].Type == "" {
			return 0, fmt.Errorf("%w: recommendation %d: missing key field", ErrPersistence, i)
		}
		if recs[i].Status == "" {
			recs[i].Status = StatusOpen
		}
		if !validStatus(recs[i].Status) {
			return 0, fmt.Errorf("%w: recommendation %d: invalid status %q", ErrPersistence, i, recs[i].Status)
		}
		if recs[i].ID == uuid.Nil {
			recs[i].ID = uuid.New()
		}
		recs[i].NaturalKey = recommendationKey(recs[i].AccountID, recs[i].ResourceID, recs[i].ServiceName, recs[i].Type)
	}

	var written int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "natural_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"description":       gorm.Expr("excluded.description"),
				"potential_savings": gorm.Expr("excluded.potential_savings"),
				"updated_at":        gorm.Expr("excluded.updated_at"),
				"status": gorm.Expr(
					"CASE WHEN cost_recommendations.status = 'open' THEN excluded.status ELSE cost_recommendations.status END"),
			}),
		}).Create(&recs)
		if res.Error != nil {
			return res.Error
		}
		written = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: upsert recommendations: %v", ErrPersistence, err)
	}
	return written, nil
}

// UpdateRecommendationStatus applies an explicit lifecycle transition
// triggered by the UI.
func (s *Store) UpdateRecommendationStatus(ctx context.Context, id uuid.UUID, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("%w: invalid status %q", ErrPersistence, status)
	}
	res := s.db.WithContext(ctx).
		Model(&Recommendation{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("%w: update status: %v", ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: recommendation %s", ErrNotFound, id)
	}
	return nil
}

// ListRecommendations returns the account's recommendations, largest
// potential savings first. status narrows to one state when non-empty.
func (s *Store) ListRecommendations(ctx context.Context, accountID, status string) ([]Recommendation, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if status != "" {
		if !validStatus(status) {
			return nil, fmt.Errorf("%w: invalid status %q", ErrPersistence, status)
		}
		q = q.Where("status = ?", status)
	}

	var recs []Recommendation
	if err := q.Order("potential_savings DESC, natural_key ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: list recommendations: %v", ErrPersistence, err)
	}
	return recs, nil
}
