// Package pipeline orchestrates the ingestion path: provider fetch,
// normalization and idempotent persistence, one dimension at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/finops-dashboard/internal/billing"
	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
	"github.com/lvonguyen/finops-dashboard/internal/store"
)

// Fetcher is the billing client surface the pipeline drives.
type Fetcher interface {
	AccountID(ctx context.Context) (string, error)
	Fetch(ctx context.Context, dim normalizer.Dimension, start, end time.Time, granularity normalizer.DateRangeType) ([]normalizer.RawRecord, error)
	Forecast(ctx context.Context, start, end time.Time, granularity normalizer.DateRangeType) (*billing.ForecastResult, error)
	Recommendations(ctx context.Context) ([]billing.Recommendation, error)
}

// Persister is the write surface of the store the pipeline commits to.
type Persister interface {
	UpsertCosts(ctx context.Context, records []normalizer.CostRecord) (int64, error)
	UpsertForecasts(ctx context.Context, points []store.ForecastPoint) (int64, error)
	UpsertRecommendations(ctx context.Context, recs []store.Recommendation) (int64, error)
}

// Pipeline runs fetch, normalize and upsert. Identical requests issued while
// one is outstanding join the in-flight result instead of spending provider
// quota twice.
type Pipeline struct {
	fetcher  Fetcher
	persist  Persister
	cfg      config.PipelineConfig
	forecast config.ForecastConfig
	logger   *zap.Logger
	flights  singleflight.Group
}

// New creates a Pipeline.
func New(fetcher Fetcher, persist Persister, cfg config.PipelineConfig, forecast config.ForecastConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		fetcher:  fetcher,
		persist:  persist,
		cfg:      cfg,
		forecast: forecast,
		logger:   logger,
	}
}

// IngestRequest names one (dimension, range, granularity) refresh.
type IngestRequest struct {
	Dimension   normalizer.Dimension
	Start       time.Time
	End         time.Time
	Granularity normalizer.DateRangeType
}

// IngestResult reports what one ingestion run did.
type IngestResult struct {
	AccountID  string
	Dimension  normalizer.Dimension
	Fetched    int
	Normalized int
	Written    int64
	Shared     bool // joined a fetch another caller already had in flight
}

// Ingest runs one refresh. The flight itself is detached from the caller's
// cancellation: once provider quota is being spent the fetch completes and
// commits even if the requesting session walks away, and only the wait is
// abandoned. Total flight latency is bounded by the configured fetch
// timeout.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	accountID, err := p.fetcher.AccountID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrUpstreamUnavailable, err)
	}

	key := flightKey(accountID, req)
	ch := p.flights.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FetchTimeout)
		defer cancel()
		return p.run(fctx, accountID, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		result := *res.Val.(*IngestResult)
		result.Shared = res.Shared
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) run(ctx context.Context, accountID string, req IngestRequest) (*IngestResult, error) {
	started := time.Now()

	raw, err := p.fetcher.Fetch(ctx, req.Dimension, req.Start, req.End, req.Granularity)
	if err != nil {
		return nil, err
	}

	records, err := normalizer.New(accountID, p.logger).Normalize(req.Dimension, raw, req.Granularity)
	if err != nil {
		return nil, err
	}

	written, err := p.persist.UpsertCosts(ctx, records)
	if err != nil {
		return nil, err
	}

	p.logger.Info("ingestion complete",
		zap.String("account", accountID),
		zap.String("dimension", string(req.Dimension)),
		zap.Int("fetched", len(raw)),
		zap.Int("normalized", len(records)),
		zap.Int64("written", written),
		zap.Duration("elapsed", time.Since(started)))

	return &IngestResult{
		AccountID:  accountID,
		Dimension:  req.Dimension,
		Fetched:    len(raw),
		Normalized: len(records),
		Written:    written,
	}, nil
}

// IngestAll refreshes every configured dimension for the window. A failing
// dimension does not roll back dimensions already committed; failures are
// collected and returned together with the successful results.
func (p *Pipeline) IngestAll(ctx context.Context, start, end time.Time, granularity normalizer.DateRangeType) ([]IngestResult, error) {
	var results []IngestResult
	var errs []error

	for _, name := range p.cfg.Dimensions {
		dim, err := normalizer.ParseDimension(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		res, err := p.Ingest(ctx, IngestRequest{
			Dimension:   dim,
			Start:       start,
			End:         end,
			Granularity: granularity,
		})
		if err != nil {
			p.logger.Error("dimension ingestion failed",
				zap.String("dimension", string(dim)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", dim, err))
			continue
		}
		results = append(results, *res)
	}

	return results, errors.Join(errs...)
}

// RefreshForecast pulls the provider forecast for the configured horizon
// and upserts it under the configured model version. Points from earlier
// model versions stay untouched.
func (p *Pipeline) RefreshForecast(ctx context.Context) (int64, error) {
	accountID, err := p.fetcher.AccountID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", billing.ErrUpstreamUnavailable, err)
	}

	start := time.Now().UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, p.forecast.HorizonDays)

	result, err := p.fetcher.Forecast(ctx, start, end, normalizer.RangeDaily)
	if err != nil {
		return 0, err
	}

	points := make([]store.ForecastPoint, 0, len(result.Values))
	for _, v := range result.Values {
		points = append(points, store.ForecastPoint{
			AccountID:       accountID,
			ServiceName:     normalizer.ServiceNameAll,
			ForecastDate:    v.Date,
			ForecastedCost:  v.Amount,
			ConfidenceLevel: result.Confidence,
			ModelVersion:    p.forecast.ModelVersion,
		})
	}

	return p.persist.UpsertForecasts(ctx, points)
}

// RefreshRecommendations pulls provider optimization suggestions and
// upserts them; statuses the UI already advanced are preserved by the
// store.
func (p *Pipeline) RefreshRecommendations(ctx context.Context) (int64, error) {
	accountID, err := p.fetcher.AccountID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", billing.ErrUpstreamUnavailable, err)
	}

	recs, err := p.fetcher.Recommendations(ctx)
	if err != nil {
		return 0, err
	}

	rows := make([]store.Recommendation, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, store.Recommendation{
			AccountID:        accountID,
			ResourceID:       normalizer.StrPtr(r.ResourceID),
			ServiceName:      r.ServiceName,
			Type:             r.Type,
			Description:      r.Description,
			PotentialSavings: r.PotentialSavings,
			Status:           store.StatusOpen,
		})
	}

	return p.persist.UpsertRecommendations(ctx, rows)
}

func flightKey(accountID string, req IngestRequest) string {
	return strings.Join([]string{
		accountID,
		string(req.Dimension),
		req.Start.UTC().Format("2006-01-02"),
		req.End.UTC().Format("2006-01-02"),
		string(req.Granularity),
	}, "|")
}
