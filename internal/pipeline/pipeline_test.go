package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lvonguyen/finops-dashboard/internal/billing"
	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
	"github.com/lvonguyen/finops-dashboard/internal/store"
)

const account = "123456789012"

type fakeFetcher struct {
	mu         sync.Mutex
	fetchCount int32
	block      chan struct{} // Fetch waits on this when non-nil
	started    chan struct{} // closed once the first Fetch begins
	startOnce  sync.Once

	raw      []normalizer.RawRecord
	fetchErr func(dim normalizer.Dimension) error

	forecast    *billing.ForecastResult
	forecastErr error
	recs        []billing.Recommendation
}

func (f *fakeFetcher) AccountID(ctx context.Context) (string, error) { return account, nil }

func (f *fakeFetcher) Fetch(ctx context.Context, dim normalizer.Dimension, start, end time.Time, granularity normalizer.DateRangeType) ([]normalizer.RawRecord, error) {
	atomic.AddInt32(&f.fetchCount, 1)
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	if f.fetchErr != nil {
		if err := f.fetchErr(dim); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw, nil
}

func (f *fakeFetcher) Forecast(ctx context.Context, start, end time.Time, granularity normalizer.DateRangeType) (*billing.ForecastResult, error) {
	return f.forecast, f.forecastErr
}

func (f *fakeFetcher) Recommendations(ctx context.Context) ([]billing.Recommendation, error) {
	return f.recs, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	s := store.New(db, nil)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func day(s string) time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return d
}

func testCfg() config.PipelineConfig {
	return config.PipelineConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		FetchTimeout:   5 * time.Second,
		MaxDailyWindow: 366, MaxMonthlyWindow: 38,
		Dimensions: []string{"SERVICE", "REGION"},
	}
}

func rawDaily(service, cost, start string) normalizer.RawRecord {
	return normalizer.RawRecord{
		Keys:  []string{service},
		Start: day(start),
		End:   day(start).AddDate(0, 0, 1),
		Cost:  cost,
	}
}

func serviceReq() IngestRequest {
	return IngestRequest{
		Dimension:   normalizer.DimensionService,
		Start:       day("2025-06-01"),
		End:         day("2025-06-08"),
		Granularity: normalizer.RangeDaily,
	}
}

func TestIngestPersistsNormalizedRecords(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{raw: []normalizer.RawRecord{
		rawDaily("Amazon EC2", "10.00", "2025-06-01"),
		rawDaily("Amazon EC2", "5.50", "2025-06-01"), // provider double-report
		rawDaily("Amazon S3", "1.00", "2025-06-02"),
	}}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{}, nil)

	result, err := p.Ingest(context.Background(), serviceReq())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Normalized)

	got, err := s.QueryCosts(context.Background(), account, day("2025-06-01"), day("2025-06-08"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Cost.Equal(decimal.RequireFromString("15.50")))
}

func TestIngestMalformedResponseLeavesStoreUntouched(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{raw: []normalizer.RawRecord{
		rawDaily("Amazon EC2", "10.00", "2025-06-01"),
		rawDaily("Amazon S3", "garbage", "2025-06-01"),
	}}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{}, nil)

	_, err := p.Ingest(context.Background(), serviceReq())
	require.ErrorIs(t, err, normalizer.ErrMalformedRecord)

	got, err := s.QueryCosts(context.Background(), account, day("2025-06-01"), day("2025-06-08"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConcurrentIdenticalRequestsShareOneFlight(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{
		raw:     []normalizer.RawRecord{rawDaily("Amazon EC2", "10.00", "2025-06-01")},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{}, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Ingest(context.Background(), serviceReq())
		}()
		if i == 0 {
			<-fetcher.started
		}
	}

	// Give the second caller time to join the in-flight fetch, then let it
	// finish.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.block)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetcher.fetchCount),
		"identical concurrent requests must not spend provider quota twice")
}

func TestSequentialRequestsFetchAgain(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{raw: []normalizer.RawRecord{rawDaily("Amazon EC2", "10.00", "2025-06-01")}}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{}, nil)

	_, err := p.Ingest(context.Background(), serviceReq())
	require.NoError(t, err)
	_, err = p.Ingest(context.Background(), serviceReq())
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&fetcher.fetchCount),
		"completed flights are not cached; a later refresh fetches fresh data")
}

func TestCallerCancellationDoesNotAbortCommit(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{
		raw:     []normalizer.RawRecord{rawDaily("Amazon EC2", "10.00", "2025-06-01")},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Ingest(ctx, serviceReq())
		errCh <- err
	}()

	<-fetcher.started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled, "the caller stops waiting")

	close(fetcher.block)

	// The flight already spent provider quota, so it completes and commits.
	assert.Eventually(t, func() bool {
		got, err := s.QueryCosts(context.Background(), account, day("2025-06-01"), day("2025-06-08"))
		return err == nil && len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIngestAllContinuesPastFailingDimension(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{
		raw: []normalizer.RawRecord{rawDaily("Amazon EC2", "10.00", "2025-06-01")},
		fetchErr: func(dim normalizer.Dimension) error {
			if dim == normalizer.DimensionRegion {
				return errors.New("region fetch exploded")
			}
			return nil
		},
	}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{}, nil)

	results, err := p.IngestAll(context.Background(), day("2025-06-01"), day("2025-06-08"), normalizer.RangeDaily)
	require.Error(t, err)
	require.Len(t, results, 1, "the surviving dimension still commits")
	assert.Equal(t, normalizer.DimensionService, results[0].Dimension)

	got, qerr := s.QueryCosts(context.Background(), account, day("2025-06-01"), day("2025-06-08"))
	require.NoError(t, qerr)
	assert.Len(t, got, 1)
}

func TestRefreshForecastStoresVersionedPoints(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{forecast: &billing.ForecastResult{
		Confidence: 0.8,
		Values: []billing.ForecastValue{
			{Date: day("2025-07-01"), Amount: decimal.RequireFromString("12.00")},
			{Date: day("2025-07-02"), Amount: decimal.RequireFromString("13.00")},
		},
	}}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{ModelVersion: "ce-forecast-v1", HorizonDays: 30}, nil)

	written, err := p.RefreshForecast(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, written)

	points, err := s.QueryForecasts(context.Background(), account, day("2025-07-01"), day("2025-07-31"), "ce-forecast-v1")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, normalizer.ServiceNameAll, points[0].ServiceName)
	assert.InDelta(t, 0.8, points[0].ConfidenceLevel, 0.001)
}

func TestRefreshRecommendationsCreatesOpenRows(t *testing.T) {
	s := newTestStore(t)
	fetcher := &fakeFetcher{recs: []billing.Recommendation{
		{
			ResourceID:       "i-abc",
			ServiceName:      "Amazon EC2",
			Type:             "Right Size",
			Description:      "downsize",
			PotentialSavings: decimal.RequireFromString("30.00"),
		},
		{
			ServiceName:      "Amazon RDS",
			Type:             "Reserved Instance",
			Description:      "reserve",
			PotentialSavings: decimal.RequireFromString("42.50"),
		},
	}}
	p := New(fetcher, s, testCfg(), config.ForecastConfig{}, nil)

	_, err := p.RefreshRecommendations(context.Background())
	require.NoError(t, err)

	recs, err := s.ListRecommendations(context.Background(), account, store.StatusOpen)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Amazon RDS", recs[0].ServiceName, "ordered by potential savings")
	assert.Nil(t, recs[0].ResourceID, "absent resource stays absent, not empty")
}
