// Package feed shapes stored cost data into dashboard summaries and the
// structured payloads handed to the forecast and recommendation consumers.
// Everything here is pure aggregation over store reads; nothing mutates.
package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
	"github.com/lvonguyen/finops-dashboard/internal/store"
)

// CostReader is the read-only slice of the store the builders consume.
type CostReader interface {
	QueryCosts(ctx context.Context, accountID string, start, end time.Time, opts ...store.QueryOption) ([]normalizer.CostRecord, error)
	QueryForecasts(ctx context.Context, accountID string, from, to time.Time, modelVersion string) ([]store.ForecastPoint, error)
	ListRecommendations(ctx context.Context, accountID, status string) ([]store.Recommendation, error)
}

// Builder computes aggregates for the dashboard and the LLM adapters.
type Builder struct {
	reader CostReader
	logger *zap.Logger
}

// New creates a Builder over the given reader.
func New(reader CostReader, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{reader: reader, logger: logger}
}

// DailyCost is one point of a gap-free daily series.
type DailyCost struct {
	Date time.Time       `json:"date"`
	Cost decimal.Decimal `json:"cost"`
}

// ServiceCost is one service's total over a window.
type ServiceCost struct {
	Service string          `json:"service"`
	Cost    decimal.Decimal `json:"cost"`
}

// Summary is the aggregate view of a cost window.
type Summary struct {
	AccountID   string                     `json:"account_id"`
	Start       time.Time                  `json:"start"`
	End         time.Time                  `json:"end"`
	Currency    string                     `json:"currency"`
	TotalCost   decimal.Decimal            `json:"total_cost"`
	ByService   map[string]decimal.Decimal `json:"by_service"`
	DailySeries []DailyCost                `json:"daily_series"`
}

// TopN returns the n most expensive services, descending.
func (s *Summary) TopN(n int) []ServiceCost {
	services := make([]ServiceCost, 0, len(s.ByService))
	for name, cost := range s.ByService {
		services = append(services, ServiceCost{Service: name, Cost: cost})
	}
	sort.Slice(services, func(i, j int) bool {
		if !services[i].Cost.Equal(services[j].Cost) {
			return services[i].Cost.GreaterThan(services[j].Cost)
		}
		return services[i].Service < services[j].Service
	})
	if n < len(services) {
		services = services[:n]
	}
	return services
}

// BuildSummary aggregates the account's daily service-dimension rows over
// [start, end]. The daily series covers every calendar day in the window;
// days with no data carry an explicit zero so charting never needs its own
// gap-filling.
func (b *Builder) BuildSummary(ctx context.Context, accountID string, start, end time.Time) (*Summary, error) {
	records, err := b.reader.QueryCosts(ctx, accountID, start, end,
		store.WithDateRangeType(normalizer.RangeDaily),
		store.WithDimensionShape(),
	)
	if err != nil {
		return nil, fmt.Errorf("build summary: %w", err)
	}

	summary := &Summary{
		AccountID: accountID,
		Start:     start,
		End:       end,
		Currency:  "USD",
		TotalCost: decimal.Zero,
		ByService: make(map[string]decimal.Decimal),
	}

	byDay := make(map[string]decimal.Decimal)
	for _, rec := range records {
		summary.TotalCost = summary.TotalCost.Add(rec.Cost)
		summary.ByService[rec.ServiceName] = summary.ByService[rec.ServiceName].Add(rec.Cost)

		day := rec.StartDate.UTC().Truncate(24 * time.Hour).Format("2006-01-02")
		byDay[day] = byDay[day].Add(rec.Cost)
		if rec.Currency != "" {
			summary.Currency = rec.Currency
		}
	}

	summary.DailySeries = fillDailySeries(start, end, byDay)
	return summary, nil
}

// fillDailySeries walks every calendar day of the window, substituting zero
// for missing days.
func fillDailySeries(start, end time.Time, byDay map[string]decimal.Decimal) []DailyCost {
	first := start.UTC().Truncate(24 * time.Hour)
	last := end.UTC().Truncate(24 * time.Hour)

	var series []DailyCost
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		cost, ok := byDay[d.Format("2006-01-02")]
		if !ok {
			cost = decimal.Zero
		}
		series = append(series, DailyCost{Date: d, Cost: cost})
	}
	return series
}

// ForecastInput is the payload handed to the forecast consumers: recent
// actuals with their day-over-day movement plus the provider's own
// prediction. The adapters decide how to phrase prompts around it.
type ForecastInput struct {
	AccountID        string                `json:"account_id"`
	WindowStart      time.Time             `json:"window_start"`
	WindowEnd        time.Time             `json:"window_end"`
	TotalCost        decimal.Decimal       `json:"total_cost"`
	DailySeries      []DailyCost           `json:"daily_series"`
	DayOverDayDeltas []decimal.Decimal     `json:"day_over_day_deltas"`
	Trend            string                `json:"trend"` // rising, falling, flat
	ProviderForecast []store.ForecastPoint `json:"provider_forecast"`
}

// BuildForecastInput packages trend statistics and provider forecast points
// for the adapters. The forecast horizon queried is the same length as the
// actuals window, starting at its end.
func (b *Builder) BuildForecastInput(ctx context.Context, accountID string, start, end time.Time) (*ForecastInput, error) {
	summary, err := b.BuildSummary(ctx, accountID, start, end)
	if err != nil {
		return nil, err
	}

	horizon := end.Add(end.Sub(start))
	forecast, err := b.reader.QueryForecasts(ctx, accountID, end, horizon, "")
	if err != nil {
		return nil, fmt.Errorf("build forecast input: %w", err)
	}

	input := &ForecastInput{
		AccountID:        accountID,
		WindowStart:      start,
		WindowEnd:        end,
		TotalCost:        summary.TotalCost,
		DailySeries:      summary.DailySeries,
		ProviderForecast: forecast,
	}

	for i := 1; i < len(summary.DailySeries); i++ {
		delta := summary.DailySeries[i].Cost.Sub(summary.DailySeries[i-1].Cost)
		input.DayOverDayDeltas = append(input.DayOverDayDeltas, delta)
	}
	input.Trend = classifyTrend(input.DayOverDayDeltas)

	return input, nil
}

func classifyTrend(deltas []decimal.Decimal) string {
	if len(deltas) == 0 {
		return "flat"
	}
	net := decimal.Zero
	for _, d := range deltas {
		net = net.Add(d)
	}
	switch {
	case net.IsPositive():
		return "rising"
	case net.IsNegative():
		return "falling"
	default:
		return "flat"
	}
}

// Mover is a service whose spend shifted between the two halves of the
// window.
type Mover struct {
	Service    string          `json:"service"`
	FirstHalf  decimal.Decimal `json:"first_half"`
	SecondHalf decimal.Decimal `json:"second_half"`
	Delta      decimal.Decimal `json:"delta"`
}

// RecommendationInput is the payload handed to the recommendation
// consumers: where the money goes and what moved.
type RecommendationInput struct {
	AccountID   string                 `json:"account_id"`
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	TotalCost   decimal.Decimal        `json:"total_cost"`
	TopServices []ServiceCost          `json:"top_services"`
	TopMovers   []Mover                `json:"top_movers"`
	Open        []store.Recommendation `json:"open_recommendations"`
}

// BuildRecommendationInput aggregates top services and the largest spend
// movers between the first and second half of the window, alongside the
// recommendations still open.
func (b *Builder) BuildRecommendationInput(ctx context.Context, accountID string, start, end time.Time) (*RecommendationInput, error) {
	records, err := b.reader.QueryCosts(ctx, accountID, start, end,
		store.WithDateRangeType(normalizer.RangeDaily),
		store.WithDimensionShape(),
	)
	if err != nil {
		return nil, fmt.Errorf("build recommendation input: %w", err)
	}

	open, err := b.reader.ListRecommendations(ctx, accountID, store.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("build recommendation input: %w", err)
	}

	input := &RecommendationInput{
		AccountID:   accountID,
		WindowStart: start,
		WindowEnd:   end,
		TotalCost:   decimal.Zero,
		Open:        open,
	}

	mid := start.Add(end.Sub(start) / 2)
	byService := make(map[string]decimal.Decimal)
	firstHalf := make(map[string]decimal.Decimal)
	secondHalf := make(map[string]decimal.Decimal)

	for _, rec := range records {
		input.TotalCost = input.TotalCost.Add(rec.Cost)
		byService[rec.ServiceName] = byService[rec.ServiceName].Add(rec.Cost)
		if rec.StartDate.Before(mid) {
			firstHalf[rec.ServiceName] = firstHalf[rec.ServiceName].Add(rec.Cost)
		} else {
			secondHalf[rec.ServiceName] = secondHalf[rec.ServiceName].Add(rec.Cost)
		}
	}

	summary := &Summary{ByService: byService}
	input.TopServices = summary.TopN(5)

	movers := make([]Mover, 0, len(byService))
	for service := range byService {
		m := Mover{
			Service:    service,
			FirstHalf:  firstHalf[service],
			SecondHalf: secondHalf[service],
		}
		m.Delta = m.SecondHalf.Sub(m.FirstHalf)
		movers = append(movers, m)
	}
	sort.Slice(movers, func(i, j int) bool {
		if !movers[i].Delta.Abs().Equal(movers[j].Delta.Abs()) {
			return movers[i].Delta.Abs().GreaterThan(movers[j].Delta.Abs())
		}
		return movers[i].Service < movers[j].Service
	})
	if len(movers) > 5 {
		movers = movers[:5]
	}
	input.TopMovers = movers

	return input, nil
}
