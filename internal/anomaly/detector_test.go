package anomaly

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func record(t *testing.T, service, cost string, start time.Time) normalizer.CostRecord {
	t.Helper()
	rec, err := normalizer.NewCostRecord("123456789012", service,
		decimal.RequireFromString(cost), start, start.AddDate(0, 0, 1),
		normalizer.RangeDaily)
	require.NoError(t, err)
	return rec
}

func testConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		Sensitivity:   "medium",
		BaselineDays:  30,
		RecentDays:    7,
		MinDailySpend: 1.0,
	}
}

// steadyThenSpike builds a flat baseline with slight wobble and one recent
// day at the given cost.
func steadyThenSpike(t *testing.T, service, spike string, asOf time.Time) []normalizer.CostRecord {
	t.Helper()
	var records []normalizer.CostRecord
	for i := 30; i > 7; i-- {
		cost := "10.00"
		if i%2 == 0 {
			cost = "11.00"
		}
		records = append(records, record(t, service, cost, asOf.AddDate(0, 0, -i)))
	}
	records = append(records, record(t, service, spike, asOf.AddDate(0, 0, -1)))
	return records
}

func TestDetectFlagsSpike(t *testing.T) {
	asOf := day("2025-06-30")
	records := steadyThenSpike(t, "Amazon EC2", "80.00", asOf)

	anomalies := New(testConfig()).Detect(records, asOf)
	require.Len(t, anomalies, 1)

	a := anomalies[0]
	assert.Equal(t, "Amazon EC2", a.ServiceName)
	assert.Equal(t, "critical", a.Severity)
	assert.True(t, a.ActualCost.Equal(decimal.RequireFromString("80.00")))
	assert.Greater(t, a.PercentChange, 100.0)
}

func TestDetectIgnoresNormalVariance(t *testing.T) {
	asOf := day("2025-06-30")
	records := steadyThenSpike(t, "Amazon EC2", "10.50", asOf)

	assert.Empty(t, New(testConfig()).Detect(records, asOf))
}

func TestDetectSkipsLowSpendServices(t *testing.T) {
	asOf := day("2025-06-30")
	var records []normalizer.CostRecord
	for i := 30; i > 7; i-- {
		cost := "0.01"
		if i%2 == 0 {
			cost = "0.02"
		}
		records = append(records, record(t, "AWS Glue", cost, asOf.AddDate(0, 0, -i)))
	}
	records = append(records, record(t, "AWS Glue", "0.90", asOf.AddDate(0, 0, -1)))

	assert.Empty(t, New(testConfig()).Detect(records, asOf),
		"pennies of drift are not worth an alert")
}

func TestDetectSkipsZeroVarianceBaseline(t *testing.T) {
	asOf := day("2025-06-30")
	var records []normalizer.CostRecord
	for i := 30; i > 7; i-- {
		records = append(records, record(t, "Amazon S3", "10.00", asOf.AddDate(0, 0, -i)))
	}
	records = append(records, record(t, "Amazon S3", "50.00", asOf.AddDate(0, 0, -1)))

	assert.Empty(t, New(testConfig()).Detect(records, asOf),
		"a variance-free baseline cannot support a z-score")
}

func TestDetectIgnoresNonServiceRows(t *testing.T) {
	asOf := day("2025-06-30")
	records := steadyThenSpike(t, normalizer.ServiceNameAll, "80.00", asOf)

	assert.Empty(t, New(testConfig()).Detect(records, asOf))
}

func TestSensitivityFallsBackToMedium(t *testing.T) {
	cfg := testConfig()
	cfg.Sensitivity = "paranoid"
	assert.InDelta(t, thresholds["medium"], New(cfg).threshold, 0.001)
}
