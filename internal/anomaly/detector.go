// Package anomaly flags daily spend that breaks from a service's
// historical baseline.
package anomaly

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
)

// Z-score thresholds per sensitivity level.
var thresholds = map[string]float64{
	"low":    3.0,
	"medium": 2.0,
	"high":   1.5,
}

// Anomaly is one daily cost that deviates from the service baseline.
type Anomaly struct {
	Date          time.Time       `json:"date"`
	AccountID     string          `json:"account_id"`
	ServiceName   string          `json:"service_name"`
	ActualCost    decimal.Decimal `json:"actual_cost"`
	ExpectedCost  decimal.Decimal `json:"expected_cost"`
	ZScore        float64         `json:"z_score"`
	PercentChange float64         `json:"percent_change"`
	Severity      string          `json:"severity"` // low, medium, high, critical
	Reason        string          `json:"reason"`
}

// Detector compares recent daily spend against a per-service baseline.
type Detector struct {
	cfg       config.AnomalyConfig
	threshold float64
}

// New creates a Detector. Unknown sensitivity names fall back to medium.
func New(cfg config.AnomalyConfig) *Detector {
	threshold, ok := thresholds[cfg.Sensitivity]
	if !ok {
		threshold = thresholds["medium"]
	}
	return &Detector{cfg: cfg, threshold: threshold}
}

// Detect scans daily service records for spend outside the baseline. The
// baseline is built from records older than the recent window ending at
// asOf; only records inside the recent window are judged.
func (d *Detector) Detect(records []normalizer.CostRecord, asOf time.Time) []Anomaly {
	recentCutoff := asOf.AddDate(0, 0, -d.cfg.RecentDays)
	baselineCutoff := recentCutoff.AddDate(0, 0, -d.cfg.BaselineDays)

	byService := make(map[string][]normalizer.CostRecord)
	for _, r := range records {
		if r.DateRangeType != normalizer.RangeDaily || r.ServiceName == normalizer.ServiceNameAll {
			continue
		}
		byService[r.ServiceName] = append(byService[r.ServiceName], r)
	}

	var anomalies []Anomaly
	for service, recs := range byService {
		var history []float64
		var recent []normalizer.CostRecord
		for _, r := range recs {
			switch {
			case r.StartDate.Before(baselineCutoff):
			case r.StartDate.Before(recentCutoff):
				history = append(history, r.Cost.InexactFloat64())
			default:
				recent = append(recent, r)
			}
		}

		mean, stdDev := stats(history)
		if mean < d.cfg.MinDailySpend || stdDev == 0 {
			continue
		}

		for _, r := range recent {
			if a := d.judge(r, service, mean, stdDev); a != nil {
				anomalies = append(anomalies, *a)
			}
		}
	}

	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].Severity != anomalies[j].Severity {
			return severityRank(anomalies[i].Severity) > severityRank(anomalies[j].Severity)
		}
		return math.Abs(anomalies[i].ZScore) > math.Abs(anomalies[j].ZScore)
	})
	return anomalies
}

func (d *Detector) judge(r normalizer.CostRecord, service string, mean, stdDev float64) *Anomaly {
	actual := r.Cost.InexactFloat64()
	zScore := (actual - mean) / stdDev
	if math.Abs(zScore) < d.threshold {
		return nil
	}

	percentChange := (actual - mean) / mean * 100

	severity := "low"
	switch {
	case math.Abs(zScore) >= 4.0:
		severity = "critical"
	case math.Abs(zScore) >= 3.0:
		severity = "high"
	case math.Abs(zScore) >= 2.0:
		severity = "medium"
	}

	return &Anomaly{
		Date:          r.StartDate,
		AccountID:     r.AccountID,
		ServiceName:   service,
		ActualCost:    r.Cost,
		ExpectedCost:  decimal.NewFromFloat(mean).Truncate(6),
		ZScore:        zScore,
		PercentChange: percentChange,
		Severity:      severity,
		Reason:        reason(percentChange),
	}
}

func reason(percentChange float64) string {
	switch {
	case percentChange > 100:
		return "spend more than doubled against baseline; check for new workloads or misconfiguration"
	case percentChange > 50:
		return "notable increase; check for scaling events or new resources"
	case percentChange < -50:
		return "significant decrease; resources terminated or usage dropped"
	default:
		return "spend deviates from the historical baseline"
	}
}

func stats(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sumSqDiff float64
	for _, v := range values {
		sumSqDiff += (v - mean) * (v - mean)
	}
	stdDev = math.Sqrt(sumSqDiff / float64(len(values)))
	return mean, stdDev
}

func severityRank(severity string) int {
	switch severity {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 0
}
