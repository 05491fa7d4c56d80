// Package reporter writes dashboard snapshots to disk for sharing outside
// the web UI.
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lvonguyen/finops-dashboard/internal/anomaly"
	"github.com/lvonguyen/finops-dashboard/internal/chargeback"
	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/feed"
)

// Report is one exported snapshot of the cost window.
type Report struct {
	Period      string                  `json:"period"`
	GeneratedAt time.Time               `json:"generated_at"`
	Summary     *feed.Summary           `json:"summary"`
	Anomalies   []anomaly.Anomaly       `json:"anomalies,omitempty"`
	Allocations []chargeback.Allocation `json:"allocations,omitempty"`
}

// Reporter writes reports under the configured output directory.
type Reporter struct {
	cfg config.ReporterConfig
}

// New creates a Reporter.
func New(cfg config.ReporterConfig) *Reporter {
	return &Reporter{cfg: cfg}
}

// WriteJSON writes the full report as indented JSON and returns its path.
func (r *Reporter) WriteJSON(report Report) (string, error) {
	path, err := r.outputPath("json")
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// WriteCSV writes the per-service totals as CSV and returns its path.
func (r *Reporter) WriteCSV(summary *feed.Summary) (string, error) {
	path, err := r.outputPath("csv")
	if err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"service", "cost", "currency"}); err != nil {
		return "", err
	}
	for _, sc := range summary.TopN(len(summary.ByService)) {
		if err := w.Write([]string{sc.Service, sc.Cost.StringFixed(2), summary.Currency}); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}

func (r *Reporter) outputPath(ext string) (string, error) {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	name := fmt.Sprintf("cost-report-%s.%s", time.Now().Format("20060102-150405"), ext)
	return filepath.Join(r.cfg.OutputDir, name), nil
}
