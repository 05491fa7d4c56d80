// Package main provides the FinOps dashboard ingestion CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-dashboard/internal/anomaly"
	"github.com/lvonguyen/finops-dashboard/internal/billing"
	"github.com/lvonguyen/finops-dashboard/internal/chargeback"
	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/feed"
	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
	"github.com/lvonguyen/finops-dashboard/internal/pipeline"
	"github.com/lvonguyen/finops-dashboard/internal/reporter"
	"github.com/lvonguyen/finops-dashboard/internal/store"
)

type cliFlags struct {
	Mode        string
	ConfigPath  string
	Start       string
	End         string
	Granularity string
	TopN        int
	Verbose     bool
}

func main() {
	flags := parseFlags()

	// Credentials come from the environment, .env is a convenience for
	// local runs.
	_ = godotenv.Load()

	var logger *zap.Logger
	var err error
	if flags.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(flags.ConfigPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting FinOps dashboard",
		zap.String("mode", flags.Mode),
		zap.String("region", cfg.AWS.Region),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, flags, cfg, logger); err != nil {
		logger.Error("Execution failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Done")
}

func parseFlags() *cliFlags {
	flags := &cliFlags{}
	flag.StringVar(&flags.Mode, "mode", "summary", "Mode: migrate, ingest, summary, forecast, recommend, anomalies, chargeback, report")
	flag.StringVar(&flags.ConfigPath, "config", "", "Path to YAML config file (optional; environment fills the gaps)")
	flag.StringVar(&flags.Start, "start", "", "Window start (YYYY-MM-DD), default 30 days ago")
	flag.StringVar(&flags.End, "end", "", "Window end (YYYY-MM-DD), default today")
	flag.StringVar(&flags.Granularity, "granularity", "DAILY", "Granularity: DAILY, MONTHLY, HOURLY")
	flag.IntVar(&flags.TopN, "top", 5, "Top-N services in the summary")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()
	return flags
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, flags *cliFlags, cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}

	if flags.Mode == "migrate" {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		return st.GrantReadOnly(ctx, cfg.Database.ReadOnlyRole)
	}

	client, err := billing.NewClient(ctx, cfg.AWS, cfg.Pipeline, logger)
	if err != nil {
		return err
	}
	pipe := pipeline.New(client, st, cfg.Pipeline, cfg.Forecast, logger)
	builder := feed.New(st, logger)

	start, end, err := parseWindow(flags.Start, flags.End)
	if err != nil {
		return err
	}
	granularity, err := normalizer.ParseDateRangeType(flags.Granularity)
	if err != nil {
		return err
	}

	switch flags.Mode {
	case "ingest":
		results, err := pipe.IngestAll(ctx, start, end, granularity)
		for _, r := range results {
			fmt.Printf("%-12s fetched=%d normalized=%d written=%d\n",
				r.Dimension, r.Fetched, r.Normalized, r.Written)
		}
		return err

	case "summary":
		accountID, err := client.AccountID(ctx)
		if err != nil {
			return err
		}
		summary, err := builder.BuildSummary(ctx, accountID, start, end)
		if err != nil {
			return err
		}
		printSummary(summary, flags.TopN)
		return nil

	case "forecast":
		if _, err := pipe.RefreshForecast(ctx); err != nil {
			return err
		}
		accountID, err := client.AccountID(ctx)
		if err != nil {
			return err
		}
		input, err := builder.BuildForecastInput(ctx, accountID, start, end)
		if err != nil {
			return err
		}
		fmt.Printf("Trend: %s over %d days, total $%s\n",
			input.Trend, len(input.DailySeries), input.TotalCost.StringFixed(2))
		for _, p := range input.ProviderForecast {
			fmt.Printf("  %s  $%s (%s, confidence %.0f%%)\n",
				p.ForecastDate.Format("2006-01-02"), p.ForecastedCost.StringFixed(2),
				p.ModelVersion, p.ConfidenceLevel*100)
		}
		return nil

	case "recommend":
		if _, err := pipe.RefreshRecommendations(ctx); err != nil {
			return err
		}
		accountID, err := client.AccountID(ctx)
		if err != nil {
			return err
		}
		recs, err := st.ListRecommendations(ctx, accountID, "")
		if err != nil {
			return err
		}
		for _, r := range recs {
			fmt.Printf("[%-11s] %-20s %-22s save $%s/mo  %s\n",
				r.Status, r.ServiceName, r.Type, r.PotentialSavings.StringFixed(2), r.Description)
		}
		return nil

	case "anomalies":
		accountID, err := client.AccountID(ctx)
		if err != nil {
			return err
		}
		anomalies, err := detectAnomalies(ctx, st, cfg, accountID, end)
		if err != nil {
			return err
		}
		if len(anomalies) == 0 {
			fmt.Println("No anomalies detected")
			return nil
		}
		for _, a := range anomalies {
			fmt.Printf("[%-8s] %s %-35s $%s (expected $%s, %+.1f%%)\n  %s\n",
				a.Severity, a.Date.Format("2006-01-02"), a.ServiceName,
				a.ActualCost.StringFixed(2), a.ExpectedCost.StringFixed(2),
				a.PercentChange, a.Reason)
		}
		return nil

	case "chargeback":
		accountID, err := client.AccountID(ctx)
		if err != nil {
			return err
		}
		allocations, err := allocateCosts(ctx, st, cfg, accountID, start, end)
		if err != nil {
			return err
		}
		for _, a := range allocations {
			fmt.Printf("%-25s total $%-12s direct $%-12s allocated $%s\n",
				a.CostCenter, a.TotalCost.StringFixed(2),
				a.DirectCost.StringFixed(2), a.AllocatedCost.StringFixed(2))
		}
		return nil

	case "report":
		accountID, err := client.AccountID(ctx)
		if err != nil {
			return err
		}
		summary, err := builder.BuildSummary(ctx, accountID, start, end)
		if err != nil {
			return err
		}
		anomalies, err := detectAnomalies(ctx, st, cfg, accountID, end)
		if err != nil {
			return err
		}
		allocations, err := allocateCosts(ctx, st, cfg, accountID, start, end)
		if err != nil {
			return err
		}

		rep := reporter.New(cfg.Reporter)
		jsonPath, err := rep.WriteJSON(reporter.Report{
			Period: fmt.Sprintf("%s to %s",
				start.Format("2006-01-02"), end.Format("2006-01-02")),
			GeneratedAt: time.Now().UTC(),
			Summary:     summary,
			Anomalies:   anomalies,
			Allocations: allocations,
		})
		if err != nil {
			return err
		}
		csvPath, err := rep.WriteCSV(summary)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s\nWrote %s\n", jsonPath, csvPath)
		return nil

	default:
		return fmt.Errorf("unknown mode %q", flags.Mode)
	}
}

// detectAnomalies judges the recent window against the baseline preceding
// it, so the query reaches back far enough to cover both.
func detectAnomalies(ctx context.Context, st *store.Store, cfg *config.Config, accountID string, asOf time.Time) ([]anomaly.Anomaly, error) {
	lookback := cfg.Anomaly.BaselineDays + cfg.Anomaly.RecentDays
	records, err := st.QueryCosts(ctx, accountID, asOf.AddDate(0, 0, -lookback), asOf,
		store.WithDateRangeType(normalizer.RangeDaily),
		store.WithDimensionShape())
	if err != nil {
		return nil, err
	}
	return anomaly.New(cfg.Anomaly).Detect(records, asOf), nil
}

func allocateCosts(ctx context.Context, st *store.Store, cfg *config.Config, accountID string, start, end time.Time) ([]chargeback.Allocation, error) {
	records, err := st.QueryCosts(ctx, accountID, start, end,
		store.WithDateRangeType(normalizer.RangeDaily),
		store.WithTagShape())
	if err != nil {
		return nil, err
	}
	return chargeback.NewAllocator(cfg.Chargeback).Allocate(records), nil
}

func parseWindow(startFlag, endFlag string) (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -30)

	var err error
	if startFlag != "" {
		start, err = time.Parse("2006-01-02", startFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -start: %w", err)
		}
	}
	if endFlag != "" {
		end, err = time.Parse("2006-01-02", endFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -end: %w", err)
		}
	}
	return start, end, nil
}

func printSummary(summary *feed.Summary, topN int) {
	fmt.Printf("Account %s, %s to %s\n", summary.AccountID,
		summary.Start.Format("2006-01-02"), summary.End.Format("2006-01-02"))
	fmt.Printf("Total: %s %s\n\n", summary.TotalCost.StringFixed(2), summary.Currency)

	fmt.Println("Top services:")
	for _, sc := range summary.TopN(topN) {
		fmt.Printf("  %-45s $%s\n", sc.Service, sc.Cost.StringFixed(2))
	}

	fmt.Println("\nDaily:")
	for _, day := range summary.DailySeries {
		fmt.Printf("  %s  $%s\n", day.Date.Format("2006-01-02"), day.Cost.StringFixed(2))
	}
}
