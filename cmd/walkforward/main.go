package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/config"
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/walkforward"
)

func main() {
	defaults := walkforward.DefaultPlan()

	// Parse flags
	configPath := flag.String("config", "", "YAML config path (defaults and env overrides apply when empty)")
	barsPath := flag.String("bars", "", "Daily bars file, CSV or JSON (required)")
	asset := flag.String("asset", "", "Asset symbol (overrides config)")

	// Rolling plan
	trainBars := flag.Int("train-bars", defaults.TrainBars, "Training window length in bars")
	testBars := flag.Int("test-bars", defaults.TestBars, "Test window length in bars")
	stepBars := flag.Int("step-bars", defaults.StepBars, "Step between window starts in bars")

	// Positioning overlay
	cotPath := flag.String("cot", "", "Weekly positioning file, CSV or JSON")
	cotMarket := flag.String("cot-market", "", "Positioning market name (enables the bias overlay)")
	cotLookback := flag.Int("cot-lookback-weeks", 0, "Positioning percentile window in weeks (0 = ~3 years)")

	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *asset != "" {
		cfg.Asset = *asset
	}

	logger := newLogger(cfg.Logging)

	// Validate required flags
	if *barsPath == "" {
		logger.Fatal().Msg("-bars is required")
	}
	if *cotPath != "" && *cotMarket == "" {
		logger.Fatal().Msg("-cot-market is required with -cot")
	}

	bars, skipped, err := ingest.ReadBarsFile(*barsPath, cfg.Asset)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *barsPath).Msg("read bars")
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("bar records rejected during load")
	}

	rows := features.NewBuilder(cfg.Horizons).Build(cfg.Asset, bars)

	var signals []*domain.BiasSignal
	if *cotPath != "" {
		reports, cotSkipped, err := ingest.ReadCOTFile(*cotPath, *cotMarket)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *cotPath).Msg("read positioning reports")
		}
		if cotSkipped > 0 {
			logger.Warn().Int("skipped", cotSkipped).Msg("positioning records rejected during load")
		}
		signals, err = cot.Signals(reports, *cotLookback)
		if err != nil {
			logger.Fatal().Err(err).Msg("positioning signals")
		}
	}

	plan := walkforward.Plan{
		TrainBars: *trainBars,
		TestBars:  *testBars,
		StepBars:  *stepBars,
	}
	runner, err := walkforward.NewRunner(plan, cfg.Estimator, cfg.Rules, cfg.Sim, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create runner")
	}

	summary, err := runner.Run(rows, signals)
	if err != nil {
		logger.Fatal().Err(err).Msg("walk-forward evaluation failed")
	}

	// Output result
	if *outputJSON {
		output, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(output))
	} else {
		printSummary(plan, summary)
	}
}

// loadConfig resolves the configuration for the run. An empty path falls
// back to the conventional config locations.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.Load(path)
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger
}

// printSummary outputs the per-window table and the aggregate block.
func printSummary(plan walkforward.Plan, s *walkforward.Summary) {
	fmt.Println()
	fmt.Println("=== Walk-Forward Evaluation ===")
	fmt.Printf("Windows:           %d (train %d, test %d, step %d)\n",
		len(s.Windows), plan.TrainBars, plan.TestBars, plan.StepBars)
	fmt.Println()

	fmt.Printf("  %3s  %-10s  %-10s  %6s  %10s  %7s  %7s\n",
		"#", "Test Start", "Test End", "Trades", "Net Return", "Sharpe", "Max DD")
	for i, w := range s.Windows {
		fmt.Printf("  %3d  %-10s  %-10s  %6d  %+9.2f%%  %7.2f  %6.2f%%\n",
			i+1, w.StartDate, w.EndDate, w.TradeCount,
			w.KPIs.TotalReturnNet*100, w.KPIs.Sharpe, w.KPIs.MaxDrawdown*100)
	}

	fmt.Println()
	fmt.Println("Aggregate:")
	fmt.Printf("  Mean Net Return:   %+.2f%%\n", s.MeanNetReturn*100)
	fmt.Printf("  Mean Sharpe:       %.2f\n", s.MeanSharpe)
	fmt.Printf("  Worst Drawdown:    %.2f%%\n", s.WorstDrawdown*100)
	fmt.Printf("  Profitable:        %.0f%% of windows\n", s.ProfitableFraction*100)
	fmt.Printf("  Total Trades:      %d\n", s.TotalTrades)
}
