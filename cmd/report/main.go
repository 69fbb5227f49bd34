package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/config"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/orchestrator"
	"market-analog-lab/internal/reporting"
	"market-analog-lab/internal/runid"
	"market-analog-lab/internal/storage"
	chstore "market-analog-lab/internal/storage/clickhouse"
	"market-analog-lab/internal/storage/memory"
	pgstore "market-analog-lab/internal/storage/postgres"
	"market-analog-lab/internal/verification"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config path (defaults and env overrides apply when empty)")
	runID := flag.String("run-id", "", "Run to report on (required with database storage)")
	outputDir := flag.String("output-dir", "reports", "Output directory for generated files")
	verify := flag.Bool("verify", false, "Replay the run and check stored trades and KPIs first")

	// Storage
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (journal, runs, positioning)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (bars, features, equity)")

	// Demo mode: run a fresh in-memory backtest and report on it
	barsPath := flag.String("bars", "", "Run an in-memory backtest on this bars file instead of reading a database")
	asset := flag.String("asset", "", "Asset symbol (overrides config)")
	cotPath := flag.String("cot", "", "Weekly positioning file for the in-memory backtest")
	cotMarket := flag.String("cot-market", "", "Positioning market name (enables the bias overlay)")
	cotLookback := flag.Int("cot-lookback-weeks", 0, "Positioning percentile window in weeks (0 = ~3 years)")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *asset != "" {
		cfg.Asset = *asset
	}
	if *postgresDSN != "" {
		cfg.Storage.PostgresDSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.Storage.ClickHouseDSN = *clickhouseDSN
	}

	logger := newLogger(cfg.Logging)

	// Validate required flags
	if *barsPath == "" {
		if cfg.Storage.PostgresDSN == "" || cfg.Storage.ClickHouseDSN == "" {
			logger.Fatal().Msg("-postgres-dsn and -clickhouse-dsn are required (or give -bars for an in-memory run)")
		}
		if *runID == "" {
			logger.Fatal().Msg("-run-id is required with database storage")
		}
	}
	if *cotPath != "" && *cotMarket == "" {
		logger.Fatal().Msg("-cot-market is required with -cot")
	}

	ctx := context.Background()

	var stores *reportStores
	var cleanup func()
	reportID := *runID

	if *barsPath != "" {
		// Demo mode: everything lives in memory for the lifetime of this
		// process; the report describes the run just produced.
		stores = memoryStores()
		cleanup = func() {}
		reportID, err = runMemoryBacktest(ctx, cfg, stores, *barsPath, *cotPath, *cotMarket, *cotLookback, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("in-memory backtest failed")
		}
	} else {
		stores, cleanup, err = databaseStores(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to storage")
		}
	}
	defer cleanup()

	runCfg := orchestrator.RunConfig{
		Asset:            cfg.Asset,
		Horizons:         cfg.Horizons,
		Estimator:        cfg.Estimator,
		Ruleset:          cfg.Rules,
		Sim:              cfg.Sim,
		COTMarket:        *cotMarket,
		COTLookbackWeeks: *cotLookback,
	}

	if *verify {
		if err := verifyRun(ctx, stores, runCfg, reportID); err != nil {
			logger.Fatal().Err(err).Msg("verification failed")
		}
	}

	generator, err := reporting.NewGenerator(reporting.GeneratorOptions{
		BarStore:    stores.bars,
		TradeStore:  stores.trades,
		EquityStore: stores.equity,
		RunStore:    stores.runs,
		COTStore:    stores.cot,
		Config:      runCfg,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create generator")
	}

	if err := writeArtifacts(ctx, generator, reportID, *outputDir); err != nil {
		logger.Fatal().Err(err).Msg("write report artifacts")
	}

	short := runid.Short(reportID)
	fmt.Printf("Report generated for run %s:\n", short)
	fmt.Printf("  - %s\n", filepath.Join(*outputDir, "REPORT_"+short+".md"))
	fmt.Printf("  - %s\n", filepath.Join(*outputDir, "TRADES_"+short+".csv"))
	fmt.Printf("  - %s\n", filepath.Join(*outputDir, "EQUITY_"+short+".csv"))
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

// reportStores bundles every store the report pipeline reads.
type reportStores struct {
	bars   storage.BarStore
	rows   storage.FeatureRowStore
	equity storage.EquityStore
	trades storage.TradeStore
	runs   storage.RunStore
	cot    storage.COTStore
}

func memoryStores() *reportStores {
	return &reportStores{
		bars:   memory.NewBarStore(),
		rows:   memory.NewFeatureRowStore(),
		equity: memory.NewEquityStore(),
		trades: memory.NewTradeStore(),
		runs:   memory.NewRunStore(),
		cot:    memory.NewCOTStore(),
	}
}

// databaseStores connects to PostgreSQL and ClickHouse. The report only
// reads, so no migrations run here.
func databaseStores(ctx context.Context, sc config.Storage) (*reportStores, func(), error) {
	pool, err := pgstore.NewPool(ctx, sc.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	conn, err := chstore.NewConn(ctx, sc.ClickHouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	stores := &reportStores{
		bars:   chstore.NewBarStore(conn),
		rows:   chstore.NewFeatureRowStore(conn),
		equity: chstore.NewEquityStore(conn),
		trades: pgstore.NewTradeStore(pool),
		runs:   pgstore.NewRunStore(pool),
		cot:    pgstore.NewCOTStore(pool),
	}
	cleanup := func() {
		conn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}

// runMemoryBacktest loads the files and produces one run in the memory
// stores, returning its run ID.
func runMemoryBacktest(ctx context.Context, cfg *config.Config, stores *reportStores, barsPath, cotPath, cotMarket string, cotLookback int, logger zerolog.Logger) (string, error) {
	bars, skipped, err := ingest.ReadBarsFile(barsPath, cfg.Asset)
	if err != nil {
		return "", fmt.Errorf("read bars: %w", err)
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("bar records rejected during load")
	}
	if err := stores.bars.InsertBars(ctx, bars); err != nil {
		return "", fmt.Errorf("store bars: %w", err)
	}

	if cotPath != "" {
		reports, cotSkipped, err := ingest.ReadCOTFile(cotPath, cotMarket)
		if err != nil {
			return "", fmt.Errorf("read positioning reports: %w", err)
		}
		if cotSkipped > 0 {
			logger.Warn().Int("skipped", cotSkipped).Msg("positioning records rejected during load")
		}
		if err := stores.cot.InsertReports(ctx, reports); err != nil {
			return "", fmt.Errorf("store positioning reports: %w", err)
		}
	}

	orch, err := orchestrator.New(orchestrator.Options{
		BarStore:         stores.bars,
		FeatureRowStore:  stores.rows,
		EquityStore:      stores.equity,
		TradeStore:       stores.trades,
		RunStore:         stores.runs,
		COTStore:         stores.cot,
		COTMarket:        cotMarket,
		COTLookbackWeeks: cotLookback,
		Asset:            cfg.Asset,
		Horizons:         cfg.Horizons,
		Estimator:        cfg.Estimator,
		Ruleset:          cfg.Rules,
		Sim:              cfg.Sim,
		Log:              logger,
	})
	if err != nil {
		return "", err
	}
	result, err := orch.Run(ctx)
	if err != nil {
		return "", err
	}
	return result.RunID, nil
}

// verifyRun replays the stored run and reports divergences. A diverged
// run aborts before any artifact is rendered from it.
func verifyRun(ctx context.Context, stores *reportStores, runCfg orchestrator.RunConfig, runID string) error {
	verifier, err := verification.NewRunVerifier(verification.RunVerifierOptions{
		BarStore:   stores.bars,
		TradeStore: stores.trades,
		RunStore:   stores.runs,
		COTStore:   stores.cot,
		Config:     runCfg,
	})
	if err != nil {
		return err
	}
	report, err := verifier.VerifyRun(ctx, runID)
	if err != nil {
		if errors.Is(err, verification.ErrRunNotFound) {
			return fmt.Errorf("run %s not found", runid.Short(runID))
		}
		return err
	}
	if !report.Clean {
		fmt.Printf("Verification FAILED for run %s: %d of %d checks diverged\n",
			runid.Short(runID), len(report.Divergences), report.Checked)
		for _, d := range report.Divergences {
			fmt.Printf("  %-28s expected %v, got %v\n", d.Field, d.Expected, d.Actual)
		}
		os.Exit(1)
	}
	fmt.Printf("Verification passed: %d checks, no divergences\n", report.Checked)
	return nil
}

// writeArtifacts renders the markdown report and the CSV exports.
func writeArtifacts(ctx context.Context, g *reporting.Generator, runID, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	short := runid.Short(runID)

	markdown, err := g.RunMarkdown(ctx, runID)
	if err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "REPORT_"+short+".md"), []byte(markdown), 0644); err != nil {
		return err
	}

	trades, err := g.TradesCSV(ctx, runID)
	if err != nil {
		return fmt.Errorf("render trades csv: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "TRADES_"+short+".csv"), []byte(trades), 0644); err != nil {
		return err
	}

	equity, err := g.EquityCSV(ctx, runID)
	if err != nil {
		return fmt.Errorf("render equity csv: %w", err)
	}
	return os.WriteFile(filepath.Join(outputDir, "EQUITY_"+short+".csv"), []byte(equity), 0644)
}
