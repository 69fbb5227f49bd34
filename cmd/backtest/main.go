package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/config"
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/orchestrator"
	"market-analog-lab/internal/perf"
	"market-analog-lab/internal/sim"
	"market-analog-lab/internal/storage"
	chstore "market-analog-lab/internal/storage/clickhouse"
	"market-analog-lab/internal/storage/memory"
	"market-analog-lab/internal/storage/migrations"
	pgstore "market-analog-lab/internal/storage/postgres"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config path (defaults and env overrides apply when empty)")
	barsPath := flag.String("bars", "", "Daily bars file, CSV or JSON (required)")
	asset := flag.String("asset", "", "Asset symbol (overrides config)")

	// Positioning overlay
	cotPath := flag.String("cot", "", "Weekly positioning file, CSV or JSON")
	cotMarket := flag.String("cot-market", "", "Positioning market name (enables the bias overlay)")
	cotLookback := flag.Int("cot-lookback-weeks", 0, "Positioning percentile window in weeks (0 = ~3 years)")

	// Storage
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (journal, runs, positioning)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (bars, features, equity)")

	// Output
	outputJSON := flag.Bool("json", false, "Output as JSON")
	feesGrid := flag.Bool("fees-sensitivity", false, "Re-run the simulation under the fee scenario grid")
	save := flag.Bool("save", false, "Persist run, trades and equity to database storage")

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
		cfg.Storage.UseMemory = false
	}
	if *clickhouseDSN != "" {
		cfg.Storage.ClickHouseDSN = *clickhouseDSN
		cfg.Storage.UseMemory = false
	}
	// Without -save everything runs on throwaway in-memory stores, no
	// matter what the config names.
	if !*save {
		cfg.Storage = config.Storage{UseMemory: true}
	}

	logger := newLogger(cfg.Logging)

	// Validate required flags
	if *barsPath == "" {
		logger.Fatal().Msg("-bars is required")
	}
	if *cotPath != "" && *cotMarket == "" {
		logger.Fatal().Msg("-cot-market is required with -cot")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	stores, cleanup, err := openStores(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("open stores")
	}
	defer cleanup()
	if *save && cfg.Storage.UseMemory {
		logger.Warn().Msg("-save without database DSNs keeps results in process memory only")
	}

	// Load the series into the bar store; the orchestrator reads it back.
	bars, skipped, err := ingest.ReadBarsFile(*barsPath, cfg.Asset)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *barsPath).Msg("read bars")
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("bar records rejected during load")
	}
	if err := stores.bars.InsertBars(ctx, bars); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		logger.Fatal().Err(err).Msg("store bars")
	}

	if *cotPath != "" {
		reports, cotSkipped, err := ingest.ReadCOTFile(*cotPath, *cotMarket)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *cotPath).Msg("read positioning reports")
		}
		if cotSkipped > 0 {
			logger.Warn().Int("skipped", cotSkipped).Msg("positioning records rejected during load")
		}
		if err := stores.cot.InsertReports(ctx, reports); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			logger.Fatal().Err(err).Msg("store positioning reports")
		}
	}

	orch, err := orchestrator.New(orchestrator.Options{
		BarStore:         stores.bars,
		FeatureRowStore:  stores.rows,
		EquityStore:      stores.equity,
		TradeStore:       stores.trades,
		RunStore:         stores.runs,
		COTStore:         stores.cot,
		COTMarket:        *cotMarket,
		COTLookbackWeeks: *cotLookback,
		Asset:            cfg.Asset,
		Horizons:         cfg.Horizons,
		Estimator:        cfg.Estimator,
		Ruleset:          cfg.Rules,
		Sim:              cfg.Sim,
		Log:              logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create orchestrator")
	}

	result, err := orch.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("backtest failed")
	}

	var sens []perf.SensitivityRow
	if *feesGrid {
		sens, err = feesSensitivity(ctx, cfg, stores.cot, *cotMarket, *cotLookback, bars, result.RunID)
		if err != nil {
			logger.Fatal().Err(err).Msg("fees sensitivity failed")
		}
	}

	// Output result
	if *outputJSON {
		payload := struct {
			Result      *orchestrator.RunResult
			Sensitivity []perf.SensitivityRow `json:",omitempty"`
		}{result, sens}
		output, _ := json.MarshalIndent(payload, "", "  ")
		fmt.Println(string(output))
	} else {
		printResult(result, sens)
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

// backtestStores bundles every store one backtest touches.
type backtestStores struct {
	bars   storage.BarStore
	rows   storage.FeatureRowStore
	equity storage.EquityStore
	trades storage.TradeStore
	runs   storage.RunStore
	cot    storage.COTStore
}

// openStores creates in-memory stores, or database-backed ones when both
// DSNs are configured. Migrations run before any store is handed out.
func openStores(ctx context.Context, sc config.Storage) (*backtestStores, func(), error) {
	if sc.UseMemory || (sc.PostgresDSN == "" && sc.ClickHouseDSN == "") {
		stores := &backtestStores{
			bars:   memory.NewBarStore(),
			rows:   memory.NewFeatureRowStore(),
			equity: memory.NewEquityStore(),
			trades: memory.NewTradeStore(),
			runs:   memory.NewRunStore(),
			cot:    memory.NewCOTStore(),
		}
		return stores, func() {}, nil
	}
	if sc.PostgresDSN == "" || sc.ClickHouseDSN == "" {
		return nil, nil, fmt.Errorf("both -postgres-dsn and -clickhouse-dsn are required for database storage")
	}

	pool, err := pgstore.NewPool(ctx, sc.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, sc.ClickHouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &backtestStores{
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

// feesSensitivity replays the simulation under each friction scenario.
// Features, estimates and signals are rebuilt once; only costs vary.
func feesSensitivity(ctx context.Context, cfg *config.Config, cotStore storage.COTStore, market string, lookback int, bars []*domain.Bar, runID string) ([]perf.SensitivityRow, error) {
	rows := features.NewBuilder(cfg.Horizons).Build(cfg.Asset, bars)
	est, err := analog.New(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	estimates, _, err := est.EstimateSeries(rows)
	if err != nil {
		return nil, err
	}

	var signals []*domain.BiasSignal
	if market != "" {
		reports, err := cotStore.GetReports(ctx, market)
		if err != nil {
			return nil, fmt.Errorf("load positioning reports: %w", err)
		}
		if len(reports) > 0 {
			signals, err = cot.Signals(reports, lookback)
			if err != nil {
				return nil, fmt.Errorf("positioning signals: %w", err)
			}
		}
	}

	return perf.FeesSensitivity(func(feeBps, slipBps float64) (domain.KPISet, error) {
		simCfg := cfg.Sim
		simCfg.FeeBps = feeBps
		simCfg.SlippageBps = slipBps
		simulator, err := sim.New(simCfg, cfg.Rules, runID, cfg.Asset)
		if err != nil {
			return domain.KPISet{}, err
		}
		res, err := simulator.Run(sim.Inputs{Rows: rows, Estimates: estimates, Signals: signals})
		if err != nil {
			return domain.KPISet{}, err
		}
		kpis := perf.Compute(res.Equity, res.Trades)
		kpis.BuyHoldReturn = perf.BuyHold(rows)
		return kpis, nil
	})
}

// printResult outputs a human-readable run summary.
func printResult(result *orchestrator.RunResult, sens []perf.SensitivityRow) {
	fmt.Println()
	fmt.Println("=== Backtest Result ===")
	fmt.Printf("Run ID:            %s\n", result.RunID)
	fmt.Printf("Bars:              %d\n", result.BarsLoaded)
	fmt.Printf("Feature Rows:      %d\n", result.RowsBuilt)
	fmt.Printf("Estimates:         %d (%d no-signal)\n", result.EstimatesComputed, result.NoSignal)
	fmt.Printf("Duration:          %v\n", result.Duration)
	fmt.Println()

	k := result.KPIs
	fmt.Println("KPIs:")
	fmt.Printf("  Net Return:       %+.2f%%\n", k.TotalReturnNet*100)
	fmt.Printf("  Gross Return:     %+.2f%%\n", k.TotalReturnGross*100)
	fmt.Printf("  Buy & Hold:       %+.2f%%\n", k.BuyHoldReturn*100)
	fmt.Printf("  CAGR:             %+.2f%%\n", k.CAGR*100)
	fmt.Printf("  Max Drawdown:     %.2f%%\n", k.MaxDrawdown*100)
	fmt.Printf("  Sharpe:           %.2f\n", k.Sharpe)
	fmt.Printf("  Sortino:          %.2f\n", k.Sortino)
	fmt.Printf("  Win Rate:         %.2f%%\n", k.WinRate*100)
	fmt.Printf("  Profit Factor:    %.2f\n", k.ProfitFactor)
	fmt.Printf("  Exposure:         %.2f%%\n", k.Exposure*100)
	fmt.Printf("  Avg Holding:      %.1f days\n", k.AvgHoldingDays)
	fmt.Println()

	if len(result.Trades) > 0 {
		fmt.Printf("Trades (%d):\n", len(result.Trades))
		for i, t := range result.Trades {
			fmt.Printf("  %3d  %s -> %s  %3dd  %+7.2f%%  %-24s adds=%d\n",
				i+1, t.EntryDate, t.ExitDate, t.HoldingDays, t.NetReturnPct*100, t.ExitReason, t.Adds)
		}
	} else {
		fmt.Println("No trades closed.")
	}

	if len(sens) > 0 {
		fmt.Println()
		fmt.Println("Fees Sensitivity:")
		for _, row := range sens {
			fmt.Printf("  %-5s fee=%2.0fbps slip=%2.0fbps  net=%+7.2f%%  sharpe=%5.2f  maxdd=%.2f%%\n",
				row.Scenario.Name, row.Scenario.FeeBps, row.Scenario.SlippageBps,
				row.NetReturn*100, row.Sharpe, row.MaxDrawdown*100)
		}
	}

	if len(result.Errors) > 0 {
		fmt.Println()
		fmt.Printf("Storage errors (%d):\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}
