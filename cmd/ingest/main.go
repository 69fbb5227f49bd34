package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/config"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/observability"
	"market-analog-lab/internal/storage"
	chstore "market-analog-lab/internal/storage/clickhouse"
	"market-analog-lab/internal/storage/memory"
	"market-analog-lab/internal/storage/migrations"
	pgstore "market-analog-lab/internal/storage/postgres"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config path (defaults and env overrides apply when empty)")
	asset := flag.String("asset", "", "Asset symbol (overrides config)")

	// Bars: local file or remote fetch
	barsFile := flag.String("bars-file", "", "Load bars from a CSV or JSON file instead of fetching")
	sources := flag.String("sources", "", "Comma-separated bar source URL templates (overrides config)")
	from := flag.String("from", "", "Fetch start date, ISO-8601")
	to := flag.String("to", "", "Fetch end date, ISO-8601")

	// Positioning reports: file only
	cotFile := flag.String("cot-file", "", "Load weekly positioning reports from a CSV or JSON file")
	cotMarket := flag.String("cot-market", "", "Positioning market name (required with -cot-file)")

	// Storage
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (positioning reports)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (bars)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage (data dies with the process)")

	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (empty to disable)")

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
	if *useMemory {
		cfg.Storage = config.Storage{UseMemory: true}
	}
	if *sources != "" {
		cfg.Ingest.Sources = splitList(*sources)
	}

	logger := newLogger(cfg.Logging)

	// Validate required flags
	if *barsFile == "" && len(cfg.Ingest.Sources) == 0 && *cotFile == "" {
		logger.Fatal().Msg("nothing to ingest: give -bars-file, -cot-file or configure fetch sources")
	}
	if *cotFile != "" && *cotMarket == "" {
		logger.Fatal().Msg("-cot-market is required with -cot-file")
	}
	if !cfg.Storage.UseMemory && (cfg.Storage.PostgresDSN == "" || cfg.Storage.ClickHouseDSN == "") {
		logger.Fatal().Msg("-postgres-dsn and -clickhouse-dsn are required (use -use-memory to skip persistence)")
	}

	// Start metrics server if enabled
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Info().Str("addr", *metricsAddr).Msg("metrics server listening")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
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

	if *barsFile != "" || len(cfg.Ingest.Sources) > 0 {
		if err := ingestBars(ctx, cfg, stores.bars, *barsFile, *from, *to, logger); err != nil {
			logger.Fatal().Err(err).Msg("bar ingestion failed")
		}
	}
	if *cotFile != "" {
		if err := ingestCOT(ctx, stores.cot, *cotFile, *cotMarket, logger); err != nil {
			logger.Fatal().Err(err).Msg("positioning ingestion failed")
		}
	}

	logger.Info().Msg("ingestion complete")
}

// ingestBars loads the daily series from a file or the configured HTTP
// sources and persists it.
func ingestBars(ctx context.Context, cfg *config.Config, barStore storage.BarStore, path, from, to string, logger zerolog.Logger) error {
	var (
		bars    []*domain.Bar
		skipped int
		err     error
	)
	if path != "" {
		bars, skipped, err = ingest.ReadBarsFile(path, cfg.Asset)
	} else {
		var fetcher *ingest.Fetcher
		fetcher, err = ingest.NewFetcher(ingest.FetcherConfig{
			Sources:           ingest.SourcesFromTemplates(cfg.Ingest.Sources),
			RequestsPerSecond: cfg.Ingest.RequestsPerSecond,
			Timeout:           time.Duration(cfg.Ingest.TimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			return err
		}
		bars, skipped, err = fetcher.FetchBars(ctx, cfg.Asset, from, to)
	}
	if err != nil {
		return err
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("bar records rejected during load")
		observability.RecordBarsRejected(skipped)
	}
	if err := barStore.InsertBars(ctx, bars); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("store bars: %w", err)
	}
	observability.RecordBarsIngested(len(bars))
	logger.Info().Str("asset", cfg.Asset).Int("bars", len(bars)).Msg("bars ingested")
	return nil
}

// ingestCOT loads weekly positioning reports from a file and persists
// them.
func ingestCOT(ctx context.Context, cotStore storage.COTStore, path, market string, logger zerolog.Logger) error {
	reports, skipped, err := ingest.ReadCOTFile(path, market)
	if err != nil {
		return err
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("positioning records rejected during load")
	}
	if err := cotStore.InsertReports(ctx, reports); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("store positioning reports: %w", err)
	}
	observability.RecordCOTReportsIngested(len(reports))
	logger.Info().Str("market", market).Int("reports", len(reports)).Msg("positioning reports ingested")
	return nil
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

// splitList splits a comma-separated flag value.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ingestStores bundles the stores ingestion writes to.
type ingestStores struct {
	bars storage.BarStore
	cot  storage.COTStore
}

// openStores creates in-memory stores, or database-backed ones when both
// DSNs are configured. Migrations run before any store is handed out.
func openStores(ctx context.Context, sc config.Storage) (*ingestStores, func(), error) {
	if sc.UseMemory {
		return &ingestStores{
			bars: memory.NewBarStore(),
			cot:  memory.NewCOTStore(),
		}, func() {}, nil
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

	stores := &ingestStores{
		bars: chstore.NewBarStore(conn),
		cot:  pgstore.NewCOTStore(pool),
	}
	cleanup := func() {
		conn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}
