// Package main provides the long-running analog service:
// - JSON API: current estimate, run history, trade journals
// - Scheduler: re-runs the full backtest pipeline on an interval
// - Quote stream (optional): live websocket quotes for provisional estimates
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/config"
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/observability"
	"market-analog-lab/internal/orchestrator"
	"market-analog-lab/internal/rules"
	"market-analog-lab/internal/storage"
	chstore "market-analog-lab/internal/storage/clickhouse"
	"market-analog-lab/internal/storage/memory"
	"market-analog-lab/internal/storage/migrations"
	pgstore "market-analog-lab/internal/storage/postgres"
)

// Server holds all components of the analog service.
type Server struct {
	// Configuration
	cfg         *config.Config
	cotMarket   string
	cotLookback int
	runInterval time.Duration

	// Components
	stores    *serverStores
	estimator *analog.Estimator
	quotes    *ingest.QuoteStream // nil when no quote endpoint is configured
	logger    zerolog.Logger

	// State
	mu         sync.Mutex
	started    time.Time
	lastRun    time.Time
	lastRunID  string
	runRunning bool
	runsDone   int
}

// serverStores holds all storage implementations the service touches.
type serverStores struct {
	bars   storage.BarStore
	rows   storage.FeatureRowStore
	equity storage.EquityStore
	trades storage.TradeStore
	runs   storage.RunStore
	cot    storage.COTStore
}

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config path (defaults and env overrides apply when empty)")
	addr := flag.String("addr", ":8080", "HTTP listen address for API and metrics")
	asset := flag.String("asset", "", "Asset symbol (overrides config)")

	// Storage
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (journal, runs, positioning)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (bars, features, equity)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of databases")

	// Scheduler and live data
	runInterval := flag.Duration("run-interval", 1*time.Hour, "Backtest re-run interval")
	quoteWSURL := flag.String("quote-ws-url", "", "Websocket quote endpoint (overrides config)")

	// Positioning overlay
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
		cfg.Storage.UseMemory = false
	}
	if *clickhouseDSN != "" {
		cfg.Storage.ClickHouseDSN = *clickhouseDSN
		cfg.Storage.UseMemory = false
	}
	if *useMemory {
		cfg.Storage = config.Storage{UseMemory: true}
	}
	if *quoteWSURL != "" {
		cfg.Ingest.QuoteWSURL = *quoteWSURL
	}

	logger := newLogger(cfg.Logging)

	// Validate required flags
	if !cfg.Storage.UseMemory && (cfg.Storage.PostgresDSN == "" || cfg.Storage.ClickHouseDSN == "") {
		logger.Fatal().Msg("-postgres-dsn and -clickhouse-dsn are required (use -use-memory for in-memory storage)")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	stores, cleanup, err := openStores(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("open stores")
	}
	defer cleanup()

	estimator, err := analog.New(cfg.Estimator)
	if err != nil {
		logger.Fatal().Err(err).Msg("create estimator")
	}

	// The quote stream is a supplement; the API and scheduler work
	// without it, so a dead endpoint only costs a warning.
	var quotes *ingest.QuoteStream
	if cfg.Ingest.QuoteWSURL != "" {
		quotes, err = ingest.NewQuoteStream(ctx, cfg.Ingest.QuoteWSURL, cfg.Asset, nil, logger)
		if err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.Ingest.QuoteWSURL).Msg("quote stream unavailable, continuing without live quotes")
			quotes = nil
		}
	}

	server := &Server{
		cfg:         cfg,
		cotMarket:   *cotMarket,
		cotLookback: *cotLookback,
		runInterval: *runInterval,
		stores:      stores,
		estimator:   estimator,
		quotes:      quotes,
		logger:      logger,
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Warn().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Error().Str("signal", sig.String()).Msg("second signal, forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error().Msg("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	err = server.Run(ctx, *addr)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("shutdown complete")
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

// openStores creates in-memory stores, or database-backed ones when both
// DSNs are configured. Migrations run before any store is handed out.
func openStores(ctx context.Context, sc config.Storage) (*serverStores, func(), error) {
	if sc.UseMemory {
		stores := &serverStores{
			bars:   memory.NewBarStore(),
			rows:   memory.NewFeatureRowStore(),
			equity: memory.NewEquityStore(),
			trades: memory.NewTradeStore(),
			runs:   memory.NewRunStore(),
			cot:    memory.NewCOTStore(),
		}
		return stores, func() {}, nil
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

	stores := &serverStores{
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

// Run starts the HTTP server, the scheduler and the quote age sampler,
// then blocks until the context is cancelled or a component fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	httpSrv := &http.Server{Addr: addr, Handler: s.routes()}

	// Create error channel for goroutines
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if err := s.runScheduler(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("run scheduler: %w", err)
		}
	}()

	if s.quotes != nil {
		go s.sampleQuoteAge(ctx)
	}

	// Wait for context cancellation or error
	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, release := context.WithTimeout(context.Background(), 10*time.Second)
	defer release()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("http shutdown")
	}
	if s.quotes != nil {
		if err := s.quotes.Close(); err != nil {
			s.logger.Error().Err(err).Msg("quote stream close")
		}
	}
	return runErr
}

// runScheduler re-runs the backtest pipeline on the configured interval.
func (s *Server) runScheduler(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.runInterval).Msg("starting run scheduler")

	// Run immediately on start
	s.runBacktest(ctx)

	ticker := time.NewTicker(s.runInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runBacktest(ctx)
		}
	}
}

// runBacktest executes one full pipeline run against the shared stores.
func (s *Server) runBacktest(ctx context.Context) {
	s.mu.Lock()
	if s.runRunning {
		s.mu.Unlock()
		s.logger.Info().Msg("backtest already running, skipping")
		return
	}
	s.runRunning = true
	s.mu.Unlock()

	var runID string
	defer func() {
		s.mu.Lock()
		s.runRunning = false
		s.lastRun = time.Now()
		if runID != "" {
			s.lastRunID = runID
		}
		s.runsDone++
		s.mu.Unlock()
	}()

	s.logger.Info().Str("asset", s.cfg.Asset).Msg("running scheduled backtest")

	orch, err := orchestrator.New(orchestrator.Options{
		BarStore:         s.stores.bars,
		FeatureRowStore:  s.stores.rows,
		EquityStore:      s.stores.equity,
		TradeStore:       s.stores.trades,
		RunStore:         s.stores.runs,
		COTStore:         s.stores.cot,
		COTMarket:        s.cotMarket,
		COTLookbackWeeks: s.cotLookback,
		Asset:            s.cfg.Asset,
		Horizons:         s.cfg.Horizons,
		Estimator:        s.cfg.Estimator,
		Ruleset:          s.cfg.Rules,
		Sim:              s.cfg.Sim,
		Log:              s.logger,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("create orchestrator")
		return
	}

	result, err := orch.Run(ctx)
	if err != nil {
		// Fails until bars are ingested; the next tick retries.
		s.logger.Error().Err(err).Msg("scheduled backtest failed")
		return
	}
	runID = result.RunID

	s.logger.Info().
		Str("run_id", result.RunID).
		Int("bars", result.BarsLoaded).
		Int("trades", result.TradesCreated).
		Dur("duration", result.Duration).
		Msg("scheduled backtest completed")
}

// sampleQuoteAge periodically exports the staleness of the live quote.
func (s *Server) sampleQuoteAge(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q, ok := s.quotes.Latest(); ok {
				observability.RecordQuoteAge(time.Since(q.At).Seconds())
			}
		}
	}
}

// routes wires up the HTTP API.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	// Prometheus metrics
	r.Handle("/metrics", observability.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/trades", s.handleRunTrades).Methods(http.MethodGet)

	return r
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status      string    `json:"status"`
	Uptime      string    `json:"uptime"`
	Asset       string    `json:"asset"`
	QuoteStream bool      `json:"quote_stream"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastRunID   string    `json:"last_run_id,omitempty"`
	RunRunning  bool      `json:"run_running"`
	RunsDone    int       `json:"runs_completed"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{
		Status:      "running",
		Uptime:      time.Since(s.started).String(),
		Asset:       s.cfg.Asset,
		QuoteStream: s.quotes != nil,
		LastRun:     s.lastRun,
		LastRunID:   s.lastRunID,
		RunRunning:  s.runRunning,
		RunsDone:    s.runsDone,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// EstimateResponse is the payload of /api/v1/estimate.
type EstimateResponse struct {
	Asset       string
	Date        string
	Bars        int
	Provisional bool                   // last bar synthesized from the live quote
	Estimate    *domain.AnalysisResult // nil when the analog pool was too thin
	Decision    domain.Decision
}

// handleEstimate computes the estimate and decision checklist for the
// latest bar of an asset. With a live quote stream attached, a quote
// newer than the last stored bar becomes a provisional closing bar.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = s.cfg.Asset
	}

	bars, err := s.stores.bars.GetBars(ctx, asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load bars: %v", err))
		return
	}
	bars, _, err = ingest.ValidateBars(bars)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no usable bars for %s", asset))
		return
	}

	// The stream subscribes to the configured asset only.
	provisional := false
	if s.quotes != nil && asset == s.cfg.Asset {
		if q, ok := s.quotes.Latest(); ok && q.Price > 0 {
			today := time.Now().UTC().Format("2006-01-02")
			if today > bars[len(bars)-1].Date {
				bars = append(bars, &domain.Bar{Asset: asset, Date: today, Close: q.Price})
				provisional = true
			}
		}
	}

	rows := features.NewBuilder(s.cfg.Horizons).Build(asset, bars)
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no feature rows for %s", asset))
		return
	}
	idx := len(rows) - 1
	row := rows[idx]

	estimate, err := s.estimator.Estimate(rows, idx)
	if err != nil && !errors.Is(err, analog.ErrNoEstimate) {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("estimate: %v", err))
		return
	}

	bias, err := s.biasAsOf(ctx, row.Date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("positioning overlay: %v", err))
		return
	}

	var vol20 *float64
	if v, ok := row.Feature(domain.FeatureVol20); ok {
		vol20 = &v
	}

	// A standalone evaluation is always flat; entry checks carry the
	// whole story and exit/add checks come out NA.
	decision := rules.Evaluate(rules.Input{
		Asset:    asset,
		Date:     row.Date,
		Index:    row.Index,
		Estimate: estimate,
		Vol20:    vol20,
		Bias:     bias,
		Ruleset:  s.cfg.Rules,
	})

	writeJSON(w, http.StatusOK, EstimateResponse{
		Asset:       asset,
		Date:        row.Date,
		Bars:        len(bars),
		Provisional: provisional,
		Estimate:    estimate,
		Decision:    decision,
	})
}

// biasAsOf resolves the positioning bias effective on a date, or nil
// when no market is configured or no reports cover it.
func (s *Server) biasAsOf(ctx context.Context, date string) (*domain.BiasSignal, error) {
	if s.cotMarket == "" {
		return nil, nil
	}
	reports, err := s.stores.cot.GetReports(ctx, s.cotMarket)
	if err != nil {
		return nil, fmt.Errorf("load positioning reports: %w", err)
	}
	if len(reports) == 0 {
		return nil, nil
	}
	signals, err := cot.Signals(reports, s.cotLookback)
	if err != nil {
		return nil, fmt.Errorf("positioning signals: %w", err)
	}
	return cot.AsOf(signals, date), nil
}

// handleRuns lists runs for an asset, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = s.cfg.Asset
	}

	runs, err := s.stores.runs.ListRuns(r.Context(), asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []*domain.BacktestRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRun returns one run by ID.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	run, err := s.stores.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get run: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunTrades returns the trade journal of one run.
func (s *Server) handleRunTrades(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if _, err := s.stores.runs.GetRun(ctx, runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get run: %v", err))
		return
	}

	trades, err := s.stores.trades.GetTradesByRun(ctx, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get trades: %v", err))
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
