// Package orchestrator provides end-to-end backtest orchestration.
// It coordinates: bars → features → estimates → simulation → KPIs → storage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/observability"
	"market-analog-lab/internal/perf"
	"market-analog-lab/internal/rules"
	"market-analog-lab/internal/runid"
	"market-analog-lab/internal/sim"
	"market-analog-lab/internal/storage"
)

// Orchestrator coordinates one full backtest execution.
type Orchestrator struct {
	// Stores
	barStore        storage.BarStore
	featureRowStore storage.FeatureRowStore
	equityStore     storage.EquityStore
	tradeStore      storage.TradeStore
	runStore        storage.RunStore
	cotStore        storage.COTStore

	// Run parameters
	asset            string
	horizons         []int
	estimator        analog.Config
	ruleset          rules.Ruleset
	sim              sim.Config
	cotMarket        string
	cotLookbackWeeks int

	log zerolog.Logger
	now func() time.Time
}

// Options for creating an Orchestrator.
type Options struct {
	// Required stores
	BarStore        storage.BarStore
	FeatureRowStore storage.FeatureRowStore
	EquityStore     storage.EquityStore
	TradeStore      storage.TradeStore
	RunStore        storage.RunStore

	// COTStore is optional; the overlay is skipped when it is nil or
	// COTMarket is empty.
	COTStore         storage.COTStore
	COTMarket        string
	COTLookbackWeeks int

	// Run parameters
	Asset     string
	Horizons  []int
	Estimator analog.Config
	Ruleset   rules.Ruleset
	Sim       sim.Config

	// Log silences with zerolog.Nop()
	Log zerolog.Logger
}

// New creates a new Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.BarStore == nil || opts.FeatureRowStore == nil ||
		opts.EquityStore == nil || opts.TradeStore == nil || opts.RunStore == nil {
		return nil, fmt.Errorf("all of bar, feature row, equity, trade and run stores are required")
	}
	if opts.Asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	horizons := opts.Horizons
	if len(horizons) == 0 {
		horizons = features.DefaultHorizons
	}
	return &Orchestrator{
		barStore:         opts.BarStore,
		featureRowStore:  opts.FeatureRowStore,
		equityStore:      opts.EquityStore,
		tradeStore:       opts.TradeStore,
		runStore:         opts.RunStore,
		cotStore:         opts.COTStore,
		cotMarket:        opts.COTMarket,
		cotLookbackWeeks: opts.COTLookbackWeeks,
		asset:            opts.Asset,
		horizons:         horizons,
		estimator:        opts.Estimator,
		ruleset:          opts.Ruleset,
		sim:              opts.Sim,
		log:              opts.Log,
		now:              time.Now,
	}, nil
}

// WithClock replaces the wall clock, for deterministic run timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// RunResult contains results from one orchestrated backtest.
type RunResult struct {
	RunID             string
	BarsLoaded        int
	RowsBuilt         int
	EstimatesComputed int
	NoSignal          int
	TradesCreated     int
	KPIs              domain.KPISet
	Trades            []*domain.Trade
	Duration          time.Duration
	Errors            []string
}

// RunConfig is the canonical content hashed into the run identity.
// Verification rebuilds the same struct to check a stored run's hash, so
// every field that changes the outcome of a run belongs here.
type RunConfig struct {
	Asset            string        `json:"asset"`
	Horizons         []int         `json:"horizons"`
	Estimator        analog.Config `json:"estimator"`
	Ruleset          rules.Ruleset `json:"ruleset"`
	Sim              sim.Config    `json:"sim"`
	COTMarket        string        `json:"cot_market,omitempty"`
	COTLookbackWeeks int           `json:"cot_lookback_weeks,omitempty"`
}

// Run executes the full backtest.
// Phases:
//  1. Load and validate bars
//  2. Build feature rows (and persist them)
//  3. Batch analog estimates
//  4. Positioning overlay (when configured)
//  5. Simulate
//  6. KPIs and persistence
//
// Computation failures abort; storage failures after the simulation are
// collected into Errors so a completed run is never thrown away.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	started := o.now()
	result := &RunResult{}

	// Phase 1: bars
	bars, err := o.barStore.GetBars(ctx, o.asset)
	if err != nil {
		return nil, fmt.Errorf("phase 1 (load bars) failed: %w", err)
	}
	bars, dropped, err := ingest.ValidateBars(bars)
	if err != nil {
		return nil, fmt.Errorf("phase 1 (validate bars) failed: %w", err)
	}
	if dropped > 0 {
		o.log.Warn().Int("dropped", dropped).Msg("stored bars failed validation")
	}
	result.BarsLoaded = len(bars)
	o.log.Info().Str("asset", o.asset).Int("bars", len(bars)).Msg("bars loaded")

	// Phase 2: features
	rows := features.NewBuilder(o.horizons).Build(o.asset, bars)
	result.RowsBuilt = len(rows)
	observability.RecordFeatureRowsBuilt(len(rows))
	if err := o.featureRowStore.InsertRows(ctx, rows); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			result.Errors = append(result.Errors, fmt.Sprintf("persist feature rows: %v", err))
		}
	}
	o.log.Info().Int("rows", len(rows)).Msg("feature rows built")

	// Phase 3: estimates
	est, err := analog.New(o.estimator)
	if err != nil {
		return nil, fmt.Errorf("phase 3 (estimator) failed: %w", err)
	}
	estimates, noSignal, err := est.EstimateSeries(rows)
	if err != nil {
		return nil, fmt.Errorf("phase 3 (estimates) failed: %w", err)
	}
	result.EstimatesComputed = len(estimates)
	result.NoSignal = noSignal
	observability.RecordEstimatesBatch(len(estimates), noSignal)
	o.log.Info().Int("estimates", len(estimates)).Int("no_signal", noSignal).Msg("estimates computed")

	// Phase 4: positioning overlay
	signals := o.loadSignals(ctx, result)

	// Phase 5: simulate
	cfgHash, err := runid.ConfigHash(RunConfig{
		Asset:            o.asset,
		Horizons:         o.horizons,
		Estimator:        est.Config(),
		Ruleset:          o.ruleset,
		Sim:              o.sim,
		COTMarket:        o.cotMarket,
		COTLookbackWeeks: o.cotLookbackWeeks,
	})
	if err != nil {
		return nil, fmt.Errorf("phase 5 (config hash) failed: %w", err)
	}
	runID := runid.RunID(o.asset, cfgHash, bars[0].Date, bars[len(bars)-1].Date)
	result.RunID = runID

	simulator, err := sim.New(o.sim, o.ruleset, runID, o.asset)
	if err != nil {
		return nil, fmt.Errorf("phase 5 (simulator) failed: %w", err)
	}
	simResult, err := simulator.Run(sim.Inputs{Rows: rows, Estimates: estimates, Signals: signals})
	if err != nil {
		return nil, fmt.Errorf("phase 5 (simulation) failed: %w", err)
	}
	result.TradesCreated = len(simResult.Trades)
	result.Trades = simResult.Trades
	observability.RecordTradesClosed(len(simResult.Trades))
	for _, d := range simResult.Decisions {
		observability.RecordDecision(string(d.Action))
	}
	o.log.Info().Str("run_id", runid.Short(runID)).Int("trades", len(simResult.Trades)).Msg("simulation complete")

	// Phase 6: KPIs and persistence
	kpis := perf.Compute(simResult.Equity, simResult.Trades)
	kpis.BuyHoldReturn = perf.BuyHold(rows)
	result.KPIs = kpis

	run := &domain.BacktestRun{
		RunID:       runID,
		Asset:       o.asset,
		CreatedAtMs: o.now().UnixMilli(),
		ConfigHash:  cfgHash,
		StartDate:   bars[0].Date,
		EndDate:     bars[len(bars)-1].Date,
		Bars:        len(bars),
		KPIs:        kpis,
	}
	o.persist(ctx, run, simResult, result)

	result.Duration = o.now().Sub(started)
	status := "success"
	if len(result.Errors) > 0 {
		status = "partial"
	}
	observability.RecordRun(status, result.Duration.Seconds())
	o.log.Info().
		Str("run_id", runid.Short(runID)).
		Str("status", status).
		Dur("duration", result.Duration).
		Float64("net_return", kpis.TotalReturnNet).
		Msg("backtest complete")

	return result, nil
}

// loadSignals fetches reports and derives the weekly bias series. Overlay
// problems degrade to a run without bias rather than aborting.
func (o *Orchestrator) loadSignals(ctx context.Context, result *RunResult) []*domain.BiasSignal {
	if o.cotStore == nil || o.cotMarket == "" {
		return nil
	}
	reports, err := o.cotStore.GetReports(ctx, o.cotMarket)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load cot reports: %v", err))
		return nil
	}
	if len(reports) == 0 {
		return nil
	}
	signals, err := cot.Signals(reports, o.cotLookbackWeeks)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("cot signals: %v", err))
		return nil
	}
	o.log.Info().Str("market", o.cotMarket).Int("reports", len(reports)).Msg("positioning overlay loaded")
	return signals
}

// persist writes the run registry row, the journal and the equity curve.
// A run whose RunID already exists is the same content re-run; duplicates
// are skipped quietly.
func (o *Orchestrator) persist(ctx context.Context, run *domain.BacktestRun, simResult *sim.Result, result *RunResult) {
	if err := o.runStore.InsertRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			o.log.Info().Str("run_id", runid.Short(run.RunID)).Msg("run already stored")
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("persist run: %v", err))
		}
	}
	if err := o.tradeStore.InsertTrades(ctx, simResult.Trades); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			result.Errors = append(result.Errors, fmt.Sprintf("persist trades: %v", err))
		}
	}
	if err := o.equityStore.InsertPoints(ctx, simResult.Equity); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			result.Errors = append(result.Errors, fmt.Sprintf("persist equity: %v", err))
		}
	}
}
