package verification

import (
	"context"
	"errors"
	"fmt"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/orchestrator"
	"market-analog-lab/internal/perf"
	"market-analog-lab/internal/runid"
	"market-analog-lab/internal/sim"
	"market-analog-lab/internal/storage"
)

// ErrRunNotFound is returned when the run ID is not in the run registry.
var ErrRunNotFound = errors.New("run not found")

// RunVerifier replays a stored run from its persisted inputs and compares
// the outcome against what was written at run time.
type RunVerifier struct {
	barStore   storage.BarStore
	tradeStore storage.TradeStore
	runStore   storage.RunStore
	cotStore   storage.COTStore
	cfg        orchestrator.RunConfig
}

// RunVerifierOptions contains configuration for creating a RunVerifier.
type RunVerifierOptions struct {
	BarStore   storage.BarStore
	TradeStore storage.TradeStore
	RunStore   storage.RunStore

	// COTStore is only needed when Config names a positioning market.
	COTStore storage.COTStore

	// Config must be the configuration the run was produced with. Runs
	// persist only its hash, so the verifier cannot recover it from
	// storage; a wrong config surfaces as a ConfigHash divergence.
	Config orchestrator.RunConfig
}

// NewRunVerifier creates a new RunVerifier.
func NewRunVerifier(opts RunVerifierOptions) (*RunVerifier, error) {
	if opts.BarStore == nil {
		return nil, errors.New("bar store is required")
	}
	if opts.TradeStore == nil {
		return nil, errors.New("trade store is required")
	}
	if opts.RunStore == nil {
		return nil, errors.New("run store is required")
	}
	return &RunVerifier{
		barStore:   opts.BarStore,
		tradeStore: opts.TradeStore,
		runStore:   opts.RunStore,
		cotStore:   opts.COTStore,
		cfg:        opts.Config,
	}, nil
}

// VerifyRun replays one run end to end. Divergences go into the report;
// only missing runs and broken inputs surface as errors.
func (v *RunVerifier) VerifyRun(ctx context.Context, runID string) (*Report, error) {
	stored, err := v.runStore.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	report := &Report{RunID: runID}

	// 1. Run-level identity checks
	cfg, est, err := v.resolvedConfig()
	if err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}
	cfgHash, err := runid.ConfigHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("config hash: %w", err)
	}
	report.compare("ConfigHash", stored.ConfigHash, cfgHash)
	report.compare("Asset", stored.Asset, cfg.Asset)

	// 2. Reload bars, clipped to the stored date range so later ingests
	// cannot disturb the replay
	bars, err := v.barStore.GetBars(ctx, stored.Asset)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	bars, _, err = ingest.ValidateBars(bars)
	if err != nil {
		return nil, fmt.Errorf("validate bars: %w", err)
	}
	bars = clipBars(bars, stored.StartDate, stored.EndDate)
	report.compare("Bars", stored.Bars, len(bars))
	if len(bars) == 0 {
		report.Clean = false
		return report, nil
	}
	report.compare("StartDate", stored.StartDate, bars[0].Date)
	report.compare("EndDate", stored.EndDate, bars[len(bars)-1].Date)

	// 3. Recompute the pipeline
	rows := features.NewBuilder(cfg.Horizons).Build(stored.Asset, bars)
	estimates, _, err := est.EstimateSeries(rows)
	if err != nil {
		return nil, fmt.Errorf("estimates: %w", err)
	}
	signals, err := v.loadSignals(ctx, cfg)
	if err != nil {
		return nil, err
	}

	report.compare("RunID", runID, runid.RunID(stored.Asset, cfgHash, bars[0].Date, bars[len(bars)-1].Date))

	// The stored run ID drives the replayed trade IDs so that matching
	// trades match on every field.
	simulator, err := sim.New(cfg.Sim, cfg.Ruleset, runID, stored.Asset)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	simResult, err := simulator.Run(sim.Inputs{Rows: rows, Estimates: estimates, Signals: signals})
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	// 4. Compare trades
	storedTrades, err := v.tradeStore.GetTradesByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	replayed := simResult.Trades
	report.compare("Trades", len(storedTrades), len(replayed))
	for i := 0; i < min(len(storedTrades), len(replayed)); i++ {
		report.Checked += tradeFieldCount
		for _, d := range CompareTrade(storedTrades[i], replayed[i]) {
			d.Field = fmt.Sprintf("Trades[%d].%s", i, d.Field)
			report.Divergences = append(report.Divergences, d)
		}
	}

	// 5. Compare KPIs
	kpis := perf.Compute(simResult.Equity, replayed)
	kpis.BuyHoldReturn = perf.BuyHold(rows)
	report.Checked += kpiFieldCount
	for _, d := range CompareKPIs(stored.KPIs, kpis) {
		d.Field = "KPIs." + d.Field
		report.Divergences = append(report.Divergences, d)
	}

	report.Clean = len(report.Divergences) == 0
	return report, nil
}

// resolvedConfig applies the same defaulting the orchestrator applies
// before hashing, so a raw config hashes to the same identity.
func (v *RunVerifier) resolvedConfig() (orchestrator.RunConfig, *analog.Estimator, error) {
	cfg := v.cfg
	if len(cfg.Horizons) == 0 {
		cfg.Horizons = features.DefaultHorizons
	}
	est, err := analog.New(cfg.Estimator)
	if err != nil {
		return cfg, nil, err
	}
	cfg.Estimator = est.Config()
	return cfg, est, nil
}

// loadSignals rebuilds the positioning overlay when the config names a
// market. Unlike the orchestrator, a failure here is fatal: verifying
// against different signals would report meaningless divergences.
func (v *RunVerifier) loadSignals(ctx context.Context, cfg orchestrator.RunConfig) ([]*domain.BiasSignal, error) {
	if v.cotStore == nil || cfg.COTMarket == "" {
		return nil, nil
	}
	reports, err := v.cotStore.GetReports(ctx, cfg.COTMarket)
	if err != nil {
		return nil, fmt.Errorf("load cot reports: %w", err)
	}
	if len(reports) == 0 {
		return nil, nil
	}
	signals, err := cot.Signals(reports, cfg.COTLookbackWeeks)
	if err != nil {
		return nil, fmt.Errorf("cot signals: %w", err)
	}
	return signals, nil
}

// compare records one exact-match field check.
func (r *Report) compare(field string, expected, actual any) {
	r.Checked++
	if expected != actual {
		r.Divergences = append(r.Divergences, FieldDivergence{
			Field:    field,
			Expected: expected,
			Actual:   actual,
		})
	}
}

// clipBars keeps bars inside [start, end]. Dates are ISO strings, so
// lexical order is date order.
func clipBars(bars []*domain.Bar, start, end string) []*domain.Bar {
	out := make([]*domain.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Date >= start && b.Date <= end {
			out = append(out, b)
		}
	}
	return out
}
