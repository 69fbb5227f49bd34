// Package walkforward evaluates a configuration on rolling train/test
// windows instead of one full-history pass. Each window trains the analog
// pool on its leading span and trades only the test span that follows, so
// every reported figure comes from bars the estimator had never adjudicated.
package walkforward

import (
	"fmt"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/perf"
	"market-analog-lab/internal/rules"
	"market-analog-lab/internal/runid"
	"market-analog-lab/internal/sim"
)

// Plan shapes the rolling windows, all sizes in bars.
type Plan struct {
	TrainBars int `yaml:"train_bars"`
	TestBars  int `yaml:"test_bars"`
	StepBars  int `yaml:"step_bars"`
}

// DefaultPlan is roughly three years of training, one of testing.
func DefaultPlan() Plan {
	return Plan{TrainBars: 750, TestBars: 250, StepBars: 250}
}

// Validate rejects degenerate plans.
func (p Plan) Validate() error {
	if p.TrainBars <= 0 {
		return fmt.Errorf("train_bars must be positive, got %d", p.TrainBars)
	}
	if p.TestBars <= 0 {
		return fmt.Errorf("test_bars must be positive, got %d", p.TestBars)
	}
	if p.StepBars <= 0 {
		return fmt.Errorf("step_bars must be positive, got %d", p.StepBars)
	}
	return nil
}

// Window is one train/test split, half-open bar ranges.
type Window struct {
	TrainStart int
	TrainEnd   int // == TestStart
	TestStart  int
	TestEnd    int
}

// Windows lists every window the plan can fit into totalBars. Windows that
// would run past the series are dropped, so the result can be empty.
func (p Plan) Windows(totalBars int) []Window {
	var windows []Window
	for start := 0; start+p.TrainBars+p.TestBars <= totalBars; start += p.StepBars {
		trainEnd := start + p.TrainBars
		windows = append(windows, Window{
			TrainStart: start,
			TrainEnd:   trainEnd,
			TestStart:  trainEnd,
			TestEnd:    trainEnd + p.TestBars,
		})
	}
	return windows
}

// WindowResult is one window's out-of-sample outcome.
type WindowResult struct {
	Window     Window
	StartDate  string // first test bar
	EndDate    string // last test bar
	KPIs       domain.KPISet
	TradeCount int
}

// Summary aggregates every window.
type Summary struct {
	Windows            []WindowResult
	MeanNetReturn      float64
	MeanSharpe         float64
	WorstDrawdown      float64
	TotalTrades        int
	ProfitableFraction float64
}

// Runner re-runs estimator, rules and simulator per window.
type Runner struct {
	plan      Plan
	estimator analog.Config
	ruleset   rules.Ruleset
	sim       sim.Config
	log       zerolog.Logger
}

// NewRunner validates the plan and returns a runner.
func NewRunner(plan Plan, estimator analog.Config, ruleset rules.Ruleset, simCfg sim.Config, log zerolog.Logger) (*Runner, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return &Runner{
		plan:      plan,
		estimator: estimator,
		ruleset:   ruleset,
		sim:       simCfg,
		log:       log,
	}, nil
}

// walkConfig is the canonical content hashed into per-window run IDs.
type walkConfig struct {
	Plan      Plan          `json:"plan"`
	Estimator analog.Config `json:"estimator"`
	Ruleset   rules.Ruleset `json:"ruleset"`
	Sim       sim.Config    `json:"sim"`
}

// Run evaluates every window over rows. Rows must be the full series in
// date order; signals may be nil. Fails when not a single window fits.
func (r *Runner) Run(rows []*domain.FeatureRow, signals []*domain.BiasSignal) (*Summary, error) {
	windows := r.plan.Windows(len(rows))
	if len(windows) == 0 {
		return nil, fmt.Errorf("series of %d bars cannot fit one %d+%d bar window",
			len(rows), r.plan.TrainBars, r.plan.TestBars)
	}

	est, err := analog.New(r.estimator)
	if err != nil {
		return nil, fmt.Errorf("estimator: %w", err)
	}
	cfgHash, err := runid.ConfigHash(walkConfig{
		Plan:      r.plan,
		Estimator: est.Config(),
		Ruleset:   r.ruleset,
		Sim:       r.sim,
	})
	if err != nil {
		return nil, fmt.Errorf("config hash: %w", err)
	}

	summary := &Summary{}
	for _, w := range windows {
		res, err := r.runWindow(rows, signals, w, est, cfgHash)
		if err != nil {
			return nil, fmt.Errorf("window [%d,%d): %w", w.TrainStart, w.TestEnd, err)
		}
		summary.Windows = append(summary.Windows, *res)
		r.log.Info().
			Str("test_start", res.StartDate).
			Str("test_end", res.EndDate).
			Int("trades", res.TradeCount).
			Float64("net_return", res.KPIs.TotalReturnNet).
			Msg("window evaluated")
	}

	aggregate(summary)
	return summary, nil
}

// runWindow estimates over the whole window span and simulates the test
// span only. The train span exists to feed the analog pool.
func (r *Runner) runWindow(rows []*domain.FeatureRow, signals []*domain.BiasSignal, w Window, est *analog.Estimator, cfgHash string) (*WindowResult, error) {
	span := reindex(rows[w.TrainStart:w.TestEnd])

	estimates, _, err := est.EstimateSeries(span)
	if err != nil {
		return nil, fmt.Errorf("estimates: %w", err)
	}

	trainLen := w.TrainEnd - w.TrainStart
	testRows := reindex(span[trainLen:])
	testEstimates := make(map[int]*domain.AnalysisResult, len(testRows))
	for j := range testRows {
		if e, ok := estimates[trainLen+j]; ok {
			testEstimates[j] = e
		}
	}

	asset := testRows[0].Asset
	runID := runid.RunID(asset, cfgHash, testRows[0].Date, testRows[len(testRows)-1].Date)
	simulator, err := sim.New(r.sim, r.ruleset, runID, asset)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	simResult, err := simulator.Run(sim.Inputs{Rows: testRows, Estimates: testEstimates, Signals: signals})
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	kpis := perf.Compute(simResult.Equity, simResult.Trades)
	kpis.BuyHoldReturn = perf.BuyHold(testRows)

	return &WindowResult{
		Window:     w,
		StartDate:  testRows[0].Date,
		EndDate:    testRows[len(testRows)-1].Date,
		KPIs:       kpis,
		TradeCount: len(simResult.Trades),
	}, nil
}

// aggregate fills the summary statistics from the window results.
func aggregate(s *Summary) {
	if len(s.Windows) == 0 {
		return
	}
	profitable := 0
	for _, w := range s.Windows {
		s.MeanNetReturn += w.KPIs.TotalReturnNet
		s.MeanSharpe += w.KPIs.Sharpe
		if w.KPIs.MaxDrawdown < s.WorstDrawdown {
			s.WorstDrawdown = w.KPIs.MaxDrawdown
		}
		s.TotalTrades += w.TradeCount
		if w.KPIs.TotalReturnNet > 0 {
			profitable++
		}
	}
	n := float64(len(s.Windows))
	s.MeanNetReturn /= n
	s.MeanSharpe /= n
	s.ProfitableFraction = float64(profitable) / n
}

// reindex shallow-copies rows with positions renumbered from zero. The
// feature and label maps stay shared; nothing downstream mutates them.
func reindex(rows []*domain.FeatureRow) []*domain.FeatureRow {
	out := make([]*domain.FeatureRow, len(rows))
	for i, r := range rows {
		c := *r
		c.Index = i
		out[i] = &c
	}
	return out
}
