package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/orchestrator"
	"market-analog-lab/internal/perf"
	"market-analog-lab/internal/sim"
	"market-analog-lab/internal/storage"
)

// Generator produces run artifacts from stored data.
type Generator struct {
	barStore    storage.BarStore
	tradeStore  storage.TradeStore
	equityStore storage.EquityStore
	runStore    storage.RunStore
	cotStore    storage.COTStore
	cfg         orchestrator.RunConfig
	now         func() time.Time // injectable clock for deterministic output
}

// GeneratorOptions contains configuration for creating a Generator.
type GeneratorOptions struct {
	BarStore    storage.BarStore
	TradeStore  storage.TradeStore
	EquityStore storage.EquityStore
	RunStore    storage.RunStore

	// COTStore is only needed when Config names a positioning market.
	COTStore storage.COTStore

	// Config must be the configuration the run was produced with. The
	// checklist and the fees grid are replayed from it.
	Config orchestrator.RunConfig
}

// NewGenerator creates a new report generator.
func NewGenerator(opts GeneratorOptions) (*Generator, error) {
	if opts.BarStore == nil {
		return nil, errors.New("bar store is required")
	}
	if opts.TradeStore == nil {
		return nil, errors.New("trade store is required")
	}
	if opts.EquityStore == nil {
		return nil, errors.New("equity store is required")
	}
	if opts.RunStore == nil {
		return nil, errors.New("run store is required")
	}
	return &Generator{
		barStore:    opts.BarStore,
		tradeStore:  opts.TradeStore,
		equityStore: opts.EquityStore,
		runStore:    opts.RunStore,
		cotStore:    opts.COTStore,
		cfg:         opts.Config,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate assembles the complete report for one stored run.
func (g *Generator) Generate(ctx context.Context, runID string) (*RunReport, error) {
	run, err := g.runStore.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	trades, err := g.tradeStore.GetTradesByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}

	rows, estimates, signals, err := g.replayInputs(ctx, run)
	if err != nil {
		return nil, err
	}

	checklist, err := g.finalChecklist(run, rows, estimates, signals)
	if err != nil {
		return nil, err
	}
	fees, err := g.feesScenarios(run, rows, estimates, signals)
	if err != nil {
		return nil, err
	}

	return &RunReport{
		GeneratedAt:   g.now(),
		Run:           run,
		Trades:        trades,
		FeesScenarios: fees,
		Checklist:     checklist,
	}, nil
}

// RunMarkdown renders the full markdown report for one stored run.
func (g *Generator) RunMarkdown(ctx context.Context, runID string) (string, error) {
	report, err := g.Generate(ctx, runID)
	if err != nil {
		return "", err
	}
	return RenderMarkdown(report), nil
}

// TradesCSV renders the trade journal of one stored run as CSV.
func (g *Generator) TradesCSV(ctx context.Context, runID string) (string, error) {
	trades, err := g.tradeStore.GetTradesByRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load trades: %w", err)
	}
	return RenderTradesCSV(trades), nil
}

// EquityCSV renders the equity curve of one stored run as CSV.
func (g *Generator) EquityCSV(ctx context.Context, runID string) (string, error) {
	points, err := g.equityStore.GetPoints(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load equity: %w", err)
	}
	return RenderEquityCSV(points), nil
}

// replayInputs rebuilds the feature rows, estimates and signals behind a
// stored run. Bars are clipped to the stored date range so later ingests
// cannot shift the replay.
func (g *Generator) replayInputs(ctx context.Context, run *domain.BacktestRun) ([]*domain.FeatureRow, map[int]*domain.AnalysisResult, []*domain.BiasSignal, error) {
	bars, err := g.barStore.GetBars(ctx, run.Asset)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load bars: %w", err)
	}
	bars, _, err = ingest.ValidateBars(bars)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("validate bars: %w", err)
	}
	clipped := make([]*domain.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Date >= run.StartDate && b.Date <= run.EndDate {
			clipped = append(clipped, b)
		}
	}
	if len(clipped) == 0 {
		return nil, nil, nil, fmt.Errorf("no bars stored for %s in [%s, %s]", run.Asset, run.StartDate, run.EndDate)
	}

	cfg := g.cfg
	if len(cfg.Horizons) == 0 {
		cfg.Horizons = features.DefaultHorizons
	}
	rows := features.NewBuilder(cfg.Horizons).Build(run.Asset, clipped)

	est, err := analog.New(cfg.Estimator)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("estimator: %w", err)
	}
	estimates, _, err := est.EstimateSeries(rows)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("estimates: %w", err)
	}

	var signals []*domain.BiasSignal
	if g.cotStore != nil && cfg.COTMarket != "" {
		reports, err := g.cotStore.GetReports(ctx, cfg.COTMarket)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load cot reports: %w", err)
		}
		if len(reports) > 0 {
			signals, err = cot.Signals(reports, cfg.COTLookbackWeeks)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("cot signals: %w", err)
			}
		}
	}
	return rows, estimates, signals, nil
}

// simulate replays the run under the given execution config.
func (g *Generator) simulate(run *domain.BacktestRun, simCfg sim.Config, rows []*domain.FeatureRow, estimates map[int]*domain.AnalysisResult, signals []*domain.BiasSignal) (*sim.Result, error) {
	simulator, err := sim.New(simCfg, g.cfg.Ruleset, run.RunID, run.Asset)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	result, err := simulator.Run(sim.Inputs{Rows: rows, Estimates: estimates, Signals: signals})
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	return result, nil
}

// finalChecklist replays the run and renders the last bar's decision.
func (g *Generator) finalChecklist(run *domain.BacktestRun, rows []*domain.FeatureRow, estimates map[int]*domain.AnalysisResult, signals []*domain.BiasSignal) (ChecklistSection, error) {
	result, err := g.simulate(run, g.cfg.Sim, rows, estimates, signals)
	if err != nil {
		return ChecklistSection{}, err
	}
	if len(result.Decisions) == 0 {
		return ChecklistSection{}, errors.New("replay produced no decisions")
	}
	return checklistSection(result.Decisions[len(result.Decisions)-1]), nil
}

// feesScenarios re-prices the run under the standard friction grid. Only
// the friction rates change between scenarios.
func (g *Generator) feesScenarios(run *domain.BacktestRun, rows []*domain.FeatureRow, estimates map[int]*domain.AnalysisResult, signals []*domain.BiasSignal) ([]perf.SensitivityRow, error) {
	return perf.FeesSensitivity(func(feeBps, slipBps float64) (domain.KPISet, error) {
		simCfg := g.cfg.Sim
		simCfg.FeeBps = feeBps
		simCfg.SlippageBps = slipBps
		result, err := g.simulate(run, simCfg, rows, estimates, signals)
		if err != nil {
			return domain.KPISet{}, err
		}
		kpis := perf.Compute(result.Equity, result.Trades)
		kpis.BuyHoldReturn = perf.BuyHold(rows)
		return kpis, nil
	})
}

// checklistSection flattens a decision's check groups into table rows.
func checklistSection(d *domain.Decision) ChecklistSection {
	rows := make([]ChecklistRow, 0, 12)
	rows = appendChecks(rows, "ENTRY", d.Checks.Entry)
	rows = appendChecks(rows, "EXIT", d.Checks.Exit)
	rows = appendChecks(rows, "ADD", d.Checks.Add)
	rows = appendChecks(rows, "COT", d.Checks.COT)
	return ChecklistSection{
		Date:       d.Date,
		Action:     string(d.Action),
		ReasonCode: d.ReasonCode,
		Rows:       rows,
	}
}

func appendChecks(rows []ChecklistRow, group string, checks []domain.Check) []ChecklistRow {
	for _, c := range checks {
		rows = append(rows, ChecklistRow{
			Group:     group,
			Label:     c.Label,
			Op:        c.Op,
			Threshold: formatOperand(c.Threshold),
			Value:     formatOperand(c.Value),
			Status:    string(c.Status),
		})
	}
	return rows
}

// formatOperand renders a nullable operand for tables.
func formatOperand(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
