// Package reporting renders stored backtest runs as markdown and CSV
// artifacts. The journal and KPIs come straight from storage; the final
// day's checklist and the fees grid are recomputed on demand because
// decisions are never persisted.
package reporting

import (
	"time"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/perf"
)

// RunReport is the assembled view of one stored backtest run.
type RunReport struct {
	GeneratedAt time.Time
	Run         *domain.BacktestRun
	Trades      []*domain.Trade

	// FeesScenarios re-prices the run under the standard friction grid.
	FeesScenarios []perf.SensitivityRow

	// Checklist is the final bar's rule evaluation, replayed from the
	// run's inputs.
	Checklist ChecklistSection
}

// ChecklistSection is one bar's complete rule evaluation.
type ChecklistSection struct {
	Date       string
	Action     string
	ReasonCode string
	Rows       []ChecklistRow
}

// ChecklistRow is one rendered rule check.
type ChecklistRow struct {
	Group     string // ENTRY, EXIT, ADD or COT
	Label     string
	Op        string
	Threshold string // "-" when not applicable
	Value     string // "-" when the operand was missing
	Status    string // PASS, FAIL or NA
}
