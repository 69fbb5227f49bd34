package domain

// BacktestRun is the registry record of one completed backtest.
// Corresponds to the backtest_runs table in Postgres. RunID is a content
// hash of (asset, config hash, data range), so identical runs collide on
// purpose and re-running the same inputs is idempotent.
type BacktestRun struct {
	RunID       string // deterministic content hash, hex
	Asset       string // asset symbol
	CreatedAtMs int64  // wall-clock completion time (ms)
	ConfigHash  string // hash of the canonical run config
	StartDate   string // first bar date
	EndDate     string // last bar date
	Bars        int    // validated bars in range
	KPIs        KPISet // headline results
}
