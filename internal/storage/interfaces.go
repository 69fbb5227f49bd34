package storage

import (
	"context"

	"market-analog-lab/internal/domain"
)

// BarStore provides access to bars storage.
type BarStore interface {
	// InsertBars adds multiple bars. Fails entire batch on duplicate (asset, date).
	InsertBars(ctx context.Context, bars []*domain.Bar) error

	// GetBars retrieves all bars for an asset, ordered by date ASC.
	GetBars(ctx context.Context, asset string) ([]*domain.Bar, error)

	// GetBarsRange retrieves bars for an asset within [from, to] (inclusive).
	GetBarsRange(ctx context.Context, asset, from, to string) ([]*domain.Bar, error)
}

// FeatureRowStore provides access to feature_rows storage.
type FeatureRowStore interface {
	// InsertRows adds multiple feature rows. Fails entire batch on duplicate (asset, date).
	InsertRows(ctx context.Context, rows []*domain.FeatureRow) error

	// GetRows retrieves all rows for an asset, ordered by index ASC.
	GetRows(ctx context.Context, asset string) ([]*domain.FeatureRow, error)
}

// EquityStore provides access to equity_points storage.
type EquityStore interface {
	// InsertPoints adds multiple equity points. Fails entire batch on duplicate (run_id, index).
	InsertPoints(ctx context.Context, points []*domain.EquityPoint) error

	// GetPoints retrieves all points for a run, ordered by index ASC.
	GetPoints(ctx context.Context, runID string) ([]*domain.EquityPoint, error)
}

// TradeStore provides access to trades storage.
type TradeStore interface {
	// InsertTrades adds multiple trades atomically. Fails entire batch on any duplicate trade_id.
	InsertTrades(ctx context.Context, trades []*domain.Trade) error

	// GetTradesByRun retrieves all trades for a run, ordered by entry index ASC.
	GetTradesByRun(ctx context.Context, runID string) ([]*domain.Trade, error)

	// GetTradesByAsset retrieves all trades for an asset across runs.
	GetTradesByAsset(ctx context.Context, asset string) ([]*domain.Trade, error)
}

// RunStore provides access to backtest_runs storage.
type RunStore interface {
	// InsertRun adds a new run. Returns ErrDuplicateKey if run_id exists.
	InsertRun(ctx context.Context, run *domain.BacktestRun) error

	// GetRun retrieves a run by its ID. Returns ErrNotFound if not exists.
	GetRun(ctx context.Context, runID string) (*domain.BacktestRun, error)

	// ListRuns retrieves all runs for an asset, newest first.
	ListRuns(ctx context.Context, asset string) ([]*domain.BacktestRun, error)
}

// COTStore provides access to cot_reports storage.
type COTStore interface {
	// InsertReports adds multiple weekly reports. Fails entire batch on duplicate (market, report_date).
	InsertReports(ctx context.Context, reports []*domain.COTReport) error

	// GetReports retrieves all reports for a market, ordered by report date ASC.
	GetReports(ctx context.Context, market string) ([]*domain.COTReport, error)
}
