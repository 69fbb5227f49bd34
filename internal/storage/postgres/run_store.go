package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// RunStore implements storage.RunStore using PostgreSQL. KPIs are
// flattened into columns so runs can be compared with plain SQL.
type RunStore struct {
	pool *Pool
}

// NewRunStore creates a new RunStore.
func NewRunStore(pool *Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RunStore = (*RunStore)(nil)

// InsertRun adds a new run. Returns ErrDuplicateKey if run_id exists.
// Double precision round-trips the +Inf profit factor of a lossless run.
func (s *RunStore) InsertRun(ctx context.Context, run *domain.BacktestRun) error {
	query := `
		INSERT INTO backtest_runs (
			run_id, asset, created_at_ms, config_hash,
			start_date, end_date, bars,
			total_return_gross, total_return_net, cagr, max_drawdown,
			sharpe, sortino, win_rate, profit_factor, exposure,
			trade_count, avg_holding_days, avg_net_return, buy_hold_return
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20
		)
	`

	_, err := s.pool.Exec(ctx, query,
		run.RunID, run.Asset, run.CreatedAtMs, run.ConfigHash,
		run.StartDate, run.EndDate, run.Bars,
		run.KPIs.TotalReturnGross, run.KPIs.TotalReturnNet, run.KPIs.CAGR, run.KPIs.MaxDrawdown,
		run.KPIs.Sharpe, run.KPIs.Sortino, run.KPIs.WinRate, run.KPIs.ProfitFactor, run.KPIs.Exposure,
		run.KPIs.TradeCount, run.KPIs.AvgHoldingDays, run.KPIs.AvgNetReturn, run.KPIs.BuyHoldReturn,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by its ID. Returns ErrNotFound if not exists.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.BacktestRun, error) {
	query := `
		SELECT
			run_id, asset, created_at_ms, config_hash,
			start_date, end_date, bars,
			total_return_gross, total_return_net, cagr, max_drawdown,
			sharpe, sortino, win_rate, profit_factor, exposure,
			trade_count, avg_holding_days, avg_net_return, buy_hold_return
		FROM backtest_runs
		WHERE run_id = $1
	`

	row := s.pool.QueryRow(ctx, query, runID)
	run, err := scanRun(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get run by id: %w", err)
	}
	return run, nil
}

// ListRuns retrieves all runs for an asset, newest first.
func (s *RunStore) ListRuns(ctx context.Context, asset string) ([]*domain.BacktestRun, error) {
	query := `
		SELECT
			run_id, asset, created_at_ms, config_hash,
			start_date, end_date, bars,
			total_return_gross, total_return_net, cagr, max_drawdown,
			sharpe, sortino, win_rate, profit_factor, exposure,
			trade_count, avg_holding_days, avg_net_return, buy_hold_return
		FROM backtest_runs
		WHERE asset = $1
		ORDER BY created_at_ms DESC, run_id ASC
	`

	rows, err := s.pool.Query(ctx, query, asset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// scanRun scans a single row into a BacktestRun.
func scanRun(row pgx.Row) (*domain.BacktestRun, error) {
	var r domain.BacktestRun

	err := row.Scan(
		&r.RunID, &r.Asset, &r.CreatedAtMs, &r.ConfigHash,
		&r.StartDate, &r.EndDate, &r.Bars,
		&r.KPIs.TotalReturnGross, &r.KPIs.TotalReturnNet, &r.KPIs.CAGR, &r.KPIs.MaxDrawdown,
		&r.KPIs.Sharpe, &r.KPIs.Sortino, &r.KPIs.WinRate, &r.KPIs.ProfitFactor, &r.KPIs.Exposure,
		&r.KPIs.TradeCount, &r.KPIs.AvgHoldingDays, &r.KPIs.AvgNetReturn, &r.KPIs.BuyHoldReturn,
	)
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// scanRuns scans multiple rows into a slice of BacktestRun.
func scanRuns(rows pgx.Rows) ([]*domain.BacktestRun, error) {
	var runs []*domain.BacktestRun

	for rows.Next() {
		var r domain.BacktestRun

		err := rows.Scan(
			&r.RunID, &r.Asset, &r.CreatedAtMs, &r.ConfigHash,
			&r.StartDate, &r.EndDate, &r.Bars,
			&r.KPIs.TotalReturnGross, &r.KPIs.TotalReturnNet, &r.KPIs.CAGR, &r.KPIs.MaxDrawdown,
			&r.KPIs.Sharpe, &r.KPIs.Sortino, &r.KPIs.WinRate, &r.KPIs.ProfitFactor, &r.KPIs.Exposure,
			&r.KPIs.TradeCount, &r.KPIs.AvgHoldingDays, &r.KPIs.AvgNetReturn, &r.KPIs.BuyHoldReturn,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}

		runs = append(runs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}

	return runs, nil
}
