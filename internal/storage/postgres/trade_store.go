package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

// InsertTrades adds multiple trades atomically. Fails entire batch on any duplicate.
func (s *TradeStore) InsertTrades(ctx context.Context, trades []*domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO trades (
			trade_id, run_id, asset,
			entry_date, exit_date, entry_index, exit_index,
			entry_price_gross, entry_price_net, exit_price_gross, exit_price_net,
			fraction, gross_return_pct, net_return_pct,
			holding_days, exit_reason, mfe, mae, adds
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19
		)
	`

	for _, t := range trades {
		_, err := tx.Exec(ctx, query,
			t.TradeID, t.RunID, t.Asset,
			t.EntryDate, t.ExitDate, t.EntryIndex, t.ExitIndex,
			t.EntryPriceGross, t.EntryPriceNet, t.ExitPriceGross, t.ExitPriceNet,
			t.Fraction, t.GrossReturnPct, t.NetReturnPct,
			t.HoldingDays, t.ExitReason, t.MFE, t.MAE, t.Adds,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert trade: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetTradesByRun retrieves all trades for a run, ordered by entry index.
func (s *TradeStore) GetTradesByRun(ctx context.Context, runID string) ([]*domain.Trade, error) {
	query := `
		SELECT
			trade_id, run_id, asset,
			entry_date, exit_date, entry_index, exit_index,
			entry_price_gross, entry_price_net, exit_price_gross, exit_price_net,
			fraction, gross_return_pct, net_return_pct,
			holding_days, exit_reason, mfe, mae, adds
		FROM trades
		WHERE run_id = $1
		ORDER BY entry_index ASC, trade_id ASC
	`

	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("get trades by run: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetTradesByAsset retrieves all trades for an asset across runs.
func (s *TradeStore) GetTradesByAsset(ctx context.Context, asset string) ([]*domain.Trade, error) {
	query := `
		SELECT
			trade_id, run_id, asset,
			entry_date, exit_date, entry_index, exit_index,
			entry_price_gross, entry_price_net, exit_price_gross, exit_price_net,
			fraction, gross_return_pct, net_return_pct,
			holding_days, exit_reason, mfe, mae, adds
		FROM trades
		WHERE asset = $1
		ORDER BY run_id ASC, entry_index ASC, trade_id ASC
	`

	rows, err := s.pool.Query(ctx, query, asset)
	if err != nil {
		return nil, fmt.Errorf("get trades by asset: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// scanTrades scans multiple rows into a slice of Trade.
func scanTrades(rows pgx.Rows) ([]*domain.Trade, error) {
	var trades []*domain.Trade

	for rows.Next() {
		var t domain.Trade

		err := rows.Scan(
			&t.TradeID, &t.RunID, &t.Asset,
			&t.EntryDate, &t.ExitDate, &t.EntryIndex, &t.ExitIndex,
			&t.EntryPriceGross, &t.EntryPriceNet, &t.ExitPriceGross, &t.ExitPriceNet,
			&t.Fraction, &t.GrossReturnPct, &t.NetReturnPct,
			&t.HoldingDays, &t.ExitReason, &t.MFE, &t.MAE, &t.Adds,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}

		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}

	return trades, nil
}
