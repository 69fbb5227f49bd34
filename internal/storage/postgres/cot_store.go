package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// COTStore implements storage.COTStore using PostgreSQL.
type COTStore struct {
	pool *Pool
}

// NewCOTStore creates a new COTStore.
func NewCOTStore(pool *Pool) *COTStore {
	return &COTStore{pool: pool}
}

// Compile-time interface check.
var _ storage.COTStore = (*COTStore)(nil)

// InsertReports adds multiple weekly reports atomically. Fails entire batch
// on any duplicate (market, report_date).
func (s *COTStore) InsertReports(ctx context.Context, reports []*domain.COTReport) error {
	if len(reports) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO cot_reports (
			market, report_date,
			commercial_long, commercial_short,
			noncommercial_long, noncommercial_short,
			open_interest
		) VALUES (
			$1, $2,
			$3, $4,
			$5, $6,
			$7
		)
	`

	for _, r := range reports {
		_, err := tx.Exec(ctx, query,
			r.Market, r.ReportDate,
			r.CommercialLong, r.CommercialShort,
			r.NoncommercialLong, r.NoncommercialShort,
			r.OpenInterest,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert cot report: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetReports retrieves all reports for a market, ordered by report date.
func (s *COTStore) GetReports(ctx context.Context, market string) ([]*domain.COTReport, error) {
	query := `
		SELECT
			market, report_date,
			commercial_long, commercial_short,
			noncommercial_long, noncommercial_short,
			open_interest
		FROM cot_reports
		WHERE market = $1
		ORDER BY report_date ASC
	`

	rows, err := s.pool.Query(ctx, query, market)
	if err != nil {
		return nil, fmt.Errorf("get cot reports: %w", err)
	}
	defer rows.Close()

	return scanReports(rows)
}

// scanReports scans multiple rows into a slice of COTReport.
func scanReports(rows pgx.Rows) ([]*domain.COTReport, error) {
	var reports []*domain.COTReport

	for rows.Next() {
		var r domain.COTReport

		err := rows.Scan(
			&r.Market, &r.ReportDate,
			&r.CommercialLong, &r.CommercialShort,
			&r.NoncommercialLong, &r.NoncommercialShort,
			&r.OpenInterest,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cot report row: %w", err)
		}

		reports = append(reports, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cot report rows: %w", err)
	}

	return reports, nil
}
