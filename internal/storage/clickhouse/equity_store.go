package clickhouse

import (
	"context"
	"fmt"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// EquityStore implements storage.EquityStore using ClickHouse.
type EquityStore struct {
	conn *Conn
}

// NewEquityStore creates a new EquityStore.
func NewEquityStore(conn *Conn) *EquityStore {
	return &EquityStore{conn: conn}
}

// Compile-time interface check.
var _ storage.EquityStore = (*EquityStore)(nil)

// InsertPoints adds multiple equity points. Fails entire batch on duplicate (run_id, index).
func (s *EquityStore) InsertPoints(ctx context.Context, points []*domain.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	type key struct {
		runID string
		index int
	}
	seen := make(map[key]struct{})
	for _, p := range points {
		if p == nil || p.RunID == "" {
			return storage.ErrInvalidInput
		}
		k := key{p.RunID, p.Index}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// One existence probe per run, not per point. Equity curves are
	// written once per run so a run either has points or it doesn't.
	probed := make(map[string]struct{})
	for _, p := range points {
		if _, done := probed[p.RunID]; done {
			continue
		}
		exists, err := s.runHasPoints(ctx, p.RunID)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
		probed[p.RunID] = struct{}{}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO equity_points (
			run_id, asset, date, idx,
			equity_gross, equity_net, position_fraction, action
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		err = batch.Append(
			p.RunID, p.Asset, p.Date, int32(p.Index),
			p.EquityGross, p.EquityNet, p.PositionFraction, p.Action,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetPoints retrieves all points for a run, ordered by index ASC.
func (s *EquityStore) GetPoints(ctx context.Context, runID string) ([]*domain.EquityPoint, error) {
	query := `
		SELECT run_id, asset, date, idx,
			equity_gross, equity_net, position_fraction, action
		FROM equity_points
		WHERE run_id = ?
		ORDER BY idx ASC
	`

	rows, err := s.conn.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query by run id: %w", err)
	}
	defer rows.Close()

	return scanEquityPoints(rows)
}

// runHasPoints checks if any point exists for the run.
func (s *EquityStore) runHasPoints(ctx context.Context, runID string) (bool, error) {
	query := `
		SELECT count(*) FROM equity_points
		WHERE run_id = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, runID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanEquityPoints scans multiple rows.
func scanEquityPoints(rows chRows) ([]*domain.EquityPoint, error) {
	var points []*domain.EquityPoint

	for rows.Next() {
		var p domain.EquityPoint
		var idx int32

		err := rows.Scan(
			&p.RunID, &p.Asset, &p.Date, &idx,
			&p.EquityGross, &p.EquityNet, &p.PositionFraction, &p.Action,
		)
		if err != nil {
			return nil, fmt.Errorf("scan equity point row: %w", err)
		}

		p.Index = int(idx)
		points = append(points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate equity point rows: %w", err)
	}

	return points, nil
}
