package memory

import (
	"context"
	"sort"
	"sync"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// FeatureRowStore is an in-memory implementation of storage.FeatureRowStore.
type FeatureRowStore struct {
	mu   sync.RWMutex
	data map[string]*domain.FeatureRow // keyed by (asset, date)
}

// NewFeatureRowStore creates a new in-memory feature row store.
func NewFeatureRowStore() *FeatureRowStore {
	return &FeatureRowStore{
		data: make(map[string]*domain.FeatureRow),
	}
}

// cloneRow deep-copies a row. The F and Y maps would otherwise alias
// the caller's memory.
func cloneRow(r *domain.FeatureRow) *domain.FeatureRow {
	rowCopy := *r
	rowCopy.F = make(map[string]*float64, len(r.F))
	for k, v := range r.F {
		if v != nil {
			f := *v
			rowCopy.F[k] = &f
		} else {
			rowCopy.F[k] = nil
		}
	}
	rowCopy.Y = make(map[string]*float64, len(r.Y))
	for k, v := range r.Y {
		if v != nil {
			f := *v
			rowCopy.Y[k] = &f
		} else {
			rowCopy.Y[k] = nil
		}
	}
	return &rowCopy
}

// InsertRows adds multiple feature rows. Fails entire batch on duplicate (asset, date).
func (s *FeatureRowStore) InsertRows(_ context.Context, rows []*domain.FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(rows))

	for _, r := range rows {
		if r == nil || r.Asset == "" || r.Date == "" {
			return storage.ErrInvalidInput
		}
		key := barKey(r.Asset, r.Date)

		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, r := range rows {
		s.data[barKey(r.Asset, r.Date)] = cloneRow(r)
	}

	return nil
}

// GetRows retrieves all rows for an asset, ordered by index ASC.
func (s *FeatureRowStore) GetRows(_ context.Context, asset string) ([]*domain.FeatureRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FeatureRow
	for _, r := range s.data {
		if r.Asset == asset {
			result = append(result, cloneRow(r))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})

	return result, nil
}

var _ storage.FeatureRowStore = (*FeatureRowStore)(nil)
