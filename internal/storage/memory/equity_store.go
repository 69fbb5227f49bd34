package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// EquityStore is an in-memory implementation of storage.EquityStore.
type EquityStore struct {
	mu   sync.RWMutex
	data map[string]*domain.EquityPoint // keyed by (run_id, index)
}

// NewEquityStore creates a new in-memory equity store.
func NewEquityStore() *EquityStore {
	return &EquityStore{
		data: make(map[string]*domain.EquityPoint),
	}
}

// equityKey generates a unique key for an equity point.
func equityKey(runID string, index int) string {
	return fmt.Sprintf("%s|%d", runID, index)
}

// InsertPoints adds multiple equity points. Fails entire batch on duplicate (run_id, index).
func (s *EquityStore) InsertPoints(_ context.Context, points []*domain.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(points))

	for _, p := range points {
		if p == nil || p.RunID == "" {
			return storage.ErrInvalidInput
		}
		key := equityKey(p.RunID, p.Index)

		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, p := range points {
		pointCopy := *p
		s.data[equityKey(p.RunID, p.Index)] = &pointCopy
	}

	return nil
}

// GetPoints retrieves all points for a run, ordered by index ASC.
func (s *EquityStore) GetPoints(_ context.Context, runID string) ([]*domain.EquityPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.EquityPoint
	for _, p := range s.data {
		if p.RunID == runID {
			pointCopy := *p
			result = append(result, &pointCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})

	return result, nil
}

var _ storage.EquityStore = (*EquityStore)(nil)
