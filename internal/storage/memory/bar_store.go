// Package memory provides in-memory store implementations for tests
// and single-process runs. All stores copy on insert and on read.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// BarStore is an in-memory implementation of storage.BarStore.
type BarStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Bar // keyed by (asset, date)
}

// NewBarStore creates a new in-memory bar store.
func NewBarStore() *BarStore {
	return &BarStore{
		data: make(map[string]*domain.Bar),
	}
}

// barKey generates a unique key for a bar.
func barKey(asset, date string) string {
	return fmt.Sprintf("%s|%s", asset, date)
}

// InsertBars adds multiple bars. Fails entire batch on duplicate (asset, date).
func (s *BarStore) InsertBars(_ context.Context, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track keys in this batch to detect intra-batch duplicates
	batchKeys := make(map[string]struct{}, len(bars))

	for _, b := range bars {
		if b == nil || b.Asset == "" || b.Date == "" {
			return storage.ErrInvalidInput
		}
		key := barKey(b.Asset, b.Date)

		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, b := range bars {
		barCopy := *b
		s.data[barKey(b.Asset, b.Date)] = &barCopy
	}

	return nil
}

// GetBars retrieves all bars for an asset, ordered by date ASC.
func (s *BarStore) GetBars(_ context.Context, asset string) ([]*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Bar
	for _, b := range s.data {
		if b.Asset == asset {
			barCopy := *b
			result = append(result, &barCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Date < result[j].Date
	})

	return result, nil
}

// GetBarsRange retrieves bars for an asset within [from, to] (inclusive).
// Empty bounds are open-ended.
func (s *BarStore) GetBarsRange(_ context.Context, asset, from, to string) ([]*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Bar
	for _, b := range s.data {
		if b.Asset != asset {
			continue
		}
		if from != "" && b.Date < from {
			continue
		}
		if to != "" && b.Date > to {
			continue
		}
		barCopy := *b
		result = append(result, &barCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Date < result[j].Date
	})

	return result, nil
}

var _ storage.BarStore = (*BarStore)(nil)
