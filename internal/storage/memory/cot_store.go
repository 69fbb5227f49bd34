package memory

import (
	"context"
	"sort"
	"sync"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// COTStore is an in-memory implementation of storage.COTStore.
type COTStore struct {
	mu   sync.RWMutex
	data map[string]*domain.COTReport // keyed by (market, report_date)
}

// NewCOTStore creates a new in-memory COT report store.
func NewCOTStore() *COTStore {
	return &COTStore{
		data: make(map[string]*domain.COTReport),
	}
}

// InsertReports adds multiple weekly reports. Fails entire batch on duplicate (market, report_date).
func (s *COTStore) InsertReports(_ context.Context, reports []*domain.COTReport) error {
	if len(reports) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(reports))

	for _, r := range reports {
		if r == nil || r.Market == "" || r.ReportDate == "" {
			return storage.ErrInvalidInput
		}
		key := barKey(r.Market, r.ReportDate)

		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, r := range reports {
		reportCopy := *r
		s.data[barKey(r.Market, r.ReportDate)] = &reportCopy
	}

	return nil
}

// GetReports retrieves all reports for a market, ordered by report date ASC.
func (s *COTStore) GetReports(_ context.Context, market string) ([]*domain.COTReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.COTReport
	for _, r := range s.data {
		if r.Market == market {
			reportCopy := *r
			result = append(result, &reportCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ReportDate < result[j].ReportDate
	})

	return result, nil
}

var _ storage.COTStore = (*COTStore)(nil)
