package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

func createTestReport(market, reportDate string) *domain.COTReport {
	return &domain.COTReport{
		Market:             market,
		ReportDate:         reportDate,
		CommercialLong:     52000,
		CommercialShort:    87000,
		NoncommercialLong:  64000,
		NoncommercialShort: 21000,
		OpenInterest:       163000,
	}
}

func TestCOTStore_InsertAndGetOrdered(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewCOTStore(pool)

	// Insert out of order; reads come back by report date
	reports := []*domain.COTReport{
		createTestReport("SILVER", "2024-03-12"),
		createTestReport("SILVER", "2024-02-27"),
		createTestReport("SILVER", "2024-03-05"),
	}

	err := store.InsertReports(ctx, reports)
	require.NoError(t, err)

	result, err := store.GetReports(ctx, "SILVER")
	require.NoError(t, err)
	require.Len(t, result, 3)

	assert.Equal(t, "2024-02-27", result[0].ReportDate)
	assert.Equal(t, "2024-03-05", result[1].ReportDate)
	assert.Equal(t, "2024-03-12", result[2].ReportDate)

	got := result[0]
	assert.Equal(t, "SILVER", got.Market)
	assert.InDelta(t, 52000.0, got.CommercialLong, 0.0001)
	assert.InDelta(t, 87000.0, got.CommercialShort, 0.0001)
	assert.InDelta(t, 64000.0, got.NoncommercialLong, 0.0001)
	assert.InDelta(t, 21000.0, got.NoncommercialShort, 0.0001)
	assert.InDelta(t, 163000.0, got.OpenInterest, 0.0001)
}

func TestCOTStore_InsertAtomic(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewCOTStore(pool)

	err := store.InsertReports(ctx, []*domain.COTReport{
		createTestReport("GOLD", "2024-01-09"),
	})
	require.NoError(t, err)

	// Duplicate (market, report_date) fails the whole batch
	err = store.InsertReports(ctx, []*domain.COTReport{
		createTestReport("GOLD", "2024-01-16"),
		createTestReport("GOLD", "2024-01-09"),
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	result, err := store.GetReports(ctx, "GOLD")
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestCOTStore_MarketFilter(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewCOTStore(pool)

	err := store.InsertReports(ctx, []*domain.COTReport{
		createTestReport("SILVER", "2024-01-09"),
		createTestReport("GOLD", "2024-01-09"),
		createTestReport("SILVER", "2024-01-16"),
	})
	require.NoError(t, err)

	result, err := store.GetReports(ctx, "SILVER")
	require.NoError(t, err)
	require.Len(t, result, 2)
	for _, r := range result {
		assert.Equal(t, "SILVER", r.Market)
	}

	// Same report date under another market is a distinct key
	result, err = store.GetReports(ctx, "GOLD")
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestCOTStore_InsertEmpty(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewCOTStore(pool)

	err := store.InsertReports(ctx, []*domain.COTReport{})
	require.NoError(t, err)

	result, err := store.GetReports(ctx, "SILVER")
	require.NoError(t, err)
	assert.Empty(t, result)
}
