package clickhouse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

func TestBarStore_InsertBars(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()

	// Test empty insert
	err := store.InsertBars(ctx, nil)
	assert.NoError(t, err)

	bars := []*domain.Bar{
		{
			Asset:  "SPY",
			Date:   "2024-01-02",
			Open:   ptr(99.5),
			High:   ptr(101.0),
			Low:    ptr(98.75),
			Close:  100.25,
			Volume: ptr(1_200_000.0),
		},
		{
			Asset: "SPY",
			Date:  "2024-01-03",
			Close: 101.5,
		},
	}

	err = store.InsertBars(ctx, bars)
	require.NoError(t, err)

	got, err := store.GetBars(ctx, "SPY")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "SPY", got[0].Asset)
	assert.Equal(t, "2024-01-02", got[0].Date)
	require.NotNil(t, got[0].Open)
	assert.Equal(t, 99.5, *got[0].Open)
	assert.Equal(t, 100.25, got[0].Close)

	// Close-only bar round-trips with nil OHLC and volume.
	assert.Nil(t, got[1].Open)
	assert.Nil(t, got[1].High)
	assert.Nil(t, got[1].Low)
	assert.Nil(t, got[1].Volume)
	assert.Equal(t, 101.5, got[1].Close)
}

func TestBarStore_InsertBars_DuplicateKey(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()

	bars := []*domain.Bar{{Asset: "SPY", Date: "2024-01-02", Close: 100}}
	require.NoError(t, store.InsertBars(ctx, bars))

	err := store.InsertBars(ctx, bars)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestBarStore_InsertBars_IntraBatchDuplicate(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()

	err := store.InsertBars(ctx, []*domain.Bar{
		{Asset: "SPY", Date: "2024-01-02", Close: 100},
		{Asset: "SPY", Date: "2024-01-02", Close: 101},
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestBarStore_GetBarsRange(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBarStore(conn)
	ctx := context.Background()

	bars := []*domain.Bar{
		{Asset: "SPY", Date: "2024-01-02", Close: 100},
		{Asset: "SPY", Date: "2024-01-03", Close: 101},
		{Asset: "SPY", Date: "2024-01-04", Close: 102},
		{Asset: "GLD", Date: "2024-01-03", Close: 190},
	}
	require.NoError(t, store.InsertBars(ctx, bars))

	got, err := store.GetBarsRange(ctx, "SPY", "2024-01-03", "2024-01-04")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2024-01-03", got[0].Date)
	assert.Equal(t, "2024-01-04", got[1].Date)

	// Open-ended bounds
	got, err = store.GetBarsRange(ctx, "SPY", "", "2024-01-02")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = store.GetBarsRange(ctx, "SPY", "2024-01-03", "")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Unknown asset
	got, err = store.GetBars(ctx, "TLT")
	require.NoError(t, err)
	assert.Empty(t, got)
}
