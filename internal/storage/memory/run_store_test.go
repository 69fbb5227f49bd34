package memory

import (
	"context"
	"errors"
	"testing"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

func TestRunStore_InsertAndGet(t *testing.T) {
	store := NewRunStore()
	ctx := context.Background()

	run := &domain.BacktestRun{
		RunID:       "run1",
		Asset:       "SPY",
		CreatedAtMs: 1000,
		ConfigHash:  "abc",
		StartDate:   "2024-01-02",
		EndDate:     "2024-06-28",
		Bars:        120,
		KPIs:        domain.KPISet{TotalReturnNet: 0.11},
	}
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.KPIs.TotalReturnNet != 0.11 {
		t.Errorf("KPIs mismatch: got %f", got.KPIs.TotalReturnNet)
	}
}

func TestRunStore_DuplicateKey(t *testing.T) {
	store := NewRunStore()
	ctx := context.Background()

	run := &domain.BacktestRun{RunID: "run1", Asset: "SPY"}
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.InsertRun(ctx, run)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestRunStore_NotFound(t *testing.T) {
	store := NewRunStore()
	ctx := context.Background()

	_, err := store.GetRun(ctx, "nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRunStore_ListRunsNewestFirst(t *testing.T) {
	store := NewRunStore()
	ctx := context.Background()

	runs := []*domain.BacktestRun{
		{RunID: "old", Asset: "SPY", CreatedAtMs: 1000},
		{RunID: "new", Asset: "SPY", CreatedAtMs: 3000},
		{RunID: "mid", Asset: "SPY", CreatedAtMs: 2000},
		{RunID: "other", Asset: "GLD", CreatedAtMs: 4000},
	}
	for _, r := range runs {
		if err := store.InsertRun(ctx, r); err != nil {
			t.Fatalf("InsertRun %s failed: %v", r.RunID, err)
		}
	}

	got, err := store.ListRuns(ctx, "SPY")
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(got))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if got[i].RunID != want {
			t.Errorf("run %d = %s, want %s", i, got[i].RunID, want)
		}
	}
}
