package memory

import (
	"context"
	"errors"
	"testing"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

func TestEquityStore_InsertAndGetOrdered(t *testing.T) {
	store := NewEquityStore()
	ctx := context.Background()

	points := []*domain.EquityPoint{
		{RunID: "run1", Asset: "SPY", Date: "2024-01-03", Index: 1, EquityNet: 10100},
		{RunID: "run1", Asset: "SPY", Date: "2024-01-02", Index: 0, EquityNet: 10000},
		{RunID: "run2", Asset: "SPY", Date: "2024-01-02", Index: 0, EquityNet: 5000},
	}
	if err := store.InsertPoints(ctx, points); err != nil {
		t.Fatalf("InsertPoints failed: %v", err)
	}

	got, err := store.GetPoints(ctx, "run1")
	if err != nil {
		t.Fatalf("GetPoints failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(got))
	}
	if got[0].Index != 0 || got[1].Index != 1 {
		t.Errorf("Wrong order: %d, %d", got[0].Index, got[1].Index)
	}
}

func TestEquityStore_DuplicateIndex(t *testing.T) {
	store := NewEquityStore()
	ctx := context.Background()

	if err := store.InsertPoints(ctx, []*domain.EquityPoint{{RunID: "run1", Index: 0}}); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.InsertPoints(ctx, []*domain.EquityPoint{{RunID: "run1", Index: 0}})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestCOTStore_InsertAndGetOrdered(t *testing.T) {
	store := NewCOTStore()
	ctx := context.Background()

	reports := []*domain.COTReport{
		{Market: "SILVER", ReportDate: "2024-02-27", CommercialLong: 46000},
		{Market: "SILVER", ReportDate: "2024-02-20", CommercialLong: 45000},
		{Market: "GOLD", ReportDate: "2024-02-20", CommercialLong: 90000},
	}
	if err := store.InsertReports(ctx, reports); err != nil {
		t.Fatalf("InsertReports failed: %v", err)
	}

	got, err := store.GetReports(ctx, "SILVER")
	if err != nil {
		t.Fatalf("GetReports failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(got))
	}
	if got[0].ReportDate != "2024-02-20" || got[1].ReportDate != "2024-02-27" {
		t.Errorf("Wrong order: %s, %s", got[0].ReportDate, got[1].ReportDate)
	}
}

func TestCOTStore_DuplicateReportDate(t *testing.T) {
	store := NewCOTStore()
	ctx := context.Background()

	rep := &domain.COTReport{Market: "SILVER", ReportDate: "2024-02-20"}
	if err := store.InsertReports(ctx, []*domain.COTReport{rep}); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.InsertReports(ctx, []*domain.COTReport{rep})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}
