package memory

import (
	"context"
	"errors"
	"testing"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

func sampleRow(asset, date string, index int) *domain.FeatureRow {
	ret := 0.01
	return &domain.FeatureRow{
		Asset: asset,
		Date:  date,
		Index: index,
		Close: 100 + float64(index),
		F:     map[string]*float64{domain.FeatureRet5: &ret, domain.FeatureVol20: nil},
		Y:     map[string]*float64{domain.LabelName(5): &ret},
	}
}

func TestFeatureRowStore_InsertAndGetOrdered(t *testing.T) {
	store := NewFeatureRowStore()
	ctx := context.Background()

	rows := []*domain.FeatureRow{
		sampleRow("SPY", "2024-01-04", 2),
		sampleRow("SPY", "2024-01-02", 0),
		sampleRow("SPY", "2024-01-03", 1),
	}
	if err := store.InsertRows(ctx, rows); err != nil {
		t.Fatalf("InsertRows failed: %v", err)
	}

	got, err := store.GetRows(ctx, "SPY")
	if err != nil {
		t.Fatalf("GetRows failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(got))
	}
	for i, r := range got {
		if r.Index != i {
			t.Errorf("row %d has index %d", i, r.Index)
		}
	}
}

func TestFeatureRowStore_DuplicateDate(t *testing.T) {
	store := NewFeatureRowStore()
	ctx := context.Background()

	if err := store.InsertRows(ctx, []*domain.FeatureRow{sampleRow("SPY", "2024-01-02", 0)}); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.InsertRows(ctx, []*domain.FeatureRow{sampleRow("SPY", "2024-01-02", 99)})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestFeatureRowStore_DeepCopiesMaps(t *testing.T) {
	store := NewFeatureRowStore()
	ctx := context.Background()

	row := sampleRow("SPY", "2024-01-02", 0)
	if err := store.InsertRows(ctx, []*domain.FeatureRow{row}); err != nil {
		t.Fatalf("InsertRows failed: %v", err)
	}

	// Mutating the inserted row must not leak into the store.
	poison := -9.0
	row.F[domain.FeatureRet5] = &poison

	got, _ := store.GetRows(ctx, "SPY")
	if v := got[0].F[domain.FeatureRet5]; v == nil || *v != 0.01 {
		t.Errorf("Insert aliased caller memory: %v", v)
	}

	// Mutating a read result must not leak either.
	got[0].F[domain.FeatureRet5] = &poison
	again, _ := store.GetRows(ctx, "SPY")
	if v := again[0].F[domain.FeatureRet5]; v == nil || *v != 0.01 {
		t.Errorf("Read aliased store memory: %v", v)
	}

	// Nil map values survive the round trip.
	if v, ok := again[0].F[domain.FeatureVol20]; !ok || v != nil {
		t.Errorf("Expected nil vol_20 entry to survive, got %v (present %v)", v, ok)
	}
}
