package features

import (
	"math"
	"testing"
	"time"

	"market-analog-lab/internal/domain"
)

func barsFromCloses(closes []float64) []*domain.Bar {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]*domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = &domain.Bar{
			Asset: "TEST",
			Date:  start.AddDate(0, 0, i).Format("2006-01-02"),
			Close: c,
		}
	}
	return bars
}

func constantCloses(n int, v float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = v
	}
	return closes
}

func TestBuild_WindowGates(t *testing.T) {
	// 30 bars: short windows fill, long windows stay NULL at the front
	rows := NewBuilder(nil).Build("TEST", barsFromCloses(constantCloses(30, 50)))

	if len(rows) != 30 {
		t.Fatalf("expected 30 rows, got %d", len(rows))
	}

	cases := []struct {
		feature  string
		firstIdx int // first index where the value must be non-NULL
	}{
		{domain.FeatureRet5, 5},
		{domain.FeatureRet20, 20},
		{domain.FeatureRSI14, 14},
		{domain.FeatureVol20, 20},
	}
	for _, tc := range cases {
		if rows[tc.firstIdx-1].F[tc.feature] != nil {
			t.Errorf("%s: expected NULL at index %d", tc.feature, tc.firstIdx-1)
		}
		if rows[tc.firstIdx].F[tc.feature] == nil {
			t.Errorf("%s: expected value at index %d", tc.feature, tc.firstIdx)
		}
	}

	// 30 bars can never fill ret_60, trend_200 or dd_60
	last := rows[29]
	for _, name := range []string{domain.FeatureRet60, domain.FeatureTrend200, domain.FeatureDD60} {
		if last.F[name] != nil {
			t.Errorf("%s: expected NULL with only 30 bars", name)
		}
	}
}

func TestBuild_ConstantSeries(t *testing.T) {
	rows := NewBuilder([]int{5}).Build("TEST", barsFromCloses(constantCloses(80, 25)))
	row := rows[70]

	if v := row.F[domain.FeatureRet20]; v == nil || *v != 0 {
		t.Errorf("expected ret_20 0 on constant series, got %v", v)
	}
	if v := row.F[domain.FeatureVol20]; v == nil || *v != 0 {
		t.Errorf("expected vol_20 0 on constant series, got %v", v)
	}
	// No losses at all → RSI saturates at 100
	if v := row.F[domain.FeatureRSI14]; v == nil || *v != 100 {
		t.Errorf("expected rsi_14 100 on constant series, got %v", v)
	}
	// Zero dispersion → z-score undefined
	if row.F[domain.FeatureZMA20] != nil {
		t.Errorf("expected z_ma20 NULL when std is 0")
	}
	if v := row.F[domain.FeatureDD60]; v == nil || *v != 0 {
		t.Errorf("expected dd_60 0 on constant series, got %v", v)
	}
}

func TestBuild_ReturnValues(t *testing.T) {
	closes := constantCloses(40, 100)
	closes[30] = 110 // +10% vs closes[25]
	rows := NewBuilder(nil).Build("TEST", barsFromCloses(closes))

	v := rows[30].F[domain.FeatureRet5]
	if v == nil {
		t.Fatal("expected ret_5 at index 30")
	}
	if math.Abs(*v-0.10) > 1e-12 {
		t.Errorf("expected ret_5 0.10, got %f", *v)
	}
}

func TestBuild_RSIAlternating(t *testing.T) {
	// Alternating +1/-1 closes: equal average gain and loss → RSI 50
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
		if i%2 == 1 {
			closes[i] = 101
		}
	}
	rows := NewBuilder(nil).Build("TEST", barsFromCloses(closes))

	v := rows[30].F[domain.FeatureRSI14]
	if v == nil {
		t.Fatal("expected rsi_14 at index 30")
	}
	if math.Abs(*v-50) > 1e-9 {
		t.Errorf("expected rsi_14 50 for alternating series, got %f", *v)
	}
}

func TestBuild_Drawdown(t *testing.T) {
	// Peak 100 inside the trailing 60-bar window, current close 90 → -10%
	closes := constantCloses(80, 100)
	for i := 70; i < 80; i++ {
		closes[i] = 90
	}
	rows := NewBuilder(nil).Build("TEST", barsFromCloses(closes))

	v := rows[79].F[domain.FeatureDD60]
	if v == nil {
		t.Fatal("expected dd_60 at index 79")
	}
	if math.Abs(*v-(-0.10)) > 1e-12 {
		t.Errorf("expected dd_60 -0.10, got %f", *v)
	}
}

func TestBuild_ForwardLabels(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rows := NewBuilder([]int{5, 10}).Build("TEST", barsFromCloses(closes))

	// Last row that still sees 5 bars of future
	v := rows[24].Y["fwd_5"]
	if v == nil {
		t.Fatal("expected fwd_5 at index 24")
	}
	want := closes[29]/closes[24] - 1
	if math.Abs(*v-want) > 1e-12 {
		t.Errorf("expected fwd_5 %f, got %f", want, *v)
	}

	// Labels never read past the series end
	if rows[25].Y["fwd_5"] != nil {
		t.Error("expected fwd_5 NULL at index 25")
	}
	if rows[20].Y["fwd_10"] != nil {
		t.Error("expected fwd_10 NULL at index 20")
	}
}

func TestBuild_FeaturesIgnoreFuture(t *testing.T) {
	// Features at t must not change when only future closes change
	base := constantCloses(60, 100)
	modified := constantCloses(60, 100)
	for i := 40; i < 60; i++ {
		modified[i] = 500
	}

	baseRows := NewBuilder([]int{5}).Build("TEST", barsFromCloses(base))
	modRows := NewBuilder([]int{5}).Build("TEST", barsFromCloses(modified))

	for _, name := range domain.DefaultFeatureNames() {
		a, aok := baseRows[30].Feature(name)
		b, bok := modRows[30].Feature(name)
		if aok != bok || (aok && a != b) {
			t.Errorf("%s at index 30 changed with future closes: %v/%v vs %v/%v", name, a, aok, b, bok)
		}
	}
}

func TestNewBuilder_Horizons(t *testing.T) {
	b := NewBuilder([]int{20, 5, 5, 0, -3, 10})
	got := b.Horizons()
	want := []int{5, 10, 20}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
