package perf

import (
	"fmt"
	"math"
	"testing"
	"time"

	"market-analog-lab/internal/domain"
)

func perfDate(i int) string {
	return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format("2006-01-02")
}

// curve builds equity points from net values; fracs may be nil for an
// always-flat run. Gross mirrors net unless overridden by the test.
func curve(nets []float64, fracs []float64) []*domain.EquityPoint {
	points := make([]*domain.EquityPoint, len(nets))
	for i, v := range nets {
		frac := 0.0
		if fracs != nil {
			frac = fracs[i]
		}
		points[i] = &domain.EquityPoint{
			Date:             perfDate(i),
			Index:            i,
			EquityGross:      v,
			EquityNet:        v,
			PositionFraction: frac,
		}
	}
	return points
}

func trade(netReturn float64, holdingDays int) *domain.Trade {
	return &domain.Trade{NetReturnPct: netReturn, HoldingDays: holdingDays}
}

func within(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestCompute_KnownCurve(t *testing.T) {
	// Daily returns 0.2, -0.1, -0.04, 0.06: mean 0.03, downside std 0.03,
	// so Sortino lands exactly on sqrt(252).
	nets := []float64{100, 120, 108, 103.68, 109.9008}
	fracs := []float64{0, 1, 1, 1, 0}
	kpi := Compute(curve(nets, fracs), nil)

	if !within(kpi.TotalReturnNet, 0.099008, 1e-9) {
		t.Errorf("total net return = %f, want 0.099008", kpi.TotalReturnNet)
	}
	if !within(kpi.MaxDrawdown, -0.136, 1e-12) {
		t.Errorf("max drawdown = %f, want -0.136", kpi.MaxDrawdown)
	}
	if !within(kpi.Sortino, math.Sqrt(252), 1e-9) {
		t.Errorf("sortino = %f, want sqrt(252)", kpi.Sortino)
	}
	if kpi.Sharpe <= 0 || kpi.Sharpe >= kpi.Sortino {
		t.Errorf("sharpe = %f, want positive and below sortino %f", kpi.Sharpe, kpi.Sortino)
	}
	if !within(kpi.Exposure, 0.6, 1e-12) {
		t.Errorf("exposure = %f, want 0.6", kpi.Exposure)
	}
	if kpi.CAGR <= 0 {
		t.Errorf("cagr = %f, want positive for a rising curve", kpi.CAGR)
	}
}

func TestCompute_FlatCurve(t *testing.T) {
	kpi := Compute(curve([]float64{10_000, 10_000, 10_000, 10_000}, nil), nil)
	if kpi.TotalReturnNet != 0 || kpi.MaxDrawdown != 0 {
		t.Errorf("flat curve must have zero return and drawdown, got %f / %f", kpi.TotalReturnNet, kpi.MaxDrawdown)
	}
	if kpi.Sharpe != 0 || kpi.Sortino != 0 {
		t.Errorf("flat curve must have zero ratios, got sharpe %f sortino %f", kpi.Sharpe, kpi.Sortino)
	}
	if kpi.CAGR != 0 {
		t.Errorf("flat curve cagr = %f, want 0", kpi.CAGR)
	}
}

func TestCompute_SortinoFallsBackWithoutNegatives(t *testing.T) {
	// Rising but uneven: returns 0.10, 0.02. No negative return, so
	// Sortino must equal Sharpe.
	kpi := Compute(curve([]float64{100, 110, 112.2}, nil), nil)
	if kpi.Sharpe <= 0 {
		t.Fatalf("sharpe = %f, want positive", kpi.Sharpe)
	}
	if kpi.Sortino != kpi.Sharpe {
		t.Errorf("sortino = %f, want sharpe %f", kpi.Sortino, kpi.Sharpe)
	}
}

func TestCompute_CAGRUsesCalendarSpan(t *testing.T) {
	points := []*domain.EquityPoint{
		{Date: "2020-01-01", EquityGross: 100, EquityNet: 100},
		{Date: "2022-01-01", EquityGross: 200, EquityNet: 200},
	}
	kpi := Compute(points, nil)
	// 731 calendar days (2020 is a leap year).
	want := math.Pow(2, 365.25/731) - 1
	if !within(kpi.CAGR, want, 1e-12) {
		t.Errorf("cagr = %f, want %f", kpi.CAGR, want)
	}
}

func TestCompute_TradeStats(t *testing.T) {
	trades := []*domain.Trade{
		trade(0.1, 5),
		trade(-0.05, 10),
		trade(0.2, 15),
	}
	kpi := Compute(nil, trades)

	if kpi.TradeCount != 3 {
		t.Errorf("trade count = %d, want 3", kpi.TradeCount)
	}
	if !within(kpi.WinRate, 2.0/3.0, 1e-12) {
		t.Errorf("win rate = %f, want 2/3", kpi.WinRate)
	}
	if !within(kpi.ProfitFactor, 6.0, 1e-9) {
		t.Errorf("profit factor = %f, want 6", kpi.ProfitFactor)
	}
	if !within(kpi.AvgHoldingDays, 10, 1e-12) {
		t.Errorf("avg holding = %f, want 10", kpi.AvgHoldingDays)
	}
	if !within(kpi.AvgNetReturn, 0.25/3, 1e-12) {
		t.Errorf("avg net return = %f, want %f", kpi.AvgNetReturn, 0.25/3)
	}
}

func TestCompute_ProfitFactorEdges(t *testing.T) {
	lossless := Compute(nil, []*domain.Trade{trade(0.1, 1), trade(0.2, 1)})
	if !math.IsInf(lossless.ProfitFactor, 1) {
		t.Errorf("lossless profit factor = %f, want +Inf", lossless.ProfitFactor)
	}

	winless := Compute(nil, []*domain.Trade{trade(-0.1, 1)})
	if winless.ProfitFactor != 0 {
		t.Errorf("winless profit factor = %f, want 0", winless.ProfitFactor)
	}
	if winless.WinRate != 0 {
		t.Errorf("winless win rate = %f, want 0", winless.WinRate)
	}

	empty := Compute(nil, nil)
	if empty.ProfitFactor != 0 || empty.TradeCount != 0 {
		t.Errorf("empty journal must stay zero, got pf %f count %d", empty.ProfitFactor, empty.TradeCount)
	}
}

func TestDailyReturns_SkipsNonPositivePrior(t *testing.T) {
	returns := dailyReturns(curve([]float64{100, 0, 50, 55}, nil))
	want := []float64{-1, 0.1}
	if len(returns) != len(want) {
		t.Fatalf("got %d returns, want %d", len(returns), len(want))
	}
	for i := range want {
		if !within(returns[i], want[i], 1e-12) {
			t.Errorf("returns[%d] = %f, want %f", i, returns[i], want[i])
		}
	}
}

func TestBuyHold(t *testing.T) {
	rows := []*domain.FeatureRow{
		{Close: 100}, {Close: 110}, {Close: 123},
	}
	if got := BuyHold(rows); !within(got, 0.23, 1e-12) {
		t.Errorf("buy-hold = %f, want 0.23", got)
	}
	if got := BuyHold(nil); got != 0 {
		t.Errorf("empty buy-hold = %f, want 0", got)
	}
}

func TestFeesSensitivity(t *testing.T) {
	rows, err := FeesSensitivity(func(feeBps, slipBps float64) (domain.KPISet, error) {
		return domain.KPISet{
			TotalReturnNet: feeBps / 100,
			Sharpe:         slipBps,
			MaxDrawdown:    -feeBps / 1000,
		}, nil
	})
	if err != nil {
		t.Fatalf("FeesSensitivity: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].Scenario.Name != "low" || rows[1].Scenario.Name != "base" || rows[2].Scenario.Name != "high" {
		t.Errorf("scenario order = %s/%s/%s, want low/base/high", rows[0].Scenario.Name, rows[1].Scenario.Name, rows[2].Scenario.Name)
	}
	if !within(rows[1].NetReturn, 0.1, 1e-12) || !within(rows[1].Sharpe, 5, 1e-12) {
		t.Errorf("base row = %+v, want net 0.1 sharpe 5", rows[1])
	}
	if !within(rows[2].MaxDrawdown, -0.025, 1e-12) {
		t.Errorf("high drawdown = %f, want -0.025", rows[2].MaxDrawdown)
	}
}

func TestFeesSensitivity_PropagatesErrors(t *testing.T) {
	_, err := FeesSensitivity(func(feeBps, slipBps float64) (domain.KPISet, error) {
		if feeBps == 25 {
			return domain.KPISet{}, fmt.Errorf("boom")
		}
		return domain.KPISet{}, nil
	})
	if err == nil {
		t.Fatal("expected the high-scenario error to surface")
	}
}
