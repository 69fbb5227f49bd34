package verification

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/orchestrator"
	"market-analog-lab/internal/rules"
	"market-analog-lab/internal/sim"
	"market-analog-lab/internal/storage/memory"
)

func testTrade() *domain.Trade {
	return &domain.Trade{
		TradeID:         "trade1",
		RunID:           "run1",
		Asset:           "SPY",
		EntryDate:       "2024-03-04",
		ExitDate:        "2024-03-18",
		EntryIndex:      120,
		ExitIndex:       130,
		EntryPriceGross: 510.25,
		EntryPriceNet:   510.76,
		ExitPriceGross:  523.10,
		ExitPriceNet:    522.58,
		Fraction:        1.0,
		GrossReturnPct:  0.0252,
		NetReturnPct:    0.0231,
		HoldingDays:     10,
		ExitReason:      domain.ExitReasonTakeProfit,
		MFE:             0.031,
		MAE:             -0.012,
		Adds:            1,
	}
}

func TestCompareTrade_ExactMatch(t *testing.T) {
	stored := testTrade()
	replayed := *stored

	divergences := CompareTrade(stored, &replayed)
	if len(divergences) != 0 {
		t.Errorf("expected 0 divergences, got %d: %v", len(divergences), divergences)
	}
}

func TestCompareTrade_NetReturnDivergence(t *testing.T) {
	stored := testTrade()
	replayed := *stored
	replayed.NetReturnPct += 0.01

	divergences := CompareTrade(stored, &replayed)
	if len(divergences) != 1 {
		t.Fatalf("expected 1 divergence, got %d: %v", len(divergences), divergences)
	}
	if divergences[0].Field != "NetReturnPct" {
		t.Errorf("expected NetReturnPct divergence, got %s", divergences[0].Field)
	}
}

func TestCompareTrade_ExitReasonDivergence(t *testing.T) {
	stored := testTrade()
	replayed := *stored
	replayed.ExitReason = domain.ExitReasonTrailingStop

	found := false
	for _, d := range CompareTrade(stored, &replayed) {
		if d.Field == "ExitReason" {
			found = true
		}
	}
	if !found {
		t.Error("expected ExitReason divergence")
	}
}

func TestCompareTrade_WithinTolerance(t *testing.T) {
	stored := testTrade()
	replayed := *stored
	replayed.ExitPriceNet += FloatTolerance / 2

	if divergences := CompareTrade(stored, &replayed); len(divergences) != 0 {
		t.Errorf("sub-tolerance drift should not diverge: %v", divergences)
	}
}

func TestCompareKPIs_InfiniteProfitFactor(t *testing.T) {
	stored := domain.KPISet{ProfitFactor: math.Inf(1)}
	replayed := domain.KPISet{ProfitFactor: math.Inf(1)}
	if divergences := CompareKPIs(stored, replayed); len(divergences) != 0 {
		t.Errorf("equal infinities should not diverge: %v", divergences)
	}

	replayed.ProfitFactor = 2.0
	found := false
	for _, d := range CompareKPIs(stored, replayed) {
		if d.Field == "ProfitFactor" {
			found = true
		}
	}
	if !found {
		t.Error("expected ProfitFactor divergence for Inf vs finite")
	}
}

func TestFloatEquals(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		want bool
	}{
		{"exact match", 1.0, 1.0, true},
		{"within tolerance", 1.0, 1.0 + FloatTolerance/2, true},
		{"at tolerance boundary", 1.0, 1.0 + FloatTolerance, true},
		{"beyond tolerance", 1.0, 1.0 + FloatTolerance*2, false},
		{"zeros", 0.0, 0.0, true},
		{"equal infinities", math.Inf(1), math.Inf(1), true},
		{"infinity vs finite", math.Inf(1), 1.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := floatEquals(tt.a, tt.b); got != tt.want {
				t.Errorf("floatEquals(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// risingBars builds a drifting series with a mild wobble, enough history
// for the feature windows and a certain-to-enter estimate tail.
func risingBars(n int) []*domain.Bar {
	bars := make([]*domain.Bar, n)
	base := time.Date(2015, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		px := 100 * (1 + 0.001*float64(i)) * (1 + 0.002*math.Sin(float64(i)))
		bars[i] = &domain.Bar{
			Asset: "SPY",
			Date:  base.AddDate(0, 0, i).Format("2006-01-02"),
			Close: px,
		}
	}
	return bars
}

type verifyFixture struct {
	bars   *memory.BarStore
	trades *memory.TradeStore
	runs   *memory.RunStore
	cfg    orchestrator.RunConfig
	runID  string
}

// runBacktest produces one stored run over synthetic bars and returns
// everything a verifier needs to replay it.
func runBacktest(t *testing.T) *verifyFixture {
	t.Helper()
	ctx := context.Background()

	bars := memory.NewBarStore()
	rows := memory.NewFeatureRowStore()
	equity := memory.NewEquityStore()
	trades := memory.NewTradeStore()
	runs := memory.NewRunStore()

	if err := bars.InsertBars(ctx, risingBars(320)); err != nil {
		t.Fatalf("insert bars: %v", err)
	}

	ruleset := rules.DefaultRuleset()
	// Thin synthetic history never earns MEDIUM confidence
	ruleset.MinConfidence = domain.ConfidenceLow

	orch, err := orchestrator.New(orchestrator.Options{
		BarStore:        bars,
		FeatureRowStore: rows,
		EquityStore:     equity,
		TradeStore:      trades,
		RunStore:        runs,
		Asset:           "SPY",
		Estimator:       analog.Config{Horizon: 5, K: 60},
		Ruleset:         ruleset,
		Sim:             sim.DefaultConfig(),
		Log:             zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TradesCreated == 0 {
		t.Fatal("fixture run produced no trades")
	}

	return &verifyFixture{
		bars:   bars,
		trades: trades,
		runs:   runs,
		cfg: orchestrator.RunConfig{
			Asset:     "SPY",
			Estimator: analog.Config{Horizon: 5, K: 60},
			Ruleset:   ruleset,
			Sim:       sim.DefaultConfig(),
		},
		runID: result.RunID,
	}
}

func newVerifier(t *testing.T, fx *verifyFixture) *RunVerifier {
	t.Helper()
	v, err := NewRunVerifier(RunVerifierOptions{
		BarStore:   fx.bars,
		TradeStore: fx.trades,
		RunStore:   fx.runs,
		Config:     fx.cfg,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestRunVerifier_CleanRun(t *testing.T) {
	fx := runBacktest(t)
	verifier := newVerifier(t, fx)

	report, err := verifier.VerifyRun(context.Background(), fx.runID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Clean {
		t.Errorf("expected a clean report, got divergences: %v", report.Divergences)
	}
	if report.RunID != fx.runID {
		t.Errorf("report run ID %s, want %s", report.RunID, fx.runID)
	}
	// Run-level checks plus at least one trade and the KPI block
	if report.Checked < 7+tradeFieldCount+kpiFieldCount {
		t.Errorf("checked only %d fields", report.Checked)
	}
}

func TestRunVerifier_FlagsForeignTrade(t *testing.T) {
	fx := runBacktest(t)
	ctx := context.Background()

	planted := testTrade()
	planted.RunID = fx.runID
	planted.TradeID = "planted"
	planted.EntryIndex = 0
	planted.ExitIndex = 1
	if err := fx.trades.InsertTrades(ctx, []*domain.Trade{planted}); err != nil {
		t.Fatalf("plant trade: %v", err)
	}

	report, err := newVerifier(t, fx).VerifyRun(ctx, fx.runID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Clean {
		t.Fatal("planted trade should dirty the report")
	}
	found := false
	for _, d := range report.Divergences {
		if d.Field == "Trades" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a trade count divergence, got %v", report.Divergences)
	}
}

func TestRunVerifier_FlagsConfigDrift(t *testing.T) {
	fx := runBacktest(t)
	fx.cfg.Ruleset.EntryThreshold = 0.75

	report, err := newVerifier(t, fx).VerifyRun(context.Background(), fx.runID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Clean {
		t.Fatal("a different ruleset must not verify clean")
	}
	found := false
	for _, d := range report.Divergences {
		if d.Field == "ConfigHash" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a ConfigHash divergence, got %v", report.Divergences)
	}
}

func TestRunVerifier_RunNotFound(t *testing.T) {
	fx := runBacktest(t)

	_, err := newVerifier(t, fx).VerifyRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestNewRunVerifier_RequiresStores(t *testing.T) {
	_, err := NewRunVerifier(RunVerifierOptions{
		TradeStore: memory.NewTradeStore(),
		RunStore:   memory.NewRunStore(),
	})
	if err == nil {
		t.Fatal("expected an error without a bar store")
	}
}
