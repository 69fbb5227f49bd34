package rules

import (
	"testing"

	"market-analog-lab/internal/domain"
)

func fptr(v float64) *float64 { return &v }

func estimate(p float64, conf domain.ConfidenceGrade, similar int) *domain.AnalysisResult {
	return &domain.AnalysisResult{
		Asset:        "TEST",
		Date:         "2024-03-01",
		PSuccess:     p,
		Confidence:   conf,
		SimilarCount: similar,
		EffectiveN:   float64(similar),
		AvgDistance:  0.8,
	}
}

func longPosition(index, lastAdd, barsHeld int) *domain.PositionState {
	return &domain.PositionState{
		Open:         true,
		EntryIndex:   index - barsHeld,
		EntryDate:    "2024-01-02",
		Fraction:     1.0,
		LastAddIndex: lastAdd,
		BarsHeld:     barsHeld,
	}
}

func bias(bullish, bearish bool) *domain.BiasSignal {
	sig := &domain.BiasSignal{Date: "2024-02-27", Bullish: bullish, Bearish: bearish}
	if bullish {
		sig.CommercialNetPct = fptr(0.05)
	} else {
		sig.CommercialNetPct = fptr(0.50)
	}
	if bearish {
		sig.NoncommercialNetPct = fptr(0.95)
	} else {
		sig.NoncommercialNetPct = fptr(0.50)
	}
	return sig
}

func baseInput() Input {
	return Input{
		Asset:   "TEST",
		Date:    "2024-03-01",
		Index:   500,
		Vol20:   fptr(0.012),
		Ruleset: DefaultRuleset(),
	}
}

func checkByID(t *testing.T, checks []domain.Check, id string) domain.Check {
	t.Helper()
	for _, c := range checks {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("check %s not found", id)
	return domain.Check{}
}

func TestEvaluate_FlatEntryPass(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.70, domain.ConfidenceHigh, 80)

	d := Evaluate(in)
	if d.Action != domain.ActionBuy || d.ReasonCode != domain.ReasonEntryRules {
		t.Fatalf("expected BUY/ENTRY_RULES, got %s/%s", d.Action, d.ReasonCode)
	}
	for _, id := range []string{"entry_probability", "entry_confidence", "entry_similar_count"} {
		if c := checkByID(t, d.Checks.Entry, id); c.Status != domain.CheckPass {
			t.Errorf("%s: expected PASS, got %s", id, c.Status)
		}
	}
	// Exit and add checks exist but read NA while flat
	for _, c := range append(d.Checks.Exit, d.Checks.Add...) {
		if c.Status != domain.CheckNA {
			t.Errorf("%s: expected NA while flat, got %s", c.ID, c.Status)
		}
		if c.MissingReason != "no open position" {
			t.Errorf("%s: expected missing reason, got %q", c.ID, c.MissingReason)
		}
	}
}

func TestEvaluate_FlatWeakProbability(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.55, domain.ConfidenceHigh, 80)

	d := Evaluate(in)
	if d.Action != domain.ActionNone || d.ReasonCode != domain.ReasonNoSignal {
		t.Fatalf("expected NONE/NO_SIGNAL, got %s/%s", d.Action, d.ReasonCode)
	}
	if c := checkByID(t, d.Checks.Entry, "entry_probability"); c.Status != domain.CheckFail {
		t.Errorf("expected entry_probability FAIL, got %s", c.Status)
	}
}

func TestEvaluate_FlatNoEstimate(t *testing.T) {
	in := baseInput()

	d := Evaluate(in)
	if d.Action != domain.ActionNone || d.ReasonCode != domain.ReasonNoEstimate {
		t.Fatalf("expected NONE/NO_ESTIMATE, got %s/%s", d.Action, d.ReasonCode)
	}
	// An NA check alone must never resolve the gate either way
	for _, c := range d.Checks.Entry {
		if c.Status != domain.CheckNA {
			t.Errorf("%s: expected NA without an estimate, got %s", c.ID, c.Status)
		}
		if c.MissingReason != "no estimate" {
			t.Errorf("%s: expected missing reason, got %q", c.ID, c.MissingReason)
		}
	}
	if d.Values.PSuccess != nil || d.Values.Confidence != "" {
		t.Error("expected empty estimate values")
	}
}

func TestEvaluate_FlatConfidenceTooLow(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.70, domain.ConfidenceLow, 80)

	d := Evaluate(in)
	if d.Action != domain.ActionNone {
		t.Fatalf("expected NONE on LOW confidence, got %s", d.Action)
	}
	if c := checkByID(t, d.Checks.Entry, "entry_confidence"); c.Status != domain.CheckFail {
		t.Errorf("expected entry_confidence FAIL, got %s", c.Status)
	}
}

func TestEvaluate_BiasBoostedEntry(t *testing.T) {
	// 0.62 misses the 0.65 gate but clears 0.65-0.05 with a bullish washout
	in := baseInput()
	in.Estimate = estimate(0.62, domain.ConfidenceMedium, 80)
	in.Bias = bias(true, false)

	d := Evaluate(in)
	if d.Action != domain.ActionBuy || d.ReasonCode != domain.ReasonEntryBiasBoost {
		t.Fatalf("expected BUY/ENTRY_BIAS_BOOST, got %s/%s", d.Action, d.ReasonCode)
	}
	if c := checkByID(t, d.Checks.COT, "cot_commercial_washout"); c.Status != domain.CheckPass {
		t.Errorf("expected washout PASS, got %s", c.Status)
	}
}

func TestEvaluate_BiasBoostHasAFloor(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.55, domain.ConfidenceMedium, 80)
	in.Bias = bias(true, false)

	d := Evaluate(in)
	if d.Action != domain.ActionNone {
		t.Fatalf("bias must not rescue a probability below the boosted floor, got %s", d.Action)
	}
}

func TestEvaluate_BearishOverlayVetoesEntry(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.80, domain.ConfidenceHigh, 100)
	in.Bias = bias(false, true)

	d := Evaluate(in)
	if d.Action != domain.ActionHold || d.ReasonCode != domain.ReasonBiasVeto {
		t.Fatalf("expected HOLD/BIAS_VETO, got %s/%s", d.Action, d.ReasonCode)
	}
	// The overlay downgrades; the entry checklist still shows the pass
	if c := checkByID(t, d.Checks.Entry, "entry_probability"); c.Status != domain.CheckPass {
		t.Errorf("overlay must not rewrite the checklist, got %s", c.Status)
	}
}

func TestEvaluate_BullishOffsetsBearish(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.80, domain.ConfidenceHigh, 100)
	in.Bias = bias(true, true)

	d := Evaluate(in)
	if d.Action != domain.ActionBuy {
		t.Fatalf("offsetting bullish bias must disarm the veto, got %s", d.Action)
	}
}

func TestEvaluate_LongTakeProfit(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.80, domain.ConfidenceHigh, 100)
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.15)

	d := Evaluate(in)
	if d.Action != domain.ActionSell || d.ReasonCode != domain.ExitReasonTakeProfit {
		t.Fatalf("expected SELL/TAKE_PROFIT, got %s/%s", d.Action, d.ReasonCode)
	}
}

func TestEvaluate_LongProbDrop(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.30, domain.ConfidenceMedium, 80)
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.03)

	d := Evaluate(in)
	if d.Action != domain.ActionSell || d.ReasonCode != domain.ExitReasonProbDrop {
		t.Fatalf("expected SELL/PROB_DROP, got %s/%s", d.Action, d.ReasonCode)
	}
}

func TestEvaluate_LongVolSpike(t *testing.T) {
	in := baseInput()
	in.Ruleset.VolSpikeThreshold = 0.02
	in.Estimate = estimate(0.60, domain.ConfidenceMedium, 80)
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.03)
	in.Vol20 = fptr(0.025)

	d := Evaluate(in)
	if d.Action != domain.ActionSell || d.ReasonCode != domain.ExitReasonVolSpike {
		t.Fatalf("expected SELL/VOL_SPIKE, got %s/%s", d.Action, d.ReasonCode)
	}
}

func TestEvaluate_VolSpikeWithoutThresholdIsNA(t *testing.T) {
	// Threshold 0 means the setup never derived one: the check must go NA,
	// not fire against zero
	in := baseInput()
	in.Ruleset.VolSpikeThreshold = 0
	in.Estimate = estimate(0.60, domain.ConfidenceMedium, 80)
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.03)
	in.Vol20 = fptr(0.025)

	d := Evaluate(in)
	if d.Action != domain.ActionHold {
		t.Fatalf("expected HOLD, got %s/%s", d.Action, d.ReasonCode)
	}
	if c := checkByID(t, d.Checks.Exit, "exit_vol_spike"); c.Status != domain.CheckNA {
		t.Errorf("expected exit_vol_spike NA, got %s", c.Status)
	}
}

func TestEvaluate_LongBiasHeadwindForcesExit(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.60, domain.ConfidenceMedium, 80)
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.03)
	in.Bias = bias(false, true)

	d := Evaluate(in)
	if d.Action != domain.ActionSell || d.ReasonCode != domain.ExitReasonBiasHeadwind {
		t.Fatalf("expected SELL/BIAS_HEADWIND, got %s/%s", d.Action, d.ReasonCode)
	}
}

func TestEvaluate_TakeProfitOutranksProbDrop(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.30, domain.ConfidenceMedium, 80) // prob-drop also true
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.20)

	d := Evaluate(in)
	if d.ReasonCode != domain.ExitReasonTakeProfit {
		t.Fatalf("expected TAKE_PROFIT to win, got %s", d.ReasonCode)
	}
}

func TestEvaluate_AddOnStrength(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.75, domain.ConfidenceHigh, 90)
	in.Position = longPosition(in.Index, 480, 20) // cooldown 20 >= 10
	in.Position.Fraction = 0.5
	in.ReturnSinceEntry = fptr(0.04)

	d := Evaluate(in)
	if d.Action != domain.ActionAdd || d.ReasonCode != domain.ReasonAddStrength {
		t.Fatalf("expected ADD/ADD_STRENGTH, got %s/%s", d.Action, d.ReasonCode)
	}
}

func TestEvaluate_AddBlockedByCooldown(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.75, domain.ConfidenceHigh, 90)
	in.Position = longPosition(in.Index, in.Index-3, 20) // only 3 bars since last fill
	in.ReturnSinceEntry = fptr(0.04)

	d := Evaluate(in)
	if d.Action != domain.ActionHold {
		t.Fatalf("expected HOLD during cooldown, got %s/%s", d.Action, d.ReasonCode)
	}
	if c := checkByID(t, d.Checks.Add, "add_cooldown"); c.Status != domain.CheckFail {
		t.Errorf("expected add_cooldown FAIL, got %s", c.Status)
	}
}

func TestEvaluate_BiasSupportedAdd(t *testing.T) {
	// 0.66 misses the 0.70 add gate but holds the entry bar with a washout
	in := baseInput()
	in.Estimate = estimate(0.66, domain.ConfidenceMedium, 40)
	in.Position = longPosition(in.Index, 480, 20)
	in.Position.Fraction = 0.5
	in.ReturnSinceEntry = fptr(0.04)
	in.Bias = bias(true, false)

	d := Evaluate(in)
	if d.Action != domain.ActionAdd || d.ReasonCode != domain.ReasonAddBiasSupport {
		t.Fatalf("expected ADD/ADD_BIAS_SUPPORT, got %s/%s", d.Action, d.ReasonCode)
	}
}

func TestEvaluate_LongNoEstimateHolds(t *testing.T) {
	in := baseInput()
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.03)

	d := Evaluate(in)
	if d.Action != domain.ActionHold || d.ReasonCode != domain.ReasonHoldPosition {
		t.Fatalf("expected HOLD/HOLD_POSITION, got %s/%s", d.Action, d.ReasonCode)
	}
	// prob-drop must read NA, not fire against a missing estimate
	if c := checkByID(t, d.Checks.Exit, "exit_prob_drop"); c.Status != domain.CheckNA {
		t.Errorf("expected exit_prob_drop NA, got %s", c.Status)
	}
}

func TestEvaluate_TakeProfitWorksWithoutEstimate(t *testing.T) {
	in := baseInput()
	in.Position = longPosition(in.Index, 490, 10)
	in.ReturnSinceEntry = fptr(0.14)

	d := Evaluate(in)
	if d.Action != domain.ActionSell || d.ReasonCode != domain.ExitReasonTakeProfit {
		t.Fatalf("take-profit must not depend on the estimate, got %s/%s", d.Action, d.ReasonCode)
	}
}

func TestEvaluate_ChecklistAlwaysComplete(t *testing.T) {
	inputs := []Input{
		baseInput(),
		func() Input {
			in := baseInput()
			in.Estimate = estimate(0.70, domain.ConfidenceHigh, 80)
			in.Bias = bias(true, true)
			return in
		}(),
		func() Input {
			in := baseInput()
			in.Position = longPosition(in.Index, 490, 10)
			in.ReturnSinceEntry = fptr(0.01)
			return in
		}(),
	}
	for i, in := range inputs {
		d := Evaluate(in)
		if len(d.Checks.Entry) != 3 || len(d.Checks.Exit) != 3 || len(d.Checks.Add) != 4 || len(d.Checks.COT) != 2 {
			t.Errorf("input %d: incomplete checklist %d/%d/%d/%d", i,
				len(d.Checks.Entry), len(d.Checks.Exit), len(d.Checks.Add), len(d.Checks.COT))
		}
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := baseInput()
	in.Estimate = estimate(0.70, domain.ConfidenceHigh, 80)
	in.Bias = bias(true, false)

	a := Evaluate(in)
	b := Evaluate(in)
	if a.Action != b.Action || a.ReasonCode != b.ReasonCode {
		t.Error("identical inputs must produce identical decisions")
	}
}

func TestRulesetValidate(t *testing.T) {
	if err := DefaultRuleset().Validate(); err != nil {
		t.Fatalf("default ruleset must validate, got %v", err)
	}

	bad := DefaultRuleset()
	bad.ExitThreshold = 0.90
	if bad.Validate() == nil {
		t.Error("exit threshold above entry threshold must fail")
	}

	bad = DefaultRuleset()
	bad.AddProbThreshold = 0.10
	if bad.Validate() == nil {
		t.Error("add threshold under the entry threshold must fail")
	}

	bad = DefaultRuleset()
	bad.MinConfidence = "EXTREME"
	if bad.Validate() == nil {
		t.Error("unknown confidence grade must fail")
	}
}
