// Package rules maps one day's evidence onto one auditable trading
// decision. Evaluate is a pure function: no I/O, no clock, no state beyond
// its inputs, so identical inputs always produce identical decisions.
package rules

import (
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
)

// Input is everything the engine may consult for one bar.
type Input struct {
	Asset    string
	Date     string
	Index    int
	Estimate *domain.AnalysisResult // nil when the estimator had no signal
	Vol20    *float64               // current 20-day volatility, nil when window short
	Bias     *domain.BiasSignal     // nil when no positioning data covers the date
	Position *domain.PositionState  // nil or zero value when flat
	Ruleset  Ruleset

	// ReturnSinceEntry is close/entry-1 while a position is open. The
	// simulator computes it because only the ledger knows the entry fill.
	ReturnSinceEntry *float64
}

// Evaluate resolves the action for one bar. Every check is always computed
// and attached to the decision so reports can render the complete
// checklist; NA checks are informational and never gate an action.
//
// Precedence while long: take-profit, probability-drop, volatility-spike,
// bias headwind, add-on-strength, bias-supported add, hold. While flat:
// rule entry, bias-boosted entry, none. A bearish bias without an
// offsetting bullish one downgrades BUY/ADD to HOLD as a final overlay;
// the overlay never upgrades.
func Evaluate(in Input) domain.Decision {
	long := in.Position != nil && in.Position.Open

	entry := entryChecks(in)
	exit := exitChecks(in, long)
	add := addChecks(in, long)
	cotChecks := biasChecks(in.Bias)

	bullish := in.Bias != nil && in.Bias.Bullish
	bearish := in.Bias != nil && in.Bias.Bearish

	action, reason := resolve(in, long, bullish, bearish, entry, exit, add)

	// Bearish overlay: veto fresh exposure, never anything else.
	if bearish && !bullish && (action == domain.ActionBuy || action == domain.ActionAdd) {
		action = domain.ActionHold
		reason = domain.ReasonBiasVeto
	}

	return domain.Decision{
		Asset:      in.Asset,
		Date:       in.Date,
		Index:      in.Index,
		Action:     action,
		ReasonCode: reason,
		Checks: domain.DecisionChecks{
			Entry: entry,
			Exit:  exit,
			Add:   add,
			COT:   cotChecks,
		},
		Values: values(in, long),
	}
}

func resolve(in Input, long, bullish, bearish bool, entry, exit, add []domain.Check) (domain.Action, string) {
	if long {
		switch {
		case passed(exit, "exit_take_profit"):
			return domain.ActionSell, domain.ExitReasonTakeProfit
		case passed(exit, "exit_prob_drop"):
			return domain.ActionSell, domain.ExitReasonProbDrop
		case passed(exit, "exit_vol_spike"):
			return domain.ActionSell, domain.ExitReasonVolSpike
		case bearish && !bullish:
			return domain.ActionSell, domain.ExitReasonBiasHeadwind
		case gatePassed(add, "add_probability"):
			return domain.ActionAdd, domain.ReasonAddStrength
		case bullish && passed(add, "add_cooldown") && probAtLeast(in, in.Ruleset.EntryThreshold):
			return domain.ActionAdd, domain.ReasonAddBiasSupport
		default:
			return domain.ActionHold, domain.ReasonHoldPosition
		}
	}

	switch {
	case gatePassed(entry, "entry_probability"):
		return domain.ActionBuy, domain.ReasonEntryRules
	case bullish && confidenceAtLeast(in, in.Ruleset.MinConfidence) &&
		probAtLeast(in, in.Ruleset.EntryThreshold-in.Ruleset.BiasBoost):
		return domain.ActionBuy, domain.ReasonEntryBiasBoost
	case in.Estimate == nil:
		return domain.ActionNone, domain.ReasonNoEstimate
	default:
		return domain.ActionNone, domain.ReasonNoSignal
	}
}

// gatePassed is the aggregate gate: no FAIL anywhere in the set and an
// affirmative PASS on the named anchor check. NA checks neither pass nor
// fail the gate.
func gatePassed(checks []domain.Check, anchorID string) bool {
	anchor := false
	for _, c := range checks {
		if c.Status == domain.CheckFail {
			return false
		}
		if c.ID == anchorID && c.Status == domain.CheckPass {
			anchor = true
		}
	}
	return anchor
}

// passed reports whether one named check resolved PASS.
func passed(checks []domain.Check, id string) bool {
	for _, c := range checks {
		if c.ID == id {
			return c.Status == domain.CheckPass
		}
	}
	return false
}

func probAtLeast(in Input, threshold float64) bool {
	return in.Estimate != nil && in.Estimate.PSuccess >= threshold
}

func confidenceAtLeast(in Input, min domain.ConfidenceGrade) bool {
	return in.Estimate != nil && in.Estimate.Confidence.Rank() >= min.Rank()
}

func entryChecks(in Input) []domain.Check {
	r := in.Ruleset
	return []domain.Check{
		numCheck("entry_probability", "probability of a positive horizon return", ">=", probValue(in), r.EntryThreshold, "no estimate"),
		numCheck("entry_confidence", "estimate confidence grade", ">=", confidenceValue(in), float64(r.MinConfidence.Rank()), "no estimate"),
		numCheck("entry_similar_count", "similar historical states", ">=", similarCountValue(in), float64(r.MinSimilarCount), "no estimate"),
	}
}

func exitChecks(in Input, long bool) []domain.Check {
	r := in.Ruleset
	var volThreshold *float64
	if r.VolSpikeThreshold > 0 {
		volThreshold = &r.VolSpikeThreshold
	}

	if !long {
		return []domain.Check{
			naCheck("exit_take_profit", "return since entry", ">=", nil, &r.TakeProfitPct, "no open position"),
			naCheck("exit_prob_drop", "probability of a positive horizon return", "<", nil, &r.ExitThreshold, "no open position"),
			naCheck("exit_vol_spike", "20-day volatility", ">=", nil, volThreshold, "no open position"),
		}
	}

	checks := []domain.Check{
		numCheck("exit_take_profit", "return since entry", ">=", in.ReturnSinceEntry, r.TakeProfitPct, "entry return unavailable"),
		numCheck("exit_prob_drop", "probability of a positive horizon return", "<", probValue(in), r.ExitThreshold, "no estimate"),
	}
	if volThreshold == nil {
		checks = append(checks, naCheck("exit_vol_spike", "20-day volatility", ">=", in.Vol20, nil, "volatility threshold unavailable"))
	} else {
		checks = append(checks, numCheck("exit_vol_spike", "20-day volatility", ">=", in.Vol20, r.VolSpikeThreshold, "vol_20 unavailable"))
	}
	return checks
}

func addChecks(in Input, long bool) []domain.Check {
	r := in.Ruleset
	if !long {
		minConf := float64(r.AddMinConfidence.Rank())
		minCount := float64(r.AddMinSimilarCount)
		cooldown := float64(r.AddCooldownDays)
		return []domain.Check{
			naCheck("add_probability", "probability of a positive horizon return", ">=", nil, &r.AddProbThreshold, "no open position"),
			naCheck("add_confidence", "estimate confidence grade", ">=", nil, &minConf, "no open position"),
			naCheck("add_similar_count", "similar historical states", ">=", nil, &minCount, "no open position"),
			naCheck("add_cooldown", "bars since the last fill", ">=", nil, &cooldown, "no open position"),
		}
	}

	sinceLastAdd := float64(in.Index - in.Position.LastAddIndex)
	return []domain.Check{
		numCheck("add_probability", "probability of a positive horizon return", ">=", probValue(in), r.AddProbThreshold, "no estimate"),
		numCheck("add_confidence", "estimate confidence grade", ">=", confidenceValue(in), float64(r.AddMinConfidence.Rank()), "no estimate"),
		numCheck("add_similar_count", "similar historical states", ">=", similarCountValue(in), float64(r.AddMinSimilarCount), "no estimate"),
		numCheck("add_cooldown", "bars since the last fill", ">=", &sinceLastAdd, float64(r.AddCooldownDays), ""),
	}
}

func biasChecks(bias *domain.BiasSignal) []domain.Check {
	washout := cot.WashoutPercentile
	crowding := cot.CrowdingPercentile
	if bias == nil {
		return []domain.Check{
			naCheck("cot_commercial_washout", "commercial net percentile", "<=", nil, &washout, "no positioning data"),
			naCheck("cot_noncommercial_crowding", "noncommercial net percentile", ">=", nil, &crowding, "no positioning data"),
		}
	}
	return []domain.Check{
		numCheck("cot_commercial_washout", "commercial net percentile", "<=", bias.CommercialNetPct, washout, "percentile window short"),
		numCheck("cot_noncommercial_crowding", "noncommercial net percentile", ">=", bias.NoncommercialNetPct, crowding, "percentile window short"),
	}
}

// numCheck compares value against threshold under op, or reports NA when
// the value is missing.
func numCheck(id, label, op string, value *float64, threshold float64, missingReason string) domain.Check {
	c := domain.Check{
		ID:        id,
		Label:     label,
		Op:        op,
		Threshold: &threshold,
	}
	if value == nil {
		c.Status = domain.CheckNA
		c.MissingReason = missingReason
		return c
	}
	v := *value
	c.Value = &v
	ok := false
	switch op {
	case ">=":
		ok = v >= threshold
	case "<":
		ok = v < threshold
	case "<=":
		ok = v <= threshold
	}
	if ok {
		c.Status = domain.CheckPass
	} else {
		c.Status = domain.CheckFail
	}
	return c
}

// naCheck builds an NA check; value and threshold are attached when known
// so the checklist still displays whatever side was observable.
func naCheck(id, label, op string, value, threshold *float64, missingReason string) domain.Check {
	c := domain.Check{
		ID:            id,
		Label:         label,
		Op:            op,
		Status:        domain.CheckNA,
		MissingReason: missingReason,
	}
	if value != nil {
		v := *value
		c.Value = &v
	}
	if threshold != nil {
		th := *threshold
		c.Threshold = &th
	}
	return c
}

func probValue(in Input) *float64 {
	if in.Estimate == nil {
		return nil
	}
	v := in.Estimate.PSuccess
	return &v
}

func confidenceValue(in Input) *float64 {
	if in.Estimate == nil {
		return nil
	}
	v := float64(in.Estimate.Confidence.Rank())
	return &v
}

func similarCountValue(in Input) *float64 {
	if in.Estimate == nil {
		return nil
	}
	v := float64(in.Estimate.SimilarCount)
	return &v
}

func values(in Input, long bool) domain.DecisionValues {
	v := domain.DecisionValues{
		PSuccess:         probValue(in),
		Vol20:            in.Vol20,
		ReturnSinceEntry: in.ReturnSinceEntry,
	}
	if in.Estimate != nil {
		effN := in.Estimate.EffectiveN
		avgD := in.Estimate.AvgDistance
		v.EffectiveN = &effN
		v.AvgDistance = &avgD
		v.Confidence = string(in.Estimate.Confidence)
	}
	if long {
		v.BarsHeld = in.Position.BarsHeld
	}
	return v
}
