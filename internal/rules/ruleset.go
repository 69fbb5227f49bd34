package rules

import (
	"fmt"

	"market-analog-lab/internal/domain"
)

// Ruleset holds every threshold the engine consults. Probabilities and
// return levels are fractions. VolSpikeThreshold of 0 means "derive from
// the series" (70th percentile of observed vol_20), filled in by the
// simulation setup before the first evaluation.
type Ruleset struct {
	EntryThreshold  float64                `yaml:"entry_threshold"`
	MinConfidence   domain.ConfidenceGrade `yaml:"min_confidence"`
	MinSimilarCount int                    `yaml:"min_similar_count"`

	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	ExitThreshold     float64 `yaml:"exit_threshold"`
	VolSpikeThreshold float64 `yaml:"vol_spike_threshold"`

	AddProbThreshold   float64                `yaml:"add_prob_threshold"`
	AddMinConfidence   domain.ConfidenceGrade `yaml:"add_min_confidence"`
	AddMinSimilarCount int                    `yaml:"add_min_similar_count"`
	AddCooldownDays    int                    `yaml:"add_cooldown_days"`

	BiasBoost float64 `yaml:"bias_boost"`
}

// DefaultRuleset returns the standard thresholds.
func DefaultRuleset() Ruleset {
	return Ruleset{
		EntryThreshold:     0.65,
		MinConfidence:      domain.ConfidenceMedium,
		MinSimilarCount:    30,
		TakeProfitPct:      0.12,
		ExitThreshold:      0.45,
		VolSpikeThreshold:  0,
		AddProbThreshold:   0.70,
		AddMinConfidence:   domain.ConfidenceHigh,
		AddMinSimilarCount: 60,
		AddCooldownDays:    10,
		BiasBoost:          0.05,
	}
}

// Validate rejects thresholds the engine cannot act on sensibly.
func (r Ruleset) Validate() error {
	if r.EntryThreshold <= 0 || r.EntryThreshold > 1 {
		return fmt.Errorf("entry_threshold must be in (0,1], got %f", r.EntryThreshold)
	}
	if r.ExitThreshold < 0 || r.ExitThreshold >= r.EntryThreshold {
		return fmt.Errorf("exit_threshold must be in [0, entry_threshold), got %f", r.ExitThreshold)
	}
	if r.AddProbThreshold < r.EntryThreshold {
		return fmt.Errorf("add_prob_threshold %f must not undercut entry_threshold %f", r.AddProbThreshold, r.EntryThreshold)
	}
	if r.MinConfidence.Rank() < 0 {
		return fmt.Errorf("unknown min_confidence %q", r.MinConfidence)
	}
	if r.AddMinConfidence.Rank() < 0 {
		return fmt.Errorf("unknown add_min_confidence %q", r.AddMinConfidence)
	}
	if r.MinSimilarCount < 1 {
		return fmt.Errorf("min_similar_count must be positive, got %d", r.MinSimilarCount)
	}
	if r.TakeProfitPct <= 0 {
		return fmt.Errorf("take_profit_pct must be positive, got %f", r.TakeProfitPct)
	}
	if r.AddCooldownDays < 0 {
		return fmt.Errorf("add_cooldown_days must not be negative, got %d", r.AddCooldownDays)
	}
	if r.BiasBoost < 0 || r.BiasBoost >= r.EntryThreshold {
		return fmt.Errorf("bias_boost must be in [0, entry_threshold), got %f", r.BiasBoost)
	}
	return nil
}
