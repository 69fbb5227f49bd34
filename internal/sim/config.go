package sim

import "fmt"

// Config controls execution, frictions and protective stops. Friction
// rates arrive in basis points and a stop set to zero is disabled.
type Config struct {
	InitialEquity float64 `yaml:"initial_equity"`
	Allocation    float64 `yaml:"allocation"`    // equity fraction on BUY, (0,1]
	AddFraction   float64 `yaml:"add_fraction"`  // equity fraction per ADD
	FeeBps        float64 `yaml:"fee_bps"`       // commission, both sides
	SlippageBps   float64 `yaml:"slippage_bps"`  // adverse price adjustment, both sides

	StopLossPct         float64 `yaml:"stop_loss_pct"`         // vs blended gross entry
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"`     // vs peak close since entry
	MaxHoldingDays      int     `yaml:"max_holding_days"`      // time stop in bars
	ProbExitThreshold   float64 `yaml:"prob_exit_threshold"`   // debounced probability floor
	ProbExitConsecutive int     `yaml:"prob_exit_consecutive"` // bars below the floor to fire
}

// DefaultConfig returns the standard execution settings: full allocation,
// 10 bps commission, 5 bps slippage, 8% stop, 12% trail, 45-bar time stop
// and a 3-bar probability debounce at 0.40.
func DefaultConfig() Config {
	return Config{
		InitialEquity:       10_000,
		Allocation:          1.0,
		AddFraction:         0.25,
		FeeBps:              10,
		SlippageBps:         5,
		StopLossPct:         0.08,
		TrailingStopPct:     0.12,
		MaxHoldingDays:      45,
		ProbExitThreshold:   0.40,
		ProbExitConsecutive: 3,
	}
}

// FeeRate converts FeeBps to a fraction.
func (c Config) FeeRate() float64 { return c.FeeBps / 10_000 }

// SlippageRate converts SlippageBps to a fraction.
func (c Config) SlippageRate() float64 { return c.SlippageBps / 10_000 }

// Validate rejects configurations the simulator cannot execute.
func (c Config) Validate() error {
	if c.InitialEquity <= 0 {
		return fmt.Errorf("initial_equity must be positive, got %f", c.InitialEquity)
	}
	if c.Allocation <= 0 || c.Allocation > 1 {
		return fmt.Errorf("allocation must be in (0,1], got %f", c.Allocation)
	}
	if c.AddFraction < 0 || c.AddFraction > 1 {
		return fmt.Errorf("add_fraction must be in [0,1], got %f", c.AddFraction)
	}
	if c.FeeBps < 0 || c.SlippageBps < 0 {
		return fmt.Errorf("friction rates must not be negative")
	}
	if c.StopLossPct < 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("stop_loss_pct must be in [0,1), got %f", c.StopLossPct)
	}
	if c.TrailingStopPct < 0 || c.TrailingStopPct >= 1 {
		return fmt.Errorf("trailing_stop_pct must be in [0,1), got %f", c.TrailingStopPct)
	}
	if c.MaxHoldingDays < 0 {
		return fmt.Errorf("max_holding_days must not be negative, got %d", c.MaxHoldingDays)
	}
	if c.ProbExitThreshold < 0 || c.ProbExitThreshold > 1 {
		return fmt.Errorf("prob_exit_threshold must be in [0,1], got %f", c.ProbExitThreshold)
	}
	if c.ProbExitConsecutive < 0 {
		return fmt.Errorf("prob_exit_consecutive must not be negative, got %d", c.ProbExitConsecutive)
	}
	return nil
}
