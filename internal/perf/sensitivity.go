package perf

import (
	"fmt"

	"market-analog-lab/internal/domain"
)

// Scenario is one friction assumption in the sensitivity table.
type Scenario struct {
	Name        string
	FeeBps      float64
	SlippageBps float64
}

// DefaultScenarios spans a frictionless run up to heavy costs.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: "low", FeeBps: 0, SlippageBps: 0},
		{Name: "base", FeeBps: 10, SlippageBps: 5},
		{Name: "high", FeeBps: 25, SlippageBps: 10},
	}
}

// SensitivityRow is the outcome of one scenario.
type SensitivityRow struct {
	Scenario    Scenario
	NetReturn   float64
	Sharpe      float64
	MaxDrawdown float64
}

// FeesSensitivity re-evaluates a run under every default scenario. run
// must be a pure function of the friction assumptions.
func FeesSensitivity(run func(feeBps, slipBps float64) (domain.KPISet, error)) ([]SensitivityRow, error) {
	scenarios := DefaultScenarios()
	rows := make([]SensitivityRow, 0, len(scenarios))
	for _, sc := range scenarios {
		kpi, err := run(sc.FeeBps, sc.SlippageBps)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		rows = append(rows, SensitivityRow{
			Scenario:    sc,
			NetReturn:   kpi.TotalReturnNet,
			Sharpe:      kpi.Sharpe,
			MaxDrawdown: kpi.MaxDrawdown,
		})
	}
	return rows, nil
}
