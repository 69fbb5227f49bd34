// Package cot turns weekly trader-positioning reports into the daily bias
// overlay consumed by the rule engine. A commercial washout (net position
// percentile at the bottom decile of its trailing window) reads bullish; a
// noncommercial crowding (top decile) reads bearish.
package cot

import (
	"fmt"
	"sort"

	"market-analog-lab/internal/domain"
)

const (
	// DefaultLookbackWeeks is the trailing percentile window (~3 years).
	DefaultLookbackWeeks = 156

	// MinWindowWeeks gates signal emission: percentile ranks over a handful
	// of reports are noise, so early reports carry no bias.
	MinWindowWeeks = 12

	// WashoutPercentile marks a commercial washout at the bottom decile.
	WashoutPercentile = 0.10

	// CrowdingPercentile marks speculator crowding at the top decile.
	CrowdingPercentile = 0.90
)

// PercentileRank returns the midrank percentile of x within values: the
// fraction strictly below plus half the ties, in (0, 1). Ties count half so
// a constant series ranks at 0.5 instead of saturating an extreme. The
// second return is false for an empty sample.
func PercentileRank(values []float64, x float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var below, equal float64
	for _, v := range values {
		switch {
		case v < x:
			below++
		case v == x:
			equal++
		}
	}
	return (below + 0.5*equal) / float64(len(values)), true
}

// Signals computes one bias signal per report using trailing windows of up
// to lookbackWeeks reports (the report itself included). Reports must be
// strictly increasing by date. lookbackWeeks <= 0 takes the default.
func Signals(reports []*domain.COTReport, lookbackWeeks int) ([]*domain.BiasSignal, error) {
	if lookbackWeeks <= 0 {
		lookbackWeeks = DefaultLookbackWeeks
	}
	for i := 1; i < len(reports); i++ {
		if reports[i].ReportDate <= reports[i-1].ReportDate {
			return nil, fmt.Errorf("reports not strictly increasing at %s", reports[i].ReportDate)
		}
	}

	signals := make([]*domain.BiasSignal, len(reports))
	for i, r := range reports {
		sig := &domain.BiasSignal{Date: r.ReportDate}
		signals[i] = sig

		start := i - lookbackWeeks + 1
		if start < 0 {
			start = 0
		}
		window := reports[start : i+1]
		if len(window) < MinWindowWeeks {
			continue
		}

		commercial := make([]float64, len(window))
		noncommercial := make([]float64, len(window))
		for wi, w := range window {
			commercial[wi] = w.CommercialNet()
			noncommercial[wi] = w.NoncommercialNet()
		}

		if pct, ok := PercentileRank(commercial, r.CommercialNet()); ok {
			sig.CommercialNetPct = &pct
			sig.Bullish = pct <= WashoutPercentile
		}
		if pct, ok := PercentileRank(noncommercial, r.NoncommercialNet()); ok {
			sig.NoncommercialNetPct = &pct
			sig.Bearish = pct >= CrowdingPercentile
		}
	}
	return signals, nil
}

// AsOf returns the latest signal dated at or before date, nil when the
// date precedes every report. Signals must be sorted ascending by date,
// which Signals guarantees. ISO dates compare lexicographically.
func AsOf(signals []*domain.BiasSignal, date string) *domain.BiasSignal {
	idx := sort.Search(len(signals), func(i int) bool {
		return signals[i].Date > date
	})
	if idx == 0 {
		return nil
	}
	return signals[idx-1]
}
