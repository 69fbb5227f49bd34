// Package perf reduces an equity curve and its trade journal to summary
// performance figures.
package perf

import (
	"math"
	"time"

	"market-analog-lab/internal/domain"
)

const tradingDaysPerYear = 252

// Compute summarizes one run. Curve figures come from the net ledger.
// BuyHoldReturn is left to the caller, which knows the underlying closes.
func Compute(equity []*domain.EquityPoint, trades []*domain.Trade) domain.KPISet {
	kpi := domain.KPISet{TradeCount: len(trades)}

	if len(equity) > 0 {
		first := equity[0]
		last := equity[len(equity)-1]
		kpi.TotalReturnGross = totalReturn(first.EquityGross, last.EquityGross)
		kpi.TotalReturnNet = totalReturn(first.EquityNet, last.EquityNet)
		kpi.MaxDrawdown = maxDrawdown(equity)
		kpi.CAGR = cagr(first, last)
		kpi.Exposure = exposure(equity)

		returns := dailyReturns(equity)
		kpi.Sharpe = sharpe(returns)
		kpi.Sortino = sortino(returns, kpi.Sharpe)
	}

	if len(trades) > 0 {
		wins := 0
		gains := 0.0
		losses := 0.0
		holding := 0.0
		netSum := 0.0
		for _, t := range trades {
			if t.NetReturnPct > 0 {
				wins++
				gains += t.NetReturnPct
			} else {
				losses += -t.NetReturnPct
			}
			holding += float64(t.HoldingDays)
			netSum += t.NetReturnPct
		}
		kpi.WinRate = float64(wins) / float64(len(trades))
		kpi.ProfitFactor = profitFactor(gains, losses)
		kpi.AvgHoldingDays = holding / float64(len(trades))
		kpi.AvgNetReturn = netSum / float64(len(trades))
	}
	return kpi
}

// BuyHold is the passive baseline over the same range: last close over
// first close.
func BuyHold(rows []*domain.FeatureRow) float64 {
	if len(rows) == 0 || rows[0].Close <= 0 {
		return 0
	}
	return rows[len(rows)-1].Close/rows[0].Close - 1
}

// dailyReturns derives simple returns from the net curve, skipping bars
// whose prior equity is not positive.
func dailyReturns(equity []*domain.EquityPoint) []float64 {
	var returns []float64
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].EquityNet
		if prev <= 0 {
			continue
		}
		returns = append(returns, equity[i].EquityNet/prev-1)
	}
	return returns
}

func totalReturn(first, last float64) float64 {
	if first <= 0 {
		return 0
	}
	return last/first - 1
}

// maxDrawdown is the most negative peak-to-trough fraction of the net
// curve, zero or below.
func maxDrawdown(equity []*domain.EquityPoint) float64 {
	peak := 0.0
	worst := 0.0
	for _, pt := range equity {
		v := pt.EquityNet
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (v - peak) / peak; dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// cagr annualizes the net curve over its calendar span with a 365.25-day
// year. Spans under one day cannot be annualized.
func cagr(first, last *domain.EquityPoint) float64 {
	if first.EquityNet <= 0 || last.EquityNet <= 0 {
		return 0
	}
	start, err := time.Parse("2006-01-02", first.Date)
	if err != nil {
		return 0
	}
	end, err := time.Parse("2006-01-02", last.Date)
	if err != nil {
		return 0
	}
	days := end.Sub(start).Hours() / 24
	if days < 1 {
		return 0
	}
	return math.Pow(last.EquityNet/first.EquityNet, 365.25/days) - 1
}

func sharpe(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	m := mean(returns)
	sd := populationStd(returns, m)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(tradingDaysPerYear)
}

// sortino penalizes downside deviation only: the population std of
// below-mean returns. A curve with no negative return falls back to the
// Sharpe ratio.
func sortino(returns []float64, sharpeValue float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	m := mean(returns)
	hasNegative := false
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			hasNegative = true
		}
		if r < m {
			downside = append(downside, r)
		}
	}
	if !hasNegative {
		return sharpeValue
	}
	sd := populationStd(downside, mean(downside))
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(tradingDaysPerYear)
}

func profitFactor(gains, losses float64) float64 {
	if losses > 0 {
		return gains / losses
	}
	if gains > 0 {
		return math.Inf(1)
	}
	return 0
}

func exposure(equity []*domain.EquityPoint) float64 {
	open := 0
	for _, pt := range equity {
		if pt.PositionFraction > 0 {
			open++
		}
	}
	return float64(open) / float64(len(equity))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func populationStd(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
