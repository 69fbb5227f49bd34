package features

import (
	"math"
	"sort"

	"market-analog-lab/internal/domain"
)

// DefaultHorizons are the forward-return label horizons in bars.
var DefaultHorizons = []int{5, 10, 20}

// Builder computes indicator features and forward-return labels from a
// validated daily bar series.
//
// Formulas:
//   - ret_W = close[t]/close[t-W] - 1, NULL unless t >= W (W in 5, 20, 60)
//   - vol_20 = population stddev of the last 20 daily returns, NULL unless t >= 20
//   - rsi_14 = 100 - 100/(1+RS) with simple-averaged gains/losses over the
//     last 14 changes; 100 when the average loss is zero; NULL unless t >= 14
//   - z_ma20 = (close - ma20)/std20 over the last 20 closes, NULL when the
//     window is short or std20 < 1e-12
//   - trend_200 = (close - ma200)/ma200 over the last 200 closes
//   - dd_60 = close/max(close over the trailing 60 bars incl. t) - 1
//   - fwd_H = close[t+H]/close[t] - 1, NULL when t+H runs past the series
//
// Windows are full-or-NULL: no partial windows, no padding. Features only
// read bars at or before t; labels only read bars after t.
type Builder struct {
	horizons []int
}

// NewBuilder returns a builder for the given label horizons. Horizons are
// deduplicated and sorted; empty input falls back to DefaultHorizons.
func NewBuilder(horizons []int) *Builder {
	if len(horizons) == 0 {
		horizons = DefaultHorizons
	}
	seen := make(map[int]bool, len(horizons))
	uniq := make([]int, 0, len(horizons))
	for _, h := range horizons {
		if h > 0 && !seen[h] {
			seen[h] = true
			uniq = append(uniq, h)
		}
	}
	sort.Ints(uniq)
	return &Builder{horizons: uniq}
}

// Horizons returns the configured label horizons in ascending order.
func (b *Builder) Horizons() []int {
	out := make([]int, len(b.horizons))
	copy(out, b.horizons)
	return out
}

// Build computes one feature row per bar. Bars must already be validated
// (strictly increasing dates, positive closes); Build trusts its input.
func (b *Builder) Build(asset string, bars []*domain.Bar) []*domain.FeatureRow {
	n := len(bars)
	if n == 0 {
		return nil
	}

	closes := make([]float64, n)
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	// Daily returns; rets[t] is the change into bar t, undefined at t=0.
	rets := make([]float64, n)
	for t := 1; t < n; t++ {
		rets[t] = closes[t]/closes[t-1] - 1
	}

	rows := make([]*domain.FeatureRow, n)
	for t := 0; t < n; t++ {
		row := &domain.FeatureRow{
			Asset: asset,
			Date:  bars[t].Date,
			Index: t,
			Close: closes[t],
			F:     make(map[string]*float64, 8),
			Y:     make(map[string]*float64, len(b.horizons)),
		}

		row.F[domain.FeatureRet5] = pctChange(closes, t, 5)
		row.F[domain.FeatureRet20] = pctChange(closes, t, 20)
		row.F[domain.FeatureRet60] = pctChange(closes, t, 60)
		row.F[domain.FeatureVol20] = rollingVol(rets, t, 20)
		row.F[domain.FeatureRSI14] = rsi(closes, t, 14)
		row.F[domain.FeatureZMA20] = zScore(closes, t, 20)
		row.F[domain.FeatureTrend200] = trend(closes, t, 200)
		row.F[domain.FeatureDD60] = drawdown(closes, t, 60)

		for _, h := range b.horizons {
			row.Y[domain.LabelName(h)] = fwdReturn(closes, t, h)
		}

		rows[t] = row
	}
	return rows
}

func pctChange(closes []float64, t, w int) *float64 {
	if t < w {
		return nil
	}
	v := closes[t]/closes[t-w] - 1
	return &v
}

// rollingVol is the population stddev of the last w daily returns ending
// at t. Needs w returns, which means t >= w.
func rollingVol(rets []float64, t, w int) *float64 {
	if t < w {
		return nil
	}
	window := rets[t-w+1 : t+1]
	v := populationStd(window)
	return &v
}

func rsi(closes []float64, t, w int) *float64 {
	if t < w {
		return nil
	}
	var gains, losses float64
	for i := t - w + 1; i <= t; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(w)
	avgLoss := losses / float64(w)
	var v float64
	if avgLoss == 0 {
		v = 100
	} else {
		rs := avgGain / avgLoss
		v = 100 - 100/(1+rs)
	}
	return &v
}

func zScore(closes []float64, t, w int) *float64 {
	if t < w-1 {
		return nil
	}
	window := closes[t-w+1 : t+1]
	ma := mean(window)
	std := populationStd(window)
	if std < 1e-12 {
		return nil
	}
	v := (closes[t] - ma) / std
	return &v
}

func trend(closes []float64, t, w int) *float64 {
	if t < w-1 {
		return nil
	}
	ma := mean(closes[t-w+1 : t+1])
	v := (closes[t] - ma) / ma
	return &v
}

func drawdown(closes []float64, t, w int) *float64 {
	if t < w-1 {
		return nil
	}
	peak := closes[t-w+1]
	for i := t - w + 2; i <= t; i++ {
		if closes[i] > peak {
			peak = closes[i]
		}
	}
	v := closes[t]/peak - 1
	return &v
}

func fwdReturn(closes []float64, t, h int) *float64 {
	if t+h >= len(closes) {
		return nil
	}
	v := closes[t+h]/closes[t] - 1
	return &v
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func populationStd(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
