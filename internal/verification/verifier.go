// Package verification replays stored backtest runs and checks that the
// persisted trades and KPIs still fall out of the same inputs. A clean
// report means the run is reproducible bar for bar.
package verification

import (
	"math"

	"market-analog-lab/internal/domain"
)

// FloatTolerance is the tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// Field counts kept in step with CompareTrade and CompareKPIs, used to
// report how many comparisons a verification performed.
const (
	tradeFieldCount = 19
	kpiFieldCount   = 13
)

// FieldDivergence is one mismatch between a stored and a replayed value.
type FieldDivergence struct {
	Field    string // field name, list fields carry an index prefix
	Expected any    // stored value
	Actual   any    // replayed value
}

// Report is the outcome of verifying one run.
type Report struct {
	RunID       string
	Checked     int // field comparisons performed
	Divergences []FieldDivergence
	Clean       bool
}

// CompareTrade compares a stored trade against its replayed counterpart
// field by field. Prices and returns use FloatTolerance; identifiers,
// dates, indexes and counts must match exactly.
func CompareTrade(stored, replayed *domain.Trade) []FieldDivergence {
	var divergences []FieldDivergence

	if stored.TradeID != replayed.TradeID {
		divergences = append(divergences, FieldDivergence{
			Field:    "TradeID",
			Expected: stored.TradeID,
			Actual:   replayed.TradeID,
		})
	}

	if stored.RunID != replayed.RunID {
		divergences = append(divergences, FieldDivergence{
			Field:    "RunID",
			Expected: stored.RunID,
			Actual:   replayed.RunID,
		})
	}

	if stored.Asset != replayed.Asset {
		divergences = append(divergences, FieldDivergence{
			Field:    "Asset",
			Expected: stored.Asset,
			Actual:   replayed.Asset,
		})
	}

	if stored.EntryDate != replayed.EntryDate {
		divergences = append(divergences, FieldDivergence{
			Field:    "EntryDate",
			Expected: stored.EntryDate,
			Actual:   replayed.EntryDate,
		})
	}

	if stored.ExitDate != replayed.ExitDate {
		divergences = append(divergences, FieldDivergence{
			Field:    "ExitDate",
			Expected: stored.ExitDate,
			Actual:   replayed.ExitDate,
		})
	}

	if stored.EntryIndex != replayed.EntryIndex {
		divergences = append(divergences, FieldDivergence{
			Field:    "EntryIndex",
			Expected: stored.EntryIndex,
			Actual:   replayed.EntryIndex,
		})
	}

	if stored.ExitIndex != replayed.ExitIndex {
		divergences = append(divergences, FieldDivergence{
			Field:    "ExitIndex",
			Expected: stored.ExitIndex,
			Actual:   replayed.ExitIndex,
		})
	}

	if !floatEquals(stored.EntryPriceGross, replayed.EntryPriceGross) {
		divergences = append(divergences, FieldDivergence{
			Field:    "EntryPriceGross",
			Expected: stored.EntryPriceGross,
			Actual:   replayed.EntryPriceGross,
		})
	}

	if !floatEquals(stored.EntryPriceNet, replayed.EntryPriceNet) {
		divergences = append(divergences, FieldDivergence{
			Field:    "EntryPriceNet",
			Expected: stored.EntryPriceNet,
			Actual:   replayed.EntryPriceNet,
		})
	}

	if !floatEquals(stored.ExitPriceGross, replayed.ExitPriceGross) {
		divergences = append(divergences, FieldDivergence{
			Field:    "ExitPriceGross",
			Expected: stored.ExitPriceGross,
			Actual:   replayed.ExitPriceGross,
		})
	}

	if !floatEquals(stored.ExitPriceNet, replayed.ExitPriceNet) {
		divergences = append(divergences, FieldDivergence{
			Field:    "ExitPriceNet",
			Expected: stored.ExitPriceNet,
			Actual:   replayed.ExitPriceNet,
		})
	}

	if !floatEquals(stored.Fraction, replayed.Fraction) {
		divergences = append(divergences, FieldDivergence{
			Field:    "Fraction",
			Expected: stored.Fraction,
			Actual:   replayed.Fraction,
		})
	}

	if !floatEquals(stored.GrossReturnPct, replayed.GrossReturnPct) {
		divergences = append(divergences, FieldDivergence{
			Field:    "GrossReturnPct",
			Expected: stored.GrossReturnPct,
			Actual:   replayed.GrossReturnPct,
		})
	}

	if !floatEquals(stored.NetReturnPct, replayed.NetReturnPct) {
		divergences = append(divergences, FieldDivergence{
			Field:    "NetReturnPct",
			Expected: stored.NetReturnPct,
			Actual:   replayed.NetReturnPct,
		})
	}

	if stored.HoldingDays != replayed.HoldingDays {
		divergences = append(divergences, FieldDivergence{
			Field:    "HoldingDays",
			Expected: stored.HoldingDays,
			Actual:   replayed.HoldingDays,
		})
	}

	if stored.ExitReason != replayed.ExitReason {
		divergences = append(divergences, FieldDivergence{
			Field:    "ExitReason",
			Expected: stored.ExitReason,
			Actual:   replayed.ExitReason,
		})
	}

	if !floatEquals(stored.MFE, replayed.MFE) {
		divergences = append(divergences, FieldDivergence{
			Field:    "MFE",
			Expected: stored.MFE,
			Actual:   replayed.MFE,
		})
	}

	if !floatEquals(stored.MAE, replayed.MAE) {
		divergences = append(divergences, FieldDivergence{
			Field:    "MAE",
			Expected: stored.MAE,
			Actual:   replayed.MAE,
		})
	}

	if stored.Adds != replayed.Adds {
		divergences = append(divergences, FieldDivergence{
			Field:    "Adds",
			Expected: stored.Adds,
			Actual:   replayed.Adds,
		})
	}

	return divergences
}

// CompareKPIs compares two KPI sets field by field with FloatTolerance.
func CompareKPIs(stored, replayed domain.KPISet) []FieldDivergence {
	var divergences []FieldDivergence

	if !floatEquals(stored.TotalReturnGross, replayed.TotalReturnGross) {
		divergences = append(divergences, FieldDivergence{
			Field:    "TotalReturnGross",
			Expected: stored.TotalReturnGross,
			Actual:   replayed.TotalReturnGross,
		})
	}

	if !floatEquals(stored.TotalReturnNet, replayed.TotalReturnNet) {
		divergences = append(divergences, FieldDivergence{
			Field:    "TotalReturnNet",
			Expected: stored.TotalReturnNet,
			Actual:   replayed.TotalReturnNet,
		})
	}

	if !floatEquals(stored.CAGR, replayed.CAGR) {
		divergences = append(divergences, FieldDivergence{
			Field:    "CAGR",
			Expected: stored.CAGR,
			Actual:   replayed.CAGR,
		})
	}

	if !floatEquals(stored.MaxDrawdown, replayed.MaxDrawdown) {
		divergences = append(divergences, FieldDivergence{
			Field:    "MaxDrawdown",
			Expected: stored.MaxDrawdown,
			Actual:   replayed.MaxDrawdown,
		})
	}

	if !floatEquals(stored.Sharpe, replayed.Sharpe) {
		divergences = append(divergences, FieldDivergence{
			Field:    "Sharpe",
			Expected: stored.Sharpe,
			Actual:   replayed.Sharpe,
		})
	}

	if !floatEquals(stored.Sortino, replayed.Sortino) {
		divergences = append(divergences, FieldDivergence{
			Field:    "Sortino",
			Expected: stored.Sortino,
			Actual:   replayed.Sortino,
		})
	}

	if !floatEquals(stored.WinRate, replayed.WinRate) {
		divergences = append(divergences, FieldDivergence{
			Field:    "WinRate",
			Expected: stored.WinRate,
			Actual:   replayed.WinRate,
		})
	}

	if !floatEquals(stored.ProfitFactor, replayed.ProfitFactor) {
		divergences = append(divergences, FieldDivergence{
			Field:    "ProfitFactor",
			Expected: stored.ProfitFactor,
			Actual:   replayed.ProfitFactor,
		})
	}

	if !floatEquals(stored.Exposure, replayed.Exposure) {
		divergences = append(divergences, FieldDivergence{
			Field:    "Exposure",
			Expected: stored.Exposure,
			Actual:   replayed.Exposure,
		})
	}

	if stored.TradeCount != replayed.TradeCount {
		divergences = append(divergences, FieldDivergence{
			Field:    "TradeCount",
			Expected: stored.TradeCount,
			Actual:   replayed.TradeCount,
		})
	}

	if !floatEquals(stored.AvgHoldingDays, replayed.AvgHoldingDays) {
		divergences = append(divergences, FieldDivergence{
			Field:    "AvgHoldingDays",
			Expected: stored.AvgHoldingDays,
			Actual:   replayed.AvgHoldingDays,
		})
	}

	if !floatEquals(stored.AvgNetReturn, replayed.AvgNetReturn) {
		divergences = append(divergences, FieldDivergence{
			Field:    "AvgNetReturn",
			Expected: stored.AvgNetReturn,
			Actual:   replayed.AvgNetReturn,
		})
	}

	if !floatEquals(stored.BuyHoldReturn, replayed.BuyHoldReturn) {
		divergences = append(divergences, FieldDivergence{
			Field:    "BuyHoldReturn",
			Expected: stored.BuyHoldReturn,
			Actual:   replayed.BuyHoldReturn,
		})
	}

	return divergences
}

// floatEquals compares two float64 values within FloatTolerance. The
// exact-equality check first keeps equal infinities from diverging, since
// their difference is NaN.
func floatEquals(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= FloatTolerance
}
