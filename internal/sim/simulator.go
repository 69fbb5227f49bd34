// Package sim executes rule decisions against daily closes. The machine is
// long-only with one position: FLAT or LONG. A decision taken on bar i
// fills at the close of bar i+1; the final bar fills exits immediately and
// force-liquidates whatever remains open.
//
// Two ledgers run side by side. The gross ledger fills at raw closes; the
// net ledger fills at slippage-adjusted prices with the commission folded
// into the effective fill (buys at exec*(1+fee), sells at exec*(1-fee)),
// so a trade's net return reconciles exactly with the ledger cash flows.
package sim

import (
	"fmt"
	"math"
	"sort"

	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/rules"
	"market-analog-lab/internal/runid"
)

// VolSpikePercentile is the derived vol-spike threshold: the 70th
// percentile of observed vol_20 when the ruleset does not pin one.
const VolSpikePercentile = 70.0

// Inputs is the precomputed material for one simulation run.
type Inputs struct {
	Rows      []*domain.FeatureRow           // full series, Index == position
	Estimates map[int]*domain.AnalysisResult // per-index estimates; absent = no signal
	Signals   []*domain.BiasSignal           // weekly bias, ascending; may be nil
}

// Result is everything a run produces.
type Result struct {
	Trades    []*domain.Trade
	Equity    []*domain.EquityPoint
	Decisions []*domain.Decision
	Final     domain.PositionState
	Ruleset   rules.Ruleset // resolved ruleset incl. any derived threshold
}

// Simulator runs one asset through the state machine.
type Simulator struct {
	cfg      Config
	ruleset  rules.Ruleset
	runID    string
	asset    string
	feeRate  float64
	slipRate float64
}

// New validates both configs and returns a simulator bound to a run.
func New(cfg Config, ruleset rules.Ruleset, runID, asset string) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sim config: %w", err)
	}
	if err := ruleset.Validate(); err != nil {
		return nil, fmt.Errorf("ruleset: %w", err)
	}
	return &Simulator{
		cfg:      cfg,
		ruleset:  ruleset,
		runID:    runID,
		asset:    asset,
		feeRate:  cfg.FeeRate(),
		slipRate: cfg.SlippageRate(),
	}, nil
}

// ledger is one side of the dual book.
type ledger struct {
	cash   float64
	shares float64
}

func (l ledger) equity(px float64) float64 {
	return l.cash + l.shares*px
}

// pendingOrder is the single order queued for the next bar's close.
type pendingOrder struct {
	action domain.Action
	reason string
}

// runState is the full state threaded through every step.
type runState struct {
	position  domain.PositionState
	gross     ledger
	net       ledger
	pending   *pendingOrder
	trades    []*domain.Trade
	equity    []*domain.EquityPoint
	decisions []*domain.Decision
}

// Run walks the series bar by bar. Rows must be indexed contiguously from
// zero; estimates and signals are joined per bar.
func (s *Simulator) Run(in Inputs) (*Result, error) {
	if len(in.Rows) == 0 {
		return nil, fmt.Errorf("no rows to simulate")
	}
	for i, r := range in.Rows {
		if r.Index != i {
			return nil, fmt.Errorf("row %d carries index %d, series must be contiguous", i, r.Index)
		}
	}

	ruleset := s.ruleset
	if ruleset.VolSpikeThreshold <= 0 {
		ruleset.VolSpikeThreshold = deriveVolThreshold(in.Rows)
	}

	st := runState{
		gross: ledger{cash: s.cfg.InitialEquity},
		net:   ledger{cash: s.cfg.InitialEquity},
	}
	last := len(in.Rows) - 1
	for i := range in.Rows {
		st = s.step(st, in, ruleset, i, i == last)
	}

	return &Result{
		Trades:    st.trades,
		Equity:    st.equity,
		Decisions: st.decisions,
		Final:     st.position,
		Ruleset:   ruleset,
	}, nil
}

// step advances one bar: fill the queued order, run stops, evaluate rules,
// queue the next order, resolve the final bar, mark both ledgers.
func (s *Simulator) step(st runState, in Inputs, ruleset rules.Ruleset, i int, final bool) runState {
	row := in.Rows[i]
	px := row.Close
	executed := ""

	// Fill whatever bar i-1 queued, at this bar's close. Entries queued
	// into the final bar are dropped: they would only churn fees before
	// the forced liquidation.
	if st.pending != nil {
		ord := *st.pending
		st.pending = nil
		switch ord.action {
		case domain.ActionBuy:
			if !st.position.Open && !final {
				st = s.fill(st, i, row, s.cfg.Allocation, true)
				executed = string(domain.ActionBuy)
			}
		case domain.ActionAdd:
			if st.position.Open && !final {
				frac := s.cfg.AddFraction
				if room := 1 - st.position.Fraction; frac > room {
					frac = room
				}
				if frac > 1e-12 {
					st = s.fill(st, i, row, frac, false)
					executed = string(domain.ActionAdd)
				}
			}
		case domain.ActionSell:
			if st.position.Open {
				st = s.liquidate(st, i, row, ord.reason)
				executed = string(domain.ActionSell)
			}
		}
	}

	// Holding time, excursion tracking and the probability debounce.
	if st.position.Open {
		st.position.BarsHeld = i - st.position.EntryIndex
		if px > st.position.PeakClose {
			st.position.PeakClose = px
		}
		if px < st.position.TroughClose {
			st.position.TroughClose = px
		}
		if est := in.Estimates[i]; est != nil {
			if est.PSuccess < s.cfg.ProbExitThreshold {
				st.position.BelowProbStreak++
			} else {
				st.position.BelowProbStreak = 0
			}
		} else {
			// A missing estimate is silence, not a bearish vote.
			st.position.BelowProbStreak = 0
		}
	}

	stopReason := ""
	if st.position.Open {
		stopReason = s.checkStops(st.position, px)
	}

	// Rules run every bar so the audit trail stays complete, even when a
	// stop has already claimed the next fill.
	decision := s.evaluate(st, in, ruleset, i)
	st.decisions = append(st.decisions, decision)

	if stopReason != "" {
		st.pending = &pendingOrder{action: domain.ActionSell, reason: stopReason}
	} else {
		switch decision.Action {
		case domain.ActionBuy, domain.ActionAdd, domain.ActionSell:
			st.pending = &pendingOrder{action: decision.Action, reason: decision.ReasonCode}
		}
	}

	if final {
		if st.pending != nil && st.pending.action == domain.ActionSell && st.position.Open {
			st = s.liquidate(st, i, row, st.pending.reason)
			executed = string(domain.ActionSell)
		}
		st.pending = nil
		if st.position.Open {
			st = s.liquidate(st, i, row, domain.ExitReasonEndOfData)
			executed = string(domain.ActionSell)
		}
	}

	st.equity = append(st.equity, &domain.EquityPoint{
		RunID:            s.runID,
		Asset:            s.asset,
		Date:             row.Date,
		Index:            i,
		EquityGross:      st.gross.equity(px),
		EquityNet:        st.net.equity(px),
		PositionFraction: st.position.Fraction,
		Action:           executed,
	})
	return st
}

// evaluate assembles the rule engine input for bar i.
func (s *Simulator) evaluate(st runState, in Inputs, ruleset rules.Ruleset, i int) *domain.Decision {
	row := in.Rows[i]

	var vol20 *float64
	if v, ok := row.Feature(domain.FeatureVol20); ok {
		vol20 = &v
	}
	var bias *domain.BiasSignal
	if len(in.Signals) > 0 {
		bias = cot.AsOf(in.Signals, row.Date)
	}
	var position *domain.PositionState
	var returnSinceEntry *float64
	if st.position.Open {
		p := st.position
		position = &p
		r := row.Close/p.EntryPriceGross - 1
		returnSinceEntry = &r
	}

	d := rules.Evaluate(rules.Input{
		Asset:            s.asset,
		Date:             row.Date,
		Index:            i,
		Estimate:         in.Estimates[i],
		Vol20:            vol20,
		Bias:             bias,
		Position:         position,
		Ruleset:          ruleset,
		ReturnSinceEntry: returnSinceEntry,
	})
	return &d
}

// checkStops returns the first protective exit that fires, in precedence
// order: fixed stop, trailing stop, time stop, debounced probability exit.
// A zero setting disables its stop.
func (s *Simulator) checkStops(p domain.PositionState, px float64) string {
	if s.cfg.StopLossPct > 0 && px <= p.EntryPriceGross*(1-s.cfg.StopLossPct) {
		return domain.ExitReasonStopLoss
	}
	if s.cfg.TrailingStopPct > 0 && px <= p.PeakClose*(1-s.cfg.TrailingStopPct) {
		return domain.ExitReasonTrailingStop
	}
	if s.cfg.MaxHoldingDays > 0 && p.BarsHeld >= s.cfg.MaxHoldingDays {
		return domain.ExitReasonTimeStop
	}
	if s.cfg.ProbExitConsecutive > 0 && p.BelowProbStreak >= s.cfg.ProbExitConsecutive {
		return domain.ExitReasonProbExit
	}
	return ""
}

// fill buys frac of current equity at this bar's close on both ledgers.
func (s *Simulator) fill(st runState, i int, row *domain.FeatureRow, frac float64, opening bool) runState {
	px := row.Close
	execNet := px * (1 + s.slipRate)
	effNet := execNet * (1 + s.feeRate)

	allocGross := frac * st.gross.equity(px)
	sharesGross := allocGross / px
	st.gross.cash -= allocGross
	st.gross.shares += sharesGross

	allocNet := frac * st.net.equity(px)
	sharesNet := allocNet / effNet
	st.net.cash -= allocNet
	st.net.shares += sharesNet

	if opening {
		st.position = domain.PositionState{
			Open:            true,
			EntryDate:       row.Date,
			EntryIndex:      i,
			EntryPriceGross: px,
			EntryPriceNet:   execNet,
			PeakClose:       px,
			TroughClose:     px,
			Fraction:        frac,
			LastAddIndex:    i,
		}
		return st
	}

	p := &st.position
	totalGross := st.gross.shares
	p.EntryPriceGross = (p.EntryPriceGross*(totalGross-sharesGross) + px*sharesGross) / totalGross
	totalNet := st.net.shares
	p.EntryPriceNet = (p.EntryPriceNet*(totalNet-sharesNet) + execNet*sharesNet) / totalNet
	p.Fraction += frac
	if p.Fraction > 1 {
		p.Fraction = 1
	}
	p.LastAddIndex = i
	p.Adds++
	return st
}

// liquidate sells the whole position at this bar's close and emits the
// immutable trade record.
func (s *Simulator) liquidate(st runState, i int, row *domain.FeatureRow, reason string) runState {
	px := row.Close
	execNet := px * (1 - s.slipRate)

	st.gross.cash += st.gross.shares * px
	st.gross.shares = 0
	st.net.cash += st.net.shares * execNet * (1 - s.feeRate)
	st.net.shares = 0

	p := st.position
	st.trades = append(st.trades, &domain.Trade{
		TradeID:         runid.TradeID(s.runID, p.EntryIndex, i),
		RunID:           s.runID,
		Asset:           s.asset,
		EntryDate:       p.EntryDate,
		ExitDate:        row.Date,
		EntryIndex:      p.EntryIndex,
		ExitIndex:       i,
		EntryPriceGross: p.EntryPriceGross,
		EntryPriceNet:   p.EntryPriceNet,
		ExitPriceGross:  px,
		ExitPriceNet:    execNet,
		Fraction:        p.Fraction,
		GrossReturnPct:  px/p.EntryPriceGross - 1,
		NetReturnPct:    execNet*(1-s.feeRate)/(p.EntryPriceNet*(1+s.feeRate)) - 1,
		HoldingDays:     i - p.EntryIndex,
		ExitReason:      reason,
		MFE:             p.PeakClose/p.EntryPriceGross - 1,
		MAE:             p.TroughClose/p.EntryPriceGross - 1,
		Adds:            p.Adds,
	})
	st.position = domain.PositionState{}
	return st
}

// deriveVolThreshold picks the vol-spike level from the realized series.
func deriveVolThreshold(rows []*domain.FeatureRow) float64 {
	var vols []float64
	for _, r := range rows {
		if v, ok := r.Feature(domain.FeatureVol20); ok {
			vols = append(vols, v)
		}
	}
	if len(vols) == 0 {
		return 0
	}
	return percentile(vols, VolSpikePercentile)
}

// percentile interpolates linearly between closest ranks, matching the
// usual numpy convention.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
