package domain

// Exit reason codes, ordered by precedence when several fire on one bar.
const (
	ExitReasonStopLoss     = "STOP_LOSS"
	ExitReasonTrailingStop = "TRAILING_STOP"
	ExitReasonTimeStop     = "TIME_STOP"
	ExitReasonProbExit     = "PROB_EXIT_DEBOUNCED"
	ExitReasonTakeProfit   = "TAKE_PROFIT"
	ExitReasonProbDrop     = "PROB_DROP"
	ExitReasonVolSpike     = "VOL_SPIKE"
	ExitReasonBiasHeadwind = "BIAS_HEADWIND"
	ExitReasonEndOfData    = "FORCED_EXIT_END_OF_DATA"
)

// PositionState tracks one open long position between bars. The simulator
// threads it through every step; a zero value means flat.
type PositionState struct {
	Open            bool    // true while a position is held
	EntryDate       string  // date of the first fill
	EntryIndex      int     // bar index of the first fill
	EntryPriceGross float64 // share-weighted average fill, frictionless
	EntryPriceNet   float64 // share-weighted average fill incl. slippage
	PeakClose       float64 // highest close since entry, drives the trailing stop
	TroughClose     float64 // lowest close since entry, drives MAE
	BarsHeld        int     // bars since the first fill
	Fraction        float64 // share of equity allocated, in (0, 1]
	LastAddIndex    int     // bar index of the latest fill, gates the add cooldown
	BelowProbStreak int     // consecutive bars with probability under the exit floor
	Adds            int     // number of scale-ins after the first fill
}

// Trade is one closed round trip. Immutable once emitted; corresponds to
// the trades table in Postgres.
type Trade struct {
	TradeID string // deterministic hash, see runid
	RunID   string // owning backtest run
	Asset   string // asset symbol

	EntryDate       string  // date of the first fill
	ExitDate        string  // date of the liquidation fill
	EntryIndex      int     // bar index of the first fill
	ExitIndex       int     // bar index of the liquidation fill
	EntryPriceGross float64 // blended entry, frictionless
	EntryPriceNet   float64 // blended entry incl. slippage
	ExitPriceGross  float64 // exit fill, frictionless
	ExitPriceNet    float64 // exit fill incl. slippage

	Fraction       float64 // equity fraction at exit
	GrossReturnPct float64 // per-share return before frictions
	NetReturnPct   float64 // per-share return after slippage and fees
	HoldingDays    int     // bars between entry and exit fills
	ExitReason     string  // reason code
	MFE            float64 // best close-to-entry excursion while held (>= 0)
	MAE            float64 // worst close-to-entry excursion while held (<= 0)
	Adds           int     // scale-ins after the first fill
}

// EquityPoint is one mark-to-market observation of both ledgers.
// Corresponds to the equity_points table in ClickHouse.
type EquityPoint struct {
	RunID            string  // owning backtest run
	Asset            string  // asset symbol
	Date             string  // bar date
	Index            int     // bar index
	EquityGross      float64 // cash + position value, frictionless ledger
	EquityNet        float64 // cash + position value, friction ledger
	PositionFraction float64 // share of equity allocated after this bar
	Action           string  // action executed or decided on this bar, "" if none
}
