package domain

// KPISet summarizes one equity curve and its trade journal. All return
// figures are fractions (0.12 = +12%). Risk ratios are annualized from
// daily net returns with a 252-day year.
type KPISet struct {
	TotalReturnGross float64 // frictionless end-to-start return
	TotalReturnNet   float64 // friction-adjusted end-to-start return
	CAGR             float64 // annualized growth of the net curve
	MaxDrawdown      float64 // most negative peak-to-trough, <= 0
	Sharpe           float64 // mean/std * sqrt(252), 0 when std is 0
	Sortino          float64 // downside-deviation variant, falls back to Sharpe
	WinRate          float64 // winning trades / total trades
	ProfitFactor     float64 // gross gains / |gross losses|, +Inf when lossless
	Exposure         float64 // fraction of bars with an open position
	TradeCount       int     // closed round trips
	AvgHoldingDays   float64 // mean bars held per trade
	AvgNetReturn     float64 // mean net per-share return per trade
	BuyHoldReturn    float64 // passive close-to-close baseline over the range
}
