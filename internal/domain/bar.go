package domain

// Bar represents one daily OHLCV observation for an asset.
// Corresponds to the bars table in ClickHouse. Only Date and Close are
// mandatory; open/high/low/volume depend on the upstream source.
type Bar struct {
	Asset  string   // asset symbol, e.g. "SLV"
	Date   string   // ISO-8601 calendar date "2006-01-02"
	Open   *float64 // session open, nullable
	High   *float64 // session high, nullable
	Low    *float64 // session low, nullable
	Close  float64  // session close, must be > 0
	Volume *float64 // traded volume, nullable
}

// HasOHLC reports whether the bar carries a full open/high/low set.
func (b Bar) HasOHLC() bool {
	return b.Open != nil && b.High != nil && b.Low != nil
}
