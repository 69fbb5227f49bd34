package domain

// COTReport is one weekly commitment-of-traders observation for a market.
// Corresponds to the cot_reports table in Postgres.
type COTReport struct {
	Market             string  // CFTC market name, e.g. "SILVER"
	ReportDate         string  // ISO-8601 report date (weekly)
	CommercialLong     float64 // commercial long contracts
	CommercialShort    float64 // commercial short contracts
	NoncommercialLong  float64 // large speculator long contracts
	NoncommercialShort float64 // large speculator short contracts
	OpenInterest       float64 // total open interest
}

// CommercialNet returns long minus short commercial positioning.
func (r COTReport) CommercialNet() float64 {
	return r.CommercialLong - r.CommercialShort
}

// NoncommercialNet returns long minus short speculator positioning.
func (r COTReport) NoncommercialNet() float64 {
	return r.NoncommercialLong - r.NoncommercialShort
}

// BiasSignal is the positioning overlay joined onto daily bars. Bullish
// fires on a commercial washout (net percentile at the bottom decile),
// bearish on speculator crowding (net percentile at the top decile).
type BiasSignal struct {
	Date                string   // report date the signal derives from
	Bullish             bool     // commercial washout present
	Bearish             bool     // noncommercial crowding present
	CommercialNetPct    *float64 // trailing percentile rank of commercial net
	NoncommercialNetPct *float64 // trailing percentile rank of noncommercial net
}
