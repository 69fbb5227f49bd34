package ingest

import (
	"fmt"
	"time"

	"market-analog-lab/internal/domain"
)

// MinCleanBars is the smallest series worth keeping. One bar cannot
// even produce a daily return.
const MinCleanBars = 2

// ValidateBars drops malformed bars and returns the surviving series
// plus the number of rows dropped. Rules:
//
//   - the date must parse as ISO-8601 (2006-01-02)
//   - dates must be strictly increasing; out-of-order or duplicate
//     dates drop the later row
//   - close must be positive
//   - when a full OHLC triple is present, high must be at or above
//     every other price and low at or below open and close
//
// Fewer than MinCleanBars survivors is an error.
func ValidateBars(bars []*domain.Bar) ([]*domain.Bar, int, error) {
	clean := make([]*domain.Bar, 0, len(bars))
	skipped := 0
	lastDate := ""
	for _, b := range bars {
		if b == nil || !validBar(b) || (lastDate != "" && b.Date <= lastDate) {
			skipped++
			continue
		}
		clean = append(clean, b)
		lastDate = b.Date
	}
	if len(clean) < MinCleanBars {
		return nil, skipped, fmt.Errorf("only %d clean bars after validation, need at least %d", len(clean), MinCleanBars)
	}
	return clean, skipped, nil
}

func validBar(b *domain.Bar) bool {
	if _, err := time.Parse("2006-01-02", b.Date); err != nil {
		return false
	}
	if b.Close <= 0 {
		return false
	}
	if b.HasOHLC() {
		o, h, l := *b.Open, *b.High, *b.Low
		if h < o || h < b.Close || h < l {
			return false
		}
		if l > o || l > b.Close {
			return false
		}
	}
	return true
}
