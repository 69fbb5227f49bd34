// Package ingest loads daily bars and weekly COT reports from files and
// HTTP sources and normalizes them into domain types. Upstream feeds
// disagree on field names and date encodings, so everything passes
// through one alias adapter before validation.
package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"market-analog-lab/internal/domain"
)

// Accepted field aliases, first present wins.
var (
	dateAliases   = []string{"date", "Date", "t", "timestamp"}
	closeAliases  = []string{"close", "Close", "c", "adjClose", "price"}
	openAliases   = []string{"open", "Open", "o"}
	highAliases   = []string{"high", "High", "h"}
	lowAliases    = []string{"low", "Low", "l"}
	volumeAliases = []string{"volume", "Volume", "v", "vol"}
)

// COT feeds use a different set of column names.
var (
	cotDateAliases      = []string{"date", "Date", "report_date", "report_date_as_yyyy_mm_dd"}
	cotCommLongAliases  = []string{"commercial_long", "comm_positions_long_all", "comm_long"}
	cotCommShortAliases = []string{"commercial_short", "comm_positions_short_all", "comm_short"}
	cotSpecLongAliases  = []string{"noncommercial_long", "noncomm_positions_long_all", "noncomm_long"}
	cotSpecShortAliases = []string{"noncommercial_short", "noncomm_positions_short_all", "noncomm_short"}
	cotOIAliases        = []string{"open_interest", "open_interest_all", "oi"}
)

// ToFinite coerces a decoded JSON or CSV value into a finite float64.
// NaN, infinities, empty strings and unknown types report false.
func ToFinite(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return x, true
	case float32:
		return ToFinite(float64(x))
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return ToFinite(f)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return ToFinite(f)
	default:
		return 0, false
	}
}

// pick returns the first alias present in the record.
func pick(rec map[string]any, aliases []string) (any, bool) {
	for _, k := range aliases {
		if v, ok := rec[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// pickFinite resolves an optional numeric field to a pointer, nil when
// absent or unparseable.
func pickFinite(rec map[string]any, aliases []string) *float64 {
	v, ok := pick(rec, aliases)
	if !ok {
		return nil
	}
	f, ok := ToFinite(v)
	if !ok {
		return nil
	}
	return &f
}

// toISODate normalizes the date field. Strings may carry a full
// timestamp ("2024-01-02T00:00:00Z"); numbers are epoch seconds or
// milliseconds.
func toISODate(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if len(s) >= 10 {
			if _, err := time.Parse("2006-01-02", s[:10]); err == nil {
				return s[:10], true
			}
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC().Format("2006-01-02"), true
		}
		return "", false
	default:
		epoch, ok := ToFinite(v)
		if !ok {
			return "", false
		}
		// Anything past ~5138 AD in seconds is really milliseconds.
		if epoch > 1e11 {
			epoch /= 1000
		}
		return time.Unix(int64(epoch), 0).UTC().Format("2006-01-02"), true
	}
}

// AdaptBar maps one raw record onto a domain.Bar using the field
// aliases above. Date and close are mandatory; open, high, low and
// volume stay nil when absent or malformed.
func AdaptBar(asset string, rec map[string]any) (*domain.Bar, error) {
	rawDate, ok := pick(rec, dateAliases)
	if !ok {
		return nil, fmt.Errorf("record has no date field")
	}
	date, ok := toISODate(rawDate)
	if !ok {
		return nil, fmt.Errorf("unparseable date %v", rawDate)
	}

	rawClose, ok := pick(rec, closeAliases)
	if !ok {
		return nil, fmt.Errorf("record %s has no close field", date)
	}
	closePx, ok := ToFinite(rawClose)
	if !ok {
		return nil, fmt.Errorf("record %s has non-finite close %v", date, rawClose)
	}

	return &domain.Bar{
		Asset:  asset,
		Date:   date,
		Open:   pickFinite(rec, openAliases),
		High:   pickFinite(rec, highAliases),
		Low:    pickFinite(rec, lowAliases),
		Close:  closePx,
		Volume: pickFinite(rec, volumeAliases),
	}, nil
}

// AdaptCOTReport maps one raw record onto a domain.COTReport. All five
// positioning fields plus the date are mandatory.
func AdaptCOTReport(market string, rec map[string]any) (*domain.COTReport, error) {
	rawDate, ok := pick(rec, cotDateAliases)
	if !ok {
		return nil, fmt.Errorf("record has no report date field")
	}
	date, ok := toISODate(rawDate)
	if !ok {
		return nil, fmt.Errorf("unparseable report date %v", rawDate)
	}

	fields := []struct {
		name    string
		aliases []string
		dst     *float64
	}{
		{"commercial long", cotCommLongAliases, nil},
		{"commercial short", cotCommShortAliases, nil},
		{"noncommercial long", cotSpecLongAliases, nil},
		{"noncommercial short", cotSpecShortAliases, nil},
		{"open interest", cotOIAliases, nil},
	}
	rep := &domain.COTReport{Market: market, ReportDate: date}
	fields[0].dst = &rep.CommercialLong
	fields[1].dst = &rep.CommercialShort
	fields[2].dst = &rep.NoncommercialLong
	fields[3].dst = &rep.NoncommercialShort
	fields[4].dst = &rep.OpenInterest
	for _, f := range fields {
		v, ok := pick(rec, f.aliases)
		if !ok {
			return nil, fmt.Errorf("record %s has no %s field", date, f.name)
		}
		n, ok := ToFinite(v)
		if !ok {
			return nil, fmt.Errorf("record %s has non-finite %s %v", date, f.name, v)
		}
		*f.dst = n
	}
	return rep, nil
}
