package domain

import (
	"math"
	"sort"
	"strconv"
)

// LabelName returns the forward-return label key for a horizon, e.g. "fwd_5".
func LabelName(horizon int) string {
	return "fwd_" + strconv.Itoa(horizon)
}

// Canonical feature names produced by the feature builder.
const (
	FeatureRet5     = "ret_5"
	FeatureRet20    = "ret_20"
	FeatureRet60    = "ret_60"
	FeatureVol20    = "vol_20"
	FeatureRSI14    = "rsi_14"
	FeatureZMA20    = "z_ma20"
	FeatureTrend200 = "trend_200"
	FeatureDD60     = "dd_60"
)

// DefaultFeatureNames returns the standard feature set in canonical order.
func DefaultFeatureNames() []string {
	return []string{
		FeatureRet5,
		FeatureRet20,
		FeatureRet60,
		FeatureVol20,
		FeatureRSI14,
		FeatureZMA20,
		FeatureTrend200,
		FeatureDD60,
	}
}

// FeatureRow represents one day's feature vector and forward-return labels.
// Corresponds to the feature_rows table in ClickHouse. A nil map value means
// the window for that feature or label did not fit; no padding is ever used.
type FeatureRow struct {
	Asset string              // asset symbol
	Date  string              // ISO-8601 calendar date
	Index int                 // position in the validated bar series
	Close float64             // close on this date
	F     map[string]*float64 // feature name -> value, nil when incomplete
	Y     map[string]*float64 // label name (e.g. "fwd_5") -> value, nil when future is short
}

// Feature returns the named feature when present and finite.
func (r *FeatureRow) Feature(name string) (float64, bool) {
	v, ok := r.F[name]
	if !ok || v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

// Label returns the named forward-return label when present and finite.
func (r *FeatureRow) Label(name string) (float64, bool) {
	v, ok := r.Y[name]
	if !ok || v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

// HasFeatures reports whether every named feature is present and finite.
func (r *FeatureRow) HasFeatures(names []string) bool {
	for _, n := range names {
		if _, ok := r.Feature(n); !ok {
			return false
		}
	}
	return true
}

// FeatureNames returns the row's feature keys in sorted order. Map iteration
// order must never leak into any derived output.
func (r *FeatureRow) FeatureNames() []string {
	names := make([]string, 0, len(r.F))
	for n := range r.F {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
