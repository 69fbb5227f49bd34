package analog

import (
	"math"

	"market-analog-lab/internal/domain"
)

// stdFloor prevents division blowups on near-constant features.
const stdFloor = 1e-8

type featureStats struct {
	mean float64
	std  float64
}

// Normalizer standardizes feature vectors with per-feature mean and
// population stddev. Statistics come exclusively from the rows passed to
// FitNormalizer, so fitting on training rows keeps query data out of the
// scaling entirely.
type Normalizer struct {
	features []string
	stats    []featureStats
}

// FitNormalizer computes per-feature statistics over the rows where every
// named feature is present and finite. With no usable rows the normalizer
// falls back to identity scaling (mean 0, std 1).
func FitNormalizer(rows []*domain.FeatureRow, features []string) *Normalizer {
	n := &Normalizer{
		features: append([]string(nil), features...),
		stats:    make([]featureStats, len(features)),
	}

	usable := make([]*domain.FeatureRow, 0, len(rows))
	for _, r := range rows {
		if r.HasFeatures(features) {
			usable = append(usable, r)
		}
	}

	for fi, name := range features {
		if len(usable) == 0 {
			n.stats[fi] = featureStats{mean: 0, std: 1}
			continue
		}
		var sum float64
		for _, r := range usable {
			v, _ := r.Feature(name)
			sum += v
		}
		mean := sum / float64(len(usable))

		var ss float64
		for _, r := range usable {
			v, _ := r.Feature(name)
			d := v - mean
			ss += d * d
		}
		std := math.Sqrt(ss / float64(len(usable)))
		if std < stdFloor {
			std = stdFloor
		}
		n.stats[fi] = featureStats{mean: mean, std: std}
	}
	return n
}

// Apply standardizes one row into a vector ordered like the fitted feature
// list. A row missing any feature is rejected whole.
func (n *Normalizer) Apply(row *domain.FeatureRow) ([]float64, bool) {
	vec := make([]float64, len(n.features))
	for fi, name := range n.features {
		v, ok := row.Feature(name)
		if !ok {
			return nil, false
		}
		vec[fi] = (v - n.stats[fi].mean) / n.stats[fi].std
	}
	return vec, true
}

// Stats returns the fitted mean and stddev for a feature, for diagnostics.
func (n *Normalizer) Stats(name string) (mean, std float64, ok bool) {
	for fi, f := range n.features {
		if f == name {
			return n.stats[fi].mean, n.stats[fi].std, true
		}
	}
	return 0, 0, false
}
