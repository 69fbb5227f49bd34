package analog

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"market-analog-lab/internal/domain"
)

// ErrNoEstimate marks the explicit "no signal" outcome: the query day is
// feature-incomplete, or no labeled training history exists before it.
// Callers branch with errors.Is and must never substitute a number.
var ErrNoEstimate = errors.New("no estimate")

// Weighting schemes for neighbor contributions.
const (
	WeightingInverseDistance = "inverse_distance"
	WeightingSoftmax         = "softmax"
)

// distanceEpsilon keeps inverse-distance weights finite at distance zero.
const distanceEpsilon = 1e-6

// auditNeighbors is how many nearest analogs a result carries for audit.
const auditNeighbors = 5

// Config holds estimator parameters. Zero values take defaults via New.
type Config struct {
	Features  []string // feature subspace, default domain.DefaultFeatureNames
	Horizon   int      // forward horizon in bars, default 5
	K         int      // neighbor count, default 120
	Threshold float64  // forward-return success threshold, default 0
	Weighting string   // inverse_distance (default) or softmax
	Tau       float64  // softmax temperature; <= 0 derives the median distance
}

// Estimator answers "how did the k most similar past days resolve" for a
// query day. Neighbors come strictly from rows before the query index, and
// normalization is refitted on that training slice per query, so no future
// information can reach an estimate.
type Estimator struct {
	cfg Config
}

// New validates the config and returns an estimator.
func New(cfg Config) (*Estimator, error) {
	if len(cfg.Features) == 0 {
		cfg.Features = domain.DefaultFeatureNames()
	}
	if cfg.Horizon == 0 {
		cfg.Horizon = 5
	}
	if cfg.Horizon < 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", cfg.Horizon)
	}
	if cfg.K == 0 {
		cfg.K = 120
	}
	if cfg.K < 0 {
		return nil, fmt.Errorf("k must be positive, got %d", cfg.K)
	}
	if cfg.Weighting == "" {
		cfg.Weighting = WeightingInverseDistance
	}
	if cfg.Weighting != WeightingInverseDistance && cfg.Weighting != WeightingSoftmax {
		return nil, fmt.Errorf("unknown weighting %q", cfg.Weighting)
	}
	return &Estimator{cfg: cfg}, nil
}

// Config returns the estimator's resolved configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

type candidate struct {
	row      *domain.FeatureRow
	distance float64
	fwd      float64
}

// Estimate computes the analog result for rows[queryIndex]. Rows must be
// indexed 0..n-1 in date order. Returns ErrNoEstimate when the query has
// incomplete features or no eligible labeled history precedes it.
func (e *Estimator) Estimate(rows []*domain.FeatureRow, queryIndex int) (*domain.AnalysisResult, error) {
	if queryIndex < 0 || queryIndex >= len(rows) {
		return nil, fmt.Errorf("query index %d out of range [0,%d)", queryIndex, len(rows))
	}
	query := rows[queryIndex]
	if !query.HasFeatures(e.cfg.Features) {
		return nil, fmt.Errorf("%w: incomplete features on %s", ErrNoEstimate, query.Date)
	}

	label := domain.LabelName(e.cfg.Horizon)
	training := make([]*domain.FeatureRow, 0, queryIndex)
	for _, r := range rows[:queryIndex] {
		if !r.HasFeatures(e.cfg.Features) {
			continue
		}
		if _, ok := r.Label(label); !ok {
			continue
		}
		training = append(training, r)
	}
	if len(training) == 0 {
		return nil, fmt.Errorf("%w: no labeled history before %s", ErrNoEstimate, query.Date)
	}

	norm := FitNormalizer(training, e.cfg.Features)
	qvec, ok := norm.Apply(query)
	if !ok {
		return nil, fmt.Errorf("%w: incomplete features on %s", ErrNoEstimate, query.Date)
	}

	cands := make([]candidate, 0, len(training))
	for _, r := range training {
		vec, ok := norm.Apply(r)
		if !ok {
			continue
		}
		fwd, _ := r.Label(label)
		cands = append(cands, candidate{row: r, distance: rmsDistance(qvec, vec), fwd: fwd})
	}

	// Nearest first; equal distances break by earlier index for determinism.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].distance != cands[j].distance {
			return cands[i].distance < cands[j].distance
		}
		return cands[i].row.Index < cands[j].row.Index
	})
	k := e.cfg.K
	if k > len(cands) {
		k = len(cands)
	}
	nearest := cands[:k]

	weights := e.weigh(nearest)

	var pSuccess, effDen, avgDist float64
	for i, c := range nearest {
		outcome := 0.0
		if c.fwd > e.cfg.Threshold {
			outcome = 1.0
		}
		pSuccess += weights[i] * outcome
		effDen += weights[i] * weights[i]
		avgDist += weights[i] * c.distance
	}
	effectiveN := 0.0
	if effDen > 0 {
		effectiveN = 1 / effDen
	}

	res := &domain.AnalysisResult{
		Asset:        query.Asset,
		Date:         query.Date,
		Index:        query.Index,
		Horizon:      e.cfg.Horizon,
		K:            e.cfg.K,
		Threshold:    e.cfg.Threshold,
		PSuccess:     pSuccess,
		Quantiles:    weightedQuantiles(nearest, weights),
		EffectiveN:   effectiveN,
		AvgDistance:  avgDist,
		Confidence:   gradeConfidence(effectiveN, avgDist),
		SimilarCount: len(nearest),
	}

	audit := auditNeighbors
	if audit > len(nearest) {
		audit = len(nearest)
	}
	res.Neighbors = make([]domain.Neighbor, audit)
	for i := 0; i < audit; i++ {
		c := nearest[i]
		outcome := 0.0
		if c.fwd > e.cfg.Threshold {
			outcome = 1.0
		}
		res.Neighbors[i] = domain.Neighbor{
			Index:     c.row.Index,
			Date:      c.row.Date,
			Distance:  c.distance,
			Weight:    weights[i],
			FwdReturn: c.fwd,
			Outcome:   outcome,
		}
	}
	return res, nil
}

// EstimateSeries runs Estimate for every row, returning results keyed by
// row index plus the count of rows that produced no estimate.
func (e *Estimator) EstimateSeries(rows []*domain.FeatureRow) (map[int]*domain.AnalysisResult, int, error) {
	results := make(map[int]*domain.AnalysisResult, len(rows))
	noSignal := 0
	for i := range rows {
		res, err := e.Estimate(rows, i)
		if err != nil {
			if errors.Is(err, ErrNoEstimate) {
				noSignal++
				continue
			}
			return nil, 0, fmt.Errorf("estimate index %d: %w", i, err)
		}
		results[i] = res
	}
	return results, noSignal, nil
}

// weigh converts neighbor distances into normalized weights summing to 1.
func (e *Estimator) weigh(nearest []candidate) []float64 {
	weights := make([]float64, len(nearest))
	switch e.cfg.Weighting {
	case WeightingSoftmax:
		tau := e.cfg.Tau
		if tau <= 0 {
			tau = medianDistance(nearest)
			if tau == 0 {
				tau = 1
			}
		}
		for i, c := range nearest {
			weights[i] = math.Exp(-c.distance / tau)
		}
	default:
		for i, c := range nearest {
			weights[i] = 1 / (c.distance + distanceEpsilon)
		}
	}

	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		// Degenerate underflow: fall back to uniform mass.
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// weightedQuantiles returns the forward-return distribution at the standard
// probes: sort by return, then take the first value whose cumulative weight
// reaches the quantile.
func weightedQuantiles(nearest []candidate, weights []float64) map[string]float64 {
	type wv struct {
		value  float64
		weight float64
	}
	pairs := make([]wv, len(nearest))
	for i, c := range nearest {
		pairs[i] = wv{value: c.fwd, weight: weights[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].value < pairs[j].value })

	probes := []float64{0.10, 0.25, 0.50, 0.75, 0.90}
	out := make(map[string]float64, len(probes))
	for pi, q := range probes {
		cum := 0.0
		val := pairs[len(pairs)-1].value
		for _, p := range pairs {
			cum += p.weight
			if cum >= q {
				val = p.value
				break
			}
		}
		out[domain.QuantileKeys[pi]] = val
	}
	return out
}

// gradeConfidence maps the neighbor mass onto a grade: concentrated weight
// on close analogs earns HIGH, thin or distant mass drops to LOW.
func gradeConfidence(effectiveN, avgDistance float64) domain.ConfidenceGrade {
	if effectiveN > 80 && avgDistance < 1.0 {
		return domain.ConfidenceHigh
	}
	if effectiveN > 40 || avgDistance < 1.4 {
		return domain.ConfidenceMedium
	}
	return domain.ConfidenceLow
}

func rmsDistance(a, b []float64) float64 {
	var ss float64
	for i := range a {
		d := a[i] - b[i]
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(a)))
}

func medianDistance(nearest []candidate) float64 {
	if len(nearest) == 0 {
		return 0
	}
	ds := make([]float64, len(nearest))
	for i, c := range nearest {
		ds[i] = c.distance
	}
	sort.Float64s(ds)
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	return (ds[mid-1] + ds[mid]) / 2
}
