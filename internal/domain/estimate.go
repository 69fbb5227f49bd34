package domain

// ConfidenceGrade classifies how much weight an estimate deserves.
type ConfidenceGrade string

const (
	ConfidenceHigh   ConfidenceGrade = "HIGH"
	ConfidenceMedium ConfidenceGrade = "MEDIUM"
	ConfidenceLow    ConfidenceGrade = "LOW"
)

// Rank orders grades for threshold comparisons: LOW=0, MEDIUM=1, HIGH=2.
// Unknown grades rank below LOW.
func (g ConfidenceGrade) Rank() int {
	switch g {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	case ConfidenceLow:
		return 0
	}
	return -1
}

// Neighbor is one historical analog used by an estimate, kept for audit.
type Neighbor struct {
	Index     int     // row index of the analog day
	Date      string  // calendar date of the analog day
	Distance  float64 // RMS distance in normalized feature space
	Weight    float64 // normalized weight (all weights sum to 1)
	FwdReturn float64 // realized forward return of the analog
	Outcome   float64 // 1 if FwdReturn beat the threshold, else 0
}

// AnalysisResult is the output of one analog estimation: the probability
// that the forward return beats the threshold, the weighted forward-return
// distribution, and a confidence grade derived from the neighbor mass.
type AnalysisResult struct {
	Asset        string             // asset symbol
	Date         string             // query date
	Index        int                // query row index
	Horizon      int                // forward horizon in bars
	K            int                // configured neighbor count
	Threshold    float64            // forward-return success threshold
	PSuccess     float64            // weighted probability of beating the threshold
	Quantiles    map[string]float64 // "p10","p25","p50","p75","p90" of forward returns
	EffectiveN   float64            // 1/sum(w^2), in [1, K]
	AvgDistance  float64            // weighted mean neighbor distance
	Confidence   ConfidenceGrade    // HIGH / MEDIUM / LOW
	SimilarCount int                // neighbors actually used (<= K)
	Neighbors    []Neighbor         // nearest few analogs, for audit output
}

// Quantile keys emitted by the estimator.
var QuantileKeys = []string{"p10", "p25", "p50", "p75", "p90"}
