package domain

// CheckStatus is the outcome of a single rule check. NA means an operand
// was missing; NA checks are informational and never gate an action.
type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckFail CheckStatus = "FAIL"
	CheckNA   CheckStatus = "NA"
)

// Check is one auditable rule evaluation: value compared against threshold
// under Op. Value and Threshold stay nil when the operand was unavailable.
type Check struct {
	ID            string      // stable identifier, e.g. "entry_probability"
	Label         string      // human-readable description
	Status        CheckStatus // PASS / FAIL / NA
	Value         *float64    // observed value, nil when missing
	Threshold     *float64    // configured threshold, nil when not applicable
	Op            string      // comparison operator: ">=", "<", "<="
	MissingReason string      // set only when Status == NA
}

// Action is the rule engine's verdict for one bar.
type Action string

const (
	ActionNone Action = "NONE" // flat, no signal
	ActionHold Action = "HOLD" // long, keep position unchanged
	ActionBuy  Action = "BUY"  // open a position
	ActionAdd  Action = "ADD"  // scale into an open position
	ActionSell Action = "SELL" // liquidate the position
)

// Decision reason codes, one per resolved branch.
const (
	ReasonEntryRules     = "ENTRY_RULES"
	ReasonEntryBiasBoost = "ENTRY_BIAS_BOOST"
	ReasonAddStrength    = "ADD_STRENGTH"
	ReasonAddBiasSupport = "ADD_BIAS_SUPPORT"
	ReasonHoldPosition   = "HOLD_POSITION"
	ReasonNoSignal       = "NO_SIGNAL"
	ReasonNoEstimate     = "NO_ESTIMATE"
	ReasonBiasVeto       = "BIAS_VETO"
)

// DecisionChecks groups every check evaluated for one bar by category.
// All four lists are always populated so reports can render the full
// checklist regardless of which branch resolved.
type DecisionChecks struct {
	Entry []Check // probability, confidence, similar-count gates
	Exit  []Check // take-profit, probability-drop, volatility-spike
	Add   []Check // stricter gates plus the add cooldown
	COT   []Check // positioning washout and crowding conditions
}

// DecisionValues carries the raw inputs the checks were computed from.
type DecisionValues struct {
	PSuccess         *float64 // estimate probability, nil when no estimate
	EffectiveN       *float64 // estimate effective sample size
	AvgDistance      *float64 // estimate mean neighbor distance
	Confidence       string   // estimate confidence grade, "" when no estimate
	Vol20            *float64 // current 20-day volatility
	ReturnSinceEntry *float64 // nil when flat
	BarsHeld         int      // 0 when flat
}

// Decision is the rule engine's full auditable output for one bar.
type Decision struct {
	Asset      string         // asset symbol
	Date       string         // bar date
	Index      int            // bar index
	Action     Action         // resolved action
	ReasonCode string         // branch that produced the action
	Checks     DecisionChecks // complete checklist
	Values     DecisionValues // inputs behind the checklist
}
