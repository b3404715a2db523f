package contracts

// RiskLevel classifies the danger of an action or event.
type RiskLevel string

const (
	RiskInfo     RiskLevel = "info"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Path is the governance route assigned by the risk x trust matrix.
type Path string

const (
	PathGreen  Path = "green"  // auto-approve, async observer record
	PathYellow Path = "yellow" // policy check required
	PathRed    Path = "red"    // council and/or human review
)

// RoutingResult is the matrix router's verdict for one request.
type RoutingResult struct {
	Path            Path     `json:"path"`
	TrustTier       string   `json:"trust_tier"`
	RiskLevel       RiskLevel `json:"risk_level"`
	MaxLatencyMs    int64    `json:"max_latency_ms"`
	RequiresCouncil bool     `json:"requires_council"`
	RequiresHuman   bool     `json:"requires_human"`
	Reasoning       []string `json:"reasoning"`
}

// Concern identifies one level of the hierarchy of concerns.
type Concern string

const (
	ConcernSafety     Concern = "safety"
	ConcernEthics     Concern = "ethics"
	ConcernLegality   Concern = "legality"
	ConcernPolicy     Concern = "policy"
	ConcernEfficiency Concern = "efficiency"
	ConcernInnovation Concern = "innovation"
)

// ConcernOrder lists concerns by descending priority. The top three
// are blocking; the rest are advisory.
var ConcernOrder = [...]Concern{
	ConcernSafety,
	ConcernEthics,
	ConcernLegality,
	ConcernPolicy,
	ConcernEfficiency,
	ConcernInnovation,
}

// Blocking reports whether a failed concern blocks execution.
func (c Concern) Blocking() bool {
	return c == ConcernSafety || c == ConcernEthics || c == ConcernLegality
}

// Priority returns the rank of the concern; lower is more important.
func (c Concern) Priority() int {
	for i, o := range ConcernOrder {
		if o == c {
			return i
		}
	}
	return len(ConcernOrder)
}

// ConcernAction is the per-concern recommendation.
type ConcernAction string

const (
	ConcernProceed  ConcernAction = "proceed"
	ConcernBlock    ConcernAction = "block"
	ConcernEscalate ConcernAction = "escalate"
	ConcernReview   ConcernAction = "review"
)

// ConcernResult is the evaluation of a single concern.
type ConcernResult struct {
	Level      Concern       `json:"level"`
	Passed     bool          `json:"passed"`
	Violations []string      `json:"violations,omitempty"`
	Severity   RiskLevel     `json:"severity"`
	Action     ConcernAction `json:"action"`
}

// RecommendedAction is the aggregate concern verdict.
type RecommendedAction string

const (
	RecommendApprove  RecommendedAction = "approve"
	RecommendReview   RecommendedAction = "review"
	RecommendEscalate RecommendedAction = "escalate"
	RecommendReject   RecommendedAction = "reject"
)

// ConcernEvaluation aggregates all six concern results under the
// lexicographic rule: the highest-priority blocking failure wins.
type ConcernEvaluation struct {
	Results           []ConcernResult   `json:"results"`
	OverallPassed     bool              `json:"overall_passed"`
	BlockedBy         Concern           `json:"blocked_by,omitempty"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
}
