package contracts

import "time"

// CouncilOutcome is the aggregate verdict of a council session.
type CouncilOutcome string

const (
	CouncilApproved  CouncilOutcome = "approved"
	CouncilDenied    CouncilOutcome = "denied"
	CouncilEscalated CouncilOutcome = "escalated"
)

// ValidatorKind tags the concrete validator behind a partial verdict.
type ValidatorKind string

const (
	ValidatorRouting    ValidatorKind = "routing"
	ValidatorCompliance ValidatorKind = "compliance"
	ValidatorQA         ValidatorKind = "qa"
)

// IssueSeverity grades a compliance finding.
type IssueSeverity string

const (
	IssueLow      IssueSeverity = "low"
	IssueMedium   IssueSeverity = "medium"
	IssueHigh     IssueSeverity = "high"
	IssueCritical IssueSeverity = "critical"
)

// ComplianceIssue is one finding from a compliance validator.
type ComplianceIssue struct {
	Code        string        `json:"code"` // e.g. PII_DETECTED, PHI_DETECTED, POLICY_BREACH, ETHICAL_FLAG
	Severity    IssueSeverity `json:"severity"`
	Description string        `json:"description"`
	// Sensitivity is the validator's classification of the data touched;
	// contradictory classifications merge most-restrictive.
	Sensitivity DataSensitivity `json:"sensitivity,omitempty"`
}

// VerdictPartial is one validator's contribution to the council.
type VerdictPartial struct {
	Validator        ValidatorKind     `json:"validator"`
	InstanceID       string            `json:"instance_id"`
	Approved         bool              `json:"approved"`
	Issues           []ComplianceIssue `json:"issues,omitempty"`
	RequiresRevision bool              `json:"requires_revision"`
	Feedback         string            `json:"feedback,omitempty"`
	Backend          string            `json:"backend,omitempty"`  // routing validator: chosen execution backend
	CostTier         string            `json:"cost_tier,omitempty"`
	Confidence       float64           `json:"confidence"`
	LatencyMs        int64             `json:"latency_ms"`
	Err              string            `json:"error,omitempty"`
}

// CouncilDecision is the meta-orchestrator's synthesis of all partials.
type CouncilDecision struct {
	Outcome          CouncilOutcome    `json:"outcome"`
	Votes            []VerdictPartial  `json:"votes"`
	ComplianceIssues []ComplianceIssue `json:"compliance_issues,omitempty"`
	QAFeedback       string            `json:"qa_feedback,omitempty"`
	RequiresRevision bool              `json:"requires_revision"`
	RevisionCount    int               `json:"revision_count"`
	TotalLatencyMs   int64             `json:"total_latency_ms"`
	Reason           string            `json:"reason,omitempty"`
}

// ReviewStatus is the lifecycle state of a human-in-the-loop review.
type ReviewStatus string

const (
	ReviewPending      ReviewStatus = "pending"
	ReviewAcknowledged ReviewStatus = "acknowledged"
	ReviewDecided      ReviewStatus = "decided"
	ReviewExpired      ReviewStatus = "expired"
)

// HITLReview is a pending human-in-the-loop request.
type HITLReview struct {
	ReviewID      string       `json:"review_id"`
	IntentID      string       `json:"intent_id"`
	AgentID       string       `json:"agent_id"`
	Severity      IssueSeverity `json:"severity"`
	AssignedRole  string       `json:"assigned_role"`
	Deadline      time.Time    `json:"deadline"`
	Status        ReviewStatus `json:"status"`
	AgentDecision string       `json:"agent_decision"`
	HumanDecision string       `json:"human_decision,omitempty"`
	ClaimedBy     string       `json:"claimed_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	DecidedAt     *time.Time   `json:"decided_at,omitempty"`
}
