package contracts

import "time"

// DenialReason enumerates why an intent was refused.
type DenialReason string

const (
	DenialNone               DenialReason = ""
	DenialInsufficientTrust  DenialReason = "INSUFFICIENT_TRUST"
	DenialPolicyViolation    DenialReason = "POLICY_VIOLATION"
	DenialResourceRestricted DenialReason = "RESOURCE_RESTRICTED"
	DenialSensitivityExceeds DenialReason = "DATA_SENSITIVITY_EXCEEDED"
	DenialRateLimitExceeded  DenialReason = "RATE_LIMIT_EXCEEDED"
	DenialContextMismatch    DenialReason = "CONTEXT_MISMATCH"
	DenialExpiredIntent      DenialReason = "EXPIRED_INTENT"
	DenialDuplicateProof     DenialReason = "DUPLICATE_PROOF"
	DenialInvalidManifest    DenialReason = "INVALID_MANIFEST"
	DenialInvalidAgent       DenialReason = "INVALID_AGENT"
	DenialInvalidSignature   DenialReason = "INVALID_SIGNATURE"
	DenialSystemError        DenialReason = "SYSTEM_ERROR"
)

// ObservabilityTier is the execution-time introspection level a permit
// carries: black (result only), grey (structured traces), white (full
// inputs and state).
type ObservabilityTier string

const (
	TierBlack ObservabilityTier = "black"
	TierGrey  ObservabilityTier = "grey"
	TierWhite ObservabilityTier = "white"
)

// RateLimits bounds execution frequency under a permit.
type RateLimits struct {
	PerMinute   int `json:"per_minute"`
	PerHour     int `json:"per_hour"`
	PerDay      int `json:"per_day"`
	Concurrency int `json:"concurrency"`
}

// DecisionConstraints is the envelope a permit carries into execution.
type DecisionConstraints struct {
	AllowedScopes     []string          `json:"allowed_scopes"`
	RateLimits        RateLimits        `json:"rate_limits"`
	MaxCost           float64           `json:"max_cost"`
	RequiredApprovals []string          `json:"required_approvals"`
	Observability     ObservabilityTier `json:"observability"`
	Deadline          time.Duration     `json:"deadline"`
	SandboxRequired   bool              `json:"sandbox_required"`
}

// Decision is the output of the authorization engine.
// Invariant: Permitted == true iff Constraints != nil and DenialReason
// is empty.
type Decision struct {
	DecisionID    string               `json:"decision_id"`
	IntentID      string               `json:"intent_id"`
	AgentID       string               `json:"agent_id"`
	Permitted     bool                 `json:"permitted"`
	DenialReason  DenialReason         `json:"denial_reason,omitempty"`
	Constraints   *DecisionConstraints `json:"constraints,omitempty"`
	TrustBand     string               `json:"trust_band"`
	TrustScore    int                  `json:"trust_score"`
	Reasoning     []string             `json:"reasoning"`
	Remediations  []string             `json:"remediations,omitempty"`
	DecidedAt     time.Time            `json:"decided_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	LatencyMs     int64                `json:"latency_ms"`
	PolicySetID   string               `json:"policy_set_id"`
	CorrelationID string               `json:"correlation_id"`
}
