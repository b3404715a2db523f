package contracts

import "time"

// GenesisHash is the previous_hash of the first event in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ObserverEvent is one record in the append-only hash-chained log.
// For n > 1, event[n].PreviousHash == event[n-1].Hash, and Hash is the
// SHA-256 of the canonical body excluding Hash and Signature.
type ObserverEvent struct {
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Source       string         `json:"source"`
	EventType    string         `json:"event_type"`
	RiskLevel    RiskLevel      `json:"risk_level"`
	AgentID      string         `json:"agent_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
	Signature    string         `json:"signature"`
}

// Well-known observer event types.
const (
	EventRegistration   = "registration"
	EventAgentAction    = "agent_action"
	EventDecision       = "authz_decision"
	EventTierChange     = "trust_tier_change"
	EventScoreUpdate    = "trust_score_update"
	EventTrustViolation = "trust_violation"
	EventAnomaly        = "anomaly_detected"
	EventCouncil        = "council_decision"
	EventCouncilTimeout = "council_timeout"
	EventHITLExpired    = "hitl_expired"
	EventKillSwitch     = "kill_switch"
	EventPipeline       = "pipeline_transition"
	EventSystemDegraded = "system_degraded"
)

// AnomalyType names a detected pattern over observer events.
type AnomalyType string

const (
	AnomalyActivitySpike  AnomalyType = "activity_spike"
	AnomalyErrorCluster   AnomalyType = "error_cluster"
	AnomalyRiskEscalation AnomalyType = "risk_escalation"
	AnomalyRapidActions   AnomalyType = "rapid_actions"
	AnomalyTrustDrop      AnomalyType = "trust_drop"
)

// AnomalyStatus is the lifecycle state of an anomaly.
type AnomalyStatus string

const (
	AnomalyOpen         AnomalyStatus = "open"
	AnomalyAcknowledged AnomalyStatus = "acknowledged"
	AnomalyResolved     AnomalyStatus = "resolved"
)

// EvidenceWindow references the span of observer events backing an anomaly.
type EvidenceWindow struct {
	FromSequence int64 `json:"from_sequence"`
	ToSequence   int64 `json:"to_sequence"`
}

// Anomaly is a detected pattern over the observer log.
type Anomaly struct {
	AnomalyID      string         `json:"anomaly_id"`
	AgentID        string         `json:"agent_id"`
	Type           AnomalyType    `json:"type"`
	Severity       RiskLevel      `json:"severity"`
	Description    string         `json:"description"`
	Evidence       EvidenceWindow `json:"evidence"`
	Status         AnomalyStatus  `json:"status"`
	DetectedAt     time.Time      `json:"detected_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}
