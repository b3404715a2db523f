package contracts

import "time"

// PipelineStage is the agent lifecycle position.
type PipelineStage string

const (
	StageDraft     PipelineStage = "draft"
	StageTraining  PipelineStage = "training"
	StageExam      PipelineStage = "exam"
	StageShadow    PipelineStage = "shadow"
	StageActive    PipelineStage = "active"
	StageSuspended PipelineStage = "suspended"
	StageRetired   PipelineStage = "retired"
)

// ConstraintAction is what a manifest constraint does when its rule matches.
type ConstraintAction string

const (
	ConstraintAllow ConstraintAction = "allow"
	ConstraintDeny  ConstraintAction = "deny"
	ConstraintAudit ConstraintAction = "audit"
	ConstraintGate  ConstraintAction = "gate"
)

// ManifestCapability declares one capability an agent may exercise.
type ManifestCapability struct {
	Code       string   `json:"code"`
	Level      int      `json:"level"`
	Scope      string   `json:"scope,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// ManifestConstraint declares one governance constraint on the agent.
type ManifestConstraint struct {
	Type   string           `json:"type"` // resource | time | scope | rate
	Rule   string           `json:"rule"`
	Action ConstraintAction `json:"action"`
}

// ManifestAgent is the agent block of a BASIS manifest.
type ManifestAgent struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// Manifest is the BASIS manifest: a declarative description of an
// agent's capabilities and constraints, frozen at registration.
type Manifest struct {
	SchemaVersion   string               `json:"schemaVersion"`
	Agent           ManifestAgent        `json:"agent"`
	Capabilities    []ManifestCapability `json:"capabilities"`
	Constraints     []ManifestConstraint `json:"constraints,omitempty"`
	DefaultAutonomy string               `json:"defaultAutonomy,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

// Agent is the identity of an autonomous actor. It is created by a
// registration request and mutates only through pipeline transitions,
// trust-score updates, and explicit owner edits before activation.
type Agent struct {
	AgentID        string        `json:"agent_id"`
	Name           string        `json:"name"`
	OwnerID        string        `json:"owner_id"`
	Capabilities   []string      `json:"capabilities"`
	Manifest       Manifest      `json:"manifest"`
	PipelineStage  PipelineStage `json:"pipeline_stage"`
	Specialization string        `json:"specialization,omitempty"`
	Paused         bool          `json:"paused"`
	WebhookURL     string        `json:"webhook_url,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Version        int64         `json:"version"`
}
