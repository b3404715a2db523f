package contracts

import (
	"fmt"
	"time"
)

// ActionType classifies what an intent proposes to do.
type ActionType string

const (
	ActionRead        ActionType = "read"
	ActionWrite       ActionType = "write"
	ActionDelete      ActionType = "delete"
	ActionExecute     ActionType = "execute"
	ActionCommunicate ActionType = "communicate"
	ActionTransfer    ActionType = "transfer"
)

// DataSensitivity classifies the data an intent touches.
type DataSensitivity string

const (
	SensitivityPublic       DataSensitivity = "public"
	SensitivityInternal     DataSensitivity = "internal"
	SensitivityConfidential DataSensitivity = "confidential"
	SensitivityRestricted   DataSensitivity = "restricted"
)

// sensitivityRank orders sensitivities for most-restrictive-wins merges.
var sensitivityRank = map[DataSensitivity]int{
	SensitivityPublic:       0,
	SensitivityInternal:     1,
	SensitivityConfidential: 2,
	SensitivityRestricted:   3,
}

// MoreRestrictive returns the higher-ranked of two sensitivity classifications.
func MoreRestrictive(a, b DataSensitivity) DataSensitivity {
	if sensitivityRank[b] > sensitivityRank[a] {
		return b
	}
	return a
}

// Reversibility describes whether the proposed action can be undone.
type Reversibility string

const (
	Reversible          Reversibility = "reversible"
	PartiallyReversible Reversibility = "partially"
	Irreversible        Reversibility = "irreversible"
)

// Reserved context keys on Intent.Context.
const (
	CtxEnvironment   = "environment"
	CtxHandlesPII    = "handlesPii"
	CtxHandlesPHI    = "handlesPhi"
	CtxEstimatedCost = "estimatedCost"
	CtxRiskLevel     = "riskLevel"
)

// Intent is a frozen, content-addressable description of a proposed action.
// Intents are immutable after creation; a policy change produces a new
// Intent with a new ID whose reasoning points at the superseded one.
type Intent struct {
	IntentID        string          `json:"intent_id"`
	AgentID         string          `json:"agent_id"`
	ActionType      ActionType      `json:"action_type"`
	DataSensitivity DataSensitivity `json:"data_sensitivity"`
	Reversibility   Reversibility   `json:"reversibility"`
	CorrelationID   string          `json:"correlation_id"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Context         map[string]any  `json:"context,omitempty"`

	// SupersedesID links a re-issued intent to the one it replaces.
	SupersedesID string `json:"supersedes_id,omitempty"`
}

// Validate checks structural invariants of an intent.
func (i *Intent) Validate() error {
	if i.IntentID == "" {
		return fmt.Errorf("intent: missing intent_id")
	}
	if i.AgentID == "" {
		return fmt.Errorf("intent: missing agent_id")
	}
	switch i.ActionType {
	case ActionRead, ActionWrite, ActionDelete, ActionExecute, ActionCommunicate, ActionTransfer:
	default:
		return fmt.Errorf("intent: unknown action_type %q", i.ActionType)
	}
	switch i.DataSensitivity {
	case SensitivityPublic, SensitivityInternal, SensitivityConfidential, SensitivityRestricted:
	default:
		return fmt.Errorf("intent: unknown data_sensitivity %q", i.DataSensitivity)
	}
	switch i.Reversibility {
	case Reversible, PartiallyReversible, Irreversible:
	default:
		return fmt.Errorf("intent: unknown reversibility %q", i.Reversibility)
	}
	if !i.ExpiresAt.After(i.CreatedAt) {
		return fmt.Errorf("intent: expires_at must be after created_at")
	}
	return nil
}

// CtxBool reads a boolean from the intent context.
func (i *Intent) CtxBool(key string) bool {
	v, ok := i.Context[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// CtxString reads a string from the intent context.
func (i *Intent) CtxString(key string) string {
	v, ok := i.Context[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// CtxFloat reads a numeric context value, accepting the types
// encoding/json produces.
func (i *Intent) CtxFloat(key string) float64 {
	switch v := i.Context[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
