// Package council runs the multi-validator review for red-path
// intents: parallel compliance, QA, and routing validators whose
// partial verdicts a meta-orchestrator synthesizes into one decision.
package council

import (
	"context"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// State is the unit of deliberation: the intent plus the drafted plan
// the agent proposes to execute, and the revision counter.
type State struct {
	Intent   *contracts.Intent
	Plan     string
	Revision int
	// Priority is the caller-declared priority; "critical" combined
	// with a high estimated cost forces human triage upward.
	Priority string
}

// Validator is one seat on the council. Check must not panic across
// the boundary; the orchestrator recovers and records the failure as
// an errored partial, which never aborts the other validators.
type Validator interface {
	Kind() contracts.ValidatorKind
	InstanceID() string
	Check(ctx context.Context, state *State) contracts.VerdictPartial
}

// CheckFunc adapts a function into a Validator.
type CheckFunc func(ctx context.Context, state *State) contracts.VerdictPartial

// FuncValidator wraps a CheckFunc with identity; used in tests and for
// externally supplied validators.
type FuncValidator struct {
	ValidatorKind contracts.ValidatorKind
	Instance      string
	Fn            CheckFunc
}

func (v *FuncValidator) Kind() contracts.ValidatorKind { return v.ValidatorKind }
func (v *FuncValidator) InstanceID() string            { return v.Instance }
func (v *FuncValidator) Check(ctx context.Context, state *State) contracts.VerdictPartial {
	return v.Fn(ctx, state)
}
