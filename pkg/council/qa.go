package council

import (
	"context"
	"strings"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// MaxRevisions caps the QA revision loop.
const MaxRevisions = 3

// QAValidator reviews the drafted plan for completeness and may demand
// revision. It never denies outright; the orchestrator handles the
// revision cap.
type QAValidator struct {
	instance string
}

func NewQAValidator(instance string) *QAValidator {
	return &QAValidator{instance: instance}
}

func (v *QAValidator) Kind() contracts.ValidatorKind { return contracts.ValidatorQA }
func (v *QAValidator) InstanceID() string            { return v.instance }

func (v *QAValidator) Check(ctx context.Context, state *State) contracts.VerdictPartial {
	_ = ctx
	partial := contracts.VerdictPartial{
		Validator:  contracts.ValidatorQA,
		InstanceID: v.instance,
		Approved:   true,
		Confidence: 0.85,
	}

	plan := strings.TrimSpace(state.Plan)
	switch {
	case plan == "":
		partial.RequiresRevision = true
		partial.Feedback = "plan is empty"
		partial.Confidence = 0.3
	case strings.Contains(plan, "TODO") || strings.Contains(plan, "TBD"):
		partial.RequiresRevision = true
		partial.Feedback = "plan contains unresolved placeholders"
		partial.Confidence = 0.5
	case len(plan) < 16:
		partial.RequiresRevision = true
		partial.Feedback = "plan lacks detail"
		partial.Confidence = 0.6
	}
	return partial
}
