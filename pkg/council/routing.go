package council

import (
	"context"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// RoutingValidator picks the execution backend and cost tier. It is
// advisory: it never blocks the council outcome.
type RoutingValidator struct {
	instance string
}

func NewRoutingValidator(instance string) *RoutingValidator {
	return &RoutingValidator{instance: instance}
}

func (v *RoutingValidator) Kind() contracts.ValidatorKind { return contracts.ValidatorRouting }
func (v *RoutingValidator) InstanceID() string            { return v.instance }

func (v *RoutingValidator) Check(ctx context.Context, state *State) contracts.VerdictPartial {
	_ = ctx
	intent := state.Intent

	backend, costTier := "standard-pool", "economy"
	switch {
	case intent.DataSensitivity == contracts.SensitivityRestricted || intent.CtxBool(contracts.CtxHandlesPHI):
		backend, costTier = "isolated-pool", "premium"
	case intent.Reversibility == contracts.Irreversible || intent.DataSensitivity == contracts.SensitivityConfidential:
		backend, costTier = "audited-pool", "standard"
	}

	return contracts.VerdictPartial{
		Validator:  contracts.ValidatorRouting,
		InstanceID: v.instance,
		Approved:   true,
		Backend:    backend,
		CostTier:   costTier,
		Confidence: 0.95,
	}
}
