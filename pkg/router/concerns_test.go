package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

func concernIntent(mutate func(*contracts.Intent)) *contracts.Intent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := &contracts.Intent{
		IntentID:        "i-1",
		AgentID:         "agent-1",
		ActionType:      contracts.ActionWrite,
		DataSensitivity: contracts.SensitivityInternal,
		Reversibility:   contracts.Reversible,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
		Context:         map[string]any{},
	}
	if mutate != nil {
		mutate(intent)
	}
	return intent
}

func TestConcernsAllPass(t *testing.T) {
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{Intent: concernIntent(nil)})

	assert.True(t, eval.OverallPassed)
	assert.Equal(t, contracts.Concern(""), eval.BlockedBy)
	assert.Equal(t, contracts.RecommendApprove, eval.RecommendedAction)
	assert.Len(t, eval.Results, 6)
}

func TestSafetyFailureAlwaysBlocks(t *testing.T) {
	// Safety fails regardless of every other concern passing.
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{
		Intent: concernIntent(nil),
		Flags: map[contracts.Concern][]string{
			contracts.ConcernSafety: {"harmful output pattern"},
		},
	})

	assert.False(t, eval.OverallPassed)
	assert.Equal(t, contracts.ConcernSafety, eval.BlockedBy)
	assert.Equal(t, contracts.RecommendReject, eval.RecommendedAction)
}

func TestEthicsFailureEscalates(t *testing.T) {
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{
		Intent: concernIntent(nil),
		Flags: map[contracts.Concern][]string{
			contracts.ConcernEthics: {"dark pattern"},
		},
	})

	assert.False(t, eval.OverallPassed)
	assert.Equal(t, contracts.ConcernEthics, eval.BlockedBy)
	assert.Equal(t, contracts.RecommendEscalate, eval.RecommendedAction)
}

func TestLegalityFailureRejects(t *testing.T) {
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{
		Intent: concernIntent(func(i *contracts.Intent) {
			i.Context["jurisdictionBlocked"] = true
		}),
	})

	assert.False(t, eval.OverallPassed)
	assert.Equal(t, contracts.ConcernLegality, eval.BlockedBy)
	assert.Equal(t, contracts.RecommendReject, eval.RecommendedAction)
}

func TestAdvisoryFailureOnlyReviews(t *testing.T) {
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{
		Intent: concernIntent(func(i *contracts.Intent) {
			i.Context[contracts.CtxEstimatedCost] = 5000.0
		}),
	})

	assert.False(t, eval.OverallPassed)
	// Advisory failures never set BlockedBy.
	assert.Equal(t, contracts.Concern(""), eval.BlockedBy)
	assert.Equal(t, contracts.RecommendReview, eval.RecommendedAction)
}

func TestSafetyOutranksEthicsOnTie(t *testing.T) {
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{
		Intent: concernIntent(nil),
		Flags: map[contracts.Concern][]string{
			contracts.ConcernEthics: {"flag"},
			contracts.ConcernSafety: {"flag"},
		},
	})

	assert.Equal(t, contracts.ConcernSafety, eval.BlockedBy)
	assert.Equal(t, contracts.RecommendReject, eval.RecommendedAction)
}

func TestIrreversibleCriticalRiskFailsSafety(t *testing.T) {
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{
		Intent: concernIntent(func(i *contracts.Intent) {
			i.Reversibility = contracts.Irreversible
			i.Context[contracts.CtxRiskLevel] = string(contracts.RiskCritical)
		}),
	})

	assert.False(t, eval.OverallPassed)
	assert.Equal(t, contracts.ConcernSafety, eval.BlockedBy)
}

func TestEfficiencyPassNeverOverridesSafetyFail(t *testing.T) {
	eval := NewConcernsEvaluator().Evaluate(ConcernInput{
		Intent: concernIntent(nil),
		Flags: map[contracts.Concern][]string{
			contracts.ConcernSafety:     {"flag"},
			contracts.ConcernEfficiency: {"wasteful"},
		},
	})

	assert.Equal(t, contracts.ConcernSafety, eval.BlockedBy)
	assert.Equal(t, contracts.RecommendReject, eval.RecommendedAction)
}
