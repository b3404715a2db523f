package router

import (
	"fmt"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// ConcernInput is what the evaluator inspects: the intent plus any
// classifications attached upstream (compliance validators, policy
// checks), keyed by concern.
type ConcernInput struct {
	Intent *contracts.Intent
	// Flags are externally attached violations per concern.
	Flags map[contracts.Concern][]string
	// MaxCost is the efficiency budget; zero disables the check.
	MaxCost float64
}

// ConcernsEvaluator enforces the lexicographic hierarchy
// Safety > Ethics > Legality > Policy > Efficiency > Innovation.
type ConcernsEvaluator struct {
	maxCost float64
}

// NewConcernsEvaluator creates an evaluator with a default efficiency
// budget.
func NewConcernsEvaluator() *ConcernsEvaluator {
	return &ConcernsEvaluator{maxCost: 1000}
}

// Evaluate checks all six concerns and aggregates them. A lower-ranked
// advisory failure never overrides approval earned at a higher rank,
// and a higher-rank pass never excuses a blocking failure.
func (e *ConcernsEvaluator) Evaluate(input ConcernInput) contracts.ConcernEvaluation {
	results := make([]contracts.ConcernResult, 0, len(contracts.ConcernOrder))
	for _, concern := range contracts.ConcernOrder {
		results = append(results, e.check(concern, input))
	}

	evaluation := contracts.ConcernEvaluation{
		Results:           results,
		OverallPassed:     true,
		RecommendedAction: contracts.RecommendApprove,
	}

	var failedSafety, failedEthics, failedLegality, failedAdvisory bool
	for _, r := range results {
		if r.Passed {
			continue
		}
		evaluation.OverallPassed = false
		// Results are in priority order, so the first blocking failure
		// is the highest-priority one.
		if r.Level.Blocking() && evaluation.BlockedBy == "" {
			evaluation.BlockedBy = r.Level
		}
		switch r.Level {
		case contracts.ConcernSafety:
			failedSafety = true
		case contracts.ConcernEthics:
			failedEthics = true
		case contracts.ConcernLegality:
			failedLegality = true
		default:
			failedAdvisory = true
		}
	}

	switch {
	case failedSafety || failedLegality:
		evaluation.RecommendedAction = contracts.RecommendReject
	case failedEthics:
		evaluation.RecommendedAction = contracts.RecommendEscalate
	case failedAdvisory:
		evaluation.RecommendedAction = contracts.RecommendReview
	}
	return evaluation
}

func (e *ConcernsEvaluator) check(concern contracts.Concern, input ConcernInput) contracts.ConcernResult {
	violations := append([]string(nil), input.Flags[concern]...)

	switch concern {
	case contracts.ConcernSafety:
		if input.Intent != nil &&
			input.Intent.Reversibility == contracts.Irreversible &&
			input.Intent.CtxString(contracts.CtxRiskLevel) == string(contracts.RiskCritical) {
			violations = append(violations, "irreversible action at critical declared risk")
		}
	case contracts.ConcernLegality:
		if input.Intent != nil && input.Intent.CtxBool("jurisdictionBlocked") {
			violations = append(violations, "action blocked in the declared jurisdiction")
		}
	case contracts.ConcernEfficiency:
		budget := input.MaxCost
		if budget == 0 {
			budget = e.maxCost
		}
		if input.Intent != nil {
			if cost := input.Intent.CtxFloat(contracts.CtxEstimatedCost); cost > budget {
				violations = append(violations, fmt.Sprintf("estimated cost %.2f exceeds budget %.2f", cost, budget))
			}
		}
	}

	result := contracts.ConcernResult{
		Level:      concern,
		Passed:     len(violations) == 0,
		Violations: violations,
		Severity:   contracts.RiskLow,
		Action:     contracts.ConcernProceed,
	}
	if result.Passed {
		return result
	}

	switch concern {
	case contracts.ConcernSafety, contracts.ConcernLegality:
		result.Severity = contracts.RiskCritical
		result.Action = contracts.ConcernBlock
	case contracts.ConcernEthics:
		result.Severity = contracts.RiskHigh
		result.Action = contracts.ConcernEscalate
	default:
		result.Severity = contracts.RiskMedium
		result.Action = contracts.ConcernReview
	}
	return result
}
