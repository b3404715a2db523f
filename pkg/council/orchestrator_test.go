package council

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/hitl"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

var testKey = []byte("council-test-signing-key")

func testIntent(mutate func(*contracts.Intent)) *contracts.Intent {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	intent := &contracts.Intent{
		IntentID:        "int-1",
		AgentID:         "a1",
		ActionType:      contracts.ActionWrite,
		DataSensitivity: contracts.SensitivityInternal,
		Reversibility:   contracts.Reversible,
		CorrelationID:   "corr-1",
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
		Context:         map[string]any{},
	}
	if mutate != nil {
		mutate(intent)
	}
	return intent
}

func goodPlan() string {
	return "fetch the record, apply the requested update, write the audit entry"
}

func criticalPII(instance string) Validator {
	return &FuncValidator{
		ValidatorKind: contracts.ValidatorCompliance,
		Instance:      instance,
		Fn: func(ctx context.Context, state *State) contracts.VerdictPartial {
			return contracts.VerdictPartial{
				Validator:  contracts.ValidatorCompliance,
				InstanceID: instance,
				Approved:   false,
				Issues: []contracts.ComplianceIssue{{
					Code:        "PII_DETECTED",
					Severity:    contracts.IssueCritical,
					Description: "unredacted personal data in plan",
				}},
				Confidence: 0.95,
			}
		},
	}
}

func TestCouncilApprovesCleanIntent(t *testing.T) {
	log := observer.NewLog(observer.NewMemoryStore(), testKey)
	o := NewOrchestrator(DefaultRoster(2), log)

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: goodPlan()}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, contracts.CouncilApproved, decision.Outcome)
	assert.Len(t, decision.Votes, 4) // 2 compliance + qa + routing
	assert.Empty(t, decision.ComplianceIssues)
	assert.Equal(t, 0, decision.RevisionCount)
}

func TestCriticalComplianceDeniesAndEscalatesToHuman(t *testing.T) {
	log := observer.NewLog(observer.NewMemoryStore(), testKey)
	reviews := hitl.NewManager(log)
	roster := []Validator{
		NewComplianceValidator("compliance-1"),
		criticalPII("compliance-2"),
		NewQAValidator("qa-1"),
		NewRoutingValidator("routing-1"),
	}
	o := NewOrchestrator(roster, log, WithReviews(reviews))

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: goodPlan()}, 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, contracts.CouncilDenied, decision.Outcome)
	assert.Equal(t, "compliance_critical", decision.Reason)
	assert.Len(t, decision.Votes, 4)

	pending := reviews.Pending("CEO")
	require.Len(t, pending, 1)
	assert.Equal(t, contracts.IssueCritical, pending[0].Severity)
	assert.True(t, pending[0].Deadline.Sub(pending[0].CreatedAt) <= 2*time.Hour)

	events, err := log.Query(context.Background(), observer.Filter{EventType: contracts.EventCouncil, RiskLevel: contracts.RiskCritical})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestBarrierWaitsForSlowValidators(t *testing.T) {
	var slowDone atomic.Bool
	slow := &FuncValidator{
		ValidatorKind: contracts.ValidatorRouting,
		Instance:      "slow-routing",
		Fn: func(ctx context.Context, state *State) contracts.VerdictPartial {
			time.Sleep(50 * time.Millisecond)
			slowDone.Store(true)
			return contracts.VerdictPartial{Validator: contracts.ValidatorRouting, InstanceID: "slow-routing", Approved: true}
		},
	}
	roster := []Validator{criticalPII("compliance-1"), slow, NewQAValidator("qa-1")}
	o := NewOrchestrator(roster, nil)

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: goodPlan()}, 5*time.Second)
	require.NoError(t, err)

	// The early critical does not short-circuit the barrier.
	assert.True(t, slowDone.Load())
	assert.Len(t, decision.Votes, 3)
	assert.Equal(t, contracts.CouncilDenied, decision.Outcome)
}

func TestEarlyPublishFiresOnceBeforeBarrier(t *testing.T) {
	var published atomic.Int32
	roster := []Validator{criticalPII("compliance-1"), criticalPII("compliance-2"), NewQAValidator("qa-1")}
	o := NewOrchestrator(roster, nil, WithEarlyPublish(func(outcome contracts.CouncilOutcome) {
		assert.Equal(t, contracts.CouncilDenied, outcome)
		published.Add(1)
	}))

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: goodPlan()}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, contracts.CouncilDenied, decision.Outcome)
	assert.Equal(t, int32(1), published.Load())
}

func TestRevisionLoopConverges(t *testing.T) {
	o := NewOrchestrator(DefaultRoster(1), nil, WithReviser(func(ctx context.Context, state *State) (string, error) {
		return goodPlan(), nil
	}))

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: ""}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, contracts.CouncilApproved, decision.Outcome)
	assert.Equal(t, 1, decision.RevisionCount)
	assert.Equal(t, "plan is empty", decision.QAFeedback)
	// First round plus one revision round, 3 seats each.
	assert.Len(t, decision.Votes, 6)
}

func TestRevisionCapExceededDenies(t *testing.T) {
	// No reviser: the empty plan never improves.
	o := NewOrchestrator(DefaultRoster(1), nil)

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: ""}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, contracts.CouncilDenied, decision.Outcome)
	assert.True(t, decision.RequiresRevision)
	assert.Equal(t, "revision_cap_exceeded", decision.Reason)
	assert.Equal(t, MaxRevisions, decision.RevisionCount)
}

func TestCouncilTimeoutEscalates(t *testing.T) {
	log := observer.NewLog(observer.NewMemoryStore(), testKey)
	reviews := hitl.NewManager(log)
	stuck := &FuncValidator{
		ValidatorKind: contracts.ValidatorCompliance,
		Instance:      "stuck",
		Fn: func(ctx context.Context, state *State) contracts.VerdictPartial {
			<-ctx.Done()
			return contracts.VerdictPartial{Validator: contracts.ValidatorCompliance, InstanceID: "stuck", Err: ctx.Err().Error()}
		},
	}
	roster := []Validator{NewComplianceValidator("compliance-1"), stuck, NewRoutingValidator("routing-1")}
	o := NewOrchestrator(roster, log, WithReviews(reviews))

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: goodPlan()}, 50*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, contracts.CouncilEscalated, decision.Outcome)
	assert.Equal(t, "council_timeout", decision.Reason)
	// Fast validators landed before the deadline cut the round short.
	assert.NotEmpty(t, decision.Votes)

	events, err := log.Query(context.Background(), observer.Filter{EventType: contracts.EventCouncilTimeout})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.RiskMedium, events[0].RiskLevel)

	// Escalation always reaches a human.
	assert.Len(t, reviews.Pending(""), 1)
}

func TestValidatorPanicIsIsolated(t *testing.T) {
	boom := &FuncValidator{
		ValidatorKind: contracts.ValidatorQA,
		Instance:      "boom",
		Fn: func(ctx context.Context, state *State) contracts.VerdictPartial {
			panic("validator exploded")
		},
	}
	roster := []Validator{NewComplianceValidator("compliance-1"), boom, NewRoutingValidator("routing-1")}
	o := NewOrchestrator(roster, nil)

	decision, err := o.Deliberate(context.Background(), &State{Intent: testIntent(nil), Plan: goodPlan()}, 5*time.Second)
	require.NoError(t, err)

	assert.Len(t, decision.Votes, 3)
	var errored *contracts.VerdictPartial
	for i := range decision.Votes {
		if decision.Votes[i].InstanceID == "boom" {
			errored = &decision.Votes[i]
		}
	}
	require.NotNil(t, errored)
	assert.False(t, errored.Approved)
	assert.Contains(t, errored.Err, "validator exploded")
	// A localized failure does not flip the aggregate.
	assert.Equal(t, contracts.CouncilApproved, decision.Outcome)
}

func TestComplianceValidatorFindings(t *testing.T) {
	v := NewComplianceValidator("compliance-1")

	publicPII := testIntent(func(i *contracts.Intent) {
		i.DataSensitivity = contracts.SensitivityPublic
		i.Context[contracts.CtxHandlesPII] = true
	})
	partial := v.Check(context.Background(), &State{Intent: publicPII})
	assert.False(t, partial.Approved)
	require.Len(t, partial.Issues, 1)
	assert.Equal(t, "PII_DETECTED", partial.Issues[0].Code)
	assert.Equal(t, contracts.IssueCritical, partial.Issues[0].Severity)

	declaredPII := testIntent(func(i *contracts.Intent) {
		i.DataSensitivity = contracts.SensitivityConfidential
		i.Context[contracts.CtxHandlesPII] = true
	})
	partial = v.Check(context.Background(), &State{Intent: declaredPII})
	assert.True(t, partial.Approved)
	require.Len(t, partial.Issues, 1)
	assert.Equal(t, contracts.IssueMedium, partial.Issues[0].Severity)

	wipe := testIntent(func(i *contracts.Intent) {
		i.ActionType = contracts.ActionDelete
		i.DataSensitivity = contracts.SensitivityRestricted
		i.Reversibility = contracts.Irreversible
	})
	partial = v.Check(context.Background(), &State{Intent: wipe})
	require.Len(t, partial.Issues, 1)
	assert.Equal(t, "ETHICAL_FLAG", partial.Issues[0].Code)
}

func TestMergeIssuesMostRestrictive(t *testing.T) {
	votes := []contracts.VerdictPartial{
		{Validator: contracts.ValidatorCompliance, Issues: []contracts.ComplianceIssue{
			{Code: "PII_DETECTED", Severity: contracts.IssueMedium, Sensitivity: contracts.SensitivityInternal},
		}},
		{Validator: contracts.ValidatorCompliance, Issues: []contracts.ComplianceIssue{
			{Code: "PII_DETECTED", Severity: contracts.IssueCritical, Sensitivity: contracts.SensitivityConfidential},
			{Code: "POLICY_BREACH", Severity: contracts.IssueHigh},
		}},
		// Routing issues are ignored by the merge.
		{Validator: contracts.ValidatorRouting, Issues: []contracts.ComplianceIssue{{Code: "NOISE"}}},
	}

	merged := mergeIssues(votes)
	require.Len(t, merged, 2)
	assert.Equal(t, "PII_DETECTED", merged[0].Code)
	assert.Equal(t, contracts.IssueCritical, merged[0].Severity)
	assert.Equal(t, contracts.SensitivityConfidential, merged[0].Sensitivity)
	assert.Equal(t, "POLICY_BREACH", merged[1].Code)
}
