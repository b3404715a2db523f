package council

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

// Recorder is the slice of the observer log the orchestrator needs.
type Recorder interface {
	Append(ctx context.Context, draft observer.Draft) (*contracts.ObserverEvent, error)
}

// ReviewIntake enqueues human reviews for escalated or denied-critical
// outcomes. Satisfied by *hitl.Manager.
type ReviewIntake interface {
	CreateReview(ctx context.Context, intentID, agentID string, severity contracts.IssueSeverity, agentDecision string) (*contracts.HITLReview, error)
}

// Reviser produces a revised plan when QA demands one.
type Reviser func(ctx context.Context, state *State) (string, error)

// Orchestrator runs the council: all validators in parallel, a barrier
// before synthesis, a bounded QA revision loop, and escalation to a
// human on timeout or critical findings.
type Orchestrator struct {
	validators []Validator
	recorder   Recorder
	reviews    ReviewIntake
	reviser    Reviser
	clock      func() time.Time
	logger     *slog.Logger

	// earlyPublish, when set, fires once on the first critical
	// compliance partial so the caller can surface the outcome before
	// the barrier completes. In-flight validators still finish and
	// their votes are recorded.
	earlyPublish func(contracts.CouncilOutcome)
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithReviews(intake ReviewIntake) OrchestratorOption {
	return func(o *Orchestrator) { o.reviews = intake }
}

func WithReviser(r Reviser) OrchestratorOption {
	return func(o *Orchestrator) { o.reviser = r }
}

func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

func WithEarlyPublish(fn func(contracts.CouncilOutcome)) OrchestratorOption {
	return func(o *Orchestrator) { o.earlyPublish = fn }
}

// NewOrchestrator assembles a council over the given validators.
func NewOrchestrator(validators []Validator, recorder Recorder, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		validators: validators,
		recorder:   recorder,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DefaultRoster builds the standard seat assignment: n compliance
// instances (capped), one QA, one routing.
func DefaultRoster(complianceInstances int) []Validator {
	if complianceInstances < 1 {
		complianceInstances = 1
	}
	if complianceInstances > MaxComplianceInstances {
		complianceInstances = MaxComplianceInstances
	}
	roster := make([]Validator, 0, complianceInstances+2)
	for i := 0; i < complianceInstances; i++ {
		roster = append(roster, NewComplianceValidator(fmt.Sprintf("compliance-%d", i+1)))
	}
	roster = append(roster, NewQAValidator("qa-1"), NewRoutingValidator("routing-1"))
	return roster
}

// Deliberate produces one CouncilDecision for the state. maxLatency is
// the matrix cell's budget for the whole session including revisions;
// exceeding it records the session as escalated with reason
// "council_timeout" and keeps every partial verdict received.
func (o *Orchestrator) Deliberate(ctx context.Context, state *State, maxLatency time.Duration) (*contracts.CouncilDecision, error) {
	start := o.clock()
	sessionCtx, cancel := context.WithTimeout(ctx, maxLatency)
	defer cancel()

	decision := &contracts.CouncilDecision{}
	for {
		votes, timedOut := o.runRound(sessionCtx, state)
		decision.Votes = append(decision.Votes, votes...)

		if timedOut {
			decision.Outcome = contracts.CouncilEscalated
			decision.Reason = "council_timeout"
			decision.ComplianceIssues = mergeIssues(decision.Votes)
			break
		}

		issues := mergeIssues(decision.Votes)
		decision.ComplianceIssues = issues

		if hasCritical(issues) {
			decision.Outcome = contracts.CouncilDenied
			decision.Reason = "compliance_critical"
			break
		}

		revision, feedback := qaRequiresRevision(votes)
		if !revision {
			decision.Outcome = contracts.CouncilApproved
			break
		}
		decision.QAFeedback = feedback
		if decision.RevisionCount >= MaxRevisions {
			decision.Outcome = contracts.CouncilDenied
			decision.RequiresRevision = true
			decision.Reason = "revision_cap_exceeded"
			break
		}
		decision.RevisionCount++
		state.Revision = decision.RevisionCount
		if o.reviser != nil {
			revised, err := o.reviser(sessionCtx, state)
			if err != nil {
				decision.Outcome = contracts.CouncilEscalated
				decision.Reason = "revision_failed"
				break
			}
			state.Plan = revised
		}
	}

	decision.TotalLatencyMs = o.clock().Sub(start).Milliseconds()
	o.recordDecision(ctx, state, decision)
	o.escalateToHuman(ctx, state, decision)
	return decision, nil
}

// runRound launches every validator, waits the barrier, and reports
// whether the session deadline cut the round short. Votes received
// before the cutoff are always kept.
func (o *Orchestrator) runRound(ctx context.Context, state *State) ([]contracts.VerdictPartial, bool) {
	results := make(chan contracts.VerdictPartial, len(o.validators))
	var wg sync.WaitGroup
	for _, v := range o.validators {
		wg.Add(1)
		go func(v Validator) {
			defer wg.Done()
			results <- o.checkOne(ctx, v, state)
		}(v)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var votes []contracts.VerdictPartial
	published := false
	timedOut := false
	for {
		select {
		case vote := <-results:
			votes = append(votes, vote)
			if !published && o.earlyPublish != nil &&
				vote.Validator == contracts.ValidatorCompliance && hasCritical(vote.Issues) {
				published = true
				o.earlyPublish(contracts.CouncilDenied)
			}
			if len(votes) == len(o.validators) {
				return votes, timedOut
			}
		case <-ctx.Done():
			if timedOut {
				// Second wake-up: drain whatever already landed and stop.
				for {
					select {
					case vote := <-results:
						votes = append(votes, vote)
					default:
						return votes, true
					}
				}
			}
			timedOut = true
		case <-done:
			// Barrier closed between sends; drain the buffer.
			for {
				select {
				case vote := <-results:
					votes = append(votes, vote)
				default:
					return votes, timedOut
				}
			}
		}
	}
}

// checkOne runs one validator with panic isolation; a validator
// failure becomes an errored, unapproved partial and never aborts the
// others.
func (o *Orchestrator) checkOne(ctx context.Context, v Validator, state *State) (partial contracts.VerdictPartial) {
	start := o.clock()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("validator panic", "validator", string(v.Kind()), "instance", v.InstanceID(), "panic", r)
			partial = contracts.VerdictPartial{
				Validator:  v.Kind(),
				InstanceID: v.InstanceID(),
				Approved:   false,
				Err:        fmt.Sprintf("validator panic: %v", r),
			}
		}
		partial.LatencyMs = o.clock().Sub(start).Milliseconds()
	}()
	partial = v.Check(ctx, state)
	return partial
}

func qaRequiresRevision(votes []contracts.VerdictPartial) (bool, string) {
	for _, vote := range votes {
		if vote.Validator == contracts.ValidatorQA && vote.RequiresRevision {
			return true, vote.Feedback
		}
	}
	return false, ""
}

func (o *Orchestrator) recordDecision(ctx context.Context, state *State, decision *contracts.CouncilDecision) {
	if o.recorder == nil {
		return
	}
	eventType := contracts.EventCouncil
	risk := contracts.RiskLow
	switch {
	case decision.Reason == "council_timeout":
		eventType = contracts.EventCouncilTimeout
		risk = contracts.RiskMedium
	case hasCritical(decision.ComplianceIssues):
		risk = contracts.RiskCritical
	case decision.Outcome != contracts.CouncilApproved:
		risk = contracts.RiskMedium
	}
	_, err := o.recorder.Append(ctx, observer.Draft{
		Source:    "council",
		EventType: eventType,
		RiskLevel: risk,
		AgentID:   state.Intent.AgentID,
		Data: map[string]any{
			"intent_id": state.Intent.IntentID,
			"outcome":   string(decision.Outcome),
			"reason":    decision.Reason,
			"votes":     len(decision.Votes),
			"revisions": decision.RevisionCount,
		},
	})
	if err != nil {
		o.logger.Error("council event append failed", "error", err)
	}
}

// escalateToHuman opens a review when the outcome needs one: every
// escalation, and any denial carrying a critical finding.
func (o *Orchestrator) escalateToHuman(ctx context.Context, state *State, decision *contracts.CouncilDecision) {
	if o.reviews == nil {
		return
	}
	needsHuman := decision.Outcome == contracts.CouncilEscalated ||
		(decision.Outcome == contracts.CouncilDenied && hasCritical(decision.ComplianceIssues))
	if !needsHuman {
		return
	}

	severity := contracts.IssueMedium
	if hasCritical(decision.ComplianceIssues) {
		severity = contracts.IssueCritical
	}
	_, err := o.reviews.CreateReview(ctx, state.Intent.IntentID, state.Intent.AgentID, severity, string(decision.Outcome))
	if err != nil {
		o.logger.Error("review creation failed", "intent_id", state.Intent.IntentID, "error", err)
	}
}
