// Package authz implements the authorization engine: deterministic
// permit/deny decisions from an intent and the agent's trust profile,
// emitting a constraint envelope on permit.
//
// The engine is stateless and synchronous after the hook stage. It
// never fails loudly; every failure surfaces as a deny decision with a
// populated reason and reasoning trail.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// ErrProfileNotFound is returned by profile providers for unknown agents.
var ErrProfileNotFound = errors.New("trust profile not found")

// ProfileProvider yields the current trust-profile snapshot for an agent.
type ProfileProvider interface {
	Profile(ctx context.Context, agentID string) (*contracts.TrustProfile, error)
}

// Guard can veto every authorization for an agent (kill switch).
type Guard interface {
	Blocked(agentID string) (bool, string)
}

// Options carries per-call authorization options.
type Options struct {
	// ConstraintOptions are per-intent overrides merged into the band
	// preset; the most restrictive value wins.
	ConstraintOptions *contracts.DecisionConstraints
}

// Evaluation is the synchronous core result, free of I/O concerns.
type Evaluation struct {
	Permitted    bool
	DenialReason contracts.DenialReason
	RequiredBand contracts.Band
	Reasoning    []string
}

// Engine produces Decisions. Safe for concurrent use.
type Engine struct {
	profiles    ProfileProvider
	guard       Guard
	preHooks    []PreHook
	postHooks   []PostHook
	hookTimeout time.Duration
	policySetID string
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuard installs a kill-switch guard.
func WithGuard(g Guard) Option { return func(e *Engine) { e.guard = g } }

// WithHookTimeout overrides the per-hook deadline.
func WithHookTimeout(d time.Duration) Option { return func(e *Engine) { e.hookTimeout = d } }

// WithPolicySetID stamps decisions with the active policy set version.
func WithPolicySetID(id string) Option { return func(e *Engine) { e.policySetID = id } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an authorization engine over a profile provider.
func NewEngine(profiles ProfileProvider, opts ...Option) *Engine {
	e := &Engine{
		profiles:    profiles,
		hookTimeout: DefaultHookTimeout,
		policySetID: "default",
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPreHook appends a pre-authorize hook; hooks run in
// registration order.
func (e *Engine) RegisterPreHook(h PreHook) { e.preHooks = append(e.preHooks, h) }

// RegisterPostHook appends a post-authorize observer hook.
func (e *Engine) RegisterPostHook(h PostHook) { e.postHooks = append(e.postHooks, h) }

// CanPerform reports whether a band may execute an action type at all.
func CanPerform(band contracts.Band, action contracts.ActionType) bool {
	return band != contracts.BandUntrusted && band >= BandForAction(action)
}

// CanAccess reports whether a band may touch a sensitivity class.
func CanAccess(band contracts.Band, sensitivity contracts.DataSensitivity) bool {
	return band != contracts.BandUntrusted && band >= BandForSensitivity(sensitivity)
}

// Authorize produces a Decision for the intent. It may be called
// concurrently; all failures are returned as deny decisions.
func (e *Engine) Authorize(ctx context.Context, intent *contracts.Intent, opts *Options) *contracts.Decision {
	decision := e.authorize(ctx, intent, opts)

	// Post hooks observe only; they cannot alter the decision. Every
	// decision path passes through here, denials included.
	for _, hook := range e.postHooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("post-authorize hook panicked", "hook", hook.Name(), "panic", r)
				}
			}()
			hook.After(ctx, intent, decision)
		}()
	}
	return decision
}

func (e *Engine) authorize(ctx context.Context, intent *contracts.Intent, opts *Options) *contracts.Decision {
	t0 := e.clock()

	if err := intent.Validate(); err != nil {
		return e.deny(intent, nil, t0, contracts.DenialInvalidAgent,
			[]string{fmt.Sprintf("intent rejected: %v", err)}, nil)
	}
	if intent.ExpiresAt.Before(t0) {
		return e.deny(intent, nil, t0, contracts.DenialExpiredIntent,
			[]string{"intent expired before evaluation"},
			[]string{"re-issue the intent with a future expiry"})
	}

	if e.guard != nil {
		if blocked, reason := e.guard.Blocked(intent.AgentID); blocked {
			return e.deny(intent, nil, t0, contracts.DenialPolicyViolation,
				[]string{"kill_switch: " + reason},
				[]string{"wait for the kill switch to be cleared and the agent resumed"})
		}
	}

	profile, err := e.profiles.Profile(ctx, intent.AgentID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return e.deny(intent, nil, t0, contracts.DenialInsufficientTrust,
				[]string{"no trust profile for agent " + intent.AgentID},
				[]string{"register the agent before submitting intents"})
		}
		e.logger.Error("profile lookup failed", "agent_id", intent.AgentID, "error", err)
		return e.deny(intent, nil, t0, contracts.DenialSystemError,
			[]string{"trust profile unavailable"}, []string{"retry the request"})
	}

	// Pre-authorize hooks, in registration order. Any abort denies.
	for _, hook := range e.preHooks {
		if hookErr := runPreHook(ctx, hook, e.hookTimeout, intent, profile); hookErr != nil {
			var abort *HookAbort
			reason := "hook error"
			if errors.As(hookErr, &abort) {
				reason = abort.Reason
			} else {
				e.logger.Warn("pre-authorize hook failed", "hook", hook.Name(), "error", hookErr)
			}
			return e.deny(intent, profile, t0, contracts.DenialPolicyViolation,
				[]string{fmt.Sprintf("pre-authorize hook %s: %s", hook.Name(), reason)}, nil)
		}
	}

	eval := e.Evaluate(intent, profile)
	var decision *contracts.Decision
	if !eval.Permitted {
		decision = e.deny(intent, profile, t0, eval.DenialReason, eval.Reasoning, remediationsFor(eval, intent))
	} else {
		constraints := MergeConstraints(PresetFor(profile.Band), optionConstraints(opts))
		expiry := t0.Add(constraints.Deadline)
		if intent.ExpiresAt.Before(expiry) {
			expiry = intent.ExpiresAt
		}
		decision = &contracts.Decision{
			DecisionID:    uuid.New().String(),
			IntentID:      intent.IntentID,
			AgentID:       intent.AgentID,
			Permitted:     true,
			Constraints:   &constraints,
			TrustBand:     profile.Band.String(),
			TrustScore:    profile.Score,
			Reasoning:     eval.Reasoning,
			DecidedAt:     t0,
			ExpiresAt:     expiry,
			LatencyMs:     e.clock().Sub(t0).Milliseconds(),
			PolicySetID:   e.policySetID,
			CorrelationID: intent.CorrelationID,
		}
	}

	return decision
}

// Evaluate is the synchronous decision core: pure function of the
// intent and profile snapshot, no I/O.
func (e *Engine) Evaluate(intent *contracts.Intent, profile *contracts.TrustProfile) Evaluation {
	required := RequiredBandFor(intent.ActionType, intent.DataSensitivity, intent.Reversibility)
	reasoning := []string{
		fmt.Sprintf("action %s requires band %s", intent.ActionType, BandForAction(intent.ActionType)),
		fmt.Sprintf("sensitivity %s requires band %s", intent.DataSensitivity, BandForSensitivity(intent.DataSensitivity)),
	}
	if intent.Reversibility == contracts.Irreversible {
		reasoning = append(reasoning, "irreversible action raises the required band by one")
	}
	reasoning = append(reasoning, fmt.Sprintf("required band %s; agent band %s (score %d)",
		required, profile.Band, profile.Score))

	if profile.Band == contracts.BandUntrusted || profile.Band < required {
		return Evaluation{
			DenialReason: contracts.DenialInsufficientTrust,
			RequiredBand: required,
			Reasoning:    append(reasoning, "trust band below requirement"),
		}
	}

	if intent.DataSensitivity == contracts.SensitivityRestricted &&
		!bandAllowsScope(profile.Band, "restricted") {
		return Evaluation{
			DenialReason: contracts.DenialResourceRestricted,
			RequiredBand: required,
			Reasoning:    append(reasoning, "band scope set excludes restricted data"),
		}
	}

	if reason, ok := contextViolation(intent, profile.Band); !ok {
		return Evaluation{
			DenialReason: contracts.DenialContextMismatch,
			RequiredBand: required,
			Reasoning:    append(reasoning, reason),
		}
	}

	return Evaluation{
		Permitted:    true,
		RequiredBand: required,
		Reasoning:    append(reasoning, "all checks passed"),
	}
}

// contextViolation enforces the environment / PII / PHI ceilings.
func contextViolation(intent *contracts.Intent, band contracts.Band) (string, bool) {
	if intent.CtxString(contracts.CtxEnvironment) == "production" && band < contracts.BandTrusted {
		return "production environment requires band trusted or above", false
	}
	if intent.CtxBool(contracts.CtxHandlesPII) && band < contracts.BandConstrained {
		return "PII handling requires band constrained or above", false
	}
	if intent.CtxBool(contracts.CtxHandlesPHI) && band < contracts.BandTrusted {
		return "PHI handling requires band trusted or above", false
	}
	return "", true
}

func (e *Engine) deny(intent *contracts.Intent, profile *contracts.TrustProfile, t0 time.Time,
	reason contracts.DenialReason, reasoning, remediations []string) *contracts.Decision {
	d := &contracts.Decision{
		DecisionID:    uuid.New().String(),
		IntentID:      intent.IntentID,
		AgentID:       intent.AgentID,
		Permitted:     false,
		DenialReason:  reason,
		Reasoning:     reasoning,
		Remediations:  remediations,
		DecidedAt:     t0,
		ExpiresAt:     t0,
		LatencyMs:     e.clock().Sub(t0).Milliseconds(),
		PolicySetID:   e.policySetID,
		CorrelationID: intent.CorrelationID,
	}
	if profile != nil {
		d.TrustBand = profile.Band.String()
		d.TrustScore = profile.Score
	}
	return d
}

func remediationsFor(eval Evaluation, intent *contracts.Intent) []string {
	switch eval.DenialReason {
	case contracts.DenialInsufficientTrust:
		return []string{
			"increase trust score",
			fmt.Sprintf("band %s is required for this intent", eval.RequiredBand),
		}
	case contracts.DenialResourceRestricted:
		return []string{"reduce requested sensitivity", "use higher observability tier"}
	case contracts.DenialContextMismatch:
		if intent.CtxBool(contracts.CtxHandlesPHI) || intent.CtxBool(contracts.CtxHandlesPII) {
			return []string{"increase trust score", "strip regulated data from the request"}
		}
		return []string{"increase trust score", "target a non-production environment"}
	default:
		return nil
	}
}

func optionConstraints(opts *Options) *contracts.DecisionConstraints {
	if opts == nil {
		return nil
	}
	return opts.ConstraintOptions
}
