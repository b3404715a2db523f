package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

type staticProfiles map[string]*contracts.TrustProfile

func (p staticProfiles) Profile(ctx context.Context, agentID string) (*contracts.TrustProfile, error) {
	profile, ok := p[agentID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return profile, nil
}

func profileWithScore(agentID string, score int) *contracts.TrustProfile {
	return &contracts.TrustProfile{
		AgentID:       agentID,
		Score:         score,
		AdjustedScore: score,
		Band:          contracts.BandForScore(score),
		LastUpdate:    time.Now(),
		Version:       1,
	}
}

func testIntent(agentID string, mutate func(*contracts.Intent)) *contracts.Intent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := &contracts.Intent{
		IntentID:        "e3f1b1a0-0000-4000-8000-000000000001",
		AgentID:         agentID,
		ActionType:      contracts.ActionRead,
		DataSensitivity: contracts.SensitivityPublic,
		Reversibility:   contracts.Reversible,
		CorrelationID:   "corr-1",
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
	if mutate != nil {
		mutate(intent)
	}
	return intent
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }
}

func TestAuthorizePermitsHighTrustRead(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 920)}
	engine := NewEngine(profiles, WithClock(fixedClock()))

	decision := engine.Authorize(context.Background(), testIntent("agent-1", nil), nil)

	require.True(t, decision.Permitted)
	require.NotNil(t, decision.Constraints)
	assert.Equal(t, contracts.DenialNone, decision.DenialReason)
	assert.Equal(t, "certified", decision.TrustBand)
	assert.Equal(t, 920, decision.TrustScore)
}

func TestAuthorizeIrreversibleWriteAtConstrainedBand(t *testing.T) {
	// score 350 -> constrained; irreversible confidential write needs elite.
	profiles := staticProfiles{"agent-2": profileWithScore("agent-2", 350)}
	engine := NewEngine(profiles, WithClock(fixedClock()))

	intent := testIntent("agent-2", func(i *contracts.Intent) {
		i.ActionType = contracts.ActionWrite
		i.DataSensitivity = contracts.SensitivityConfidential
		i.Reversibility = contracts.Irreversible
	})
	decision := engine.Authorize(context.Background(), intent, nil)

	require.False(t, decision.Permitted)
	assert.Nil(t, decision.Constraints)
	assert.Equal(t, contracts.DenialInsufficientTrust, decision.DenialReason)
	assert.Contains(t, decision.Remediations, "increase trust score")
}

func TestAuthorizePHIInProductionAtTrustedBand(t *testing.T) {
	profiles := staticProfiles{"agent-3": profileWithScore("agent-3", 620)}
	engine := NewEngine(profiles, WithClock(fixedClock()))

	intent := testIntent("agent-3", func(i *contracts.Intent) {
		i.DataSensitivity = contracts.SensitivityConfidential
		i.Context = map[string]any{
			contracts.CtxEnvironment: "production",
			contracts.CtxHandlesPHI:  true,
		}
	})
	decision := engine.Authorize(context.Background(), intent, nil)

	require.True(t, decision.Permitted)
	require.NotNil(t, decision.Constraints)
	assert.Equal(t, contracts.TierGrey, decision.Constraints.Observability)
	assert.LessOrEqual(t, decision.Constraints.Deadline, 5*time.Minute)
	assert.Empty(t, decision.Constraints.RequiredApprovals)
}

func TestAuthorizeExpiredIntent(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 900)}
	engine := NewEngine(profiles, WithClock(fixedClock()))

	intent := testIntent("agent-1", func(i *contracts.Intent) {
		i.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		i.ExpiresAt = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	})
	decision := engine.Authorize(context.Background(), intent, nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialExpiredIntent, decision.DenialReason)
}

func TestAuthorizeUnknownAgent(t *testing.T) {
	engine := NewEngine(staticProfiles{}, WithClock(fixedClock()))

	decision := engine.Authorize(context.Background(), testIntent("ghost", nil), nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialInsufficientTrust, decision.DenialReason)
}

func TestAuthorizeUntrustedBandAlwaysDenies(t *testing.T) {
	profiles := staticProfiles{"agent-0": profileWithScore("agent-0", 50)}
	engine := NewEngine(profiles, WithClock(fixedClock()))

	decision := engine.Authorize(context.Background(), testIntent("agent-0", nil), nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialInsufficientTrust, decision.DenialReason)
}

func TestRestrictedScopeDeniedBelowElite(t *testing.T) {
	profiles := staticProfiles{"agent-4": profileWithScore("agent-4", 950)}
	engine := NewEngine(profiles, WithClock(fixedClock()))

	// Certified band allows restricted via wildcard; drop to trusted to deny.
	profiles["agent-4"] = profileWithScore("agent-4", 620)
	intent := testIntent("agent-4", func(i *contracts.Intent) {
		i.DataSensitivity = contracts.SensitivityRestricted
	})
	decision := engine.Authorize(context.Background(), intent, nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialInsufficientTrust, decision.DenialReason)
}

func TestPreHookAbortDenies(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 900)}
	engine := NewEngine(profiles, WithClock(fixedClock()))
	engine.RegisterPreHook(PreHookFunc{
		HookName: "budget",
		Fn: func(ctx context.Context, intent *contracts.Intent, profile *contracts.TrustProfile) error {
			return Abort("budget", "monthly budget exhausted")
		},
	})

	decision := engine.Authorize(context.Background(), testIntent("agent-1", nil), nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialPolicyViolation, decision.DenialReason)
	assert.Contains(t, decision.Reasoning[0], "monthly budget exhausted")
}

func TestPreHookPanicCountsAsAbort(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 900)}
	engine := NewEngine(profiles, WithClock(fixedClock()))
	engine.RegisterPreHook(PreHookFunc{
		HookName: "flaky",
		Fn: func(ctx context.Context, intent *contracts.Intent, profile *contracts.TrustProfile) error {
			panic("boom")
		},
	})

	decision := engine.Authorize(context.Background(), testIntent("agent-1", nil), nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialPolicyViolation, decision.DenialReason)
}

func TestPreHookTimeout(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 900)}
	engine := NewEngine(profiles, WithClock(fixedClock()), WithHookTimeout(10*time.Millisecond))
	engine.RegisterPreHook(PreHookFunc{
		HookName: "slow",
		Fn: func(ctx context.Context, intent *contracts.Intent, profile *contracts.TrustProfile) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	decision := engine.Authorize(context.Background(), testIntent("agent-1", nil), nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialPolicyViolation, decision.DenialReason)
}

func TestPostHookCannotAlterDecision(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 900)}
	engine := NewEngine(profiles, WithClock(fixedClock()))
	var observed *contracts.Decision
	engine.RegisterPostHook(PostHookFunc{
		HookName: "recorder",
		Fn: func(ctx context.Context, intent *contracts.Intent, decision *contracts.Decision) {
			observed = decision
		},
	})

	decision := engine.Authorize(context.Background(), testIntent("agent-1", nil), nil)

	require.True(t, decision.Permitted)
	assert.Same(t, decision, observed)
}

func TestPostHooksRunOnDenials(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 950)}
	engine := NewEngine(profiles, WithClock(fixedClock()), WithGuard(blockedGuard{}))
	var observed *contracts.Decision
	engine.RegisterPostHook(PostHookFunc{
		HookName: "recorder",
		Fn: func(ctx context.Context, intent *contracts.Intent, decision *contracts.Decision) {
			observed = decision
		},
	})

	decision := engine.Authorize(context.Background(), testIntent("agent-1", nil), nil)

	require.False(t, decision.Permitted)
	require.NotNil(t, observed)
	assert.Equal(t, contracts.DenialPolicyViolation, observed.DenialReason)
}

type blockedGuard struct{}

func (blockedGuard) Blocked(agentID string) (bool, string) { return true, "incident-42" }

func TestKillSwitchDenies(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 950)}
	engine := NewEngine(profiles, WithClock(fixedClock()), WithGuard(blockedGuard{}))

	decision := engine.Authorize(context.Background(), testIntent("agent-1", nil), nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialPolicyViolation, decision.DenialReason)
	assert.Contains(t, decision.Reasoning[0], "kill_switch")
}

func TestDecisionDeterminism(t *testing.T) {
	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 640)}
	engine := NewEngine(profiles, WithClock(fixedClock()))
	intent := testIntent("agent-1", func(i *contracts.Intent) {
		i.ActionType = contracts.ActionWrite
		i.DataSensitivity = contracts.SensitivityInternal
	})

	first := engine.Authorize(context.Background(), intent, nil)
	second := engine.Authorize(context.Background(), intent, nil)

	assert.Equal(t, first.Permitted, second.Permitted)
	assert.Equal(t, first.DenialReason, second.DenialReason)
	assert.Equal(t, first.Reasoning, second.Reasoning)
	assert.Equal(t, first.Constraints, second.Constraints)
	assert.Equal(t, first.TrustBand, second.TrustBand)
}

func TestEvaluateIsPure(t *testing.T) {
	engine := NewEngine(staticProfiles{}, WithClock(fixedClock()))
	profile := profileWithScore("agent-1", 640)
	intent := testIntent("agent-1", nil)

	eval := engine.Evaluate(intent, profile)

	require.True(t, eval.Permitted)
	assert.Equal(t, contracts.BandProvisional, eval.RequiredBand)
	assert.NotEmpty(t, eval.Reasoning)
}

func TestCanPerformAndCanAccess(t *testing.T) {
	assert.False(t, CanPerform(contracts.BandUntrusted, contracts.ActionRead))
	assert.True(t, CanPerform(contracts.BandProvisional, contracts.ActionRead))
	assert.False(t, CanPerform(contracts.BandProvisional, contracts.ActionDelete))
	assert.True(t, CanPerform(contracts.BandTrusted, contracts.ActionDelete))

	assert.True(t, CanAccess(contracts.BandConstrained, contracts.SensitivityInternal))
	assert.False(t, CanAccess(contracts.BandConstrained, contracts.SensitivityConfidential))
	assert.True(t, CanAccess(contracts.BandElite, contracts.SensitivityRestricted))
}

func TestRequiredBandFor(t *testing.T) {
	cases := []struct {
		action contracts.ActionType
		sens   contracts.DataSensitivity
		rev    contracts.Reversibility
		want   contracts.Band
	}{
		{contracts.ActionRead, contracts.SensitivityPublic, contracts.Reversible, contracts.BandProvisional},
		{contracts.ActionWrite, contracts.SensitivityConfidential, contracts.Irreversible, contracts.BandElite},
		{contracts.ActionDelete, contracts.SensitivityRestricted, contracts.Irreversible, contracts.BandCertified},
		{contracts.ActionTransfer, contracts.SensitivityPublic, contracts.Reversible, contracts.BandTrusted},
	}
	for _, tc := range cases {
		got := RequiredBandFor(tc.action, tc.sens, tc.rev)
		assert.Equal(t, tc.want, got, "action=%s sens=%s rev=%s", tc.action, tc.sens, tc.rev)
	}
}

func TestMergeConstraintsMostRestrictiveWins(t *testing.T) {
	base := PresetFor(contracts.BandTrusted)
	override := &contracts.DecisionConstraints{
		AllowedScopes: []string{"internal", "confidential", "secret"},
		RateLimits:    contracts.RateLimits{PerMinute: 10},
		MaxCost:       5,
		Observability: contracts.TierWhite,
		Deadline:      time.Minute,
	}

	merged := MergeConstraints(base, override)

	assert.ElementsMatch(t, []string{"internal", "confidential"}, merged.AllowedScopes)
	assert.Equal(t, 10, merged.RateLimits.PerMinute)
	assert.Equal(t, base.RateLimits.PerHour, merged.RateLimits.PerHour)
	assert.Equal(t, 5.0, merged.MaxCost)
	assert.Equal(t, contracts.TierWhite, merged.Observability)
	assert.Equal(t, time.Minute, merged.Deadline)
}
