package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

func TestCELPolicyHookAllowsAndDenies(t *testing.T) {
	hook, err := NewCELPolicyHook([]PolicyRule{
		{Name: "no_transfer_below_trusted", Expr: `intent.action_type != "transfer" || profile.score >= 500`},
	})
	require.NoError(t, err)

	profile := profileWithScore("agent-1", 640)
	read := testIntent("agent-1", nil)
	require.NoError(t, hook.Before(context.Background(), read, profile))

	lowProfile := profileWithScore("agent-1", 200)
	transfer := testIntent("agent-1", func(i *contracts.Intent) {
		i.ActionType = contracts.ActionTransfer
	})
	err = hook.Before(context.Background(), transfer, lowProfile)
	require.Error(t, err)
	var abort *HookAbort
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Reason, "no_transfer_below_trusted")
}

func TestCELPolicyHookRejectsMalformedRule(t *testing.T) {
	_, err := NewCELPolicyHook([]PolicyRule{{Name: "bad", Expr: `intent.`}})
	require.Error(t, err)
}

func TestCELPolicyHookAsEnginePreHook(t *testing.T) {
	hook, err := NewCELPolicyHook([]PolicyRule{
		{Name: "block_restricted", Expr: `intent.data_sensitivity != "restricted"`},
	})
	require.NoError(t, err)

	profiles := staticProfiles{"agent-1": profileWithScore("agent-1", 950)}
	engine := NewEngine(profiles, WithClock(fixedClock()))
	engine.RegisterPreHook(hook)

	intent := testIntent("agent-1", func(i *contracts.Intent) {
		i.DataSensitivity = contracts.SensitivityRestricted
	})
	decision := engine.Authorize(context.Background(), intent, nil)

	require.False(t, decision.Permitted)
	assert.Equal(t, contracts.DenialPolicyViolation, decision.DenialReason)
}
