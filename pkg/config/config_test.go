package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "SESSION_TTL", "AGENT_RPM"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 60, cfg.AgentRPM)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("AGENT_RPM", "120")
	t.Setenv("REQUEST_BURST", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 120, cfg.AgentRPM)
	// Malformed values fall back rather than failing startup.
	assert.Equal(t, 100, cfg.RequestBurst)
}

func writePolicySet(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadPolicySet(t *testing.T) {
	dir := t.TempDir()
	writePolicySet(t, dir, "policyset_base.yaml", `
id: base
description: default governance rules
rules:
  - name: no_restricted_writes_below_elite
    expr: "!(intent.action_type == 'write' && intent.data_sensitivity == 'restricted') || profile.score >= 700"
  - name: block_flagged_jurisdictions
    expr: "!('jurisdictionBlocked' in intent.context) || intent.context['jurisdictionBlocked'] == false"
`)

	set, err := LoadPolicySet(dir, "base")
	require.NoError(t, err)
	assert.Equal(t, "base", set.ID)
	require.Len(t, set.Rules, 2)

	hook, err := set.Hook()
	require.NoError(t, err)
	assert.Equal(t, "cel_policy", hook.Name())
}

func TestLoadPolicySetsOrdersAndValidates(t *testing.T) {
	dir := t.TempDir()
	writePolicySet(t, dir, "policyset_zonal.yaml", "rules:\n  - name: r1\n    expr: \"true\"\n")
	writePolicySet(t, dir, "policyset_base.yaml", "id: base\nrules: []\n")

	sets, err := LoadPolicySets(dir)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "base", sets[0].ID)
	// Id derived from the filename when omitted.
	assert.Equal(t, "zonal", sets[1].ID)
}

func TestLoadPolicySetRejectsUnnamedRules(t *testing.T) {
	dir := t.TempDir()
	writePolicySet(t, dir, "policyset_bad.yaml", "id: bad\nrules:\n  - expr: \"true\"\n")

	_, err := LoadPolicySet(dir, "bad")
	require.Error(t, err)
}

func TestMissingPolicySet(t *testing.T) {
	_, err := LoadPolicySet(t.TempDir(), "ghost")
	require.Error(t, err)
}
