package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

func leaderboardProfile(agentID string, adjusted int) *contracts.TrustProfile {
	return &contracts.TrustProfile{
		AgentID:       agentID,
		Score:         adjusted,
		AdjustedScore: adjusted,
		Band:          contracts.BandForScore(adjusted),
		LastUpdate:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLeaderboardRanking(t *testing.T) {
	lb := NewLeaderboardFromProfiles([]*contracts.TrustProfile{
		leaderboardProfile("agent-b", 700),
		leaderboardProfile("agent-a", 700),
		leaderboardProfile("agent-c", 900),
		leaderboardProfile("agent-d", 150),
	}, map[string]string{"agent-c": "Atlas"})

	require.Equal(t, 4, lb.Count())

	top, ok := lb.Entry("agent-c")
	require.True(t, ok)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, "Atlas", top.Name)
	assert.Equal(t, "certified", top.BandName)

	// Ties break by agent id ascending.
	a, _ := lb.Entry("agent-a")
	b, _ := lb.Entry("agent-b")
	assert.Equal(t, 2, a.Rank)
	assert.Equal(t, 3, b.Rank)

	// Missing display names fall back to the id.
	d, _ := lb.Entry("agent-d")
	assert.Equal(t, "agent-d", d.Name)
	assert.Equal(t, 4, d.Rank)
}

func TestLeaderboardTopNAndBands(t *testing.T) {
	lb := NewLeaderboardFromProfiles([]*contracts.TrustProfile{
		leaderboardProfile("a1", 950),
		leaderboardProfile("a2", 720),
		leaderboardProfile("a3", 710),
		leaderboardProfile("a4", 50),
	}, nil)

	top2 := lb.TopN(2)
	require.Len(t, top2, 2)
	assert.Equal(t, "a1", top2[0].AgentID)
	assert.Equal(t, "a2", top2[1].AgentID)

	elite := lb.ByBand(contracts.BandElite)
	require.Len(t, elite, 2)

	assert.Len(t, lb.TopN(100), 4)
}

func TestLeaderboardUpdateAndRerank(t *testing.T) {
	lb := NewLeaderboardFromProfiles([]*contracts.TrustProfile{
		leaderboardProfile("a1", 500),
		leaderboardProfile("a2", 400),
	}, nil)

	before, _ := lb.Entry("a2")
	assert.Equal(t, 2, before.Rank)

	lb.UpdateProfile("", leaderboardProfile("a2", 600))
	lb.Rank()

	after, _ := lb.Entry("a2")
	assert.Equal(t, 1, after.Rank)
}

func TestLeaderboardExportDeterministicHash(t *testing.T) {
	profiles := []*contracts.TrustProfile{
		leaderboardProfile("a1", 800),
		leaderboardProfile("a2", 300),
	}
	lb := NewLeaderboardFromProfiles(profiles, nil)

	export := lb.Export()
	assert.Equal(t, 2, export.TotalAgents)
	assert.InDelta(t, 550.0, export.AverageScore, 0.001)
	assert.Equal(t, 1, export.BandSummary["elite"])
	assert.Equal(t, 1, export.BandSummary["constrained"])
	require.NotEmpty(t, export.Hash)

	// Same rankings hash identically regardless of input order.
	reordered := NewLeaderboardFromProfiles([]*contracts.TrustProfile{profiles[1], profiles[0]}, nil)
	assert.Equal(t, export.Hash, reordered.Hash())

	lb.UpdateProfile("", leaderboardProfile("a2", 900))
	lb.Rank()
	assert.NotEqual(t, export.Hash, lb.Hash())
}

func TestLeaderboardEmpty(t *testing.T) {
	lb := NewLeaderboard()
	export := lb.Export()
	assert.Zero(t, export.TotalAgents)
	assert.Zero(t, export.AverageScore)
	assert.Empty(t, lb.TopN(5))
	_, ok := lb.Entry("nope")
	assert.False(t, ok)
}
