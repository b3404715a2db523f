package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

func TestTierForScore(t *testing.T) {
	cases := []struct {
		score int
		want  Tier
	}{
		{0, TierUntrusted},
		{199, TierUntrusted},
		{200, TierProvisional},
		{400, TierEstablished},
		{620, TierTrusted},
		{800, TierVerified},
		{880, TierVerified},
		{900, TierCertified},
		{1000, TierCertified},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierForScore(tc.score), "score=%d", tc.score)
	}
}

func TestRouteMatrix(t *testing.T) {
	cases := []struct {
		score int
		risk  contracts.RiskLevel
		path  contracts.Path
	}{
		{920, contracts.RiskLow, contracts.PathGreen},
		{920, contracts.RiskMedium, contracts.PathGreen},
		{920, contracts.RiskHigh, contracts.PathYellow},
		{920, contracts.RiskCritical, contracts.PathRed},
		{850, contracts.RiskMedium, contracts.PathGreen},
		{650, contracts.RiskMedium, contracts.PathYellow},
		{650, contracts.RiskHigh, contracts.PathYellow},
		{450, contracts.RiskHigh, contracts.PathRed},
		{250, contracts.RiskLow, contracts.PathYellow},
		{250, contracts.RiskMedium, contracts.PathRed},
		{50, contracts.RiskLow, contracts.PathRed},
	}
	for _, tc := range cases {
		result := Route(tc.score, tc.risk)
		assert.Equal(t, tc.path, result.Path, "score=%d risk=%s", tc.score, tc.risk)
		assert.NotEmpty(t, result.Reasoning)
	}
}

func TestRouteCriticalAlwaysRequiresHuman(t *testing.T) {
	for _, score := range []int{0, 250, 450, 650, 850, 950} {
		result := Route(score, contracts.RiskCritical)
		assert.Equal(t, contracts.PathRed, result.Path, "score=%d", score)
		assert.True(t, result.RequiresCouncil, "score=%d", score)
		assert.True(t, result.RequiresHuman, "score=%d", score)
	}
}

func TestRouteUnknownRiskFailsConservative(t *testing.T) {
	result := Route(920, contracts.RiskLevel("weird"))
	assert.Equal(t, contracts.PathRed, result.Path)
}

func TestRouteInfoRiskTreatedAsLow(t *testing.T) {
	result := Route(920, contracts.RiskInfo)
	assert.Equal(t, contracts.PathGreen, result.Path)
}
