// Package router maps (trust score, risk level) onto the three
// governance paths and enforces the hierarchy of concerns.
package router

import (
	"fmt"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// Tier is the router's view of trust; its thresholds are part of the
// matrix definition and differ from the scoring ladder.
type Tier int

const (
	TierUntrusted Tier = iota
	TierProvisional
	TierEstablished
	TierTrusted
	TierVerified
	TierCertified
)

var tierNames = [...]string{"untrusted", "provisional", "established", "trusted", "verified", "certified"}

// routerThresholds define the matrix rows by minimum score.
var routerThresholds = [...]int{0, 200, 400, 600, 800, 900}

func (t Tier) String() string {
	if t < TierUntrusted || t > TierCertified {
		return "untrusted"
	}
	return tierNames[t]
}

// TierForScore maps a trust score to its matrix row.
func TierForScore(score int) Tier {
	tier := TierUntrusted
	for i, threshold := range routerThresholds {
		if score >= threshold {
			tier = Tier(i)
		}
	}
	return tier
}

// Cell is one entry of the risk x trust matrix.
type Cell struct {
	Path            contracts.Path
	MaxLatencyMs    int64
	RequiresCouncil bool
	RequiresHuman   bool
}

var (
	green  = Cell{Path: contracts.PathGreen, MaxLatencyMs: 100}
	yellow = Cell{Path: contracts.PathYellow, MaxLatencyMs: 2_000}
	redC   = Cell{Path: contracts.PathRed, MaxLatencyMs: 30_000, RequiresCouncil: true}
	redH   = Cell{Path: contracts.PathRed, MaxLatencyMs: 30_000, RequiresCouncil: true, RequiresHuman: true}
)

// matrix[tier][risk]; risk columns are low, medium, high, critical.
var matrix = map[Tier]map[contracts.RiskLevel]Cell{
	TierCertified:   {contracts.RiskLow: green, contracts.RiskMedium: green, contracts.RiskHigh: yellow, contracts.RiskCritical: redH},
	TierVerified:    {contracts.RiskLow: green, contracts.RiskMedium: green, contracts.RiskHigh: yellow, contracts.RiskCritical: redH},
	TierTrusted:     {contracts.RiskLow: green, contracts.RiskMedium: yellow, contracts.RiskHigh: yellow, contracts.RiskCritical: redH},
	TierEstablished: {contracts.RiskLow: green, contracts.RiskMedium: yellow, contracts.RiskHigh: redC, contracts.RiskCritical: redH},
	TierProvisional: {contracts.RiskLow: yellow, contracts.RiskMedium: redC, contracts.RiskHigh: redC, contracts.RiskCritical: redH},
	TierUntrusted:   {contracts.RiskLow: redC, contracts.RiskMedium: redC, contracts.RiskHigh: redH, contracts.RiskCritical: redH},
}

// Route looks up the governance path for a trust score and risk level.
func Route(trustScore int, risk contracts.RiskLevel) contracts.RoutingResult {
	tier := TierForScore(trustScore)
	column := risk
	switch column {
	case contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical:
	case contracts.RiskInfo:
		column = contracts.RiskLow
	default:
		// Unknown risk fails to the most conservative column.
		column = contracts.RiskCritical
	}
	cell := matrix[tier][column]

	return contracts.RoutingResult{
		Path:            cell.Path,
		TrustTier:       tier.String(),
		RiskLevel:       risk,
		MaxLatencyMs:    cell.MaxLatencyMs,
		RequiresCouncil: cell.RequiresCouncil,
		RequiresHuman:   cell.RequiresHuman,
		Reasoning: []string{
			fmt.Sprintf("trust score %d maps to tier %s", trustScore, tier),
			fmt.Sprintf("tier %s at risk %s routes to %s", tier, column, cell.Path),
		},
	}
}
