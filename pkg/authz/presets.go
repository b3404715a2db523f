package authz

import (
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// requiredBandByAction maps each action type to the minimum band that
// may perform it.
var requiredBandByAction = map[contracts.ActionType]contracts.Band{
	contracts.ActionRead:        contracts.BandProvisional,
	contracts.ActionCommunicate: contracts.BandProvisional,
	contracts.ActionWrite:       contracts.BandConstrained,
	contracts.ActionExecute:     contracts.BandConstrained,
	contracts.ActionTransfer:    contracts.BandTrusted,
	contracts.ActionDelete:      contracts.BandTrusted,
}

// requiredBandBySensitivity maps each data classification to the
// minimum band that may touch it.
var requiredBandBySensitivity = map[contracts.DataSensitivity]contracts.Band{
	contracts.SensitivityPublic:       contracts.BandUntrusted,
	contracts.SensitivityInternal:     contracts.BandProvisional,
	contracts.SensitivityConfidential: contracts.BandTrusted,
	contracts.SensitivityRestricted:   contracts.BandElite,
}

// BandForAction returns the minimum band required for an action type.
func BandForAction(a contracts.ActionType) contracts.Band {
	if b, ok := requiredBandByAction[a]; ok {
		return b
	}
	return contracts.BandCertified
}

// BandForSensitivity returns the minimum band required for a sensitivity.
func BandForSensitivity(s contracts.DataSensitivity) contracts.Band {
	if b, ok := requiredBandBySensitivity[s]; ok {
		return b
	}
	return contracts.BandCertified
}

// RequiredBandFor computes the band an intent demands:
// max(action, sensitivity) plus one band for irreversible actions,
// clamped at the top of the ladder.
func RequiredBandFor(action contracts.ActionType, sensitivity contracts.DataSensitivity, rev contracts.Reversibility) contracts.Band {
	required := BandForAction(action)
	if s := BandForSensitivity(sensitivity); s > required {
		required = s
	}
	if rev == contracts.Irreversible {
		required++
	}
	return required.Clamp()
}

// bandConstraintPresets is the default constraint envelope per band.
// Merging with per-intent overrides keeps the most restrictive value.
var bandConstraintPresets = map[contracts.Band]contracts.DecisionConstraints{
	contracts.BandUntrusted: {
		AllowedScopes:     []string{},
		RateLimits:        contracts.RateLimits{PerMinute: 0, PerHour: 0, PerDay: 0, Concurrency: 0},
		MaxCost:           0,
		RequiredApprovals: []string{"operator"},
		Observability:     contracts.TierWhite,
		Deadline:          time.Minute,
		SandboxRequired:   true,
	},
	contracts.BandProvisional: {
		AllowedScopes:     []string{"public"},
		RateLimits:        contracts.RateLimits{PerMinute: 5, PerHour: 60, PerDay: 200, Concurrency: 1},
		MaxCost:           1,
		RequiredApprovals: []string{"operator"},
		Observability:     contracts.TierWhite,
		Deadline:          2 * time.Minute,
		SandboxRequired:   true,
	},
	contracts.BandConstrained: {
		AllowedScopes:     []string{"public", "internal"},
		RateLimits:        contracts.RateLimits{PerMinute: 20, PerHour: 300, PerDay: 2000, Concurrency: 2},
		MaxCost:           10,
		RequiredApprovals: []string{},
		Observability:     contracts.TierWhite,
		Deadline:          3 * time.Minute,
		SandboxRequired:   true,
	},
	contracts.BandTrusted: {
		AllowedScopes:     []string{"public", "internal", "confidential"},
		RateLimits:        contracts.RateLimits{PerMinute: 60, PerHour: 1500, PerDay: 10000, Concurrency: 4},
		MaxCost:           100,
		RequiredApprovals: []string{},
		Observability:     contracts.TierGrey,
		Deadline:          5 * time.Minute,
		SandboxRequired:   false,
	},
	contracts.BandElite: {
		AllowedScopes:     []string{"public", "internal", "confidential", "restricted"},
		RateLimits:        contracts.RateLimits{PerMinute: 120, PerHour: 5000, PerDay: 50000, Concurrency: 8},
		MaxCost:           1000,
		RequiredApprovals: []string{},
		Observability:     contracts.TierGrey,
		Deadline:          15 * time.Minute,
		SandboxRequired:   false,
	},
	contracts.BandCertified: {
		AllowedScopes:     []string{"*"},
		RateLimits:        contracts.RateLimits{PerMinute: 300, PerHour: 10000, PerDay: 100000, Concurrency: 16},
		MaxCost:           10000,
		RequiredApprovals: []string{},
		Observability:     contracts.TierBlack,
		Deadline:          30 * time.Minute,
		SandboxRequired:   false,
	},
}

// PresetFor returns a copy of the constraint preset for a band.
func PresetFor(band contracts.Band) contracts.DecisionConstraints {
	preset := bandConstraintPresets[band]
	scopes := make([]string, len(preset.AllowedScopes))
	copy(scopes, preset.AllowedScopes)
	preset.AllowedScopes = scopes
	approvals := make([]string, len(preset.RequiredApprovals))
	copy(approvals, preset.RequiredApprovals)
	preset.RequiredApprovals = approvals
	return preset
}

// bandAllowsScope reports whether the band preset grants a scope,
// honoring the wildcard.
func bandAllowsScope(band contracts.Band, scope string) bool {
	for _, s := range bandConstraintPresets[band].AllowedScopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// tierRank orders observability tiers from most to least revealing.
var tierRank = map[contracts.ObservabilityTier]int{
	contracts.TierWhite: 0,
	contracts.TierGrey:  1,
	contracts.TierBlack: 2,
}

// MergeConstraints combines a band preset with per-intent overrides.
// The most restrictive value wins: min of numeric ceilings, intersection
// of scope sets, union of required approvals, the more revealing
// observability tier, and the shorter deadline.
func MergeConstraints(base contracts.DecisionConstraints, override *contracts.DecisionConstraints) contracts.DecisionConstraints {
	if override == nil {
		return base
	}
	merged := base

	if len(override.AllowedScopes) > 0 {
		merged.AllowedScopes = intersectScopes(base.AllowedScopes, override.AllowedScopes)
	}
	merged.RateLimits.PerMinute = minPositive(base.RateLimits.PerMinute, override.RateLimits.PerMinute)
	merged.RateLimits.PerHour = minPositive(base.RateLimits.PerHour, override.RateLimits.PerHour)
	merged.RateLimits.PerDay = minPositive(base.RateLimits.PerDay, override.RateLimits.PerDay)
	merged.RateLimits.Concurrency = minPositive(base.RateLimits.Concurrency, override.RateLimits.Concurrency)
	if override.MaxCost > 0 && (base.MaxCost == 0 || override.MaxCost < base.MaxCost) {
		merged.MaxCost = override.MaxCost
	}
	if override.Deadline > 0 && (base.Deadline == 0 || override.Deadline < base.Deadline) {
		merged.Deadline = override.Deadline
	}
	if override.Observability != "" && tierRank[override.Observability] < tierRank[base.Observability] {
		merged.Observability = override.Observability
	}
	if override.SandboxRequired {
		merged.SandboxRequired = true
	}
	merged.RequiredApprovals = unionApprovals(base.RequiredApprovals, override.RequiredApprovals)
	return merged
}

func intersectScopes(a, b []string) []string {
	// Wildcard on either side defers to the other set.
	if containsWildcard(a) {
		out := make([]string, len(b))
		copy(out, b)
		return out
	}
	if containsWildcard(b) {
		out := make([]string, len(a))
		copy(out, a)
		return out
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func containsWildcard(scopes []string) bool {
	for _, s := range scopes {
		if s == "*" {
			return true
		}
	}
	return false
}

func unionApprovals(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, roles := range [][]string{a, b} {
		for _, r := range roles {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func minPositive(a, b int) int {
	if b > 0 && (a == 0 || b < a) {
		return b
	}
	return a
}
