package contracts

import "time"

// Band is the authorization view of an agent's trust classification.
// Bands and tiers share one score ladder; only the names differ.
type Band int

const (
	BandUntrusted Band = iota
	BandProvisional
	BandConstrained
	BandTrusted
	BandElite
	BandCertified
)

// bandThresholds is the canonical score ladder. A score maps to the
// highest band whose threshold it meets.
var bandThresholds = [...]int{0, 100, 300, 500, 700, 900}

var bandNames = [...]string{"untrusted", "provisional", "constrained", "trusted", "elite", "certified"}

// tierNames is the scoring view over the same ordinals.
var tierNames = [...]string{"untrusted", "provisional", "proven", "trusted", "elite", "certified"}

func (b Band) String() string {
	if b < BandUntrusted || b > BandCertified {
		return "untrusted"
	}
	return bandNames[b]
}

// TierName returns the scoring-engine name for the same ordinal.
func (b Band) TierName() string {
	if b < BandUntrusted || b > BandCertified {
		return "untrusted"
	}
	return tierNames[b]
}

// BandForScore maps a trust score onto the canonical ladder.
func BandForScore(score int) Band {
	band := BandUntrusted
	for i, threshold := range bandThresholds {
		if score >= threshold {
			band = Band(i)
		}
	}
	return band
}

// Clamp bounds a band to the ladder; used after reversibility bumps.
func (b Band) Clamp() Band {
	if b < BandUntrusted {
		return BandUntrusted
	}
	if b > BandCertified {
		return BandCertified
	}
	return b
}

// Trust score bounds.
const (
	MinTrustScore = 0
	MaxTrustScore = 1000
)

// TrustProfile is the per-agent scalar trust state derived from observer
// events. It mutates only through scoring batches; the Version counter
// backs compare-and-swap updates.
type TrustProfile struct {
	AgentID          string    `json:"agent_id"`
	Score            int       `json:"score"`
	AdjustedScore    int       `json:"adjusted_score"`
	Band             Band      `json:"band"`
	RecentViolations int       `json:"recent_violations"`
	LastUpdate       time.Time `json:"last_update"`
	Version          int64     `json:"version"`
}

// ProofOutcome is the terminal state of an executed intent.
type ProofOutcome string

const (
	OutcomeSuccess ProofOutcome = "success"
	OutcomeFail    ProofOutcome = "fail"
	OutcomeAbort   ProofOutcome = "abort"
)

// Proof is a hash-committed execution outcome submitted by the agent
// runtime to drive trust scoring.
type Proof struct {
	Hash      string       `json:"h"`
	Timestamp time.Time    `json:"t"`
	Data      string       `json:"d,omitempty"`
	Outcome   ProofOutcome `json:"o"`
	Violation string       `json:"v,omitempty"`
}

// TierChange records a crossing of a tier threshold.
type TierChange struct {
	From     int    `json:"from"`
	To       int    `json:"to"`
	FromName string `json:"from_name"`
	ToName   string `json:"to_name"`
}
