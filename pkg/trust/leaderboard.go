package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// LeaderboardEntry is one ranked agent.
type LeaderboardEntry struct {
	Rank             int            `json:"rank"`
	AgentID          string         `json:"agent_id"`
	Name             string         `json:"name"`
	Score            int            `json:"score"`
	AdjustedScore    int            `json:"adjusted_score"`
	Band             contracts.Band `json:"band"`
	BandName         string         `json:"band_name"`
	RecentViolations int            `json:"recent_violations"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Leaderboard ranks agents by adjusted trust score. Ordering is
// deterministic: adjusted score descending, agent id ascending on ties.
type Leaderboard struct {
	LeaderboardID string             `json:"leaderboard_id"`
	ComputedAt    time.Time          `json:"computed_at"`
	Entries       []LeaderboardEntry `json:"entries"`

	mu       sync.RWMutex
	profiles map[string]*contracts.TrustProfile
	names    map[string]string
}

func NewLeaderboard() *Leaderboard {
	return &Leaderboard{
		LeaderboardID: uuid.New().String(),
		ComputedAt:    time.Now().UTC(),
		Entries:       []LeaderboardEntry{},
		profiles:      make(map[string]*contracts.TrustProfile),
		names:         make(map[string]string),
	}
}

// NewLeaderboardFromProfiles builds a ranked leaderboard from a profile
// snapshot. names maps agent id to display name; missing names fall back
// to the id.
func NewLeaderboardFromProfiles(profiles []*contracts.TrustProfile, names map[string]string) *Leaderboard {
	lb := NewLeaderboard()
	for _, p := range profiles {
		lb.profiles[p.AgentID] = p
		if name := names[p.AgentID]; name != "" {
			lb.names[p.AgentID] = name
		}
	}
	lb.Rank()
	return lb
}

// UpdateProfile adds or replaces an agent's profile. Call Rank afterwards
// to refresh the ordering.
func (l *Leaderboard) UpdateProfile(name string, profile *contracts.TrustProfile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[profile.AgentID] = profile
	if name != "" {
		l.names[profile.AgentID] = name
	}
}

// Rank recomputes the ordering from the current profile set.
func (l *Leaderboard) Rank() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Entries = make([]LeaderboardEntry, 0, len(l.profiles))
	for agentID, p := range l.profiles {
		name := l.names[agentID]
		if name == "" {
			name = agentID
		}
		band := contracts.BandForScore(p.AdjustedScore)
		l.Entries = append(l.Entries, LeaderboardEntry{
			AgentID:          agentID,
			Name:             name,
			Score:            p.Score,
			AdjustedScore:    p.AdjustedScore,
			Band:             band,
			BandName:         band.String(),
			RecentViolations: p.RecentViolations,
			UpdatedAt:        p.LastUpdate,
		})
	}

	sort.SliceStable(l.Entries, func(i, j int) bool {
		if l.Entries[i].AdjustedScore != l.Entries[j].AdjustedScore {
			return l.Entries[i].AdjustedScore > l.Entries[j].AdjustedScore
		}
		return l.Entries[i].AgentID < l.Entries[j].AgentID
	})

	for i := range l.Entries {
		l.Entries[i].Rank = i + 1
	}
	l.ComputedAt = time.Now().UTC()
}

// Entry returns an agent's current entry.
func (l *Leaderboard) Entry(agentID string) (*LeaderboardEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.Entries {
		if l.Entries[i].AgentID == agentID {
			return &l.Entries[i], true
		}
	}
	return nil, false
}

// TopN returns the first n entries.
func (l *Leaderboard) TopN(n int) []LeaderboardEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.Entries) {
		n = len(l.Entries)
	}
	out := make([]LeaderboardEntry, n)
	copy(out, l.Entries[:n])
	return out
}

// ByBand returns entries in a specific band.
func (l *Leaderboard) ByBand(band contracts.Band) []LeaderboardEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []LeaderboardEntry{}
	for _, e := range l.Entries {
		if e.Band == band {
			out = append(out, e)
		}
	}
	return out
}

func (l *Leaderboard) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.Entries)
}

// LeaderboardExport is the JSON view served to clients.
type LeaderboardExport struct {
	LeaderboardID string             `json:"leaderboard_id"`
	ComputedAt    time.Time          `json:"computed_at"`
	TotalAgents   int                `json:"total_agents"`
	Entries       []LeaderboardEntry `json:"entries"`
	BandSummary   map[string]int     `json:"band_summary"`
	AverageScore  float64            `json:"average_score"`
	Hash          string             `json:"hash"`
}

// Export returns a serializable snapshot with a deterministic hash over
// the rankings, so two exports of the same state compare equal.
func (l *Leaderboard) Export() *LeaderboardExport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	export := &LeaderboardExport{
		LeaderboardID: l.LeaderboardID,
		ComputedAt:    l.ComputedAt,
		TotalAgents:   len(l.Entries),
		Entries:       l.Entries,
		BandSummary:   make(map[string]int),
	}

	var total int
	for _, e := range l.Entries {
		export.BandSummary[e.BandName]++
		total += e.AdjustedScore
	}
	if len(l.Entries) > 0 {
		export.AverageScore = float64(total) / float64(len(l.Entries))
	}
	export.Hash = l.computeHash()
	return export
}

// Hash returns the deterministic hash of the current rankings.
func (l *Leaderboard) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.computeHash()
}

type rankingDigest struct {
	Rank    int    `json:"rank"`
	AgentID string `json:"agent_id"`
	Score   int    `json:"score"`
}

func (l *Leaderboard) computeHash() string {
	digest := make([]rankingDigest, 0, len(l.Entries))
	for _, e := range l.Entries {
		digest = append(digest, rankingDigest{Rank: e.Rank, AgentID: e.AgentID, Score: e.AdjustedScore})
	}
	data, _ := json.Marshal(digest)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
