package trust

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

var testKey = []byte("trust-test-signing-key")

type capturedWebhook struct {
	eventType string
	agentID   string
	payload   map[string]any
}

type stubWebhooks struct {
	mu   sync.Mutex
	sent []capturedWebhook
}

func (s *stubWebhooks) Enqueue(eventType, agentID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, capturedWebhook{eventType, agentID, payload})
}

type harness struct {
	engine   *Engine
	profiles *MemoryProfileStore
	log      *observer.Log
	webhooks *stubWebhooks
}

func newHarness(t *testing.T, agentID string, score int) *harness {
	t.Helper()
	profiles := NewMemoryProfileStore()
	log := observer.NewLog(observer.NewMemoryStore(), testKey)
	hooks := &stubWebhooks{}
	engine := NewEngine(profiles, NewMemoryProofStore(), log, testKey,
		WithWebhooks(hooks),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, profiles.Create(context.Background(), &contracts.TrustProfile{
		AgentID: agentID,
		Score:   score,
		Band:    contracts.BandForScore(score),
	}))
	return &harness{engine: engine, profiles: profiles, log: log, webhooks: hooks}
}

func proof(hash string, outcome contracts.ProofOutcome, violation string) contracts.Proof {
	return contracts.Proof{
		Hash:      hash,
		Timestamp: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		Outcome:   outcome,
		Violation: violation,
	}
}

func (h *harness) submit(t *testing.T, agentID string, proofs ...contracts.Proof) *BatchResult {
	t.Helper()
	sig, err := h.engine.SignBatch(agentID, proofs)
	require.NoError(t, err)
	result, err := h.engine.Ingest(context.Background(), agentID, proofs, sig)
	require.NoError(t, err)
	return result
}

func TestIngestSuccessAdjustsScore(t *testing.T) {
	h := newHarness(t, "a1", 500)

	result := h.submit(t, "a1", proof("p1", contracts.OutcomeSuccess, ""))

	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.Equal(t, 500, result.ScorePrev)
	assert.Equal(t, 505, result.ScoreNew)
	assert.Equal(t, 5, result.ScoreDelta)
	assert.Nil(t, result.TierChange)
}

func TestIngestRejectsDuplicateProof(t *testing.T) {
	h := newHarness(t, "a1", 500)

	first := h.submit(t, "a1", proof("p1", contracts.OutcomeSuccess, ""))
	assert.Equal(t, 1, first.Accepted)
	assert.Equal(t, 0, first.Rejected)

	// Resubmitting the same hash is rejected and leaves the score alone.
	second := h.submit(t, "a1", proof("p1", contracts.OutcomeSuccess, ""))
	assert.Equal(t, 0, second.Accepted)
	assert.Equal(t, 1, second.Rejected)
	require.Len(t, second.Errors, 1)
	assert.Equal(t, 0, second.Errors[0].Index)
	assert.Equal(t, contracts.DenialDuplicateProof, second.Errors[0].Code)
	assert.Equal(t, 505, second.ScoreNew)
	assert.Equal(t, 0, second.ScoreDelta)
}

func TestIngestTierChangeEmitsWebhookOnce(t *testing.T) {
	h := newHarness(t, "a1", 295)

	proofs := make([]contracts.Proof, 5)
	for i := range proofs {
		proofs[i] = proof(fmt.Sprintf("p%d", i), contracts.OutcomeSuccess, "")
	}
	result := h.submit(t, "a1", proofs...)

	assert.Equal(t, 5, result.Accepted)
	assert.Equal(t, 320, result.ScoreNew)
	require.NotNil(t, result.TierChange)
	assert.Equal(t, 1, result.TierChange.From)
	assert.Equal(t, 2, result.TierChange.To)
	assert.Equal(t, "provisional", result.TierChange.FromName)
	assert.Equal(t, "proven", result.TierChange.ToName)

	require.Len(t, h.webhooks.sent, 1)
	assert.Equal(t, "trust.tier_change", h.webhooks.sent[0].eventType)
	assert.Equal(t, "a1", h.webhooks.sent[0].agentID)

	events, err := h.log.Query(context.Background(), observer.Filter{EventType: contracts.EventTierChange})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "proven", events[0].Data["to"])
}

func TestIngestViolationPenalties(t *testing.T) {
	cases := []struct {
		violation string
		outcome   contracts.ProofOutcome
		want      int
	}{
		{"", contracts.OutcomeFail, -10},
		{"POLICY_DENIED", contracts.OutcomeFail, -25},
		{"BASIS_VIOLATION", contracts.OutcomeFail, -40},
		{"TIMEOUT", contracts.OutcomeFail, -15},
		{"RESOURCE_LOCKED", contracts.OutcomeFail, -12},
		{"", contracts.OutcomeAbort, -25},
	}
	for _, tc := range cases {
		p := proof("x", tc.outcome, tc.violation)
		assert.Equal(t, tc.want, Delta(&p), "outcome=%s violation=%q", tc.outcome, tc.violation)
	}
}

func TestIngestClampsAtBounds(t *testing.T) {
	h := newHarness(t, "low", 5)
	result := h.submit(t, "low", proof("p1", contracts.OutcomeAbort, "BASIS_VIOLATION"))
	assert.Equal(t, 0, result.ScoreNew)

	h2 := newHarness(t, "high", 999)
	result = h2.submit(t, "high", proof("p1", contracts.OutcomeSuccess, ""))
	assert.Equal(t, 1000, result.ScoreNew)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	h := newHarness(t, "a1", 500)
	proofs := []contracts.Proof{proof("p1", contracts.OutcomeSuccess, "")}

	_, err := h.engine.Ingest(context.Background(), "a1", proofs, "not-a-signature")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(contracts.DenialInvalidSignature))

	// A signature for a different agent does not transfer.
	sig, err := h.engine.SignBatch("a2", proofs)
	require.NoError(t, err)
	_, err = h.engine.Ingest(context.Background(), "a1", proofs, sig)
	require.Error(t, err)
}

func TestIngestRejectsEmptyAndOversizedBatches(t *testing.T) {
	h := newHarness(t, "a1", 500)

	_, err := h.engine.Ingest(context.Background(), "a1", nil, "")
	require.Error(t, err)

	big := make([]contracts.Proof, 101)
	for i := range big {
		big[i] = proof(fmt.Sprintf("p%d", i), contracts.OutcomeSuccess, "")
	}
	_, err = h.engine.Ingest(context.Background(), "a1", big, "")
	require.Error(t, err)
}

func TestIngestMixedBatchPartialAccept(t *testing.T) {
	h := newHarness(t, "a1", 500)
	h.submit(t, "a1", proof("dup", contracts.OutcomeSuccess, ""))

	result := h.submit(t, "a1",
		proof("dup", contracts.OutcomeSuccess, ""),
		proof("fresh", contracts.OutcomeFail, "TIMEOUT"),
	)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 0, result.Errors[0].Index)
	assert.Equal(t, 505-15, result.ScoreNew)
}

// contentionProfiles forces CompareAndSwap conflicts while Contended
// is set, on top of the normal in-memory behavior.
type contentionProfiles struct {
	*MemoryProfileStore
	Contended bool
}

func (s *contentionProfiles) CompareAndSwap(ctx context.Context, profile *contracts.TrustProfile, expectedVersion int64) error {
	if s.Contended {
		return ErrVersionConflict
	}
	return s.MemoryProfileStore.CompareAndSwap(ctx, profile, expectedVersion)
}

func TestIngestRetryAfterUpdateFailureStillScores(t *testing.T) {
	profiles := &contentionProfiles{MemoryProfileStore: NewMemoryProfileStore()}
	log := observer.NewLog(observer.NewMemoryStore(), testKey)
	engine := NewEngine(profiles, NewMemoryProofStore(), log, testKey)
	ctx := context.Background()
	require.NoError(t, profiles.Create(ctx, &contracts.TrustProfile{
		AgentID: "a1",
		Score:   500,
		Band:    contracts.BandForScore(500),
	}))

	batch := []contracts.Proof{proof("p1", contracts.OutcomeSuccess, "")}
	sig, err := engine.SignBatch("a1", batch)
	require.NoError(t, err)

	profiles.Contended = true
	_, err = engine.Ingest(ctx, "a1", batch, sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update profile")

	// The failed batch must not burn its hashes: the same batch retried
	// after the contention clears still applies its delta.
	profiles.Contended = false
	result, err := engine.Ingest(ctx, "a1", batch, sig)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.Equal(t, 505, result.ScoreNew)
	assert.Equal(t, 5, result.ScoreDelta)
}

func TestIngestEventTypesFollowViolations(t *testing.T) {
	h := newHarness(t, "a1", 500)
	ctx := context.Background()

	h.submit(t, "a1", proof("clean-1", contracts.OutcomeSuccess, ""))

	updates, err := h.log.Query(ctx, observer.Filter{EventType: contracts.EventScoreUpdate})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, contracts.RiskInfo, updates[0].RiskLevel)

	violations, err := h.log.Query(ctx, observer.Filter{EventType: contracts.EventTrustViolation})
	require.NoError(t, err)
	assert.Empty(t, violations)

	h.submit(t, "a1", proof("bad-1", contracts.OutcomeFail, "POLICY_DENIED"))

	violations, err = h.log.Query(ctx, observer.Filter{EventType: contracts.EventTrustViolation})
	require.NoError(t, err)
	require.Len(t, violations, 1)

	updates, err = h.log.Query(ctx, observer.Filter{EventType: contracts.EventScoreUpdate})
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestConcurrentBatchesSerialize(t *testing.T) {
	h := newHarness(t, "a1", 500)

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h.submit(t, "a1", proof(fmt.Sprintf("w%d", w), contracts.OutcomeSuccess, ""))
		}(w)
	}
	wg.Wait()

	profile, err := h.profiles.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 500+writers*5, profile.Score)
}

func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("success-only streams never lower the score", prop.ForAll(
		func(start int, n int) bool {
			h := newHarness(t, "prop", start)
			prev := start
			for i := 0; i < n; i++ {
				result := h.submit(t, "prop", proof(fmt.Sprintf("s%d", i), contracts.OutcomeSuccess, ""))
				if result.ScoreNew < prev {
					return false
				}
				prev = result.ScoreNew
			}
			return true
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 20),
	))

	properties.Property("scores stay within bounds for any outcome mix", prop.ForAll(
		func(start int, outcomes []int) bool {
			h := newHarness(t, "prop", start)
			kinds := []contracts.ProofOutcome{contracts.OutcomeSuccess, contracts.OutcomeFail, contracts.OutcomeAbort}
			for i, o := range outcomes {
				result := h.submit(t, "prop", proof(fmt.Sprintf("m%d", i), kinds[o%len(kinds)], ""))
				if result.ScoreNew < contracts.MinTrustScore || result.ScoreNew > contracts.MaxTrustScore {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 1000),
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
