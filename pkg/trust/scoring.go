package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

// Base adjustments per proof outcome.
const (
	successDelta = 5
	failDelta    = -10
	abortDelta   = -25
)

// violationPenalties are applied on top of the outcome adjustment.
var violationPenalties = map[string]int{
	"POLICY_DENIED":   -15,
	"BASIS_VIOLATION": -30,
	"TIMEOUT":         -5,
	"RESOURCE_LOCKED": -2,
}

// casRetries bounds the compare-and-swap loop for concurrent batches.
const casRetries = 5

// Recorder is the slice of the observer log the scoring engine needs.
type Recorder interface {
	Append(ctx context.Context, draft observer.Draft) (*contracts.ObserverEvent, error)
}

// WebhookQueue enqueues outbound notifications; delivery is owned by
// pkg/webhooks.
type WebhookQueue interface {
	Enqueue(eventType, agentID string, payload map[string]any)
}

// ProofError reports one rejected proof within a batch.
type ProofError struct {
	Index int                    `json:"index"`
	Code  contracts.DenialReason `json:"code"`
	Hash  string                 `json:"hash,omitempty"`
}

// BatchResult summarizes one proof ingestion.
type BatchResult struct {
	Accepted   int                   `json:"accepted"`
	Rejected   int                   `json:"rejected"`
	Errors     []ProofError          `json:"errors,omitempty"`
	ScorePrev  int                   `json:"score_prev"`
	ScoreNew   int                   `json:"score_new"`
	ScoreDelta int                   `json:"score_delta"`
	TierChange *contracts.TierChange `json:"tier_change,omitempty"`
}

// Engine ingests execution proofs and maintains trust profiles.
type Engine struct {
	profiles   ProfileStore
	proofs     ProofStore
	recorder   Recorder
	webhooks   WebhookQueue
	signingKey []byte
	clock      func() time.Time
	logger     *slog.Logger
}

// EngineOption configures the scoring engine.
type EngineOption func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) EngineOption { return func(e *Engine) { e.clock = clock } }

// WithWebhooks installs the webhook delivery queue.
func WithWebhooks(q WebhookQueue) EngineOption { return func(e *Engine) { e.webhooks = q } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// NewEngine creates a scoring engine. The signing key verifies batch
// signatures and is shared with the agent runtime.
func NewEngine(profiles ProfileStore, proofs ProofStore, recorder Recorder, signingKey []byte, opts ...EngineOption) *Engine {
	e := &Engine{
		profiles:   profiles,
		proofs:     proofs,
		recorder:   recorder,
		signingKey: signingKey,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Delta computes the score adjustment one proof carries.
func Delta(p *contracts.Proof) int {
	delta := 0
	switch p.Outcome {
	case contracts.OutcomeSuccess:
		delta = successDelta
	case contracts.OutcomeFail:
		delta = failDelta
	case contracts.OutcomeAbort:
		delta = abortDelta
	}
	if p.Violation != "" {
		delta += violationPenalties[p.Violation]
	}
	return delta
}

// signedBatch is the canonical payload covered by the batch signature.
type signedBatch struct {
	AgentID string            `json:"agentId"`
	Proofs  []contracts.Proof `json:"proofs"`
}

// VerifyBatchSignature checks the HMAC over the canonical batch.
func (e *Engine) VerifyBatchSignature(agentID string, proofs []contracts.Proof, signature string) bool {
	body, err := contracts.CanonicalMarshal(signedBatch{AgentID: agentID, Proofs: proofs})
	if err != nil {
		return false
	}
	return contracts.VerifySignature(e.signingKey, body, signature)
}

// SignBatch produces the batch HMAC; exported for clients and tests.
func (e *Engine) SignBatch(agentID string, proofs []contracts.Proof) (string, error) {
	body, err := contracts.CanonicalMarshal(signedBatch{AgentID: agentID, Proofs: proofs})
	if err != nil {
		return "", err
	}
	return contracts.Sign(e.signingKey, body), nil
}

// Ingest applies a proof batch to the agent's profile. Batches are
// 1..100 proofs; duplicates by hash are rejected without affecting the
// score. The profile update is CAS-and-retry so concurrent batches
// for the same agent serialize without reordering.
func (e *Engine) Ingest(ctx context.Context, agentID string, proofs []contracts.Proof, batchSig string) (*BatchResult, error) {
	if len(proofs) == 0 || len(proofs) > 100 {
		return nil, fmt.Errorf("batch size %d outside 1..100", len(proofs))
	}
	if !e.VerifyBatchSignature(agentID, proofs, batchSig) {
		return nil, fmt.Errorf("%s: batch signature mismatch", contracts.DenialInvalidSignature)
	}

	now := e.clock().UTC()
	result := &BatchResult{}

	// Idempotency pass: reserve each hash exactly once.
	accepted := make([]contracts.Proof, 0, len(proofs))
	for i, p := range proofs {
		if p.Hash == "" {
			result.Rejected++
			result.Errors = append(result.Errors, ProofError{Index: i, Code: contracts.DenialInvalidSignature})
			continue
		}
		err := e.proofs.Record(ctx, agentID, p.Hash, Delta(&p), now)
		if errors.Is(err, ErrDuplicateProof) {
			result.Rejected++
			result.Errors = append(result.Errors, ProofError{Index: i, Code: contracts.DenialDuplicateProof, Hash: p.Hash})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("record proof: %w", err)
		}
		result.Accepted++
		accepted = append(accepted, p)
	}

	acceptedHashes := make([]string, len(accepted))
	for i := range accepted {
		acceptedHashes[i] = accepted[i].Hash
	}

	batchDelta := 0
	violations := 0
	for i := range accepted {
		batchDelta += Delta(&accepted[i])
		if accepted[i].Violation != "" || accepted[i].Outcome != contracts.OutcomeSuccess {
			violations++
		}
	}

	var prevTier, newTier contracts.Band
	for attempt := 0; ; attempt++ {
		profile, err := e.profiles.Get(ctx, agentID)
		if err != nil {
			e.releaseProofs(ctx, acceptedHashes)
			return nil, fmt.Errorf("load profile: %w", err)
		}
		result.ScorePrev = profile.Score
		newScore := clampScore(profile.Score + batchDelta)
		result.ScoreNew = newScore
		result.ScoreDelta = newScore - profile.Score

		prevTier = profile.Band
		newTier = contracts.BandForScore(newScore)

		updated := *profile
		updated.Score = newScore
		updated.AdjustedScore = newScore
		updated.Band = newTier
		updated.RecentViolations = profile.RecentViolations + violations
		updated.LastUpdate = now

		err = e.profiles.CompareAndSwap(ctx, &updated, profile.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= casRetries {
			e.releaseProofs(ctx, acceptedHashes)
			return nil, fmt.Errorf("update profile: %w", err)
		}
	}

	if result.Accepted > 0 {
		eventType := contracts.EventScoreUpdate
		if violations > 0 {
			eventType = contracts.EventTrustViolation
		}
		e.record(ctx, observer.Draft{
			Source:    "trust_engine",
			EventType: eventType,
			RiskLevel: batchRisk(batchDelta, violations),
			AgentID:   agentID,
			Data: map[string]any{
				"score_prev":  result.ScorePrev,
				"score_new":   result.ScoreNew,
				"score_delta": result.ScoreDelta,
				"accepted":    result.Accepted,
				"rejected":    result.Rejected,
			},
		})
	}

	if newTier != prevTier {
		result.TierChange = &contracts.TierChange{
			From:     int(prevTier),
			To:       int(newTier),
			FromName: prevTier.TierName(),
			ToName:   newTier.TierName(),
		}
		e.record(ctx, observer.Draft{
			Source:    "trust_engine",
			EventType: contracts.EventTierChange,
			RiskLevel: contracts.RiskLow,
			AgentID:   agentID,
			Data: map[string]any{
				"from": prevTier.TierName(),
				"to":   newTier.TierName(),
			},
		})
		if e.webhooks != nil {
			e.webhooks.Enqueue("trust.tier_change", agentID, map[string]any{
				"from":      int(prevTier),
				"to":        int(newTier),
				"from_name": prevTier.TierName(),
				"to_name":   newTier.TierName(),
				"score":     result.ScoreNew,
			})
		}
	}

	return result, nil
}

// releaseProofs drops hash reservations when a batch fails after the
// idempotency pass, so the same batch can be retried and still score.
func (e *Engine) releaseProofs(ctx context.Context, hashes []string) {
	if len(hashes) == 0 {
		return
	}
	if err := e.proofs.Release(ctx, hashes); err != nil {
		e.logger.Error("proof reservation rollback failed", "count", len(hashes), "error", err)
	}
}

// record appends to the observer log; a failed append never fails the
// batch, but it is logged and retried by the log itself.
func (e *Engine) record(ctx context.Context, draft observer.Draft) {
	if e.recorder == nil {
		return
	}
	if _, err := e.recorder.Append(ctx, draft); err != nil {
		e.logger.Error("trust event append failed", "event_type", draft.EventType, "error", err)
	}
}

func batchRisk(delta, violations int) contracts.RiskLevel {
	switch {
	case violations == 0:
		return contracts.RiskInfo
	case delta <= -50:
		return contracts.RiskHigh
	case delta < 0:
		return contracts.RiskMedium
	default:
		return contracts.RiskLow
	}
}

func clampScore(score int) int {
	if score < contracts.MinTrustScore {
		return contracts.MinTrustScore
	}
	if score > contracts.MaxTrustScore {
		return contracts.MaxTrustScore
	}
	return score
}
