// Package observer implements the append-only hash-chained event log,
// its storage backends, and anomaly detection over the stream.
package observer

import (
	"fmt"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// hashableEvent is the canonical body of an event: every field except
// the hash and signature. Keys are sorted by the JCS transform.
type hashableEvent struct {
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Source       string         `json:"source"`
	EventType    string         `json:"event_type"`
	RiskLevel    string         `json:"risk_level"`
	AgentID      string         `json:"agent_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousHash string         `json:"previous_hash"`
}

// CanonicalBody serializes the event without hash and signature.
func CanonicalBody(e *contracts.ObserverEvent) ([]byte, error) {
	return contracts.CanonicalMarshal(hashableEvent{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		Source:       e.Source,
		EventType:    e.EventType,
		RiskLevel:    string(e.RiskLevel),
		AgentID:      e.AgentID,
		UserID:       e.UserID,
		Data:         e.Data,
		PreviousHash: e.PreviousHash,
	})
}

// seal computes and stamps the hash and HMAC signature of an event.
func seal(e *contracts.ObserverEvent, signingKey []byte) error {
	body, err := CanonicalBody(e)
	if err != nil {
		return fmt.Errorf("seal event %d: %w", e.Sequence, err)
	}
	e.Hash = contracts.HashBytes(body)
	e.Signature = contracts.Sign(signingKey, []byte(e.Hash))
	return nil
}

// Verify recomputes the hash and signature of a single event. Mutating
// any hashed byte makes this return false.
func Verify(e *contracts.ObserverEvent, signingKey []byte) bool {
	body, err := CanonicalBody(e)
	if err != nil {
		return false
	}
	if contracts.HashBytes(body) != e.Hash {
		return false
	}
	return contracts.VerifySignature(signingKey, []byte(e.Hash), e.Signature)
}

// VerifyChain walks a contiguous event range checking sequence density,
// hash continuity, and per-event integrity.
func VerifyChain(events []contracts.ObserverEvent, signingKey []byte) error {
	for i := range events {
		e := &events[i]
		if !Verify(e, signingKey) {
			return fmt.Errorf("event %d: integrity check failed", e.Sequence)
		}
		if i == 0 {
			if e.Sequence == 1 && e.PreviousHash != contracts.GenesisHash {
				return fmt.Errorf("event 1: previous_hash is not the genesis hash")
			}
			continue
		}
		prev := &events[i-1]
		if e.Sequence != prev.Sequence+1 {
			return fmt.Errorf("sequence gap: %d follows %d", e.Sequence, prev.Sequence)
		}
		if e.PreviousHash != prev.Hash {
			return fmt.Errorf("event %d: previous_hash does not match event %d hash", e.Sequence, prev.Sequence)
		}
	}
	return nil
}
