package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// ErrQuarantined is returned once a chain discontinuity was detected.
var ErrQuarantined = errors.New("observer log quarantined")

const (
	appendRetries     = 5
	retryBackoffBase  = 10 * time.Millisecond
	degradedThreshold = 250 * time.Millisecond
)

// Draft is the caller-supplied part of an event; sequencing, hashing
// and signing belong to the log.
type Draft struct {
	Source    string
	EventType string
	RiskLevel contracts.RiskLevel
	AgentID   string
	UserID    string
	Data      map[string]any
}

// Log is the single writer over a Store. The writer lock spans
// read-last-hash, hash computation, and insert, so two concurrent
// appends always observe a strict order. Readers take no lock.
type Log struct {
	store      Store
	signingKey []byte
	clock      func() time.Time
	logger     *slog.Logger

	mu          sync.Mutex // serializes the append critical section
	degraded    atomic.Bool
	quarantined atomic.Bool
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) LogOption { return func(l *Log) { l.clock = clock } }

// WithLogger overrides the logger.
func WithLogger(lg *slog.Logger) LogOption { return func(l *Log) { l.logger = lg } }

// NewLog creates an observer log over a store with an HMAC signing key.
func NewLog(store Store, signingKey []byte, opts ...LogOption) *Log {
	l := &Log{
		store:      store,
		signingKey: signingKey,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes one event at the next sequence. Insert conflicts
// (another process won the sequence) retry from the top with jittered
// backoff, bounded at five attempts.
func (l *Log) Append(ctx context.Context, draft Draft) (*contracts.ObserverEvent, error) {
	if l.quarantined.Load() {
		return nil, ErrQuarantined
	}

	start := l.clock()
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		event, err := l.tryAppend(ctx, draft)
		if err == nil {
			if l.clock().Sub(start) > degradedThreshold {
				l.degraded.Store(true)
			} else {
				l.degraded.Store(false)
			}
			return event, nil
		}
		lastErr = err
		if !errors.Is(err, ErrSequenceConflict) {
			break
		}
		backoff := retryBackoffBase<<attempt + time.Duration(rand.Int63n(int64(retryBackoffBase)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	l.degraded.Store(true)
	l.logger.Error("observer append failed", "event_type", draft.EventType, "error", lastErr)
	return nil, fmt.Errorf("observer append: %w", lastErr)
}

func (l *Log) tryAppend(ctx context.Context, draft Draft) (*contracts.ObserverEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lastSeq, lastHash, err := l.store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last hash: %w", err)
	}
	if lastSeq == 0 {
		lastHash = contracts.GenesisHash
	}

	event := &contracts.ObserverEvent{
		Sequence:     lastSeq + 1,
		Timestamp:    l.clock().UTC().Truncate(time.Millisecond),
		Source:       draft.Source,
		EventType:    draft.EventType,
		RiskLevel:    draft.RiskLevel,
		AgentID:      draft.AgentID,
		UserID:       draft.UserID,
		Data:         draft.Data,
		PreviousHash: lastHash,
	}
	if err := seal(event, l.signingKey); err != nil {
		return nil, err
	}
	if err := l.store.Insert(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Verify recomputes one event's hash and signature.
func (l *Log) Verify(e *contracts.ObserverEvent) bool {
	return Verify(e, l.signingKey)
}

// VerifyChain walks sequences lo..hi and checks continuity.
func (l *Log) VerifyChain(ctx context.Context, lo, hi int64) error {
	events, err := l.store.Range(ctx, lo, hi)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	return VerifyChain(events, l.signingKey)
}

// Query reads events through the store; no lock is taken.
func (l *Log) Query(ctx context.Context, f Filter) ([]contracts.ObserverEvent, error) {
	return l.store.Query(ctx, f)
}

// Degraded reports whether recent appends exceeded the latency
// threshold or exhausted retries. Load shedders consult this.
func (l *Log) Degraded() bool {
	return l.degraded.Load()
}

// Quarantined reports whether the log rejected all writes after a
// failed snapshot continuity check.
func (l *Log) Quarantined() bool {
	return l.quarantined.Load()
}

// CheckSnapshotContinuity validates that the first post-snapshot event
// chains off the snapshot's last hash. On mismatch a system_degraded
// event is recorded and the log is quarantined; operator intervention
// is required to clear it.
func (l *Log) CheckSnapshotContinuity(ctx context.Context, snapshotLastSeq int64, snapshotLastHash string) error {
	events, err := l.store.Range(ctx, snapshotLastSeq+1, snapshotLastSeq+1)
	if err != nil {
		return fmt.Errorf("snapshot continuity: %w", err)
	}
	if len(events) == 0 {
		return nil // nothing written past the snapshot yet
	}
	if events[0].PreviousHash != snapshotLastHash {
		_, _ = l.Append(ctx, Draft{
			Source:    "observer",
			EventType: contracts.EventSystemDegraded,
			RiskLevel: contracts.RiskCritical,
			Data: map[string]any{
				"reason":   "snapshot_discontinuity",
				"expected": snapshotLastHash,
				"got":      events[0].PreviousHash,
			},
		})
		l.quarantined.Store(true)
		l.logger.Error("observer chain discontinuity after snapshot restore",
			"expected", snapshotLastHash, "got", events[0].PreviousHash)
		return ErrQuarantined
	}
	return nil
}
