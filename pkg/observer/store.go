package observer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// Storage errors.
var (
	ErrSequenceConflict = errors.New("sequence already written")
	ErrNotFound         = errors.New("event not found")
)

// Direction orders query pagination.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Filter selects events. Zero values match everything. The cursor is
// (AfterSequence, Direction) so concurrent appends never duplicate or
// skip events across pages.
type Filter struct {
	AgentID       string
	UserID        string
	EventType     string
	Source        string
	RiskLevel     contracts.RiskLevel
	From          time.Time
	To            time.Time
	AfterSequence int64
	Direction     Direction
	Limit         int
}

// Store persists the ordered event chain. Implementations must reject
// duplicate sequences with ErrSequenceConflict; the appender retries.
type Store interface {
	// Last returns the highest sequence and its hash; (0, "") when empty.
	Last(ctx context.Context) (int64, string, error)
	Insert(ctx context.Context, e *contracts.ObserverEvent) error
	// Range returns events with lo <= sequence <= hi, ordered ascending.
	Range(ctx context.Context, lo, hi int64) ([]contracts.ObserverEvent, error)
	Query(ctx context.Context, f Filter) ([]contracts.ObserverEvent, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []contracts.ObserverEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Last(ctx context.Context) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, "", nil
	}
	last := s.events[len(s.events)-1]
	return last.Sequence, last.Hash, nil
}

func (s *MemoryStore) Insert(ctx context.Context, e *contracts.ObserverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.events)) != e.Sequence-1 {
		return ErrSequenceConflict
	}
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) Range(ctx context.Context, lo, hi int64) ([]contracts.ObserverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.ObserverEvent, 0)
	for _, e := range s.events {
		if e.Sequence >= lo && e.Sequence <= hi {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]contracts.ObserverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]contracts.ObserverEvent, 0)
	for _, e := range s.events {
		if matches(&e, f) {
			matched = append(matched, e)
		}
	}
	if f.Direction == Backward {
		sort.Slice(matched, func(i, j int) bool { return matched[i].Sequence > matched[j].Sequence })
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func matches(e *contracts.ObserverEvent, f Filter) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.AfterSequence > 0 {
		if f.Direction == Backward {
			if e.Sequence >= f.AfterSequence {
				return false
			}
		} else if e.Sequence <= f.AfterSequence {
			return false
		}
	}
	return true
}
