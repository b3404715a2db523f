// Package trust implements proof ingestion, trust scoring, and the
// tier state that feeds back into authorization and routing.
package trust

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// Store errors.
var (
	ErrProfileNotFound = errors.New("trust profile not found")
	ErrVersionConflict = errors.New("profile version conflict")
	ErrDuplicateProof  = errors.New("duplicate proof")
)

// ProfileStore persists trust profiles. Updates are compare-and-swap
// on the profile version; concurrent scoring batches retry.
type ProfileStore interface {
	Get(ctx context.Context, agentID string) (*contracts.TrustProfile, error)
	Create(ctx context.Context, profile *contracts.TrustProfile) error
	// CompareAndSwap persists the profile iff the stored version equals
	// expectedVersion, then increments the version.
	CompareAndSwap(ctx context.Context, profile *contracts.TrustProfile, expectedVersion int64) error
}

// ProofStore records ingested proof hashes for idempotency.
type ProofStore interface {
	// Record stores a proof reference; ErrDuplicateProof when the hash
	// was seen before.
	Record(ctx context.Context, agentID, proofHash string, scoreDelta int, at time.Time) error
	Seen(ctx context.Context, proofHash string) (bool, error)
	// Release drops reservations so a failed batch can be retried.
	Release(ctx context.Context, proofHashes []string) error
}

// MemoryProfileStore is the in-process ProfileStore.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]contracts.TrustProfile
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]contracts.TrustProfile)}
}

func (s *MemoryProfileStore) Get(ctx context.Context, agentID string) (*contracts.TrustProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[agentID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

func (s *MemoryProfileStore) Create(ctx context.Context, profile *contracts.TrustProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.AgentID]; ok {
		return ErrVersionConflict
	}
	p := *profile
	p.Version = 1
	s.profiles[profile.AgentID] = p
	profile.Version = 1
	return nil
}

func (s *MemoryProfileStore) CompareAndSwap(ctx context.Context, profile *contracts.TrustProfile, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.profiles[profile.AgentID]
	if !ok {
		return ErrProfileNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	p := *profile
	p.Version = expectedVersion + 1
	s.profiles[profile.AgentID] = p
	profile.Version = p.Version
	return nil
}

// MemoryProofStore is the in-process ProofStore.
type MemoryProofStore struct {
	mu     sync.Mutex
	hashes map[string]struct{}
}

func NewMemoryProofStore() *MemoryProofStore {
	return &MemoryProofStore{hashes: make(map[string]struct{})}
}

func (s *MemoryProofStore) Record(ctx context.Context, agentID, proofHash string, scoreDelta int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[proofHash]; ok {
		return ErrDuplicateProof
	}
	s.hashes[proofHash] = struct{}{}
	return nil
}

func (s *MemoryProofStore) Seen(ctx context.Context, proofHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[proofHash]
	return ok, nil
}

func (s *MemoryProofStore) Release(ctx context.Context, proofHashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range proofHashes {
		delete(s.hashes, h)
	}
	return nil
}
