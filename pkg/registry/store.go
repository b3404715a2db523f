package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// Store errors.
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentExists    = errors.New("agent already exists")
	ErrStaleAgent     = errors.New("agent version conflict")
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// AgentStore persists agent identities. Updates are compare-and-swap
// on the agent version.
type AgentStore interface {
	Get(ctx context.Context, agentID string) (*contracts.Agent, error)
	Create(ctx context.Context, agent *contracts.Agent) error
	Update(ctx context.Context, agent *contracts.Agent, expectedVersion int64) error
	List(ctx context.Context) ([]contracts.Agent, error)
}

// APIKeyRecord is the stored credential for one agent. Only hashes are
// kept; the plaintext secret is shown once at registration.
type APIKeyRecord struct {
	AgentID    string
	KeyHash    string
	SecretHash []byte
	Scopes     []string
	RateLimit  int
}

// APIKeyStore persists API credentials, keyed by the key hash.
type APIKeyStore interface {
	Put(ctx context.Context, record *APIKeyRecord) error
	GetByKeyHash(ctx context.Context, keyHash string) (*APIKeyRecord, error)
}

// MemoryAgentStore is the in-process AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]contracts.Agent
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]contracts.Agent)}
}

func (s *MemoryAgentStore) Get(ctx context.Context, agentID string) (*contracts.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &agent, nil
}

func (s *MemoryAgentStore) Create(ctx context.Context, agent *contracts.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.AgentID]; ok {
		return ErrAgentExists
	}
	a := *agent
	a.Version = 1
	s.agents[agent.AgentID] = a
	agent.Version = 1
	return nil
}

func (s *MemoryAgentStore) Update(ctx context.Context, agent *contracts.Agent, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.agents[agent.AgentID]
	if !ok {
		return ErrAgentNotFound
	}
	if current.Version != expectedVersion {
		return ErrStaleAgent
	}
	a := *agent
	a.Version = expectedVersion + 1
	s.agents[agent.AgentID] = a
	agent.Version = a.Version
	return nil
}

func (s *MemoryAgentStore) List(ctx context.Context) ([]contracts.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent)
	}
	return out, nil
}

// MemoryAPIKeyStore is the in-process APIKeyStore.
type MemoryAPIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]APIKeyRecord
}

func NewMemoryAPIKeyStore() *MemoryAPIKeyStore {
	return &MemoryAPIKeyStore{keys: make(map[string]APIKeyRecord)}
}

func (s *MemoryAPIKeyStore) Put(ctx context.Context, record *APIKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[record.KeyHash] = *record
	return nil
}

func (s *MemoryAPIKeyStore) GetByKeyHash(ctx context.Context, keyHash string) (*APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.keys[keyHash]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	return &record, nil
}
