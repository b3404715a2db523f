// Package registry handles agent onboarding: manifest validation,
// credential issuance, and the initial trust profile.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
	"github.com/arbiter-labs/arbiter/pkg/trust"
)

// RegisteredScore is the starting trust score of a fresh agent: the
// floor of the provisional band.
const RegisteredScore = 100

// Recorder is the slice of the observer log the registrar needs.
type Recorder interface {
	Append(ctx context.Context, draft observer.Draft) (*contracts.ObserverEvent, error)
}

// RegisterRequest is the onboarding input.
type RegisterRequest struct {
	Manifest       contracts.Manifest `json:"manifest"`
	OwnerID        string             `json:"owner"`
	WebhookURL     string             `json:"webhookUrl,omitempty"`
	Specialization string             `json:"specialization,omitempty"`
}

// RegisterResponse carries the one-time credentials. The secret is
// never stored in plaintext.
type RegisterResponse struct {
	AgentID   string   `json:"agentId"`
	APIKey    string   `json:"apiKey"`
	APISecret string   `json:"apiSecret"`
	Tier      int      `json:"tier"`
	TierName  string   `json:"tierName"`
	NextSteps []string `json:"nextSteps"`
}

// Registrar onboards agents.
type Registrar struct {
	agents   AgentStore
	keys     APIKeyStore
	profiles trust.ProfileStore
	recorder Recorder
	clock    func() time.Time
	logger   *slog.Logger
}

// RegistrarOption configures the registrar.
type RegistrarOption func(*Registrar)

func WithClock(clock func() time.Time) RegistrarOption {
	return func(r *Registrar) { r.clock = clock }
}

func WithLogger(l *slog.Logger) RegistrarOption {
	return func(r *Registrar) { r.logger = l }
}

func NewRegistrar(agents AgentStore, keys APIKeyStore, profiles trust.ProfileStore, recorder Recorder, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		agents:   agents,
		keys:     keys,
		profiles: profiles,
		recorder: recorder,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the manifest, mints credentials, creates the
// agent in the draft stage with a provisional trust profile, and
// records one registration event.
func (r *Registrar) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%s: missing owner", contracts.DenialInvalidAgent)
	}
	doc, err := manifestDocument(&req.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", contracts.DenialInvalidManifest, err)
	}
	if err := ValidateManifest(doc, &req.Manifest); err != nil {
		return nil, err
	}

	now := r.clock()
	agentID := uuid.New().String()

	capabilities := make([]string, 0, len(req.Manifest.Capabilities))
	for _, capability := range req.Manifest.Capabilities {
		capabilities = append(capabilities, capability.Code)
	}
	agent := &contracts.Agent{
		AgentID:        agentID,
		Name:           req.Manifest.Agent.Name,
		OwnerID:        req.OwnerID,
		Capabilities:   capabilities,
		Manifest:       req.Manifest,
		PipelineStage:  contracts.StageDraft,
		Specialization: req.Specialization,
		WebhookURL:     req.WebhookURL,
		CreatedAt:      now,
	}
	if err := r.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	apiKey, apiSecret, record, err := mintCredentials(agentID)
	if err != nil {
		return nil, fmt.Errorf("mint credentials: %w", err)
	}
	if err := r.keys.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}

	profile := &contracts.TrustProfile{
		AgentID:       agentID,
		Score:         RegisteredScore,
		AdjustedScore: RegisteredScore,
		Band:          contracts.BandForScore(RegisteredScore),
		LastUpdate:    now,
	}
	if err := r.profiles.Create(ctx, profile); err != nil {
		return nil, fmt.Errorf("create trust profile: %w", err)
	}

	if r.recorder != nil {
		_, err := r.recorder.Append(ctx, observer.Draft{
			Source:    "registry",
			EventType: contracts.EventRegistration,
			RiskLevel: contracts.RiskInfo,
			AgentID:   agentID,
			UserID:    req.OwnerID,
			Data: map[string]any{
				"name":         agent.Name,
				"version":      req.Manifest.Agent.Version,
				"capabilities": len(capabilities),
			},
		})
		if err != nil {
			r.logger.Error("registration event append failed", "agent_id", agentID, "error", err)
		}
	}

	return &RegisterResponse{
		AgentID:   agentID,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Tier:      int(profile.Band),
		TierName:  profile.Band.TierName(),
		NextSteps: []string{
			"store the api secret; it is not retrievable later",
			"begin training to progress past the draft stage",
			"submit execution proofs to build trust",
		},
	}, nil
}

// Authenticate resolves an api key + secret pair to its agent.
func (r *Registrar) Authenticate(ctx context.Context, apiKey, apiSecret string) (*contracts.Agent, error) {
	record, err := r.keys.GetByKeyHash(ctx, contracts.HashBytes([]byte(apiKey)))
	if err != nil {
		return nil, fmt.Errorf("%s: unknown api key", contracts.DenialInvalidAgent)
	}
	if err := bcrypt.CompareHashAndPassword(record.SecretHash, []byte(apiSecret)); err != nil {
		return nil, fmt.Errorf("%s: secret mismatch", contracts.DenialInvalidSignature)
	}
	return r.agents.Get(ctx, record.AgentID)
}

// mintCredentials generates the api key pair and its stored record.
func mintCredentials(agentID string) (apiKey, apiSecret string, record *APIKeyRecord, err error) {
	keyBytes := make([]byte, 16)
	secretBytes := make([]byte, 32)
	if _, err = rand.Read(keyBytes); err != nil {
		return "", "", nil, err
	}
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", nil, err
	}
	apiKey = "ak_" + hex.EncodeToString(keyBytes)
	apiSecret = "as_" + hex.EncodeToString(secretBytes)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(apiSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", nil, err
	}
	record = &APIKeyRecord{
		AgentID:    agentID,
		KeyHash:    contracts.HashBytes([]byte(apiKey)),
		SecretHash: secretHash,
		Scopes:     []string{"authorize", "proofs", "route"},
		RateLimit:  60,
	}
	return apiKey, apiSecret, record, nil
}

// manifestDocument renders the typed manifest back into the generic
// form the JSON-schema validator consumes.
func manifestDocument(m *contracts.Manifest) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
