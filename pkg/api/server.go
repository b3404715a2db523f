package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/arbiter-labs/arbiter/pkg/authz"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/council"
	"github.com/arbiter-labs/arbiter/pkg/hitl"
	"github.com/arbiter-labs/arbiter/pkg/killswitch"
	"github.com/arbiter-labs/arbiter/pkg/observer"
	"github.com/arbiter-labs/arbiter/pkg/pipeline"
	"github.com/arbiter-labs/arbiter/pkg/registry"
	"github.com/arbiter-labs/arbiter/pkg/router"
	"github.com/arbiter-labs/arbiter/pkg/trust"
)

// ProfileProvider adapts a trust.ProfileStore to the authorization
// engine's read-only view.
type ProfileProvider struct {
	Store trust.ProfileStore
}

func (p ProfileProvider) Profile(ctx context.Context, agentID string) (*contracts.TrustProfile, error) {
	profile, err := p.Store.Get(ctx, agentID)
	if errors.Is(err, trust.ErrProfileNotFound) {
		return nil, authz.ErrProfileNotFound
	}
	return profile, err
}

// Server bundles the governance services behind one HTTP surface.
type Server struct {
	registrar *registry.Registrar
	agents    registry.AgentStore
	tokens    *registry.TokenIssuer
	engine    *authz.Engine
	concerns  *router.ConcernsEvaluator
	trust     *trust.Engine
	profiles  trust.ProfileStore
	council   *council.Orchestrator
	machine   *pipeline.Machine
	reviews   *hitl.Manager
	kill      *killswitch.Switch
	log       *observer.Log
	detector  *observer.Detector
	limiter   LimiterStore
	logger    *slog.Logger

	// proofRPM bounds proof batches per agent.
	proofRPM   int
	proofBurst int
}

// ServerOption configures the server.
type ServerOption func(*Server)

func WithLimiter(store LimiterStore) ServerOption {
	return func(s *Server) { s.limiter = store }
}

func WithCouncil(o *council.Orchestrator) ServerOption {
	return func(s *Server) { s.council = o }
}

func WithPipeline(m *pipeline.Machine) ServerOption {
	return func(s *Server) { s.machine = m }
}

// WithAgents enables endpoints that read the agent roster directly,
// such as the trust leaderboard.
func WithAgents(store registry.AgentStore) ServerOption {
	return func(s *Server) { s.agents = store }
}

// WithTokens enables the session token endpoint.
func WithTokens(issuer *registry.TokenIssuer) ServerOption {
	return func(s *Server) { s.tokens = issuer }
}

func WithDetector(d *observer.Detector) ServerOption {
	return func(s *Server) { s.detector = d }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithProofRate(rpm, burst int) ServerOption {
	return func(s *Server) {
		s.proofRPM = rpm
		s.proofBurst = burst
	}
}

// NewServer wires the governance services into a server.
func NewServer(
	registrar *registry.Registrar,
	engine *authz.Engine,
	trustEngine *trust.Engine,
	profiles trust.ProfileStore,
	reviews *hitl.Manager,
	kill *killswitch.Switch,
	log *observer.Log,
	opts ...ServerOption,
) *Server {
	s := &Server{
		registrar:  registrar,
		engine:     engine,
		concerns:   router.NewConcernsEvaluator(),
		trust:      trustEngine,
		profiles:   profiles,
		reviews:    reviews,
		kill:       kill,
		log:        log,
		detector:   observer.NewDetector(log, observer.NewMemoryAnomalyStore()),
		limiter:    NewMemoryLimiterStore(),
		logger:     slog.Default(),
		proofRPM:   60,
		proofBurst: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler(perIPRate, perIPBurst int) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/agents", s.handleRegister)
	mux.HandleFunc("POST /v1/auth/token", s.handleToken)
	mux.HandleFunc("POST /v1/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /v1/route", s.handleRoute)
	mux.HandleFunc("POST /v1/agents/{agentId}/proofs", s.handleSubmitProofs)
	mux.HandleFunc("POST /v1/agents/{agentId}/stage", s.handleStageTransition)
	mux.HandleFunc("GET /v1/trust/leaderboard", s.handleLeaderboard)

	mux.HandleFunc("POST /v1/killswitch/activate", s.handleKillActivate)
	mux.HandleFunc("POST /v1/killswitch/deactivate", s.handleKillDeactivate)

	mux.HandleFunc("GET /v1/reviews", s.handleListReviews)
	mux.HandleFunc("POST /v1/reviews/{reviewId}/claim", s.handleClaimReview)
	mux.HandleFunc("POST /v1/reviews/{reviewId}/decide", s.handleDecideReview)

	mux.HandleFunc("GET /v1/observer/events", s.handleObserverEvents)
	mux.HandleFunc("GET /v1/observer/verify", s.handleObserverVerify)
	mux.HandleFunc("POST /v1/agents/{agentId}/anomalies/scan", s.handleAnomalyScan)
	mux.HandleFunc("POST /v1/anomalies/{anomalyId}/acknowledge", s.handleAnomalyAck)
	mux.HandleFunc("POST /v1/anomalies/{anomalyId}/resolve", s.handleAnomalyResolve)

	limiter := NewGlobalRateLimiter(perIPRate, perIPBurst)
	var handler http.Handler = mux
	handler = limiter.Middleware(handler)
	handler = RequestLogger(s.logger)(handler)
	handler = Recover(handler)
	handler = RequestID(handler)
	return handler
}
