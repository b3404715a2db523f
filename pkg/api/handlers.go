package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/authz"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/council"
	"github.com/arbiter-labs/arbiter/pkg/killswitch"
	"github.com/arbiter-labs/arbiter/pkg/observer"
	"github.com/arbiter-labs/arbiter/pkg/pipeline"
	"github.com/arbiter-labs/arbiter/pkg/registry"
	"github.com/arbiter-labs/arbiter/pkg/router"
	"github.com/arbiter-labs/arbiter/pkg/trust"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, scope, _ := s.kill.Active()
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"degraded":    s.log.Degraded(),
		"quarantined": s.log.Quarantined(),
		"killSwitch": map[string]any{
			"active": active,
			"scope":  string(scope),
		},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.registrar.Register(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAgentExists):
			WriteConflict(w, r, "AGENT_EXISTS", err.Error())
		case strings.Contains(err.Error(), string(contracts.DenialInvalidManifest)):
			WriteAPIError(w, r, http.StatusBadRequest, string(contracts.DenialInvalidManifest), err.Error())
		case strings.Contains(err.Error(), string(contracts.DenialInvalidAgent)):
			WriteAPIError(w, r, http.StatusBadRequest, string(contracts.DenialInvalidAgent), err.Error())
		default:
			WriteInternal(w, r, err)
		}
		return
	}
	WriteJSON(w, http.StatusCreated, resp)
}

type tokenRequest struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// handleToken exchanges an agent's API key pair for a short-lived
// session token carrying its current tier.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		WriteAPIError(w, r, http.StatusServiceUnavailable, "SESSIONS_UNAVAILABLE", "session tokens are not configured")
		return
	}
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.APIKey == "" || req.APISecret == "" {
		WriteBadRequest(w, r, "apiKey and apiSecret are required")
		return
	}

	agent, err := s.registrar.Authenticate(r.Context(), req.APIKey, req.APISecret)
	if err != nil {
		WriteAPIError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "api key or secret rejected")
		return
	}

	tierName := contracts.BandUntrusted.TierName()
	if profile, err := s.profiles.Get(r.Context(), agent.AgentID); err == nil {
		tierName = contracts.BandForScore(profile.AdjustedScore).TierName()
	}
	token, err := s.tokens.Issue(agent, tierName)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"agentId": agent.AgentID,
		"tier":    tierName,
	})
}

type authorizeRequest struct {
	Intent      *contracts.Intent             `json:"intent"`
	Constraints *contracts.DecisionConstraints `json:"constraints,omitempty"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Intent == nil {
		WriteBadRequest(w, r, "missing intent")
		return
	}

	// The limit is part of the decision surface: an over-limit agent
	// receives a denial decision, not a transport error.
	allowed, err := s.limiter.Allow(r.Context(), "authorize:"+req.Intent.AgentID, s.proofRPM, s.proofBurst, 1)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if !allowed {
		now := time.Now().UTC()
		w.Header().Set("Retry-After", "5")
		WriteJSON(w, http.StatusTooManyRequests, &contracts.Decision{
			DecisionID:    uuid.New().String(),
			IntentID:      req.Intent.IntentID,
			AgentID:       req.Intent.AgentID,
			Permitted:     false,
			DenialReason:  contracts.DenialRateLimitExceeded,
			Reasoning:     []string{"authorization rate limit exceeded for agent"},
			Remediations:  []string{"retry after the interval in the Retry-After header"},
			DecidedAt:     now,
			ExpiresAt:     now,
			CorrelationID: req.Intent.CorrelationID,
		})
		return
	}

	var opts *authz.Options
	if req.Constraints != nil {
		opts = &authz.Options{ConstraintOptions: req.Constraints}
	}
	decision := s.engine.Authorize(r.Context(), req.Intent, opts)
	WriteJSON(w, http.StatusOK, decision)
}

type routeRequest struct {
	AgentID    string                          `json:"agentId,omitempty"`
	TrustScore *int                            `json:"trustScore,omitempty"`
	RiskLevel  contracts.RiskLevel             `json:"riskLevel"`
	Intent     *contracts.Intent               `json:"intent,omitempty"`
	Plan       string                          `json:"plan,omitempty"`
	Priority   string                          `json:"priority,omitempty"`
	MaxCost    float64                         `json:"maxCost,omitempty"`
	Flags      map[contracts.Concern][]string  `json:"flags,omitempty"`
}

type routeResponse struct {
	Routing     contracts.RoutingResult      `json:"routing"`
	PolicyCheck *contracts.ConcernEvaluation `json:"policyCheck,omitempty"`
	Council     *contracts.CouncilDecision   `json:"councilDecision,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var score int
	switch {
	case req.TrustScore != nil:
		score = *req.TrustScore
	case req.AgentID != "":
		profile, err := s.profiles.Get(r.Context(), req.AgentID)
		if err != nil {
			if errors.Is(err, trust.ErrProfileNotFound) {
				WriteNotFound(w, r, "no trust profile for agent "+req.AgentID)
				return
			}
			WriteInternal(w, r, err)
			return
		}
		score = profile.Score
	default:
		WriteBadRequest(w, r, "one of trustScore or agentId is required")
		return
	}

	resp := routeResponse{Routing: router.Route(score, req.RiskLevel)}

	// Yellow runs the concern hierarchy; red convenes the council when
	// one is wired and the caller supplied a plan to deliberate on.
	switch resp.Routing.Path {
	case contracts.PathYellow:
		evaluation := s.concerns.Evaluate(router.ConcernInput{
			Intent:  req.Intent,
			Flags:   req.Flags,
			MaxCost: req.MaxCost,
		})
		resp.PolicyCheck = &evaluation
	case contracts.PathRed:
		if s.council != nil && req.Intent != nil {
			decision, err := s.council.Deliberate(r.Context(), &council.State{
				Intent:   req.Intent,
				Plan:     req.Plan,
				Priority: req.Priority,
			}, time.Duration(resp.Routing.MaxLatencyMs)*time.Millisecond)
			if err != nil {
				WriteInternal(w, r, err)
				return
			}
			resp.Council = decision
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

type proofBatchRequest struct {
	Proofs         []contracts.Proof `json:"proofs"`
	BatchSignature string            `json:"batchSignature"`
}

func (s *Server) handleSubmitProofs(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")

	allowed, err := s.limiter.Allow(r.Context(), "proofs:"+agentID, s.proofRPM, s.proofBurst, 1)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if !allowed {
		WriteTooManyRequests(w, r, 5)
		return
	}

	var req proofBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.trust.Ingest(r.Context(), agentID, req.Proofs, req.BatchSignature)
	if err != nil {
		switch {
		case errors.Is(err, trust.ErrProfileNotFound):
			WriteNotFound(w, r, "no trust profile for agent "+agentID)
		case strings.Contains(err.Error(), string(contracts.DenialInvalidSignature)):
			WriteAPIError(w, r, http.StatusUnauthorized, string(contracts.DenialInvalidSignature), err.Error())
		default:
			WriteBadRequest(w, r, err.Error())
		}
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

type stageRequest struct {
	To       contracts.PipelineStage `json:"to"`
	Actor    string                  `json:"actor,omitempty"`
	Force    bool                    `json:"force,omitempty"`
	Evidence *pipeline.Evidence      `json:"evidence,omitempty"`
}

func (s *Server) handleStageTransition(w http.ResponseWriter, r *http.Request) {
	if s.machine == nil {
		WriteAPIError(w, r, http.StatusServiceUnavailable, "PIPELINE_UNAVAILABLE", "pipeline transitions are not configured")
		return
	}
	var req stageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	agentID := r.PathValue("agentId")

	var (
		agent *contracts.Agent
		err   error
	)
	if req.Force {
		if req.Actor == "" {
			WriteBadRequest(w, r, "forced transitions require an actor")
			return
		}
		agent, err = s.machine.Force(r.Context(), agentID, req.To, req.Actor)
	} else {
		agent, err = s.machine.Transition(r.Context(), agentID, req.To, req.Evidence)
	}
	if err != nil {
		var gateErr *pipeline.GateError
		switch {
		case errors.Is(err, registry.ErrAgentNotFound):
			WriteNotFound(w, r, "agent "+agentID+" not found")
		case errors.Is(err, pipeline.ErrIllegalTransition):
			WriteConflict(w, r, "ILLEGAL_TRANSITION", err.Error())
		case errors.As(err, &gateErr):
			WriteAPIError(w, r, http.StatusUnprocessableEntity, "GATE_FAILED", gateErr.Error())
		default:
			WriteInternal(w, r, err)
		}
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

type killRequest struct {
	Reason string `json:"reason"`
	Scope  string `json:"scope,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

func (s *Server) handleKillActivate(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if !decodeBody(w, r, &req) {
		return
	}
	scope := killswitch.Scope(req.Scope)
	if req.Scope == "" {
		scope = "all"
	}
	paused, err := s.kill.Activate(r.Context(), req.Reason, scope)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"active":       true,
		"scope":        string(scope),
		"reason":       req.Reason,
		"agentsPaused": paused,
	})
}

func (s *Server) handleKillDeactivate(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.kill.Deactivate(r.Context(), req.Notes); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	// Agents stay paused; resuming them is a deliberate pipeline action.
	WriteJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	WriteJSON(w, http.StatusOK, map[string]any{
		"reviews": s.reviews.Pending(role),
	})
}

type reviewActionRequest struct {
	ReviewerID string `json:"reviewerId"`
	Decision   string `json:"decision,omitempty"`
}

func (s *Server) handleClaimReview(w http.ResponseWriter, r *http.Request) {
	var req reviewActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReviewerID == "" {
		WriteBadRequest(w, r, "missing reviewerId")
		return
	}
	review, err := s.reviews.Claim(r.Context(), r.PathValue("reviewId"), req.ReviewerID)
	if err != nil {
		writeReviewError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, review)
}

func (s *Server) handleDecideReview(w http.ResponseWriter, r *http.Request) {
	var req reviewActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReviewerID == "" || req.Decision == "" {
		WriteBadRequest(w, r, "reviewerId and decision are required")
		return
	}
	review, err := s.reviews.Decide(r.Context(), r.PathValue("reviewId"), req.ReviewerID, req.Decision)
	if err != nil {
		writeReviewError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, review)
}

func writeReviewError(w http.ResponseWriter, r *http.Request, err error) {
	if strings.Contains(err.Error(), "not found") {
		WriteNotFound(w, r, err.Error())
		return
	}
	WriteConflict(w, r, "REVIEW_CONFLICT", err.Error())
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

func (s *Server) handleObserverEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := observer.Filter{
		AgentID:   q.Get("agentId"),
		UserID:    q.Get("userId"),
		EventType: q.Get("type"),
		Source:    q.Get("source"),
		RiskLevel: contracts.RiskLevel(q.Get("risk")),
		Limit:     defaultEventLimit,
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, r, "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, r, "to must be RFC3339")
			return
		}
		filter.To = t
	}
	if v := q.Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "after must be an integer sequence")
			return
		}
		filter.AfterSequence = seq
	}
	if v := q.Get("direction"); v != "" {
		switch observer.Direction(v) {
		case observer.Forward, observer.Backward:
			filter.Direction = observer.Direction(v)
		default:
			WriteBadRequest(w, r, "direction must be forward or backward")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxEventLimit)
	}

	events, err := s.log.Query(r.Context(), filter)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	var cursor int64
	if len(events) > 0 {
		cursor = events[len(events)-1].Sequence
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"nextCursor": cursor,
	})
}

func (s *Server) handleObserverVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lo, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil || lo < 1 {
		lo = 1
	}
	hi, err := strconv.ParseInt(q.Get("to"), 10, 64)
	if err != nil || hi < lo {
		last, _, lerr := s.lastSequence(r)
		if lerr != nil {
			WriteInternal(w, r, lerr)
			return
		}
		hi = last
	}
	if verr := s.log.VerifyChain(r.Context(), lo, hi); verr != nil {
		WriteJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"from":  lo,
			"to":    hi,
			"error": verr.Error(),
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "from": lo, "to": hi})
}

func (s *Server) lastSequence(r *http.Request) (int64, string, error) {
	events, err := s.log.Query(r.Context(), observer.Filter{Limit: 1, Direction: observer.Backward})
	if err != nil {
		return 0, "", err
	}
	if len(events) == 0 {
		return 0, "", nil
	}
	return events[0].Sequence, events[0].Hash, nil
}

func (s *Server) handleAnomalyScan(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.detector.Scan(r.Context(), r.PathValue("agentId"))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if anomalies == nil {
		anomalies = []contracts.Anomaly{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (s *Server) handleAnomalyAck(w http.ResponseWriter, r *http.Request) {
	s.anomalyTransition(w, r, s.detector.Acknowledge)
}

func (s *Server) handleAnomalyResolve(w http.ResponseWriter, r *http.Request) {
	s.anomalyTransition(w, r, s.detector.Resolve)
}

func (s *Server) anomalyTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, anomalyID string) error) {
	id := r.PathValue("anomalyId")
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, observer.ErrNotFound) {
			WriteNotFound(w, r, "anomaly "+id+" not found")
			return
		}
		WriteConflict(w, r, "ANOMALY_CONFLICT", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"anomalyId": id, "ok": true})
}

// handleLeaderboard ranks the registered agents by adjusted trust score.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		WriteAPIError(w, r, http.StatusServiceUnavailable, "LEADERBOARD_UNAVAILABLE", "agent roster is not configured")
		return
	}
	roster, err := s.agents.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	names := make(map[string]string, len(roster))
	profiles := make([]*contracts.TrustProfile, 0, len(roster))
	for _, agent := range roster {
		profile, err := s.profiles.Get(r.Context(), agent.AgentID)
		if errors.Is(err, trust.ErrProfileNotFound) {
			continue
		}
		if err != nil {
			WriteInternal(w, r, err)
			return
		}
		names[agent.AgentID] = agent.Name
		profiles = append(profiles, profile)
	}

	lb := trust.NewLeaderboardFromProfiles(profiles, names)
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, r, "top must be a positive integer")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"entries": lb.TopN(n), "total": lb.Count()})
		return
	}
	WriteJSON(w, http.StatusOK, lb.Export())
}
