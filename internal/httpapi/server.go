package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/duet/internal/config"
	"github.com/ent0n29/duet/internal/observability"
	"github.com/ent0n29/duet/internal/orchestrator"
	"github.com/ent0n29/duet/internal/security"
	"github.com/ent0n29/duet/internal/session"
)

type Server struct {
	cfg      config.Config
	orch     *orchestrator.Orchestrator
	gateway  *security.Gateway
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, orch *orchestrator.Orchestrator, gateway *security.Gateway, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		gateway: gateway,
		metrics: metrics,
		log:     log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only same-origin browser connections. Non-browser
				// clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/pause", s.handlePauseSession)
	r.Post("/v1/sessions/{id}/resume", s.handleResumeSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createSessionRequest struct {
	ParticipantA       string             `json:"participant_a"`
	ParticipantB       string             `json:"participant_b"`
	Kind               string             `json:"kind"`
	MaxDurationMinutes int                `json:"max_duration_minutes"`
	TraitsA            map[string]float64 `json:"traits_a,omitempty"`
	TraitsB            map[string]float64 `json:"traits_b,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	maxDuration := s.cfg.SessionMaxDuration
	if req.MaxDurationMinutes > 0 {
		maxDuration = time.Duration(req.MaxDurationMinutes) * time.Minute
	}
	kind := session.Kind(req.Kind)
	if kind == "" {
		kind = session.KindMatchmaking
	}

	snap, err := s.orch.Start(r.Context(), orchestrator.StartRequest{
		ParticipantA: req.ParticipantA,
		ParticipantB: req.ParticipantB,
		Kind:         kind,
		MaxDuration:  maxDuration,
		TraitsA:      req.TraitsA,
		TraitsB:      req.TraitsB,
	})
	if err != nil {
		s.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "user_request"
	}

	report, err := s.orch.End(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pause(chi.URLParam(r, "id")); err != nil {
		s.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": string(session.StatusPaused)})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Resume(chi.URLParam(r, "id")); err != nil {
		s.respondMappedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": string(session.StatusActive)})
}

func (s *Server) respondMappedError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	var rejected *session.ContentRejectedError
	var denied *security.DeniedError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrConflict):
		return http.StatusConflict, "session_conflict"
	case errors.Is(err, session.ErrExpired):
		return http.StatusGone, "session_expired"
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, "session_not_active"
	case errors.Is(err, session.ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, "content_rejected"
	case errors.Is(err, security.ErrAuthentication):
		return http.StatusUnauthorized, "authentication_failed"
	case errors.As(err, &denied):
		return http.StatusTooManyRequests, "rate_limit_exceeded"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
