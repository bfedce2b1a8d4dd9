// Package api implements the cube's HTTP API: the conversation endpoint
// the Home Assistant integration talks to, plus health, session, and
// circuit-breaker operations endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glitchcube/glitchcube/internal/breaker"
	"github.com/glitchcube/glitchcube/internal/buildinfo"
	"github.com/glitchcube/glitchcube/internal/conversation"
	"github.com/glitchcube/glitchcube/internal/health"
	"github.com/glitchcube/glitchcube/internal/llm"
	"github.com/glitchcube/glitchcube/internal/prompts"
	"github.com/glitchcube/glitchcube/internal/session"
)

// Converser runs one conversation turn. Satisfied by the orchestrator.
type Converser interface {
	Converse(ctx context.Context, req conversation.TurnRequest) (*conversation.Result, error)
}

// HealthChecker produces the health snapshot for /health.
type HealthChecker interface {
	Check(ctx context.Context) health.Status
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	converser Converser
	store     *session.Store
	breakers  *breaker.Registry
	checker   HealthChecker
	personas  *prompts.Assembler
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates the API server. All collaborators are required.
func NewServer(address string, port int, converser Converser, store *session.Store,
	breakers *breaker.Registry, checker HealthChecker, personas *prompts.Assembler,
	logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		converser: converser,
		store:     store,
		breakers:  breakers,
		checker:   checker,
		personas:  personas,
		logger:    logger.With("component", "api"),
	}
}

// Handler builds the route table. Split from Start so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/conversation", s.handleConversation)
	mux.HandleFunc("GET /api/v1/session/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /api/v1/session/{id}/end", s.handleSessionEnd)
	mux.HandleFunc("GET /api/v1/personas", s.handlePersonas)
	mux.HandleFunc("GET /api/v1/breakers", s.handleBreakers)
	mux.HandleFunc("POST /api/v1/breakers/{name}/reset", s.handleBreakerReset)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // LLM turns can be slow
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// conversationRequest is the wire format the HA integration sends.
type conversationRequest struct {
	Text           string            `json:"text"`
	ConversationID string            `json:"conversation_id"`
	Persona        string            `json:"persona"`
	Source         string            `json:"source"`
	Context        map[string]string `json:"context"`
}

// conversationResponse mirrors conversation.Result with the field names
// the integration expects.
type conversationResponse struct {
	Response             string  `json:"response"`
	ConversationID       string  `json:"conversation_id"`
	Persona              string  `json:"persona"`
	Cost                 float64 `json:"cost"`
	Tokens               int     `json:"tokens"`
	ContinueConversation bool    `json:"continue_conversation"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	result, err := s.converser.Converse(r.Context(), conversation.TurnRequest{
		Text:      req.Text,
		SessionID: req.ConversationID,
		Source:    source,
		Persona:   req.Persona,
		Context:   req.Context,
	})
	if err != nil {
		s.logger.Error("conversation turn failed", "error", err)
		s.errorResponse(w, statusForTurnError(err), "the cube could not produce a reply")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conversationResponse{
		Response:             result.ResponseText,
		ConversationID:       result.SessionID,
		Persona:              result.Persona,
		Cost:                 result.Cost,
		Tokens:               result.Tokens,
		ContinueConversation: result.ContinueConversation,
	}, s.logger)
}

// statusForTurnError maps orchestrator failures onto HTTP status codes.
// Everything that crosses the orchestrator boundary is an upstream LLM
// problem, so the split is misconfiguration vs. transient outage.
func statusForTurnError(err error) int {
	var lerr *llm.Error
	if errors.As(err, &lerr) {
		switch lerr.Kind {
		case llm.KindAuth, llm.KindValidation:
			return http.StatusBadGateway
		case llm.KindRateLimit:
			return http.StatusTooManyRequests
		}
	}
	return http.StatusServiceUnavailable
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess := s.store.Find(r.PathValue("id"))
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess.Summary(), s.logger)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	sess := s.store.Find(r.PathValue("id"))
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional; ignore decode errors and end without a reason.
	_ = json.NewDecoder(r.Body).Decode(&body)

	sess.EndConversation(body.Reason)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess.Summary(), s.logger)
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"personas": s.personas.Available()}, s.logger)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.breakers.Snapshots(), s.logger)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.breakers.Reset(name) {
		s.errorResponse(w, http.StatusNotFound, "unknown breaker")
		return
	}
	s.logger.Info("breaker reset via API", "breaker", name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reset", "breaker": name}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.checker.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if st.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, st, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Glitch Cube",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
