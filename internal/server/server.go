// Package server exposes the agent as the HTTP assistant service the chat
// client talks to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/tripmate/internal/agent"
	"github.com/comigor/tripmate/internal/assistant"
	"github.com/comigor/tripmate/internal/config"
	"github.com/comigor/tripmate/internal/history"
	"github.com/comigor/tripmate/internal/logger"
)

const maxBodySize = 1 << 20

// Processor answers one chat turn. *agent.Agent satisfies it.
type Processor interface {
	Process(ctx context.Context, history []openai.ChatCompletionMessage, request string) (agent.Answer, error)
}

// Server holds the handler dependencies.
type Server struct {
	proc    Processor
	store   *history.Store
	metrics *metrics
	now     func() time.Time
}

// New builds the service router: POST /chat, GET /me, GET /sessions/{user_id},
// GET /sessions/{id}/messages, GET /healthz and GET /metrics. Sessions belong
// to the caller that opened them.
func New(proc Processor, store *history.Store, cfg config.ServerConfig) http.Handler {
	s := &Server{
		proc:    proc,
		store:   store,
		metrics: newMetrics(),
		now:     time.Now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(authenticate(cfg.Tokens), rateLimit(cfg.RateLimit))
	api.HandleFunc("/chat", s.chat).Methods(http.MethodPost)
	api.HandleFunc("/me", s.me).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{user_id}", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/messages", s.listMessages).Methods(http.MethodGet)

	r.Use(s.metrics.instrument)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req assistant.Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeDetail(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	owner := principalFrom(r.Context()).ID
	sessionID := s.resolveSession(r.Context(), owner, req.SessionID)

	prior, err := toLLMHistory(req.ConversationHistory)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.L.Infow("chat request", "session_id", sessionID, "history_len", len(prior))
	answer, err := s.proc.Process(r.Context(), prior, message)
	if err != nil {
		logger.L.Errorw("process error", "session_id", sessionID, "error", err)
		writeDetail(w, http.StatusBadGateway, "the assistant could not answer right now")
		return
	}
	s.metrics.tokens.Add(float64(answer.TokensUsed))

	reply := assistant.Reply{
		Reply:      answer.Content,
		Timestamp:  s.now().UTC(),
		SessionID:  sessionID,
		TokensUsed: answer.TokensUsed,
	}
	s.record(r.Context(), owner, sessionID, message, reply)
	writeJSON(w, http.StatusOK, reply)
}

// resolveSession keeps an echoed session id only when owner opened it.
// Anything else, including ids of other callers, starts a new session.
func (s *Server) resolveSession(ctx context.Context, owner, requested string) string {
	if _, err := uuid.Parse(requested); err != nil {
		return uuid.NewString()
	}
	got, found, err := s.store.Owner(ctx, requested)
	switch {
	case err != nil:
		logger.L.Warnw("session owner lookup failed; starting a new session", "session_id", requested, "error", err)
	case !found:
	case got == owner:
		return requested
	default:
		logger.L.Warnw("session belongs to another caller; starting a new session", "session_id", requested)
	}
	return uuid.NewString()
}

// record logs both sides of a turn. A failing store never fails the turn.
func (s *Server) record(ctx context.Context, owner, sessionID, message string, reply assistant.Reply) {
	entries := []history.Entry{
		{SessionID: sessionID, Owner: owner, Role: assistant.RoleUser, Content: message, CreatedAt: reply.Timestamp},
		{SessionID: sessionID, Owner: owner, Role: assistant.RoleAssistant, Content: reply.Reply, CreatedAt: reply.Timestamp},
	}
	for _, e := range entries {
		if _, err := s.store.Append(ctx, e); err != nil {
			logger.L.Warnw("failed to record turn", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"user_id": principalFrom(r.Context()).ID})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["user_id"]
	if owner != principalFrom(r.Context()).ID {
		writeDetail(w, http.StatusForbidden, "access denied")
		return
	}
	sessions, err := s.store.Sessions(r.Context(), owner)
	if err != nil {
		logger.L.Errorw("list sessions", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// listMessages serves the caller's own sessions; others read as not found.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := s.store.List(r.Context(), principalFrom(r.Context()).ID, id)
	if err != nil {
		logger.L.Errorw("list messages", "session_id", id, "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if len(entries) == 0 {
		writeDetail(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": entries})
}

var errUnknownRole = errors.New("conversation_history: unknown role")

func toLLMHistory(turns []assistant.Turn) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		var role string
		switch t.Role {
		case assistant.RoleUser:
			role = openai.ChatMessageRoleUser
		case assistant.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			return nil, errUnknownRole
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warnw("write response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
