package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/handoff"
	"github.com/BaSui01/swarmlink/session"
	"github.com/BaSui01/swarmlink/types"
)

// apiServer exposes the session manager and handoff engine over a small
// JSON API. Signaling payloads are forwarded verbatim; peers negotiate
// among themselves.
type apiServer struct {
	manager *session.Manager
	engine  *handoff.Engine
	logger  *zap.Logger
}

func newAPIServer(manager *session.Manager, engine *handoff.Engine, logger *zap.Logger) *apiServer {
	return &apiServer{
		manager: manager,
		engine:  engine,
		logger:  logger.With(zap.String("component", "api")),
	}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /api/v1/sessions/{id}/leave", s.handleLeave)
	mux.HandleFunc("POST /api/v1/sessions/{id}/signal", s.handleSignal)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /api/v1/handoffs", s.handleHandoff)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})
	return mux
}

type createSessionRequest struct {
	HostUserID      string `json:"host_user_id"`
	MaxParticipants int    `json:"max_participants"`
	EnableVetoes    *bool  `json:"enable_vetoes,omitempty"`
	EnableA2A       *bool  `json:"enable_a2a,omitempty"`
}

type sessionResponse struct {
	SessionID    string `json:"session_id"`
	HostUserID   string `json:"host_user_id"`
	Participants int    `json:"participants"`
	ActiveTasks  int    `json:"active_tasks"`
}

func (s *apiServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "malformed request body").WithCause(err))
		return
	}

	cfg := session.DefaultConfig()
	if req.MaxParticipants > 0 {
		cfg.MaxParticipants = req.MaxParticipants
	}
	if req.EnableVetoes != nil {
		cfg.EnableVetoes = *req.EnableVetoes
	}
	if req.EnableA2A != nil {
		cfg.EnableA2A = *req.EnableA2A
	}

	sess, err := s.manager.CreateSession(cfg, req.HostUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:    sess.ID,
		HostUserID:   sess.HostUserID,
		Participants: sess.ParticipantCount(),
	})
}

func (s *apiServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Session(r.PathValue("id"))
	if !ok {
		writeError(w, types.NewError(types.ErrNotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    sess.ID,
		HostUserID:   sess.HostUserID,
		Participants: sess.ParticipantCount(),
		ActiveTasks:  sess.ActiveTaskCount(),
	})
}

func (s *apiServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CloseSession(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s *apiServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "malformed request body").WithCause(err))
		return
	}
	p, err := s.manager.JoinSession(r.Context(), r.PathValue("id"), req.UserID, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":          p.UserID,
		"connection_state": p.ConnState,
	})
}

func (s *apiServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "malformed request body").WithCause(err))
		return
	}
	if err := s.manager.LeaveSession(r.PathValue("id"), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type signalRequest struct {
	UserID string              `json:"user_id"`
	Signal types.SignalPayload `json:"signal"`
}

func (s *apiServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "malformed request body").WithCause(err))
		return
	}
	if err := s.manager.HandleSignal(r.Context(), r.PathValue("id"), req.UserID, req.Signal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg session.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "malformed request body").WithCause(err))
		return
	}
	msg.SessionID = r.PathValue("id")
	if err := s.manager.HandleMessage(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type handoffRequest struct {
	SourceAgentID string `json:"source_agent_id"`
	TargetAgentID string `json:"target_agent_id"`
	TaskID        string `json:"task_id"`
	Context       any    `json:"context,omitempty"`
}

func (s *apiServer) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "malformed request body").WithCause(err))
		return
	}
	outcome, err := s.engine.InitiateHandoff(r.Context(), req.SourceAgentID, req.TargetAgentID, req.TaskID, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var te *types.Error
	if errors.As(err, &te) {
		switch te.Code {
		case types.ErrValidation, types.ErrCallerMismatch:
			status = http.StatusBadRequest
		case types.ErrNotFound:
			status = http.StatusNotFound
		case types.ErrSessionFull:
			status = http.StatusConflict
		case types.ErrTimeout:
			status = http.StatusGatewayTimeout
		case types.ErrTransient, types.ErrBackendUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
