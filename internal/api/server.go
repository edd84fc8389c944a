// Package api exposes the orchestrator over HTTP for operators and callers
// that cannot link the library: submit batches, answer takeovers, inspect
// sessions and devices.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/mailbox"
)

// Service is the orchestrator surface served over HTTP.
type Service interface {
	Submit(ctx context.Context, list []tasks.Task, batch tasks.Batch) ([]tasks.Result, error)
	ResumeSession(id string) (session.State, error)
	DeleteSession(id string) bool
	SendReply(id, reply string) bool
	SessionCount() int
	CleanupExpiredSessions() int
	DeviceStatuses() []device.Status
	DeviceForRole(role string) (string, bool)
	WriteMarker(ctx context.Context, taskID, role string, kind mailbox.Kind) error
}

// Backlog queues batches for the async listener.
type Backlog interface {
	Enqueue(ctx context.Context, batch tasks.Batch, items []tasks.Task) (int64, error)
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc     Service
	backlog Backlog
	router  *mux.Router
}

// NewServer registers every route. backlog may be nil, which disables
// POST /v1/backlog.
func NewServer(svc Service, backlog Backlog) *Server {
	s := &Server{svc: svc, backlog: backlog, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/v1").Subrouter()
	r.HandleFunc("/tasks", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/backlog", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleSessionCount).Methods(http.MethodGet)
	r.HandleFunc("/sessions/sweep", s.handleSweep).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/reply", s.handleReply).Methods(http.MethodPost)
	r.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/role/{role}", s.handleDeviceForRole).Methods(http.MethodGet)
	r.HandleFunc("/markers", s.handleMarker).Methods(http.MethodPost)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("control api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "control api stopped")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// SubmitRequest is the body of POST /v1/tasks and POST /v1/backlog.
type SubmitRequest struct {
	Tasks []tasks.Task `json:"tasks"`
	tasks.Batch
}

// SubmitResponse carries results in arrival order.
type SubmitResponse struct {
	Results []tasks.Result `json:"results"`
	// NeedsReply lists session ids waiting on POST /v1/sessions/{id}/reply.
	NeedsReply []string `json:"needs_reply,omitempty"`
}

type replyRequest struct {
	Reply string `json:"reply"`
}

type markerRequest struct {
	TaskID string       `json:"task_id"`
	Role   string       `json:"role"`
	Kind   mailbox.Kind `json:"kind"`
}

type errorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	results, err := s.svc.Submit(r.Context(), req.Tasks, req.Batch)
	if err != nil {
		if r.Context().Err() != nil {
			log.Warn().Err(err).Str("task_id", req.TaskID).Msg("submit abandoned by client")
			return
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := SubmitResponse{Results: results}
	for _, res := range results {
		if res.NeedsReply() {
			resp.NeedsReply = append(resp.NeedsReply, res.SessionID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.backlog == nil {
		writeError(w, "backlog is disabled", http.StatusServiceUnavailable)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, "tasks are required", http.StatusBadRequest)
		return
	}
	id, err := s.backlog.Enqueue(r.Context(), req.Batch, req.Tasks)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "task_id": req.TaskID})
}

func (s *Server) handleSessionCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.svc.SessionCount()})
}

func (s *Server) handleSweep(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.svc.CleanupExpiredSessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	state, err := s.svc.ResumeSession(id)
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, "session expired", http.StatusGone)
	case err != nil:
		writeError(w, "session not found", http.StatusNotFound)
	default:
		state.Executor.APIKey = ""
		writeJSON(w, http.StatusOK, state)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if !s.svc.DeleteSession(id) {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.svc.SendReply(id, req.Reply) {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	log.Info().Str("session_id", id).Msg("takeover reply delivered")
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.svc.DeviceStatuses()
	if devices == nil {
		devices = []device.Status{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleDeviceForRole(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	serial, ok := s.svc.DeviceForRole(role)
	if !ok {
		writeError(w, "no device for role", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": role, "device_id": serial})
}

func (s *Server) handleMarker(w http.ResponseWriter, r *http.Request) {
	var req markerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TaskID) == "" || req.Kind == "" {
		writeError(w, "task_id and kind are required", http.StatusBadRequest)
		return
	}
	if err := s.svc.WriteMarker(r.Context(), req.TaskID, req.Role, req.Kind); err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Message: message, Status: status})
}
