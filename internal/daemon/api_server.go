package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/api"
	"github.com/ozoz66/control-research-copilot/internal/config"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}

	token := strings.TrimSpace(cfg.Paths.APIToken)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", requireToken(token, srv.handleStatus))
	mux.HandleFunc("/api/sessions", requireToken(token, srv.handleSessions))
	mux.HandleFunc("/api/sessions/", requireToken(token, srv.handleSessionScoped))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())
	payload := api.StatusResponse{
		Running:        status.Running,
		PID:            status.PID,
		ActiveSessions: status.ActiveSessions,
		SessionDBPath:  status.SessionDBPath,
		LockFilePath:   status.LockFilePath,
		Graphs:         s.daemon.registry.Graphs().Names(),
	}

	counts := make(map[string]int)
	if sessions, err := s.daemon.registry.List(r.Context()); err == nil {
		for _, sess := range sessions {
			counts[string(sess.Status)]++
		}
	}
	if len(counts) > 0 {
		payload.SessionCounts = counts
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodPost:
		s.createSession(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.daemon.registry.List(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	filters := make(map[session.Status]struct{})
	for _, value := range r.URL.Query()["status"] {
		if status, ok := session.ParseStatus(value); ok {
			filters[status] = struct{}{}
		}
	}

	summaries := make([]api.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		if len(filters) > 0 {
			if _, ok := filters[sess.Status]; !ok {
				continue
			}
		}
		summaries = append(summaries, api.FromSession(sess))
	}
	s.writeJSON(w, http.StatusOK, api.SessionListResponse{Sessions: summaries})
}

func (s *apiServer) createSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	sess, err := s.daemon.registry.Create(r.Context(), req.Topic, req.Graph)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	view, err := s.daemon.registry.Get(r.Context(), sess.ID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.FromView(view))
}

// handleSessionScoped routes /api/sessions/{id}[/...] by path segments.
func (s *apiServer) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sessionID := segments[0]

	switch {
	case len(segments) == 1:
		s.handleSession(w, r, sessionID)
	case len(segments) == 2 && segments[1] == "events":
		s.handleEvents(w, r, sessionID)
	case len(segments) == 2 && segments[1] == "checkpoints":
		s.handleCheckpoints(w, r, sessionID)
	case len(segments) == 2 && segments[1] == "rollback":
		s.handleRollback(w, r, sessionID)
	case len(segments) == 2 && segments[1] == "cancel":
		s.handleCancel(w, r, sessionID)
	case len(segments) == 4 && segments[1] == "stages" && segments[3] == "confirm":
		s.handleConfirm(w, r, sessionID, segments[2])
	case len(segments) == 4 && segments[1] == "stages" && segments[3] == "reject":
		s.handleReject(w, r, sessionID, segments[2])
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.daemon.registry.Get(r.Context(), sessionID)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.FromView(view))
	case http.MethodDelete:
		if err := s.daemon.registry.Delete(r.Context(), sessionID); err != nil {
			s.writeFailure(w, err)
			return
		}
		if s.daemon.hub != nil {
			s.daemon.hub.Drop(sessionID)
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"deleted": sessionID})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")

	var (
		records []events.Record
		next    uint64
	)
	if s.daemon.hub != nil {
		var err error
		records, next, err = s.daemon.hub.Fetch(r.Context(), sessionID, since, limit, follow)
		if err != nil && !errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, events.ErrStreamClosed) {
			s.writeFailure(w, err)
			return
		}
	}

	// A fresh cursor with nothing buffered means the stream predates this
	// process. Rebuild history from the checkpoint log.
	if len(records) == 0 && since == 0 && !follow {
		replayed, err := events.Replay(r.Context(), s.daemon.checkpoints, sessionID, s.replayWindow())
		if err != nil {
			s.log().Warn("checkpoint replay failed",
				logging.String(logging.FieldSessionID, sessionID),
				logging.Error(err))
		} else {
			records = replayed
		}
	}

	s.writeJSON(w, http.StatusOK, api.EventStreamResponse{
		Events: api.FromEvents(records),
		Next:   next,
	})
}

func (s *apiServer) replayWindow() int {
	if s.daemon.cfg.Workflow.CheckpointReplayWindow > 0 {
		return s.daemon.cfg.Workflow.CheckpointReplayWindow
	}
	return 20
}

func (s *apiServer) handleCheckpoints(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	checkpoints, err := s.daemon.checkpoints.List(r.Context(), sessionID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CheckpointListResponse{
		Checkpoints: api.FromCheckpoints(checkpoints),
	})
}

func (s *apiServer) handleRollback(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Stage) == "" {
		s.writeError(w, http.StatusBadRequest, "stage is required")
		return
	}
	if err := s.daemon.registry.Rollback(r.Context(), sessionID, req.Stage); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"rolled_back": req.Stage})
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.daemon.registry.Cancel(r.Context(), sessionID); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"cancelled": sessionID})
}

func (s *apiServer) handleConfirm(w http.ResponseWriter, r *http.Request, sessionID, stageID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.daemon.registry.Confirm(r.Context(), sessionID, stageID); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"confirmed": stageID})
}

func (s *apiServer) handleReject(w http.ResponseWriter, r *http.Request, sessionID, stageID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RejectRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.daemon.registry.Reject(r.Context(), sessionID, stageID, req.Reason); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"rejected": stageID})
}

// writeFailure maps domain errors onto HTTP status codes.
func (s *apiServer) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrStageNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case session.IsInvalidTransition(err):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}
