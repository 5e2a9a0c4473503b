package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"stemflow/internal/api"
	"stemflow/internal/config"
	"stemflow/internal/logging"
	"stemflow/internal/preview"
	"stemflow/internal/services"
)

const (
	followTimeout   = 25 * time.Second
	shutdownTimeout = 5 * time.Second
	maxRequestBytes = 1 << 20
)

type apiServer struct {
	bind   string
	daemon *Daemon
	logger *slog.Logger
	router chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// newAPIServer returns nil when no bind address is configured; every method
// is safe on a nil server.
func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || cfg.API.Bind == "" {
		return nil
	}
	s := &apiServer{
		bind:   cfg.API.Bind,
		daemon: d,
		logger: logging.NewComponentLogger(logger, "api"),
	}
	s.router = s.routes()
	return s
}

func (s *apiServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/tasks", s.handleTasks)
		r.Delete("/tasks/{id}", s.handleCancelTask)
		r.Get("/events", s.handleEvents)

		r.Get("/ingest", s.handleIngestStatus)
		r.Post("/ingest", s.handleStartIngest)
		r.Post("/ingest/{action}", s.handleIngestAction)

		r.Get("/preview", s.handlePreview)
		r.Get("/preview.fits", s.handlePreviewFITS)
		r.Post("/preview/radii", s.handlePreviewRadii)

		r.Post("/reconstruct", s.handleReconstruct)
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already running")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "api", "listen", "bind "+s.bind, err)
	}
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", logging.Error(err))
		}
	}()
	s.server = server
	s.listener = listener
	s.done = done
	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown incomplete", logging.Error(err))
		_ = server.Close()
	}
	<-done
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Debug("request completed",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", ww.Status()),
				logging.Duration("duration", time.Since(start)),
				logging.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.daemon.Status()
	writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		LockFilePath: status.LockFilePath,
		JournalPath:  status.JournalPath,
		Workflow:     api.FromStatusSummary(status.Workflow),
		Ingest:       s.daemon.IngestStatus(),
		Preflight:    api.FromPreflight(status.Preflight),
	})
}

func (s *apiServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	history := queryBool(r, "history")
	infos, err := s.daemon.Tasks(r.Context(), history)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TaskListResponse{Tasks: api.FromTaskInfos(infos)})
}

func (s *apiServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.daemon.CancelTask(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CancelResponse{ID: id, State: string(state)})
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tail, _ := queryInt(r, "tail"); tail > 0 {
		evts, next := s.daemon.Hub().Tail(tail)
		writeJSON(w, http.StatusOK, api.EventsResponse{Events: evts, Next: next})
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, services.Wrap(services.ErrParse, "api", "events", "invalid since", err))
			return
		}
	}
	follow := queryBool(r, "follow")
	ctx := r.Context()
	if follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, followTimeout)
		defer cancel()
	}
	evts, next, err := s.daemon.Events(ctx, since, limit, follow)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, r, err)
		return
	}
	if next < since {
		next = since
	}
	writeJSON(w, http.StatusOK, api.EventsResponse{Events: evts, Next: next})
}

func (s *apiServer) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.IngestStatus()
	if status == nil {
		s.writeError(w, r, services.Wrap(services.ErrNotFound, "api", "ingest", "no ingest session", nil))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleStartIngest(w http.ResponseWriter, r *http.Request) {
	var req api.IngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.daemon.StartIngest(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *apiServer) handleIngestAction(w http.ResponseWriter, r *http.Request) {
	var (
		status *api.IngestStatus
		err    error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		status, err = s.daemon.PauseIngest()
	case "resume":
		status, err = s.daemon.ResumeIngest()
	case "stop":
		status, err = s.daemon.StopIngest()
	default:
		err = services.Wrap(services.ErrValidation, "api", "ingest", "unknown action "+action, nil)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	snap, err := s.daemon.Preview()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromSnapshot(snap))
}

func (s *apiServer) handlePreviewFITS(w http.ResponseWriter, r *http.Request) {
	snap, err := s.daemon.Preview()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Disposition", `attachment; filename="preview.fits"`)
	if err := preview.WriteFITS(w, snap); err != nil {
		// Headers are already out; the client sees a truncated body.
		s.logger.Warn("preview fits write failed", logging.Error(err))
	}
}

func (s *apiServer) handlePreviewRadii(w http.ResponseWriter, r *http.Request) {
	var req api.PreviewRadiiRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.daemon.SetPreviewRadii(req.InnerRadius, req.OuterRadius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromSnapshot(snap))
}

func (s *apiServer) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	var req api.ReconstructRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.daemon.EnqueueReconstruction(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.TaskResponse{Task: api.FromTaskInfo(info)})
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := services.Kind(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			logging.String("path", r.URL.Path),
			logging.String(logging.FieldErrorKind, kind),
			logging.Error(err),
		)
	}
	writeJSON(w, status, api.ErrorResponse{Error: err.Error(), Kind: kind})
}

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "validation", "parse", "invalid_format":
		return http.StatusBadRequest
	case "already_exists":
		return http.StatusConflict
	case "configuration":
		return http.StatusPreconditionFailed
	case "cancelled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return services.Wrap(services.ErrParse, "api", "decode", fmt.Sprintf("%s %s", r.Method, r.URL.Path), err)
	}
	return nil
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, services.Wrap(services.ErrParse, "api", "query", "invalid "+key, err)
	}
	return n, nil
}
