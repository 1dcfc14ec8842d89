// Package api serves the master's read-only HTTP status endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/postgres"
	"github.com/Kandimus/FreeDistributedBuild/services/master"
)

// Source exposes the live state of a master.
type Source interface {
	Status() (master.JobStatus, bool)
	Tasks() []master.TaskView
	Sessions() []master.SessionView
}

// Handler answers status requests.
type Handler struct {
	src     Source
	history postgres.HistoryRepository // nil = disabled
	limiter Limiter                    // nil = disabled
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimit limits the /api/v1 routes per client address.
func WithRateLimit(l Limiter) HandlerOption { return func(h *Handler) { h.limiter = l } }

// NewHandler creates a Handler. history may be nil.
func NewHandler(src Source, history postgres.HistoryRepository, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{src: src, history: history, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router mounts every endpoint.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(h.logger))
	r.Get("/healthz", h.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(RateLimit(h.limiter, h.logger))
		}
		r.Get("/job", h.CurrentJob)
		r.Get("/tasks", h.ListTasks)
		r.Get("/sessions", h.ListSessions)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/jobs/{id}/executions", h.ListExecutions)
	})
	return r
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CurrentJob handles GET /api/v1/job.
func (h *Handler) CurrentJob(w http.ResponseWriter, _ *http.Request) {
	st, ok := h.src.Status()
	if !ok {
		writeError(w, http.StatusNotFound, "no job has started")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListTasks handles GET /api/v1/tasks. ?status= filters by PENDING,
// ASSIGNED, DONE or FAILED.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, filterTasks(h.src.Tasks(), r.URL.Query().Get("status")))
}

// filterTasks keeps tasks whose status matches want, case-insensitively.
// The result is never nil.
func filterTasks(tasks []master.TaskView, want string) []master.TaskView {
	if want = strings.ToUpper(want); want != "" {
		filtered := tasks[:0:0]
		for _, t := range tasks {
			if string(t.Status) == want {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []master.TaskView{}
	}
	return tasks
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.src.Sessions()
	if sessions == nil {
		sessions = []master.SessionView{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetJob handles GET /api/v1/jobs/{id} from build history.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "build history is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	job, err := h.history.GetJob(r.Context(), id)
	if err != nil {
		h.historyError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListExecutions handles GET /api/v1/jobs/{id}/executions.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "build history is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.history.GetJob(r.Context(), id); err != nil {
		h.historyError(w, id, err)
		return
	}
	execs, err := h.history.ListExecutions(r.Context(), id)
	if err != nil {
		h.historyError(w, id, err)
		return
	}
	if execs == nil {
		execs = []*domain.TaskExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handler) historyError(w http.ResponseWriter, id string, err error) {
	var notFound *domain.JobNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.Error("history lookup failed", slog.String("job_id", id), slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "failed to read build history")
}

// Serve runs the status API on addr until ctx is cancelled. An empty addr
// disables it.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("status API starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API error", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
