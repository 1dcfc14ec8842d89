package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/services/master"
	"github.com/Kandimus/FreeDistributedBuild/services/master/api"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type fakeSource struct {
	status   master.JobStatus
	started  bool
	tasks    []master.TaskView
	sessions []master.SessionView
}

func (f *fakeSource) Status() (master.JobStatus, bool) { return f.status, f.started }
func (f *fakeSource) Tasks() []master.TaskView         { return f.tasks }
func (f *fakeSource) Sessions() []master.SessionView   { return f.sessions }

type fakeHistory struct {
	jobs  map[string]*domain.JobSummary
	execs map[string][]*domain.TaskExecution
	err   error
}

func (f *fakeHistory) CreateJob(context.Context, string, []string, int, time.Time) error { return nil }
func (f *fakeHistory) FinishJob(context.Context, *domain.JobSummary) error             { return nil }
func (f *fakeHistory) RecordExecution(context.Context, *domain.TaskExecution) error    { return nil }

func (f *fakeHistory) GetJob(_ context.Context, id string) (*domain.JobSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	return j, nil
}

func (f *fakeHistory) ListExecutions(_ context.Context, id string) ([]*domain.TaskExecution, error) {
	return f.execs[id], nil
}

type fakeLimiter struct {
	budget int
	err    error
	seen   []string
}

func (l *fakeLimiter) Allow(_ context.Context, client string) (bool, error) {
	l.seen = append(l.seen, client)
	if l.err != nil {
		return false, l.err
	}
	l.budget--
	return l.budget >= 0, nil
}

func (l *fakeLimiter) Limit() int { return 2 }

// ── helpers ───────────────────────────────────────────────────────────────────

func newRouter(src api.Source, hist *fakeHistory) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if hist == nil {
		return api.NewHandler(src, nil, logger).Router()
	}
	return api.NewHandler(src, hist, logger).Router()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	rec := get(t, newRouter(&fakeSource{}, nil), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCurrentJob_NoneStarted(t *testing.T) {
	rec := get(t, newRouter(&fakeSource{}, nil), "/api/v1/job")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no job")
}

func TestCurrentJob_Running(t *testing.T) {
	src := &fakeSource{started: true, status: master.JobStatus{
		ID: "job-1", State: master.JobRunning, Total: 4, Succeeded: 1, Running: 2, Percent: 25,
	}}
	rec := get(t, newRouter(src, nil), "/api/v1/job")
	require.Equal(t, http.StatusOK, rec.Code)

	var got master.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, master.JobRunning, got.State)
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 2, got.Running)
}

func TestListTasks_FilterByStatus(t *testing.T) {
	src := &fakeSource{tasks: []master.TaskView{
		{ID: 1, Status: domain.StatusDone},
		{ID: 2, Status: domain.StatusFailed},
		{ID: 3, Status: domain.StatusPending},
	}}
	h := newRouter(src, nil)

	var all []master.TaskView
	rec := get(t, h, "/api/v1/tasks")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	var failed []master.TaskView
	rec = get(t, h, "/api/v1/tasks?status=failed")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, uint32(2), failed[0].ID)
	assert.Len(t, src.tasks, 3, "filtering must not touch the source slice")
}

func TestListSessions_EmptyIsArray(t *testing.T) {
	rec := get(t, newRouter(&fakeSource{}, nil), "/api/v1/sessions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetJob_HistoryDisabled(t *testing.T) {
	rec := get(t, newRouter(&fakeSource{}, nil), "/api/v1/jobs/job-1")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetJob_FromHistory(t *testing.T) {
	hist := &fakeHistory{jobs: map[string]*domain.JobSummary{
		"job-1": {JobID: "job-1", Success: true, Total: 2, Succeeded: 2},
	}}
	rec := get(t, newRouter(&fakeSource{}, hist), "/api/v1/jobs/job-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.JobSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, 2, got.Succeeded)
}

func TestGetJob_NotFound(t *testing.T) {
	hist := &fakeHistory{jobs: map[string]*domain.JobSummary{}}
	rec := get(t, newRouter(&fakeSource{}, hist), "/api/v1/jobs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_StoreError(t *testing.T) {
	hist := &fakeHistory{err: errors.New("connection refused")}
	rec := get(t, newRouter(&fakeSource{}, hist), "/api/v1/jobs/job-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestListExecutions(t *testing.T) {
	hist := &fakeHistory{
		jobs:  map[string]*domain.JobSummary{"job-1": {JobID: "job-1"}, "job-2": {JobID: "job-2"}},
		execs: map[string][]*domain.TaskExecution{
			"job-1": {{JobID: "job-1", TaskID: 7, Status: domain.StatusDone}},
		},
	}
	h := newRouter(&fakeSource{}, hist)

	var execs []domain.TaskExecution
	rec := get(t, h, "/api/v1/jobs/job-1/executions")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execs))
	require.Len(t, execs, 1)
	assert.Equal(t, uint32(7), execs[0].TaskID)

	rec = get(t, h, "/api/v1/jobs/job-2/executions")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = get(t, h, "/api/v1/jobs/job-3/executions")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	lim := &fakeLimiter{budget: 2}
	h := api.NewHandler(&fakeSource{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), api.WithRateLimit(lim)).Router()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/tasks").Code)
	}
	rec := get(t, h, "/api/v1/tasks")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code, "health checks are never limited")
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.1", "192.0.2.1"}, lim.seen)
}

func TestRateLimit_LimiterDownLetsRequestsThrough(t *testing.T) {
	lim := &fakeLimiter{err: errors.New("redis: connection refused")}
	h := api.NewHandler(&fakeSource{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), api.WithRateLimit(lim)).Router()

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/sessions").Code)
}
