package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/message"
	"github.com/Kandimus/FreeDistributedBuild/internal/notify"
	"github.com/Kandimus/FreeDistributedBuild/internal/postgres"
	redisstore "github.com/Kandimus/FreeDistributedBuild/internal/redis"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
)

// EventPublisher sends build events to a message bus.
type EventPublisher interface {
	PublishExecution(ctx context.Context, exec *domain.TaskExecution) error
	PublishSummary(ctx context.Context, s *domain.JobSummary) error
}

// Sinks are the optional observers of a job. A nil field is disabled.
// Failures are logged and never affect scheduling.
type Sinks struct {
	Status   redisstore.StateStore
	History  postgres.HistoryRepository
	Events   EventPublisher
	Notifier notify.Notifier
}

// Scheduler hands tasks to worker sessions and applies their results.
//
// The task list is fixed at construction. Every task carries its own lock,
// so concurrent sessions only contend on the task they are looking at.
type Scheduler struct {
	jobID  string
	tasks  []*domain.Task
	byID   map[uint32]*domain.Task
	sinks  Sinks
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewScheduler builds a scheduler for tasks. Task IDs must be unique.
func NewScheduler(jobID string, tasks []*domain.Task, sinks Sinks, logger *slog.Logger) *Scheduler {
	byID := make(map[uint32]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return &Scheduler{
		jobID:    jobID,
		tasks:    tasks,
		byID:     byID,
		sinks:    sinks,
		logger:   logger.With(slog.String("job_id", jobID)),
		tracer:   telemetry.Tracer("master"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

func (s *Scheduler) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	telemetry.MasterSessionsActive.Inc()
}

func (s *Scheduler) liveSessions() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].connectedAt.Before(out[j].connectedAt) })
	return out
}

// SessionCount is the number of connected workers.
func (s *Scheduler) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// OnCapacityReport records that sess will take free more tasks and sends it
// up to that many unassigned tasks in load order. A session that reported
// an abort-on-error failure gets nothing. It returns how many were
// sent. An error means the session's transport failed and it must be
// closed; the task being sent has already been released.
func (s *Scheduler) OnCapacityReport(ctx context.Context, sess *session, free uint32) (int, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return 0, errSessionClosed
	}
	if sess.draining {
		return 0, nil
	}
	sess.slots = free
	return s.fill(ctx, sess)
}

var errSessionClosed = errors.New("session closed")

// fill sends tasks until the session's slots run out. Caller holds sess.mu.
func (s *Scheduler) fill(ctx context.Context, sess *session) (int, error) {
	sent := 0
	for _, t := range s.tasks {
		if sess.slots == 0 {
			break
		}
		if !t.TryAssign(sess.id) {
			continue
		}
		if err := s.sendTask(ctx, sess, t); err != nil {
			t.Release(sess.id)
			s.mirror(ctx, t.ID, domain.StatusPending)
			return sent, fmt.Errorf("send task %d to %s: %w", t.ID, sess.remote, err)
		}
		sess.slots--
		sent++
	}
	return sent, nil
}

func (s *Scheduler) sendTask(ctx context.Context, sess *session, t *domain.Task) error {
	ctx, span := s.tracer.Start(ctx, "master.dispatch_task")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", int64(t.ID)),
		attribute.String("task.project", t.Project),
		attribute.String("worker", sess.remote),
	)

	log := s.logger.With(slog.Uint64("task_id", uint64(t.ID)), slog.String("worker", sess.remote))

	input, err := os.ReadFile(t.SourceFile)
	if err != nil {
		t.AddWarning(domain.WarnSourceUnreadable)
		telemetry.MasterIOWarningsTotal.WithLabelValues("source_unreadable").Inc()
		log.Warn("cannot read source file, sending empty input",
			slog.String("file", t.SourceFile),
			slog.String("error", err.Error()),
		)
	}

	// Mirrored before the send: once the task is on the wire its result can
	// arrive, and the terminal status must be the last write.
	s.mirror(ctx, t.ID, domain.StatusAssigned)
	if err := sess.send(&message.MasterPacket{Task: message.NewTask(t, input)}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}

	telemetry.MasterTasksDispatched.WithLabelValues(t.Project).Inc()
	log.Info("task sent", slog.String("file", t.SourceFile), slog.Int("size", len(input)))
	return nil
}

// OnResult applies a result from sess. A result for a task that sess does
// not hold, or that is already finished, returns *domain.StaleResultError
// and changes nothing.
func (s *Scheduler) OnResult(ctx context.Context, sess *session, r *message.Result) error {
	ctx, span := s.tracer.Start(ctx, "master.apply_result")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", int64(r.ID)),
		attribute.String("worker", sess.remote),
		attribute.Int("exit_code", int(r.ExitCode)),
	)

	t, ok := s.byID[r.ID]
	if !ok {
		telemetry.MasterResultsTotal.WithLabelValues("stale").Inc()
		err := &domain.TaskNotFoundError{TaskID: r.ID}
		span.RecordError(err)
		return err
	}
	if err := t.Complete(sess.id, r.Kind, r.ExitCode, sess.host); err != nil {
		telemetry.MasterResultsTotal.WithLabelValues("stale").Inc()
		span.RecordError(err)
		return err
	}

	log := s.logger.With(slog.Uint64("task_id", uint64(t.ID)), slog.String("worker", sess.remote))

	if r.Kind == domain.ResultExited && r.ExitCode == 0 && r.HasOutput {
		if err := saveOutput(t.OutputFile, r.OutputData); err != nil {
			t.AddWarning(domain.WarnOutputNotSaved)
			telemetry.MasterIOWarningsTotal.WithLabelValues("output_not_saved").Inc()
			log.Error("cannot save output file",
				slog.String("file", t.OutputFile),
				slog.Int("size", len(r.OutputData)),
				slog.String("error", err.Error()),
			)
		}
	}

	st := t.Snapshot()
	if !st.Succeeded() && t.AbortOnError {
		// The worker disconnects after this result; nothing more goes to it.
		sess.drain()
	}
	if st.Succeeded() {
		telemetry.MasterResultsTotal.WithLabelValues("done").Inc()
		log.Info("task done")
	} else {
		telemetry.MasterResultsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, "task failed")
		log.Warn("task failed",
			slog.String("result", st.Result.String()),
			slog.Int("exit_code", int(st.ExitCode)),
		)
	}
	s.record(ctx, t, st)
	return nil
}

func saveOutput(path string, data []byte) error {
	if path == "" {
		return errors.New("task has no output file")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// OnSessionDisconnected forgets sess and returns every task it held to the
// pool. Released tasks are offered straight away to other sessions that
// still have free slots. It returns the number of released tasks.
func (s *Scheduler) OnSessionDisconnected(ctx context.Context, sess *session) int {
	s.mu.Lock()
	_, known := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if known {
		telemetry.MasterSessionsActive.Dec()
	}

	sess.mu.Lock()
	sess.closed = true
	sess.slots = 0
	sess.mu.Unlock()

	released := 0
	for _, t := range s.tasks {
		if t.Release(sess.id) {
			released++
			telemetry.MasterTasksReleased.Inc()
			s.mirror(ctx, t.ID, domain.StatusPending)
			s.logger.Warn("task released, worker disconnected",
				slog.Uint64("task_id", uint64(t.ID)),
				slog.String("worker", sess.remote),
			)
		}
	}
	if released > 0 {
		s.Rebalance(ctx)
	}
	return released
}

// Rebalance offers unassigned tasks to every live session with unused
// slots from its last report. Sessions busy dispatching are skipped; the
// next tick reaches them.
func (s *Scheduler) Rebalance(ctx context.Context) {
	for _, sess := range s.liveSessions() {
		if !sess.mu.TryLock() {
			continue
		}
		if sess.closed || sess.slots == 0 {
			sess.mu.Unlock()
			continue
		}
		_, err := s.fill(ctx, sess)
		sess.mu.Unlock()
		if err != nil {
			s.logger.Error("rebalance send failed, closing session",
				slog.String("worker", sess.remote),
				slog.String("error", err.Error()),
			)
			_ = sess.tr.Close()
		}
	}
}

// CloseAll tells every worker the job is over and closes its connection.
// A session stuck in a send is closed without the command.
func (s *Scheduler) CloseAll() {
	for _, sess := range s.liveSessions() {
		if sess.mu.TryLock() {
			if !sess.closed {
				if err := sess.send(&message.MasterPacket{System: &message.System{Close: true}}); err != nil {
					s.logger.Debug("close command not delivered",
						slog.String("worker", sess.remote),
						slog.String("error", err.Error()),
					)
				}
				sess.closed = true
			}
			sess.mu.Unlock()
		}
		_ = sess.tr.Close()
	}
}

// Finished reports whether every task has a result.
func (s *Scheduler) Finished() bool {
	for _, t := range s.tasks {
		if !t.Snapshot().Terminal() {
			return false
		}
	}
	return true
}

// Progress tallies the current task states.
func (s *Scheduler) Progress() Progress {
	p := Progress{Total: len(s.tasks), PerWorker: make(map[string]domain.WorkerTally)}
	for _, t := range s.tasks {
		st := t.Snapshot()
		if st.Warnings != 0 {
			p.Warnings++
		}
		switch {
		case st.Succeeded():
			p.Succeeded++
			tally := p.PerWorker[st.CompletedBy]
			tally.Succeeded++
			p.PerWorker[st.CompletedBy] = tally
		case st.Terminal():
			p.Errors++
			tally := p.PerWorker[st.CompletedBy]
			tally.Errors++
			p.PerWorker[st.CompletedBy] = tally
		case st.AssignedTo != "":
			p.Running++
		}
	}
	return p
}

// TaskView is a read-only copy of a task for status reporting.
type TaskView struct {
	ID         uint32        `json:"id"`
	Project    string        `json:"project"`
	SourceFile string        `json:"source_file"`
	Status     domain.Status `json:"status"`
	Result     string        `json:"result"`
	ExitCode   int32         `json:"exit_code"`
	Worker     string        `json:"worker,omitempty"`
	Warnings   string        `json:"warnings,omitempty"`
}

// Tasks returns a view of every task in load order.
func (s *Scheduler) Tasks() []TaskView {
	out := make([]TaskView, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := t.Snapshot()
		out = append(out, TaskView{
			ID:         t.ID,
			Project:    t.Project,
			SourceFile: t.SourceFile,
			Status:     st.Status(),
			Result:     st.Result.String(),
			ExitCode:   st.ExitCode,
			Worker:     st.CompletedBy,
			Warnings:   st.Warnings.String(),
		})
	}
	return out
}

// Sessions returns a view of every connected worker.
func (s *Scheduler) Sessions() []SessionView {
	live := s.liveSessions()
	running := make(map[string]int, len(live))
	for _, t := range s.tasks {
		if st := t.Snapshot(); st.AssignedTo != "" {
			running[st.AssignedTo]++
		}
	}
	out := make([]SessionView, 0, len(live))
	for _, sess := range live {
		v := sess.view()
		v.Running = running[sess.id]
		out = append(out, v)
	}
	return out
}

func (s *Scheduler) mirror(ctx context.Context, taskID uint32, st domain.Status) {
	if s.sinks.Status == nil {
		return
	}
	if err := s.sinks.Status.SetTaskStatus(ctx, s.jobID, taskID, st); err != nil {
		s.logger.Error("status mirror failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()),
		)
	}
}

// record pushes a finished task to every sink.
func (s *Scheduler) record(ctx context.Context, t *domain.Task, st domain.TaskState) {
	s.mirror(ctx, t.ID, st.Status())
	if s.sinks.History == nil && s.sinks.Events == nil {
		return
	}
	exec := domain.NewTaskExecution(s.jobID, t, st, s.now())
	if s.sinks.History != nil {
		if err := s.sinks.History.RecordExecution(ctx, exec); err != nil {
			s.logger.Error("failed to record execution",
				slog.Uint64("task_id", uint64(t.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.sinks.Events != nil {
		if err := s.sinks.Events.PublishExecution(ctx, exec); err != nil {
			s.logger.Error("failed to publish execution",
				slog.Uint64("task_id", uint64(t.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (k Sinks) jobStarted(ctx context.Context, logger *slog.Logger, job *Job, started time.Time) {
	if k.History == nil {
		return
	}
	if err := k.History.CreateJob(ctx, job.ID, job.Projects, len(job.Tasks), started); err != nil {
		logger.Error("failed to record job start", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// jobFinished hands the summary to every sink. It runs even when ctx is
// already cancelled.
func (k Sinks) jobFinished(ctx context.Context, logger *slog.Logger, sum *domain.JobSummary) {
	status := "success"
	if !sum.Success {
		status = "failed"
	}
	telemetry.MasterJobsTotal.WithLabelValues(status).Inc()
	telemetry.MasterJobDurationSeconds.Observe(sum.Duration().Seconds())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	log := logger.With(slog.String("job_id", sum.JobID))
	if k.Status != nil {
		if err := k.Status.SetJobSummary(ctx, sum); err != nil {
			log.Error("failed to mirror job summary", slog.String("error", err.Error()))
		}
	}
	if k.History != nil {
		if err := k.History.FinishJob(ctx, sum); err != nil {
			log.Error("failed to record job summary", slog.String("error", err.Error()))
		}
	}
	if k.Events != nil {
		if err := k.Events.PublishSummary(ctx, sum); err != nil {
			log.Error("failed to publish job summary", slog.String("error", err.Error()))
		}
	}
	if k.Notifier != nil {
		if err := k.Notifier.JobFinished(ctx, sum); err != nil {
			log.Error("job notification failed", slog.String("error", err.Error()))
		}
	}
}
