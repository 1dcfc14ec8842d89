package master

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
	"github.com/Kandimus/FreeDistributedBuild/internal/vars"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
)

const localSession = "local"

// LocalRunner builds a job on this machine without any workers.
type LocalRunner struct {
	runner     process.Runner
	workers    int
	projectDir string
	sinks      Sinks
	progress   io.Writer
	tick       time.Duration
	logger     *slog.Logger
}

// LocalOption configures a LocalRunner.
type LocalOption func(*LocalRunner)

// WithWorkers caps the number of concurrent processes.
func WithWorkers(n int) LocalOption {
	return func(l *LocalRunner) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithProjectDir sets the value of $(pdir) for local runs.
func WithProjectDir(dir string) LocalOption { return func(l *LocalRunner) { l.projectDir = dir } }

func WithLocalSinks(k Sinks) LocalOption        { return func(l *LocalRunner) { l.sinks = k } }
func WithLocalProgress(w io.Writer) LocalOption { return func(l *LocalRunner) { l.progress = w } }
func WithLocalLogger(lg *slog.Logger) LocalOption {
	return func(l *LocalRunner) { l.logger = lg }
}

// DefaultLocalWorkers is three quarters of the hardware threads, at least one.
func DefaultLocalWorkers() int {
	return max(1, runtime.NumCPU()*75/100)
}

// NewLocalRunner returns a LocalRunner that starts processes with runner.
func NewLocalRunner(runner process.Runner, opts ...LocalOption) *LocalRunner {
	l := &LocalRunner{
		runner:     runner,
		workers:    DefaultLocalWorkers(),
		projectDir: ".",
		tick:       100 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes every task. Once a task with AbortOnError fails, tasks that
// have not started yet are marked NotStarted; running ones finish.
func (l *LocalRunner) Run(ctx context.Context, job *Job) (*domain.JobSummary, error) {
	started := time.Now()
	log := l.logger.With(slog.String("job_id", job.ID), slog.String("mode", "local"))
	log.Info("local build starting", slog.Int("tasks", len(job.Tasks)), slog.Int("workers", l.workers))

	sched := NewScheduler(job.ID, job.Tasks, l.sinks, l.logger)
	l.sinks.jobStarted(ctx, l.logger, job, started)

	done := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		l.report(sched, done)
	}()

	var aborted atomic.Bool
	var g errgroup.Group
	g.SetLimit(l.workers)
	for _, t := range job.Tasks {
		t := t
		g.Go(func() error {
			l.runTask(ctx, sched, t, &aborted)
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	<-printed

	var runErr error
	if err := ctx.Err(); err != nil {
		runErr = err
	}
	sum := summarize(job, sched.Progress(), started, time.Now(), runErr)
	if aborted.Load() && runErr == nil {
		sum.Reason = "aborted after a failing task"
	}
	l.sinks.jobFinished(ctx, l.logger, sum)

	log.Info("local build finished",
		slog.Bool("success", sum.Success),
		slog.Int("succeeded", sum.Succeeded),
		slog.Int("errors", sum.Errors),
	)
	return sum, runErr
}

func (l *LocalRunner) runTask(ctx context.Context, sched *Scheduler, t *domain.Task, aborted *atomic.Bool) {
	if !t.TryAssign(localSession) {
		return
	}
	exit := process.Exit{Kind: domain.ResultNotStarted, Code: -1}
	if !aborted.Load() && ctx.Err() == nil {
		exit = l.execute(ctx, t)
	}
	_ = t.Complete(localSession, exit.Kind, exit.Code, "localhost")

	if exit.Failed() && t.AbortOnError && !aborted.Swap(true) {
		l.logger.Error("task failed, aborting remaining tasks", slog.Uint64("task_id", uint64(t.ID)))
	}
	sched.record(ctx, t, t.Snapshot())
}

func (l *LocalRunner) execute(ctx context.Context, t *domain.Task) process.Exit {
	spec := process.Spec{
		Application: vars.ReplaceProjectDir(t.Application, l.projectDir),
		CommandLine: vars.ReplaceProjectDir(t.CommandLine, l.projectDir),
		WorkingDir:  vars.ReplaceProjectDir(t.WorkingDir, l.projectDir),
	}
	log := l.logger.With(slog.Uint64("task_id", uint64(t.ID)), slog.String("application", spec.Application))

	telemetry.WorkerTasksInFlight.Inc()
	defer telemetry.WorkerTasksInFlight.Dec()

	start := time.Now()
	p, err := l.runner.Start(ctx, spec)
	if err != nil {
		log.Error("process not started", slog.String("error", err.Error()))
		telemetry.WorkerTasksProcessed.WithLabelValues("not_started").Inc()
		return process.Exit{Kind: domain.ResultNotStarted, Code: -1}
	}
	exit := p.Wait()
	telemetry.WorkerTaskDurationSeconds.Observe(time.Since(start).Seconds())
	if exit.Failed() {
		telemetry.WorkerTasksProcessed.WithLabelValues("failed").Inc()
		log.Error("process failed",
			slog.String("command", spec.CommandLine),
			slog.String("dir", spec.WorkingDir),
			slog.String("result", exit.Kind.String()),
			slog.Int("exit_code", int(exit.Code)),
		)
	} else {
		telemetry.WorkerTasksProcessed.WithLabelValues("done").Inc()
	}
	return exit
}

func (l *LocalRunner) report(sched *Scheduler, done <-chan struct{}) {
	pp := &progressPrinter{w: l.progress}
	defer pp.finish()
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			pp.print(sched.Progress())
			return
		case <-ticker.C:
			pp.print(sched.Progress())
		}
	}
}
