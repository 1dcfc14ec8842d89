package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/message"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
	"github.com/Kandimus/FreeDistributedBuild/internal/vars"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
)

// execution is a task resolved against a local project.
type execution struct {
	task   *message.Task
	spec   process.Spec
	source string
	output string
}

// prepare resolves paths and writes the inlined source to disk. $(pdir) is
// the project checkout for the application and working directory, and the
// scratch directory for the command line and task files.
func (s *session) prepare(t *message.Task) (*execution, error) {
	prj, ok := s.w.capacity.Project(t.Project)
	if !ok {
		return nil, &domain.UnknownProjectError{Project: t.Project}
	}
	ex := &execution{
		task: t,
		spec: process.Spec{
			Application: vars.ReplaceProjectDir(t.Application, prj.Path),
			CommandLine: vars.ReplaceProjectDir(t.CommandLine, prj.WorkDir),
			WorkingDir:  vars.ReplaceProjectDir(t.WorkingDir, prj.Path),
		},
		source: localPath(prj.WorkDir, vars.ReplaceProjectDir(t.SourceFile, prj.WorkDir)),
		output: localPath(prj.WorkDir, vars.ReplaceProjectDir(t.OutputFile, prj.WorkDir)),
	}
	if ex.source == "" {
		return ex, nil
	}
	if err := os.MkdirAll(filepath.Dir(ex.source), 0o755); err != nil {
		return nil, fmt.Errorf("create source dir: %w", err)
	}
	if err := os.WriteFile(ex.source, t.InputData, 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}
	if ex.output != "" {
		if err := os.MkdirAll(filepath.Dir(ex.output), 0o755); err != nil {
			s.log.Warn("cannot create output dir", slog.String("path", ex.output), slog.String("error", err.Error()))
		}
	}
	return ex, nil
}

// localPath joins relative paths onto the work directory.
func localPath(workDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workDir, p)
}

// execute runs the process, reports the result with a fresh capacity
// figure and removes the task's files. A failure that aborts the session
// is reported without capacity.
func (s *session) execute(ex *execution) {
	t := ex.task
	ctx, span := telemetry.Tracer("worker").Start(s.ctx, "worker.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("task.id", int(t.ID)),
		attribute.String("task.project", t.Project),
		attribute.String("task.application", ex.spec.Application),
	)
	log := s.log.With(slog.Uint64("task_id", uint64(t.ID)), slog.String("source", t.SourceFile))

	telemetry.WorkerTasksInFlight.Inc()
	start := time.Now()
	exit := s.runProcess(ctx, t.ID, ex.spec, log)
	telemetry.WorkerTaskDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.WorkerTasksInFlight.Dec()

	res := &message.Result{
		ID:         t.ID,
		ExitCode:   exit.Code,
		Kind:       exit.Kind,
		OutputFile: t.OutputFile,
	}
	if ex.output != "" {
		if data, err := os.ReadFile(ex.output); err == nil {
			res.OutputData = data
			res.HasOutput = true
		} else if !exit.Failed() {
			log.Warn("output file not readable", slog.String("path", ex.output), slog.String("error", err.Error()))
		}
	}
	s.removeFiles(ex)

	switch {
	case exit.Kind == domain.ResultNotStarted:
		telemetry.WorkerTasksProcessed.WithLabelValues("not_started").Inc()
	case exit.Failed():
		telemetry.WorkerTasksProcessed.WithLabelValues("failed").Inc()
	default:
		telemetry.WorkerTasksProcessed.WithLabelValues("done").Inc()
	}
	if exit.Failed() {
		span.SetStatus(codes.Error, "task failed")
		log.Error("task failed",
			slog.String("command", ex.spec.CommandLine),
			slog.String("dir", ex.spec.WorkingDir),
			slog.String("result", exit.Kind.String()),
			slog.Int("exit_code", int(exit.Code)),
		)
	} else {
		log.Debug("task done", slog.Duration("elapsed", time.Since(start)))
	}

	s.inFlight.Add(-1)
	aborting := exit.Failed() && t.AbortOnError
	pkt := &message.WorkerPacket{Result: res}
	if !aborting {
		// A session about to abort advertises no capacity.
		pkt.Info = &message.Info{FreeSlots: s.freeSlots()}
	}
	if err := s.send(pkt); err != nil {
		log.Debug("result not delivered", slog.String("error", err.Error()))
	}

	if aborting {
		s.stop(endAborted, fmt.Errorf("task %d failed with abort-on-error", t.ID))
	}
}

func (s *session) runProcess(ctx context.Context, id uint32, spec process.Spec, log *slog.Logger) process.Exit {
	p, err := s.w.runner.Start(ctx, spec)
	if err != nil {
		log.Error("process not started", slog.String("application", spec.Application), slog.String("error", err.Error()))
		return process.Exit{Kind: domain.ResultNotStarted, Code: -1}
	}
	if !s.track(id, p) {
		_ = p.Kill()
	}
	defer s.untrack(id)
	return p.Wait()
}

func (s *session) removeFiles(ex *execution) {
	for _, p := range []string{ex.source, ex.output} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Debug("temp file not removed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}
