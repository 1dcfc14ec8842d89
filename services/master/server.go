package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Kandimus/FreeDistributedBuild/internal/discovery"
	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/frame"
	"github.com/Kandimus/FreeDistributedBuild/internal/message"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
)

// Announcer advertises a job to workers on the local network.
type Announcer interface {
	Broadcast(ctx context.Context, project string) (discovery.Report, error)
}

// Server runs jobs: it accepts worker sessions over TCP, announces the job
// and drives it until every task has a result.
type Server struct {
	addr      string
	listener  net.Listener
	announcer Announcer
	sinks     Sinks
	wait      time.Duration
	tick      time.Duration
	progress  io.Writer
	logger    *slog.Logger
	now       func() time.Time

	current atomic.Pointer[runState]
}

type runState struct {
	job     *Job
	sched   *Scheduler
	started time.Time
	summary atomic.Pointer[domain.JobSummary]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithListenAddr sets the TCP address sessions connect to.
func WithListenAddr(addr string) ServerOption { return func(s *Server) { s.addr = addr } }

// WithListener uses an already bound listener instead of WithListenAddr.
// Run closes it when the job ends.
func WithListener(ln net.Listener) ServerOption { return func(s *Server) { s.listener = ln } }

func WithAnnouncer(a Announcer) ServerOption { return func(s *Server) { s.announcer = a } }
func WithSinks(k Sinks) ServerOption         { return func(s *Server) { s.sinks = k } }

// WithWait sets how long a job may go without any connected worker before
// it fails with domain.ErrNoResponse. Zero waits forever.
func WithWait(d time.Duration) ServerOption { return func(s *Server) { s.wait = d } }

func WithTick(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithProgress writes a live tally line to w.
func WithProgress(w io.Writer) ServerOption { return func(s *Server) { s.progress = w } }

func WithLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// NewServer returns a Server with the default port and a 3s response wait.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:   fmt.Sprintf(":%d", discovery.TCPPort),
		wait:   3 * time.Second,
		tick:   100 * time.Millisecond,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.announcer == nil {
		s.announcer = discovery.NewBroadcaster(discovery.TCPPort, discovery.WithBroadcastLogger(s.logger))
	}
	return s
}

// Run executes job and returns its summary. The summary is returned even
// when the job fails; the error says why it stopped early.
func (s *Server) Run(ctx context.Context, job *Job) (*domain.JobSummary, error) {
	started := s.now()
	log := s.logger.With(slog.String("job_id", job.ID))

	ctx, span := telemetry.Tracer("master").Start(ctx, "master.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.StringSlice("job.projects", job.Projects),
		attribute.Int("job.tasks", len(job.Tasks)),
	)

	ln := s.listener
	s.listener = nil
	if ln == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp4", s.addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", s.addr, err)
		}
		ln = l
	}
	log.Info("job starting",
		slog.String("listen", ln.Addr().String()),
		slog.Int("tasks", len(job.Tasks)),
		slog.Any("projects", job.Projects),
	)

	sched := NewScheduler(job.ID, job.Tasks, s.sinks, s.logger)
	rs := &runState{job: job, sched: sched, started: started}
	s.current.Store(rs)
	s.sinks.jobStarted(ctx, s.logger, job, started)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sessions sync.WaitGroup
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.accept(gctx, ln, sched, &sessions) })

	pp := &progressPrinter{w: s.progress}
	runErr := s.announce(gctx, job)
	if runErr == nil {
		runErr = s.drive(gctx, sched, pp)
	}

	_ = ln.Close()
	sched.CloseAll()
	cancel()
	if err := g.Wait(); err != nil && (runErr == nil || errors.Is(runErr, context.Canceled)) {
		runErr = err
	}
	sessions.Wait()
	pp.print(sched.Progress())
	pp.finish()

	summary := summarize(job, sched.Progress(), started, s.now(), runErr)
	rs.summary.Store(summary)
	s.sinks.jobFinished(ctx, s.logger, summary)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "job failed")
		log.Error("job stopped", slog.String("error", runErr.Error()),
			slog.Int("succeeded", summary.Succeeded), slog.Int("errors", summary.Errors))
		return summary, runErr
	}
	log.Info("job finished",
		slog.Bool("success", summary.Success),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("errors", summary.Errors),
		slog.Int("warnings", summary.Warnings),
		slog.Duration("duration", summary.Duration()),
	)
	return summary, nil
}

// announce broadcasts once per project. Failing on every address for any
// project fails the job.
func (s *Server) announce(ctx context.Context, job *Job) error {
	for _, p := range job.Projects {
		rep, err := s.announcer.Broadcast(ctx, p)
		if err != nil {
			return fmt.Errorf("announce project %s: %w", p, err)
		}
		s.logger.Info("job announced",
			slog.String("project", p),
			slog.Int("sent", rep.Sent),
			slog.Int("failed", rep.Failed),
		)
	}
	return nil
}

// drive ticks until every task is done, the context ends, or no worker has
// been connected for longer than the wait.
func (s *Server) drive(ctx context.Context, sched *Scheduler, pp *progressPrinter) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	lastActive := s.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := s.now()
		if sched.SessionCount() > 0 {
			lastActive = now
		}
		sched.Rebalance(ctx)

		p := sched.Progress()
		pp.print(p)
		if p.Done() == p.Total {
			return nil
		}
		if s.wait > 0 && now.Sub(lastActive) > s.wait {
			return domain.ErrNoResponse
		}
	}
}

func (s *Server) accept(ctx context.Context, ln net.Listener, sched *Scheduler, wg *sync.WaitGroup) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveSession(ctx, conn, sched)
		}()
	}
}

func (s *Server) serveSession(ctx context.Context, conn net.Conn, sched *Scheduler) {
	tr := frame.New(conn, discovery.TCPMagic, frame.WithLogger(s.logger))
	sess := newSession(tr, s.now())
	log := s.logger.With(slog.String("session_id", sess.id), slog.String("worker", sess.remote))

	sched.addSession(sess)
	log.Info("worker connected")
	defer func() {
		_ = tr.Close()
		released := sched.OnSessionDisconnected(context.WithoutCancel(ctx), sess)
		log.Info("worker disconnected", slog.Int("released", released))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-tr.Packets():
			if !ok {
				if err := tr.Err(); err != nil {
					log.Warn("connection failed", slog.String("error", err.Error()))
				}
				return
			}
			if err := s.handlePacket(ctx, sched, sess, data); err != nil {
				log.Error("closing session", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handlePacket applies one worker packet. Results go first so the slots
// advertised alongside them are filled with the freshest picture. Only a
// malformed packet or a transport failure ends the session.
func (s *Server) handlePacket(ctx context.Context, sched *Scheduler, sess *session, data []byte) error {
	pkt, err := message.UnmarshalWorkerPacket(data)
	if err != nil {
		return err
	}
	if pkt.Result != nil {
		if err := sched.OnResult(ctx, sess, pkt.Result); err != nil {
			var stale *domain.StaleResultError
			var missing *domain.TaskNotFoundError
			if !errors.As(err, &stale) && !errors.As(err, &missing) {
				return err
			}
			s.logger.Warn("result discarded",
				slog.String("worker", sess.remote),
				slog.String("error", err.Error()),
			)
		}
	}
	if pkt.Info != nil {
		n, err := sched.OnCapacityReport(ctx, sess, pkt.Info.FreeSlots)
		if err != nil {
			return err
		}
		s.logger.Debug("capacity report",
			slog.String("worker", sess.remote),
			slog.Uint64("free", uint64(pkt.Info.FreeSlots)),
			slog.Int("sent", n),
		)
	}
	return nil
}

// Status describes the running job, or the last one. ok is false before
// the first job starts.
func (s *Server) Status() (JobStatus, bool) {
	rs := s.current.Load()
	if rs == nil {
		return JobStatus{}, false
	}
	p := rs.sched.Progress()
	st := JobStatus{
		ID:        rs.job.ID,
		Projects:  rs.job.Projects,
		State:     JobRunning,
		Total:     p.Total,
		Succeeded: p.Succeeded,
		Errors:    p.Errors,
		Running:   p.Running,
		Warnings:  p.Warnings,
		Percent:   p.Percent(),
		Sessions:  rs.sched.SessionCount(),
		StartedAt: rs.started.UTC(),
	}
	if sum := rs.summary.Load(); sum != nil {
		st.State = JobFinished
		st.Success = sum.Success
		st.Reason = sum.Reason
		fin := sum.FinishedAt
		st.FinishedAt = &fin
	}
	return st, true
}

// Tasks lists the tasks of the current or last job.
func (s *Server) Tasks() []TaskView {
	if rs := s.current.Load(); rs != nil {
		return rs.sched.Tasks()
	}
	return nil
}

// Sessions lists the workers connected to the current job.
func (s *Server) Sessions() []SessionView {
	if rs := s.current.Load(); rs != nil {
		return rs.sched.Sessions()
	}
	return nil
}
