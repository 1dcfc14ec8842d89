// Package worker is the build daemon: it waits for a master to announce a
// job, connects to it and runs the tasks it is sent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kandimus/FreeDistributedBuild/internal/capacity"
	"github.com/Kandimus/FreeDistributedBuild/internal/discovery"
	"github.com/Kandimus/FreeDistributedBuild/internal/frame"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
	"github.com/Kandimus/FreeDistributedBuild/pkg/retry"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
)

// Capacity answers how much work the worker takes and where projects live.
// *capacity.Policy implements it.
type Capacity interface {
	FreeSlots() uint32
	Project(name string) (capacity.Project, bool)
}

// RejectReason says why an announcement was ignored. Empty means accepted.
type RejectReason string

const (
	RejectMalformed      RejectReason = "malformed"
	RejectBusy           RejectReason = "busy"
	RejectUnknownProject RejectReason = "unknown_project"
	RejectSpoofed        RejectReason = "source_mismatch"
	RejectNoCapacity     RejectReason = "no_capacity"
)

// DialFunc opens the TCP connection to a master.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Worker is the daemon. It holds at most one master session at a time.
type Worker struct {
	capacity Capacity
	runner   process.Runner
	dial     DialFunc
	group    string
	port     uint16
	retry    retry.Config
	logger   *slog.Logger

	state stateMachine
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }
func WithDialer(d DialFunc) Option     { return func(w *Worker) { w.dial = d } }

// WithConnectRetry replaces the dial retry policy.
func WithConnectRetry(cfg retry.Config) Option { return func(w *Worker) { w.retry = cfg } }

// WithDiscovery listens on another multicast group and port.
func WithDiscovery(group string, port uint16) Option {
	return func(w *Worker) {
		w.group = group
		w.port = port
	}
}

// NewWorker returns an idle Worker.
func NewWorker(c Capacity, runner process.Runner, opts ...Option) *Worker {
	d := &net.Dialer{Timeout: 3 * time.Second}
	w := &Worker{
		capacity: c,
		runner:   runner,
		dial:     d.DialContext,
		group:    discovery.MulticastGroup,
		port:     discovery.UDPPort,
		retry:    retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return w.state.Load() }

// Run listens for announcements until ctx is cancelled, then waits for the
// open session to wind down.
func (w *Worker) Run(ctx context.Context) error {
	l, err := discovery.Listen(ctx, w.group, w.port, w.logger)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()
	w.logger.Info("waiting for a master",
		slog.String("group", w.group),
		slog.Uint64("port", uint64(w.port)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Serve(gctx, func(d discovery.Datagram) {
			pkt, reason := w.Admit(d)
			if reason != "" {
				return
			}
			g.Go(func() error {
				w.Join(gctx, pkt)
				return nil
			})
		})
	})
	return g.Wait()
}

// Admit screens one datagram. On success the worker has moved to
// Connecting and the caller must call Join with the returned packet.
// Checks run in order: integrity, idle, known project, sender, capacity.
func (w *Worker) Admit(d discovery.Datagram) (discovery.Packet, RejectReason) {
	pkt, err := discovery.ParsePacket(d.Data)
	if err != nil {
		return pkt, w.reject(RejectMalformed, d, slog.String("error", err.Error()))
	}
	if w.state.Load() != Idle {
		return pkt, w.reject(RejectBusy, d)
	}
	if _, ok := w.capacity.Project(pkt.Project); !ok {
		return pkt, w.reject(RejectUnknownProject, d, slog.String("project", pkt.Project))
	}
	if d.Source != pkt.MasterIP {
		return pkt, w.reject(RejectSpoofed, d, slog.String("master_ip", pkt.MasterIP.String()))
	}
	if w.capacity.FreeSlots() == 0 {
		return pkt, w.reject(RejectNoCapacity, d)
	}
	if err := w.state.Transition(Idle, Connecting); err != nil {
		return pkt, w.reject(RejectBusy, d)
	}
	w.logger.Info("job announced",
		slog.String("project", pkt.Project),
		slog.String("master", masterAddr(pkt)),
	)
	return pkt, ""
}

func (w *Worker) reject(r RejectReason, d discovery.Datagram, attrs ...any) RejectReason {
	telemetry.DiscoveryRejectedTotal.WithLabelValues(string(r)).Inc()
	w.logger.Debug("announcement ignored",
		append([]any{slog.String("reason", string(r)), slog.String("from", d.Source.String())}, attrs...)...)
	return r
}

// Join connects to the announcing master, serves the session and returns
// to Idle. It must follow a successful Admit.
func (w *Worker) Join(ctx context.Context, pkt discovery.Packet) {
	addr := masterAddr(pkt)
	log := w.logger.With(slog.String("master", addr))

	cfg := w.retry
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("connect failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	conn, err := retry.Value(ctx, cfg, func() (net.Conn, error) {
		return w.dial(ctx, "tcp4", addr)
	})
	if err != nil {
		log.Error("could not reach master", slog.String("error", err.Error()))
		telemetry.WorkerSessionsTotal.WithLabelValues("connect_failed").Inc()
		w.mustTransition(Connecting, Idle)
		return
	}
	w.mustTransition(Connecting, Working)

	tr := frame.New(conn, discovery.TCPMagic, frame.WithLogger(w.logger))
	s := newSession(w, tr, log)
	end := s.run(ctx)

	telemetry.WorkerSessionsTotal.WithLabelValues(end.label()).Inc()
	if end.err != nil && !errors.Is(end.err, context.Canceled) {
		log.Warn("session ended", slog.String("reason", end.label()), slog.String("error", end.err.Error()))
	} else {
		log.Info("session ended", slog.String("reason", end.label()))
	}
	w.mustTransition(Working, Idle)
}

func (w *Worker) mustTransition(from, to State) {
	if err := w.state.Transition(from, to); err != nil {
		panic(fmt.Sprintf("worker state: %v", err))
	}
}

func masterAddr(pkt discovery.Packet) string {
	return netip.AddrPortFrom(pkt.MasterIP, pkt.MasterPort).String()
}
