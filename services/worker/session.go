package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Kandimus/FreeDistributedBuild/internal/frame"
	"github.com/Kandimus/FreeDistributedBuild/internal/message"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
)

// sessionEnd records why a session stopped. Only the first reason counts.
type sessionEnd struct {
	reason string
	err    error
}

func (e sessionEnd) label() string { return e.reason }

const (
	endShutdown     = "shutdown"
	endPeerClosed   = "peer_closed"
	endClosed       = "closed_by_master"
	endProtocol     = "protocol_error"
	endTaskRejected = "task_rejected"
	endAborted      = "abort_on_error"
	endSendFailed   = "send_failed"
)

// session is one connection to a master. Tasks run concurrently; every way
// out of the session goes through stop.
type session struct {
	w   *Worker
	tr  frame.Transport
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	end      sessionEnd

	mu      sync.Mutex
	running map[uint32]process.Process

	inFlight atomic.Int32
	tasks    sync.WaitGroup
}

func newSession(w *Worker, tr frame.Transport, log *slog.Logger) *session {
	return &session{
		w:       w,
		tr:      tr,
		log:     log,
		running: make(map[uint32]process.Process),
	}
}

// run serves the session until it ends and returns why. When it returns
// every process is dead and every temp file is gone.
func (s *session) run(parent context.Context) sessionEnd {
	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.teardown()

	s.log.Info("connected to master")
	if err := s.sendInfo(); err != nil {
		s.stop(endSendFailed, err)
		return s.end
	}

	for {
		select {
		case <-s.ctx.Done():
			s.stop(endShutdown, s.ctx.Err())
			return s.end
		case data, ok := <-s.tr.Packets():
			if !ok {
				s.stop(endPeerClosed, s.tr.Err())
				return s.end
			}
			s.handle(data)
		}
	}
}

func (s *session) handle(data []byte) {
	pkt, err := message.UnmarshalMasterPacket(data)
	if err != nil {
		s.stop(endProtocol, err)
		return
	}
	if pkt.System != nil && pkt.System.Close {
		s.stop(endClosed, nil)
		return
	}
	if pkt.Task == nil {
		return
	}
	ex, err := s.prepare(pkt.Task)
	if err != nil {
		s.log.Error("cannot take task",
			slog.Uint64("task_id", uint64(pkt.Task.ID)),
			slog.String("project", pkt.Task.Project),
			slog.String("error", err.Error()),
		)
		s.stop(endTaskRejected, err)
		return
	}
	s.inFlight.Add(1)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.execute(ex)
	}()
}

// stop records the end reason and cancels the session. Safe from any
// goroutine.
func (s *session) stop(reason string, err error) {
	s.stopOnce.Do(func() {
		s.end = sessionEnd{reason: reason, err: err}
		s.cancel()
	})
}

// teardown is the single exit path: kill processes, close the connection,
// wait for task goroutines, which delete their own files.
func (s *session) teardown() {
	s.cancel()
	s.mu.Lock()
	for id, p := range s.running {
		if err := p.Kill(); err != nil {
			s.log.Debug("kill failed", slog.Uint64("task_id", uint64(id)), slog.String("error", err.Error()))
		}
	}
	s.mu.Unlock()
	_ = s.tr.Close()
	s.tasks.Wait()
}

func (s *session) track(id uint32, p process.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.running[id] = p
	return true
}

func (s *session) untrack(id uint32) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// freeSlots is the policy's current offer minus what is already running.
func (s *session) freeSlots() uint32 {
	free := int64(s.w.capacity.FreeSlots()) - int64(s.inFlight.Load())
	return uint32(max(0, free))
}

func (s *session) sendInfo() error {
	pkt := &message.WorkerPacket{Info: &message.Info{FreeSlots: s.freeSlots()}}
	return s.send(pkt)
}

func (s *session) send(pkt *message.WorkerPacket) error {
	if err := s.tr.Send(pkt.Marshal()); err != nil {
		if errors.Is(err, frame.ErrClosed) {
			return err
		}
		s.stop(endSendFailed, err)
		return err
	}
	return nil
}
