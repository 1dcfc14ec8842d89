package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kandimus/FreeDistributedBuild/internal/capacity"
	"github.com/Kandimus/FreeDistributedBuild/internal/discovery"
	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/frame"
	"github.com/Kandimus/FreeDistributedBuild/internal/message"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
	"github.com/Kandimus/FreeDistributedBuild/pkg/retry"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var loopback = netip.MustParseAddr("127.0.0.1")

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeProcess struct {
	done   chan struct{}
	once   sync.Once
	exit   process.Exit
	killed atomic.Bool
}

func (p *fakeProcess) Wait() process.Exit {
	<-p.done
	if p.killed.Load() {
		return process.Exit{Kind: domain.ResultExited, Code: -1}
	}
	return p.exit
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Pid() int { return 1 }

// fakeRunner runs fn synchronously inside Start, or, with block set, hands
// out processes that only end when killed.
type fakeRunner struct {
	fn       func(spec process.Spec) process.Exit
	block    bool
	startErr error

	mu    sync.Mutex
	specs []process.Spec
	procs []*fakeProcess
}

func (r *fakeRunner) Start(_ context.Context, spec process.Spec) (process.Process, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	p := &fakeProcess{done: make(chan struct{}), exit: process.Exit{Kind: domain.ResultExited}}
	if !r.block {
		if r.fn != nil {
			p.exit = r.fn(spec)
		}
		p.once.Do(func() { close(p.done) })
	}
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.procs = append(r.procs, p)
	r.mu.Unlock()
	return p, nil
}

func (r *fakeRunner) started() []process.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Spec(nil), r.specs...)
}

// ── helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	path    string
	workDir string
	policy  *capacity.Policy
}

// newFixture configures project "game" on a 5-thread machine offering
// 100%, i.e. two slots.
func newFixture(t *testing.T, percent float64) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{path: filepath.Join(root, "checkout"), workDir: filepath.Join(root, "work")}
	policy, err := capacity.New(capacity.Config{
		Projects: []capacity.Project{{Name: "Game", Path: f.path, WorkDir: f.workDir}},
		Default:  percent,
	}, capacity.WithThreads(func() int { return 5 }))
	require.NoError(t, err)
	f.policy = policy
	return f
}

func newTestWorker(f fixture, r process.Runner) *Worker {
	return NewWorker(f.policy, r,
		WithLogger(discardLogger),
		WithConnectRetry(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond}),
	)
}

func announce(t *testing.T, project string, ip netip.Addr, port uint16) []byte {
	t.Helper()
	b, err := discovery.Packet{MasterIP: ip, MasterPort: port, Project: project}.MarshalBinary()
	require.NoError(t, err)
	return b
}

// fakeMaster is the TCP side of a session.
type fakeMaster struct {
	t  *testing.T
	ln net.Listener
	tr frame.Transport
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return &fakeMaster{t: t, ln: ln}
}

func (m *fakeMaster) packet() discovery.Packet {
	return discovery.Packet{
		MasterIP:   loopback,
		MasterPort: uint16(m.ln.Addr().(*net.TCPAddr).Port),
		Project:    "game",
	}
}

func (m *fakeMaster) accept() {
	m.t.Helper()
	_ = m.ln.(*net.TCPListener).SetDeadline(time.Now().Add(2 * time.Second))
	conn, err := m.ln.Accept()
	require.NoError(m.t, err)
	m.tr = frame.New(conn, discovery.TCPMagic, frame.WithLogger(discardLogger))
	m.t.Cleanup(func() { _ = m.tr.Close() })
}

func (m *fakeMaster) send(p *message.MasterPacket) {
	m.t.Helper()
	require.NoError(m.t, m.tr.Send(p.Marshal()))
}

func (m *fakeMaster) recv() *message.WorkerPacket {
	m.t.Helper()
	select {
	case data, ok := <-m.tr.Packets():
		require.True(m.t, ok, "worker closed the session")
		pkt, err := message.UnmarshalWorkerPacket(data)
		require.NoError(m.t, err)
		return pkt
	case <-time.After(2 * time.Second):
		m.t.Fatal("timed out waiting for a worker packet")
		return nil
	}
}

func (m *fakeMaster) expectClosed() {
	m.t.Helper()
	for {
		select {
		case _, ok := <-m.tr.Packets():
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			m.t.Fatal("worker did not close the session")
		}
	}
}

// join admits the master's announcement and runs the session in the
// background. The returned channel closes when Join returns.
func join(ctx context.Context, t *testing.T, w *Worker, m *fakeMaster) <-chan struct{} {
	t.Helper()
	pkt, reason := w.Admit(discovery.Datagram{Data: announce(t, "game", loopback, m.packet().MasterPort), Source: loopback})
	require.Empty(t, reason)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Join(ctx, pkt)
	}()
	m.accept()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestAdmit_RejectReasons(t *testing.T) {
	f := newFixture(t, 100)
	w := newTestWorker(f, &fakeRunner{})
	valid := announce(t, "game", loopback, 4000)

	corrupt := append([]byte(nil), valid...)
	corrupt[20] ^= 0x01

	other := netip.MustParseAddr("10.0.0.9")
	cases := []struct {
		name string
		d    discovery.Datagram
		want RejectReason
	}{
		{"bad crc", discovery.Datagram{Data: corrupt, Source: loopback}, RejectMalformed},
		{"short", discovery.Datagram{Data: valid[:40], Source: loopback}, RejectMalformed},
		{"unknown project", discovery.Datagram{Data: announce(t, "tools", loopback, 4000), Source: loopback}, RejectUnknownProject},
		{"spoofed sender", discovery.Datagram{Data: valid, Source: other}, RejectSpoofed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got := w.Admit(tc.d)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, Idle, w.State())
		})
	}
}

func TestAdmit_ProjectMatchIgnoresCase(t *testing.T) {
	w := newTestWorker(newFixture(t, 100), &fakeRunner{})
	pkt, reason := w.Admit(discovery.Datagram{Data: announce(t, "GAME", loopback, 4000), Source: loopback})
	assert.Empty(t, reason)
	assert.Equal(t, "game", pkt.Project)
}

func TestAdmit_NoCapacity(t *testing.T) {
	w := newTestWorker(newFixture(t, 0), &fakeRunner{})
	_, reason := w.Admit(discovery.Datagram{Data: announce(t, "game", loopback, 4000), Source: loopback})
	assert.Equal(t, RejectNoCapacity, reason)
	assert.Equal(t, Idle, w.State())
}

func TestAdmit_BusyWinsOverOtherChecks(t *testing.T) {
	w := newTestWorker(newFixture(t, 100), &fakeRunner{})
	valid := discovery.Datagram{Data: announce(t, "game", loopback, 4000), Source: loopback}

	_, reason := w.Admit(valid)
	require.Empty(t, reason)
	assert.Equal(t, Connecting, w.State())

	_, reason = w.Admit(valid)
	assert.Equal(t, RejectBusy, reason)
	_, reason = w.Admit(discovery.Datagram{Data: announce(t, "tools", loopback, 4000), Source: loopback})
	assert.Equal(t, RejectBusy, reason, "a busy worker does not look at the project")
}

func TestAdmit_ConcurrentAnnouncementsStartOneSession(t *testing.T) {
	w := newTestWorker(newFixture(t, 100), &fakeRunner{})
	valid := discovery.Datagram{Data: announce(t, "game", loopback, 4000), Source: loopback}

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, r := w.Admit(valid); r == "" {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestJoin_ConnectFailureReturnsToIdle(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	w := newTestWorker(newFixture(t, 100), &fakeRunner{})
	pkt, reason := w.Admit(discovery.Datagram{Data: announce(t, "game", loopback, port), Source: loopback})
	require.Empty(t, reason)

	w.Join(context.Background(), pkt)
	assert.Equal(t, Idle, w.State())
}

func TestSession_RunsTaskAndReturnsOutput(t *testing.T) {
	f := newFixture(t, 100)
	runner := &fakeRunner{fn: func(spec process.Spec) process.Exit {
		src, err := os.ReadFile(filepath.Join(f.workDir, "src", "a.c"))
		if err != nil || string(src) != "int main;" {
			return process.Exit{Kind: domain.ResultExited, Code: 9}
		}
		_ = os.WriteFile(filepath.Join(f.workDir, "out", "a.o"), []byte("OBJ"), 0o644)
		return process.Exit{Kind: domain.ResultExited}
	}}
	w := newTestWorker(f, runner)
	m := newFakeMaster(t)
	done := join(context.Background(), t, w, m)

	hello := m.recv()
	require.NotNil(t, hello.Info)
	assert.Equal(t, uint32(2), hello.Info.FreeSlots)
	assert.Equal(t, Working, w.State())

	m.send(&message.MasterPacket{Task: &message.Task{
		ID:          7,
		Project:     "game",
		Application: "$(pdir)/bin/cc",
		CommandLine: "-o $(pdir)/out/a.o $(pdir)/src/a.c",
		WorkingDir:  "$(pdir)",
		SourceFile:  "src/a.c",
		OutputFile:  "out/a.o",
		InputData:   []byte("int main;"),
	}})

	res := m.recv()
	require.NotNil(t, res.Result)
	assert.Equal(t, uint32(7), res.Result.ID)
	assert.Equal(t, domain.ResultExited, res.Result.Kind)
	assert.Equal(t, int32(0), res.Result.ExitCode)
	assert.True(t, res.Result.HasOutput)
	assert.Equal(t, []byte("OBJ"), res.Result.OutputData)
	assert.Equal(t, "out/a.o", res.Result.OutputFile)
	require.NotNil(t, res.Info, "capacity rides along with every result")
	assert.Equal(t, uint32(2), res.Info.FreeSlots)

	specs := runner.started()
	require.Len(t, specs, 1)
	assert.Equal(t, f.path+"/bin/cc", specs[0].Application)
	assert.Equal(t, f.path, specs[0].WorkingDir)
	assert.Equal(t, "-o "+f.workDir+"/out/a.o "+f.workDir+"/src/a.c", specs[0].CommandLine)

	assert.NoFileExists(t, filepath.Join(f.workDir, "src", "a.c"))
	assert.NoFileExists(t, filepath.Join(f.workDir, "out", "a.o"))

	m.send(&message.MasterPacket{System: &message.System{Close: true}})
	m.expectClosed()
	waitDone(t, done)
	assert.Equal(t, Idle, w.State())
}

func TestSession_StartFailureReportsNotStarted(t *testing.T) {
	f := newFixture(t, 100)
	w := newTestWorker(f, &fakeRunner{startErr: errors.New("no such file")})
	m := newFakeMaster(t)
	done := join(context.Background(), t, w, m)
	m.recv()

	m.send(&message.MasterPacket{Task: &message.Task{ID: 1, Project: "game", Application: "cc", SourceFile: "a.c"}})
	res := m.recv()
	require.NotNil(t, res.Result)
	assert.Equal(t, domain.ResultNotStarted, res.Result.Kind)
	assert.Equal(t, int32(-1), res.Result.ExitCode)
	assert.False(t, res.Result.HasOutput)
	assert.Equal(t, Working, w.State(), "a failed start alone keeps the session")

	m.send(&message.MasterPacket{System: &message.System{Close: true}})
	waitDone(t, done)
}

func TestSession_AbortOnErrorDisconnects(t *testing.T) {
	f := newFixture(t, 100)
	runner := &fakeRunner{fn: func(process.Spec) process.Exit {
		return process.Exit{Kind: domain.ResultExited, Code: 1}
	}}
	w := newTestWorker(f, runner)
	m := newFakeMaster(t)
	done := join(context.Background(), t, w, m)
	m.recv()

	m.send(&message.MasterPacket{Task: &message.Task{ID: 3, Project: "game", Application: "cc", AbortOnError: true}})
	res := m.recv()
	require.NotNil(t, res.Result)
	assert.Equal(t, int32(1), res.Result.ExitCode)
	assert.Nil(t, res.Info, "an aborting session offers no more slots")

	m.expectClosed()
	waitDone(t, done)
	assert.Equal(t, Idle, w.State())
}

func TestSession_FailureWithoutAbortKeepsSession(t *testing.T) {
	f := newFixture(t, 100)
	runner := &fakeRunner{fn: func(process.Spec) process.Exit {
		return process.Exit{Kind: domain.ResultExited, Code: 1}
	}}
	w := newTestWorker(f, runner)
	m := newFakeMaster(t)
	done := join(context.Background(), t, w, m)
	m.recv()

	m.send(&message.MasterPacket{Task: &message.Task{ID: 3, Project: "game", Application: "cc"}})
	res := m.recv()
	require.NotNil(t, res.Result)
	require.NotNil(t, res.Info, "a plain failure still reports capacity")
	assert.Equal(t, uint32(2), res.Info.FreeSlots)
	m.send(&message.MasterPacket{Task: &message.Task{ID: 4, Project: "game", Application: "cc"}})
	require.NotNil(t, m.recv().Result)

	m.send(&message.MasterPacket{System: &message.System{Close: true}})
	waitDone(t, done)
}

func TestSession_UnknownProjectDisconnects(t *testing.T) {
	w := newTestWorker(newFixture(t, 100), &fakeRunner{})
	m := newFakeMaster(t)
	done := join(context.Background(), t, w, m)
	m.recv()

	m.send(&message.MasterPacket{Task: &message.Task{ID: 1, Project: "tools", Application: "cc"}})
	m.expectClosed()
	waitDone(t, done)
	assert.Equal(t, Idle, w.State())
}

func TestSession_ShutdownKillsRunningProcesses(t *testing.T) {
	f := newFixture(t, 100)
	runner := &fakeRunner{block: true}
	w := newTestWorker(f, runner)
	m := newFakeMaster(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := join(ctx, t, w, m)
	m.recv()

	m.send(&message.MasterPacket{Task: &message.Task{
		ID: 1, Project: "game", Application: "cc", SourceFile: "long.c", InputData: []byte("x"),
	}})
	require.Eventually(t, func() bool { return len(runner.started()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.FileExists(t, filepath.Join(f.workDir, "long.c"))

	cancel()
	waitDone(t, done)

	runner.mu.Lock()
	killed := runner.procs[0].killed.Load()
	runner.mu.Unlock()
	assert.True(t, killed)
	assert.NoFileExists(t, filepath.Join(f.workDir, "long.c"))
	assert.Equal(t, Idle, w.State())
}

func TestSession_MasterDisconnectKillsProcesses(t *testing.T) {
	f := newFixture(t, 100)
	runner := &fakeRunner{block: true}
	w := newTestWorker(f, runner)
	m := newFakeMaster(t)
	done := join(context.Background(), t, w, m)
	m.recv()

	m.send(&message.MasterPacket{Task: &message.Task{ID: 1, Project: "game", Application: "cc"}})
	require.Eventually(t, func() bool { return len(runner.started()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.tr.Close())
	waitDone(t, done)
	runner.mu.Lock()
	assert.True(t, runner.procs[0].killed.Load())
	runner.mu.Unlock()
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, "", localPath("/w", ""))
	assert.Equal(t, "/abs/a.c", localPath("/w", "/abs/a.c"))
	assert.Equal(t, filepath.Join("/w", "src", "a.c"), localPath("/w", "src/a.c"))
}
