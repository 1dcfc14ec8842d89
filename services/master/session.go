package master

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kandimus/FreeDistributedBuild/internal/frame"
	"github.com/Kandimus/FreeDistributedBuild/internal/message"
)

// session is one connected worker. Tasks refer to it only by id.
type session struct {
	id          string
	remote      string // host:port, for logs
	host        string // worker address used in tallies
	tr          frame.Transport
	connectedAt time.Time

	// mu serialises dispatch to this session and guards the fields below.
	mu       sync.Mutex
	slots    uint32
	closed   bool
	draining bool
}

func newSession(tr frame.Transport, now time.Time) *session {
	remote := tr.RemoteAddr()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	return &session{
		id:          uuid.NewString(),
		remote:      remote,
		host:        host,
		tr:          tr,
		connectedAt: now,
	}
}

// drain stops dispatch to the session while it stays connected.
func (s *session) drain() {
	s.mu.Lock()
	s.draining = true
	s.slots = 0
	s.mu.Unlock()
}

func (s *session) send(p *message.MasterPacket) error {
	return s.tr.Send(p.Marshal())
}

// SessionView is a read-only copy of a session for status reporting.
type SessionView struct {
	ID          string    `json:"id"`
	Worker      string    `json:"worker"`
	Remote      string    `json:"remote"`
	FreeSlots   uint32    `json:"free_slots"`
	Running     int       `json:"running"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (s *session) view() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		ID:          s.id,
		Worker:      s.host,
		Remote:      s.remote,
		FreeSlots:   s.slots,
		ConnectedAt: s.connectedAt,
	}
}
