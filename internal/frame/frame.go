// Package frame splits a byte stream into length-prefixed payloads.
//
// Every frame is an 8-byte header followed by the payload:
//
//	[magic u32 LE][length u32 LE][payload ...]
//
// The magic identifies the protocol family; a header with a different magic
// is a protocol violation and closes the connection.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// HeaderSize is the size of the frame header in bytes.
const HeaderSize = 8

// ErrClosed is returned by Send once the connection is closed.
var ErrClosed = errors.New("frame: connection closed")

// Transport is a framed, bidirectional message channel.
type Transport interface {
	// Send writes one frame. Concurrent calls never interleave.
	Send(payload []byte) error
	// Packets yields complete payloads in arrival order. It is closed when
	// the connection ends.
	Packets() <-chan []byte
	// Close shuts the connection down. It is safe to call more than once.
	Close() error
	RemoteAddr() string
	// Err returns the reason the read side stopped, or nil for a clean close.
	Err() error
}

// Conn implements Transport over a net.Conn.
type Conn struct {
	conn    net.Conn
	magic   uint32
	logger  *slog.Logger
	packets chan []byte
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Option configures a Conn.
type Option func(*Conn)

func WithLogger(l *slog.Logger) Option { return func(c *Conn) { c.logger = l } }

// WithQueueSize sets how many decoded payloads may wait for the consumer
// before the reader stops pulling bytes off the socket.
func WithQueueSize(n int) Option {
	return func(c *Conn) {
		if n >= 0 {
			c.packets = make(chan []byte, n)
		}
	}
}

// New wraps conn and starts its reader goroutine.
func New(conn net.Conn, magic uint32, opts ...Option) *Conn {
	c := &Conn{
		conn:    conn,
		magic:   magic,
		logger:  slog.Default(),
		packets: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// AppendFrame appends a complete frame for payload to dst.
func AppendFrame(dst []byte, magic uint32, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, magic)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	buf := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), c.magic, payload)

	c.writeMu.Lock()
	_, err := c.conn.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("send to %s: %w: %w", c.RemoteAddr(), ErrClosed, err)
	}
	return nil
}

func (c *Conn) Packets() <-chan []byte { return c.packets }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.packets)
	defer c.Close() //nolint:errcheck

	var header [HeaderSize]byte
	for {
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			c.readFailed(err)
			return
		}

		magic := binary.LittleEndian.Uint32(header[0:4])
		if magic != c.magic {
			err := &domain.ProtocolError{
				Peer:   c.RemoteAddr(),
				Reason: fmt.Sprintf("bad frame magic 0x%08x", magic),
			}
			c.logger.Warn("closing connection", slog.String("error", err.Error()))
			c.setErr(err)
			return
		}

		size := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.readFailed(err)
			return
		}

		select {
		case c.packets <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readFailed(err error) {
	select {
	case <-c.done:
		// closed locally
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		return
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		c.setErr(&domain.ProtocolError{Peer: c.RemoteAddr(), Reason: "truncated frame", Err: err})
		return
	}
	c.setErr(fmt.Errorf("read from %s: %w", c.RemoteAddr(), err))
}
