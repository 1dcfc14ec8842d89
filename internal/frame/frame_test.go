package frame_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/frame"
)

const testMagic uint32 = 0xffdd0011

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── helpers ───────────────────────────────────────────────────────────────────

func newPair(t *testing.T) (*frame.Conn, *frame.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	a := frame.New(c1, testMagic, frame.WithLogger(discardLogger))
	b := frame.New(c2, testMagic, frame.WithLogger(discardLogger))
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func recv(t *testing.T, tr frame.Transport) []byte {
	t.Helper()
	select {
	case p, ok := <-tr.Packets():
		require.True(t, ok, "packets channel closed unexpectedly")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return nil
}

func waitClosed(t *testing.T, tr frame.Transport) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-tr.Packets():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("packets channel was not closed")
		}
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestConn_SendReceive(t *testing.T) {
	a, b := newPair(t)

	go func() { _ = a.Send([]byte("hello")) }()
	assert.Equal(t, []byte("hello"), recv(t, b))
}

func TestConn_EmptyPayload(t *testing.T) {
	a, b := newPair(t)

	go func() { _ = a.Send(nil) }()
	assert.Empty(t, recv(t, b))
}

func TestConn_PreservesOrder(t *testing.T) {
	a, b := newPair(t)

	go func() {
		for i := 0; i < 20; i++ {
			_ = a.Send([]byte(fmt.Sprintf("msg-%02d", i)))
		}
	}()
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), string(recv(t, b)))
	}
}

func TestConn_ConcurrentSendersDoNotInterleave(t *testing.T) {
	a, b := newPair(t)

	const senders = 8
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := make([]byte, 4096)
			for j := range payload {
				payload[j] = byte('a' + n)
			}
			_ = a.Send(payload)
		}(i)
	}

	var got []string
	for i := 0; i < senders; i++ {
		p := recv(t, b)
		require.Len(t, p, 4096)
		for _, c := range p {
			require.Equal(t, p[0], c, "payload bytes from different frames were mixed")
		}
		got = append(got, string(p[0]))
	}
	wg.Wait()

	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, got)
}

func TestConn_ReassemblesPartialWrites(t *testing.T) {
	c1, c2 := net.Pipe()
	b := frame.New(c2, testMagic, frame.WithLogger(discardLogger))
	defer b.Close() //nolint:errcheck
	defer c1.Close()

	raw := frame.AppendFrame(nil, testMagic, []byte("split-payload"))
	go func() {
		for _, chunk := range [][]byte{raw[:3], raw[3:9], raw[9:]} {
			if _, err := c1.Write(chunk); err != nil {
				return
			}
		}
	}()

	assert.Equal(t, "split-payload", string(recv(t, b)))
}

func TestConn_BadMagicClosesConnection(t *testing.T) {
	c1, c2 := net.Pipe()
	b := frame.New(c2, testMagic, frame.WithLogger(discardLogger))
	defer c1.Close()

	var header [frame.HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], 0xdeadbeef)
	binary.LittleEndian.PutUint32(header[4:8], 4)
	go func() { _, _ = c1.Write(header[:]) }()

	waitClosed(t, b)

	var protoErr *domain.ProtocolError
	require.ErrorAs(t, b.Err(), &protoErr)
	assert.Contains(t, protoErr.Reason, "0xdeadbeef")
	assert.ErrorIs(t, b.Send([]byte("x")), frame.ErrClosed)
}

func TestConn_PeerCloseEndsPackets(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Close())
	waitClosed(t, b)
	assert.NoError(t, b.Err(), "clean close reports no error")
}

func TestConn_SendAfterClose(t *testing.T) {
	a, _ := newPair(t)

	require.NoError(t, a.Close())
	err := a.Send([]byte("late"))
	assert.True(t, errors.Is(err, frame.ErrClosed))
	assert.NoError(t, a.Close(), "second close is a no-op")
}

func TestAppendFrame_Layout(t *testing.T) {
	raw := frame.AppendFrame(nil, testMagic, []byte{1, 2, 3})

	require.Len(t, raw, frame.HeaderSize+3)
	assert.Equal(t, testMagic, binary.LittleEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[4:8]))
	assert.Equal(t, []byte{1, 2, 3}, raw[8:])
}
