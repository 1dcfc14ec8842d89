package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// Datagram is one received UDP payload and the address it came from.
type Datagram struct {
	Data   []byte
	Source netip.Addr
}

// Listener receives announcements on the multicast group.
type Listener struct {
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	logger *slog.Logger
}

// Listen binds port and joins group on every up, multicast-capable
// interface.
func Listen(ctx context.Context, group string, port uint16, logger *slog.Logger) (*Listener, error) {
	gip := net.ParseIP(group)
	if gip == nil || !gip.IsMulticast() {
		return nil, fmt.Errorf("discovery: %q is not a multicast address", group)
	}

	var lc net.ListenConfig
	c, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen udp %d: %w", port, err)
	}
	pc := ipv4.NewPacketConn(c)

	ifaces, err := net.Interfaces()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: gip}); err != nil {
			logger.Debug("join group failed", slog.String("iface", ifi.Name), slog.String("error", err.Error()))
			continue
		}
		joined++
		logger.Debug("joined multicast group", slog.String("iface", ifi.Name), slog.String("group", group))
	}
	if joined == 0 {
		// let the kernel pick the interface
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: gip}); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("join %s: %w", group, err)
		}
	}

	return &Listener{conn: c, pc: pc, logger: logger}, nil
}

// Serve reads datagrams and passes each to fn until ctx is cancelled or the
// listener is closed.
func (l *Listener) Serve(ctx context.Context, fn func(Datagram)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, _, src, err := l.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		d := Datagram{Data: append([]byte(nil), buf[:n]...)}
		if ua, ok := src.(*net.UDPAddr); ok {
			if a, ok := netip.AddrFromSlice(ua.IP.To4()); ok {
				d.Source = a
			}
		}
		fn(d)
	}
}

func (l *Listener) Close() error { return l.conn.Close() }
