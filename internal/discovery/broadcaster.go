package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"

	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
)

// ErrNoInterfaces is returned when there is no usable IPv4 multicast
// interface to announce on.
var ErrNoInterfaces = errors.New("discovery: no multicast-capable IPv4 interface")

// Endpoint is one local IPv4 address and the interface that owns it.
type Endpoint struct {
	Iface *net.Interface
	Addr  netip.Addr
}

// Sender transmits one datagram to the group from a given local endpoint.
type Sender interface {
	Send(ctx context.Context, from Endpoint, payload []byte) error
}

// Report counts per-address outcomes of a broadcast.
type Report struct {
	Sent   int
	Failed int
}

// Broadcaster announces a job on every local IPv4 address. Each datagram
// carries the address it was sent from, so a worker can connect back over
// the same network.
type Broadcaster struct {
	port      uint16
	sender    Sender
	endpoints func() ([]Endpoint, error)
	logger    *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

func WithSender(s Sender) BroadcasterOption { return func(b *Broadcaster) { b.sender = s } }
func WithEndpoints(fn func() ([]Endpoint, error)) BroadcasterOption {
	return func(b *Broadcaster) { b.endpoints = fn }
}
func WithBroadcastLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// NewBroadcaster returns a Broadcaster that advertises masterPort.
func NewBroadcaster(masterPort uint16, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		port:      masterPort,
		sender:    NewMulticastSender(MulticastGroup, UDPPort),
		endpoints: LocalEndpoints,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast sends one packet for project per local address. A failing
// address is logged and skipped; the call fails only when no packet went
// out at all.
func (b *Broadcaster) Broadcast(ctx context.Context, project string) (Report, error) {
	var rep Report

	eps, err := b.endpoints()
	if err != nil {
		return rep, fmt.Errorf("list interfaces: %w", err)
	}
	if len(eps) == 0 {
		return rep, ErrNoInterfaces
	}

	var lastErr error
	for _, ep := range eps {
		log := b.logger.With(slog.String("addr", ep.Addr.String()), slog.String("project", project))

		payload, err := Packet{MasterIP: ep.Addr, MasterPort: b.port, Project: project}.MarshalBinary()
		if err != nil {
			return rep, err
		}
		if err := b.sender.Send(ctx, ep, payload); err != nil {
			rep.Failed++
			lastErr = err
			telemetry.DiscoveryBroadcastsTotal.WithLabelValues("failed").Inc()
			log.Error("multicast send failed", slog.String("error", err.Error()))
			continue
		}
		rep.Sent++
		telemetry.DiscoveryBroadcastsTotal.WithLabelValues("sent").Inc()
		log.Info("multicast packet sent")
	}

	if rep.Sent == 0 {
		return rep, fmt.Errorf("broadcast failed on all %d addresses: %w", rep.Failed, lastErr)
	}
	return rep, nil
}

// LocalEndpoints lists the IPv4 addresses of every up, multicast-capable
// interface.
func LocalEndpoints() ([]Endpoint, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var eps []Endpoint
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP.To4())
			if !ok || !ip.Is4() {
				continue
			}
			eps = append(eps, Endpoint{Iface: ifi, Addr: ip})
		}
	}
	return eps, nil
}

type multicastSender struct {
	group *net.UDPAddr
}

// NewMulticastSender returns a Sender that writes to group:port with TTL 1
// through the endpoint's interface.
func NewMulticastSender(group string, port uint16) Sender {
	return &multicastSender{group: &net.UDPAddr{IP: net.ParseIP(group), Port: int(port)}}
}

func (s *multicastSender) Send(ctx context.Context, from Endpoint, payload []byte) error {
	var lc net.ListenConfig
	c, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(from.Addr.String(), "0"))
	if err != nil {
		return fmt.Errorf("bind %s: %w", from.Addr, err)
	}
	defer c.Close()

	p := ipv4.NewPacketConn(c)
	if err := p.SetMulticastTTL(1); err != nil {
		return fmt.Errorf("set ttl: %w", err)
	}
	_ = p.SetMulticastLoopback(true)
	if from.Iface != nil {
		if err := p.SetMulticastInterface(from.Iface); err != nil {
			return fmt.Errorf("set interface %s: %w", from.Iface.Name, err)
		}
	}

	n, err := p.WriteTo(payload, nil, s.group)
	if err != nil {
		return fmt.Errorf("write to %s: %w", s.group, err)
	}
	if n != len(payload) {
		return fmt.Errorf("short write to %s: %d of %d bytes", s.group, n, len(payload))
	}
	return nil
}
