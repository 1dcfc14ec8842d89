// Package discovery implements the UDP multicast handshake through which a
// master announces a job and idle workers find it.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net/netip"
	"strings"
)

// Wire constants shared by every master and worker build.
const (
	TCPPort        uint16 = 1290
	UDPPort        uint16 = 1291
	MulticastGroup        = "239.172.22.165"
	TCPMagic       uint32 = 0xffdd0011
	UDPMagic       uint32 = 0xaaa33388
	Version        uint16 = 0x0100

	// ProjectSize is the fixed, NUL-padded width of the project name.
	ProjectSize = 64
	// PacketSize is magic(4) + version(2) + port(2) + ip(4) + project(64) + crc(4).
	PacketSize = 80

	crcOffset = PacketSize - 4
)

var (
	ErrBadLength = errors.New("discovery: bad packet length")
	ErrBadCRC    = errors.New("discovery: crc mismatch")
	ErrBadMagic  = errors.New("discovery: bad magic")
)

// Packet announces a job: which project it builds and where its TCP
// listener is.
type Packet struct {
	Version    uint16
	MasterIP   netip.Addr
	MasterPort uint16
	Project    string
}

// MarshalBinary encodes the packet and appends its CRC32.
func (p Packet) MarshalBinary() ([]byte, error) {
	if !p.MasterIP.Is4() {
		return nil, fmt.Errorf("discovery: master ip %v is not IPv4", p.MasterIP)
	}
	name := strings.ToLower(p.Project)
	if len(name) >= ProjectSize {
		return nil, fmt.Errorf("discovery: project name %q longer than %d bytes", p.Project, ProjectSize-1)
	}
	version := p.Version
	if version == 0 {
		version = Version
	}

	b := make([]byte, PacketSize)
	binary.LittleEndian.PutUint32(b[0:4], UDPMagic)
	binary.LittleEndian.PutUint16(b[4:6], version)
	binary.LittleEndian.PutUint16(b[6:8], p.MasterPort)
	ip := p.MasterIP.As4()
	copy(b[8:12], ip[:])
	copy(b[12:12+ProjectSize], name)
	binary.LittleEndian.PutUint32(b[crcOffset:], crc32.ChecksumIEEE(b[:crcOffset]))
	return b, nil
}

// ParsePacket validates and decodes a datagram. The CRC is checked before
// any field is read.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrBadLength, len(b))
	}
	if crc32.ChecksumIEEE(b[:crcOffset]) != binary.LittleEndian.Uint32(b[crcOffset:]) {
		return Packet{}, ErrBadCRC
	}
	if binary.LittleEndian.Uint32(b[0:4]) != UDPMagic {
		return Packet{}, ErrBadMagic
	}

	name := b[12 : 12+ProjectSize]
	if i := indexNUL(name); i >= 0 {
		name = name[:i]
	}
	return Packet{
		Version:    binary.LittleEndian.Uint16(b[4:6]),
		MasterPort: binary.LittleEndian.Uint16(b[6:8]),
		MasterIP:   netip.AddrFrom4([4]byte(b[8:12])),
		Project:    strings.ToLower(string(name)),
	}, nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
