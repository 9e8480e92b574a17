// Package tunnel implements the overlay encapsulation and decapsulation
// transformations applied to a packet.Buffer.
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mptm-gw/mptm/pkg/packet"
)

// OuterGeneveLen is the size of the outer envelope written by PushGeneve:
// Ethernet + IPv4 + UDP + GENEVE, without options.
const OuterGeneveLen = packet.EthHdrLen + packet.IPv4HdrLen + packet.UDPHdrLen + packet.GeneveHdrLen

const (
	outerTTL   = 64
	maxIPv4Len = 0xffff
	maxVNI     = 1<<24 - 1
)

var (
	// ErrNotGeneve is returned when a packet does not carry a GENEVE header
	// on the GENEVE port.
	ErrNotGeneve = errors.New("not a GENEVE packet")

	// ErrUnsupportedPayload is returned for GENEVE packets whose payload is
	// not an Ethernet frame.
	ErrUnsupportedPayload = errors.New("unsupported GENEVE payload")

	// ErrResize wraps head adjustment failures: the envelope could not be
	// inserted or removed within the buffer bounds.
	ErrResize = errors.New("buffer resize failed")

	// ErrTooLarge is returned when the encapsulated packet would not fit in
	// an IPv4 datagram.
	ErrTooLarge = errors.New("encapsulated packet too large")
)

// GeneveHeader is the fixed part of a GENEVE header (RFC 8926).
//
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver|  Opt Len  |O|C|    Rsvd.  |          Protocol Type        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|        Virtual Network Identifier (VNI)       |    Reserved   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type GeneveHeader struct {
	Version  uint8
	OptLen   uint8 // options length in 4-byte words
	Control  bool
	Critical bool
	Protocol uint16
	VNI      uint32
}

// Len returns the header length including options.
func (h GeneveHeader) Len() int {
	return packet.GeneveHdrLen + int(h.OptLen)*4
}

// Encode writes the fixed header into b.
func (h GeneveHeader) Encode(b []byte) error {
	if len(b) < packet.GeneveHdrLen {
		return packet.ErrTruncated
	}
	if h.Version > 3 {
		return fmt.Errorf("geneve version %d out of range", h.Version)
	}
	if h.VNI > maxVNI {
		return fmt.Errorf("geneve vni %d exceeds 24 bits", h.VNI)
	}
	b[0] = h.Version<<6 | h.OptLen&0x3f
	b[1] = 0
	if h.Control {
		b[1] |= 0x80
	}
	if h.Critical {
		b[1] |= 0x40
	}
	binary.BigEndian.PutUint16(b[2:4], h.Protocol)
	binary.BigEndian.PutUint32(b[4:8], h.VNI<<8)
	return nil
}

// DecodeGeneve reads the fixed header from b.
func DecodeGeneve(b []byte) (GeneveHeader, error) {
	if len(b) < packet.GeneveHdrLen {
		return GeneveHeader{}, packet.ErrTruncated
	}
	return GeneveHeader{
		Version:  b[0] >> 6,
		OptLen:   b[0] & 0x3f,
		Control:  b[1]&0x80 != 0,
		Critical: b[1]&0x40 != 0,
		Protocol: binary.BigEndian.Uint16(b[2:4]),
		VNI:      binary.BigEndian.Uint32(b[4:8]) >> 8,
	}, nil
}

// GeneveParams are the outer header fields of a GENEVE encapsulation.
type GeneveParams struct {
	SrcMAC  [6]byte
	DstMAC  [6]byte
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	VNI     uint32
	// InnerDstMAC, when non-zero, replaces the destination MAC of the
	// encapsulated frame.
	InnerDstMAC [6]byte
}

// PushGeneve prepends an Ethernet/IPv4/UDP/GENEVE envelope to the frame in
// b, growing it at the head by OuterGeneveLen bytes. On error the buffer is
// left unchanged.
func PushGeneve(b *packet.Buffer, p GeneveParams) error {
	innerLen := b.Len()
	if innerLen < packet.EthHdrLen {
		return packet.ErrTruncated
	}
	if innerLen+OuterGeneveLen-packet.EthHdrLen > maxIPv4Len {
		return ErrTooLarge
	}
	if p.VNI > maxVNI {
		return fmt.Errorf("geneve vni %d exceeds 24 bits", p.VNI)
	}
	if err := b.AdjustHead(-OuterGeneveLen); err != nil {
		return fmt.Errorf("%w: %w", ErrResize, err)
	}
	data := b.Bytes()

	if p.InnerDstMAC != ([6]byte{}) {
		packet.Ethernet(data[OuterGeneveLen:]).SetDst(p.InnerDstMAC)
	}

	eth := packet.Ethernet(data[:packet.EthHdrLen])
	eth.SetDst(p.DstMAC)
	eth.SetSrc(p.SrcMAC)
	eth.SetEtherType(packet.EtherTypeIPv4)

	ip := packet.IPv4(data[packet.EthHdrLen : packet.EthHdrLen+packet.IPv4HdrLen])
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(innerLen+OuterGeneveLen-packet.EthHdrLen))
	binary.BigEndian.PutUint16(ip[4:6], 0)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = outerTTL
	ip[9] = packet.ProtoUDP
	copy(ip[12:16], p.SrcIP[:])
	copy(ip[16:20], p.DstIP[:])
	ip.UpdateChecksum()

	off := packet.EthHdrLen + packet.IPv4HdrLen
	udp := data[off : off+packet.UDPHdrLen]
	binary.BigEndian.PutUint16(udp[0:2], p.SrcPort)
	binary.BigEndian.PutUint16(udp[2:4], packet.GenevePort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(innerLen+packet.UDPHdrLen+packet.GeneveHdrLen))
	binary.BigEndian.PutUint16(udp[6:8], 0) // optional for IPv4

	off += packet.UDPHdrLen
	gh := GeneveHeader{Protocol: packet.EtherTypeBridge, VNI: p.VNI}
	return gh.Encode(data[off : off+packet.GeneveHdrLen])
}

// OuterLen returns the size of the GENEVE envelope of a parsed outer packet:
// everything up to and including the GENEVE options. The packet must have
// been parsed with transport headers and carry UDP.
func OuterLen(data []byte, outer packet.Headers) (GeneveHeader, int, error) {
	if outer.UDP == nil || outer.UDP.DstPort() != packet.GenevePort {
		return GeneveHeader{}, 0, ErrNotGeneve
	}
	off := outer.L4Offset + packet.UDPHdrLen
	if off > len(data) {
		return GeneveHeader{}, 0, packet.ErrTruncated
	}
	gh, err := DecodeGeneve(data[off:])
	if err != nil {
		return GeneveHeader{}, 0, err
	}
	if gh.Version != 0 {
		return gh, 0, fmt.Errorf("geneve version %d: %w", gh.Version, ErrNotGeneve)
	}
	if gh.Protocol != packet.EtherTypeBridge {
		return gh, 0, fmt.Errorf("protocol %#04x: %w", gh.Protocol, ErrUnsupportedPayload)
	}
	n := off + gh.Len()
	if len(data)-n < packet.EthHdrLen {
		return gh, 0, packet.ErrTruncated
	}
	return gh, n, nil
}

// PopGeneve strips the outer envelope of the GENEVE packet in b, whose
// headers were parsed into outer. Validation failures leave the buffer
// unchanged.
func PopGeneve(b *packet.Buffer, outer packet.Headers) (GeneveHeader, error) {
	gh, n, err := OuterLen(b.Bytes(), outer)
	if err != nil {
		return gh, err
	}
	if err := b.AdjustHead(n); err != nil {
		return gh, fmt.Errorf("%w: %w", ErrResize, err)
	}
	return gh, nil
}
