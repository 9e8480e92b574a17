package packet

import (
	"encoding/binary"
	"errors"
)

// ErrNotIPv4 is returned when the EtherType chain does not resolve to IPv4.
var ErrNotIPv4 = errors.New("not an IPv4 packet")

// Headers holds views of the parsed headers of a packet. Views alias the
// parsed bytes and must be re-derived after any buffer adjustment.
type Headers struct {
	Eth Ethernet
	// VLANTags is the number of VLAN tags between the MACs and the IP header.
	VLANTags int
	// L3Offset is the offset of the IP header from the start of the packet.
	L3Offset int
	IP       IPv4
	// UDP is nil unless transport parsing was requested and the packet
	// carries UDP.
	UDP UDP
	// L4Offset is the offset of the transport header, or -1.
	L4Offset int
}

// Parse walks the Ethernet, VLAN, IPv4 and (when transport is set) UDP
// headers of data. Every header is bounds-checked against len(data) before
// it is read, and the VLAN walk is bounded by MaxVLANDepth.
func Parse(data []byte, transport bool) (Headers, error) {
	h := Headers{L4Offset: -1}

	if len(data) < EthHdrLen {
		return h, ErrTruncated
	}
	h.Eth = Ethernet(data[:EthHdrLen])

	off := 12
	proto := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	for i := 0; i < MaxVLANDepth; i++ {
		if proto != EtherTypeVLAN && proto != EtherTypeQinQ {
			break
		}
		if len(data) < off+VLANHdrLen {
			return h, ErrTruncated
		}
		proto = binary.BigEndian.Uint16(data[off+2 : off+4])
		off += VLANHdrLen
		h.VLANTags++
	}
	if proto != EtherTypeIPv4 {
		return h, ErrNotIPv4
	}

	if len(data) < off+IPv4HdrLen {
		return h, ErrTruncated
	}
	ip := IPv4(data[off:])
	if ip.Version() != 4 {
		return h, ErrNotIPv4
	}
	ihl := ip.HeaderLen()
	if ihl < IPv4HdrLen || len(data) < off+ihl {
		return h, ErrTruncated
	}
	h.L3Offset = off
	h.IP = IPv4(data[off : off+ihl])
	off += ihl

	if !transport || h.IP.Protocol() != ProtoUDP {
		return h, nil
	}
	if len(data) < off+UDPHdrLen {
		return h, ErrTruncated
	}
	h.L4Offset = off
	h.UDP = UDP(data[off : off+UDPHdrLen])
	return h, nil
}
