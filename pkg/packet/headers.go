package packet

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Header sizes in bytes.
const (
	EthHdrLen    = 14
	VLANHdrLen   = 4
	IPv4HdrLen   = 20 // without options
	UDPHdrLen    = 8
	GeneveHdrLen = 8 // fixed part, without options
)

// EtherType values in host byte order.
const (
	EtherTypeIPv4   = unix.ETH_P_IP
	EtherTypeVLAN   = unix.ETH_P_8021Q
	EtherTypeQinQ   = unix.ETH_P_8021AD
	EtherTypeBridge = unix.ETH_P_TEB // transparent Ethernet bridging, 0x6558
)

// ProtoUDP is the IPv4 protocol number of UDP.
const ProtoUDP = unix.IPPROTO_UDP

// GenevePort is the IANA-assigned GENEVE UDP destination port.
const GenevePort uint16 = 6081

// MaxVLANDepth bounds the number of stacked VLAN tags the parser walks.
const MaxVLANDepth = 2

// Ethernet is a view of an Ethernet header (without VLAN tags).
type Ethernet []byte

// Dst returns the destination MAC address.
func (e Ethernet) Dst() [6]byte {
	var mac [6]byte
	copy(mac[:], e[0:6])
	return mac
}

// Src returns the source MAC address.
func (e Ethernet) Src() [6]byte {
	var mac [6]byte
	copy(mac[:], e[6:12])
	return mac
}

// SetDst overwrites the destination MAC address.
func (e Ethernet) SetDst(mac [6]byte) { copy(e[0:6], mac[:]) }

// SetSrc overwrites the source MAC address.
func (e Ethernet) SetSrc(mac [6]byte) { copy(e[6:12], mac[:]) }

// EtherType returns the EtherType field that directly follows the MACs.
func (e Ethernet) EtherType() uint16 { return binary.BigEndian.Uint16(e[12:14]) }

// SetEtherType overwrites the EtherType field.
func (e Ethernet) SetEtherType(t uint16) { binary.BigEndian.PutUint16(e[12:14], t) }

// IPv4 is a view of an IPv4 header including options.
type IPv4 []byte

// Version returns the IP version nibble.
func (ip IPv4) Version() uint8 { return ip[0] >> 4 }

// HeaderLen returns the header length in bytes (IHL * 4).
func (ip IPv4) HeaderLen() int { return int(ip[0]&0x0f) * 4 }

// TotalLen returns the total length field.
func (ip IPv4) TotalLen() uint16 { return binary.BigEndian.Uint16(ip[2:4]) }

// TTL returns the time-to-live field.
func (ip IPv4) TTL() uint8 { return ip[8] }

// Protocol returns the protocol field.
func (ip IPv4) Protocol() uint8 { return ip[9] }

// Checksum returns the header checksum field.
func (ip IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(ip[10:12]) }

// Src returns the source address in network byte order.
func (ip IPv4) Src() [4]byte {
	var a [4]byte
	copy(a[:], ip[12:16])
	return a
}

// Dst returns the destination address in network byte order.
func (ip IPv4) Dst() [4]byte {
	var a [4]byte
	copy(a[:], ip[16:20])
	return a
}

// UpdateChecksum recomputes the header checksum.
func (ip IPv4) UpdateChecksum() {
	ip[10], ip[11] = 0, 0
	binary.BigEndian.PutUint16(ip[10:12], Checksum(ip[:ip.HeaderLen()]))
}

// UDP is a view of a UDP header.
type UDP []byte

// SrcPort returns the source port.
func (u UDP) SrcPort() uint16 { return binary.BigEndian.Uint16(u[0:2]) }

// DstPort returns the destination port.
func (u UDP) DstPort() uint16 { return binary.BigEndian.Uint16(u[2:4]) }

// Length returns the UDP length field.
func (u UDP) Length() uint16 { return binary.BigEndian.Uint16(u[4:6]) }
