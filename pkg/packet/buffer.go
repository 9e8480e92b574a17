// Package packet implements the packet buffer and the bounded header
// parser used by the tunnel fast path.
package packet

import (
	"errors"
	"fmt"
)

// DefaultHeadroom matches XDP_PACKET_HEADROOM: the space reserved in front
// of every received frame for header insertion.
const DefaultHeadroom = 256

var (
	// ErrHeadroom is returned when a head adjustment would move the start
	// of the packet outside the reserved headroom.
	ErrHeadroom = errors.New("insufficient headroom")

	// ErrTailroom is returned when a tail adjustment would move the end of
	// the packet past the backing storage.
	ErrTailroom = errors.New("insufficient tailroom")

	// ErrTruncated is returned when a header would extend past the end of
	// the packet, or an adjustment would leave less than an Ethernet header.
	ErrTruncated = errors.New("packet truncated")
)

// Buffer is the packet under processing. It is a window [head, tail) over
// fixed backing storage; headers are inserted by moving head into the
// headroom and removed by moving it forward. A Buffer never allocates after
// construction.
//
// Header views obtained from Bytes (and from Parse) alias the storage and
// are invalidated by AdjustHead and AdjustTail.
type Buffer struct {
	raw  []byte
	head int
	tail int
}

// NewBuffer copies frame into a new Buffer with headroom bytes reserved in
// front of it and no tailroom.
func NewBuffer(frame []byte, headroom int) *Buffer {
	if headroom < 0 {
		headroom = 0
	}
	raw := make([]byte, headroom+len(frame))
	copy(raw[headroom:], frame)
	return &Buffer{raw: raw, head: headroom, tail: len(raw)}
}

// WrapBuffer returns a Buffer over raw whose packet occupies raw[head:tail].
// The storage is used as is.
func WrapBuffer(raw []byte, head, tail int) (*Buffer, error) {
	if head < 0 || tail < head || tail > len(raw) {
		return nil, fmt.Errorf("invalid window [%d, %d) over %d bytes", head, tail, len(raw))
	}
	return &Buffer{raw: raw, head: head, tail: tail}, nil
}

// Reset points the buffer at a packet of n bytes starting at offset head of
// the backing storage. It is used to recycle one Buffer across frames.
func (b *Buffer) Reset(head, n int) error {
	if head < 0 || n < 0 || head+n > len(b.raw) {
		return fmt.Errorf("invalid window [%d, %d) over %d bytes", head, head+n, len(b.raw))
	}
	b.head = head
	b.tail = head + n
	return nil
}

// Storage returns the whole backing array, including headroom and tailroom.
func (b *Buffer) Storage() []byte { return b.raw }

// Bytes returns the current packet bytes.
func (b *Buffer) Bytes() []byte { return b.raw[b.head:b.tail] }

// Len returns the current packet length.
func (b *Buffer) Len() int { return b.tail - b.head }

// Headroom returns the number of bytes available in front of the packet.
func (b *Buffer) Headroom() int { return b.head }

// Tailroom returns the number of bytes available after the packet.
func (b *Buffer) Tailroom() int { return len(b.raw) - b.tail }

// AdjustHead moves the start of the packet by delta bytes. A negative delta
// grows the packet into the headroom, a positive delta shrinks it. The
// adjustment fails, leaving the buffer unchanged, if the headroom is
// exhausted or fewer than EthHdrLen bytes would remain.
func (b *Buffer) AdjustHead(delta int) error {
	head := b.head + delta
	if head < 0 {
		return fmt.Errorf("adjust head by %d: %w", delta, ErrHeadroom)
	}
	if b.tail-head < EthHdrLen {
		return fmt.Errorf("adjust head by %d: %w", delta, ErrTruncated)
	}
	b.head = head
	return nil
}

// AdjustTail moves the end of the packet by delta bytes, with the same
// failure rules as AdjustHead.
func (b *Buffer) AdjustTail(delta int) error {
	tail := b.tail + delta
	if tail > len(b.raw) {
		return fmt.Errorf("adjust tail by %d: %w", delta, ErrTailroom)
	}
	if tail-b.head < EthHdrLen {
		return fmt.Errorf("adjust tail by %d: %w", delta, ErrTruncated)
	}
	b.tail = tail
	return nil
}
