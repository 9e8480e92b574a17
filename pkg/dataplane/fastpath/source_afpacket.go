//go:build linux && cgo

package fastpath

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	afpFrameSize   = 1 << 16
	afpBlockSize   = afpFrameSize * 8
	afpNumBlocks   = 16
	afpPollTimeout = 100 * time.Millisecond
)

// skipOutgoing rejects frames the host transmits, including the ones
// written back by the backend.
var skipOutgoing = []bpf.Instruction{
	bpf.LoadExtension{Num: bpf.ExtType},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: unix.PACKET_OUTGOING, SkipTrue: 1},
	bpf.RetConstant{Val: 0xffff},
	bpf.RetConstant{Val: 0},
}

type afpacketSource struct {
	tp *afpacket.TPacket
}

func openAFPacket(ifindex int) (FrameSource, error) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("link %d: %w", ifindex, err)
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(link.Attrs().Name),
		afpacket.OptFrameSize(afpFrameSize),
		afpacket.OptBlockSize(afpBlockSize),
		afpacket.OptNumBlocks(afpNumBlocks),
		afpacket.OptPollTimeout(afpPollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("af_packet on %s: %w", link.Attrs().Name, err)
	}
	filter, err := bpf.Assemble(skipOutgoing)
	if err != nil {
		tp.Close()
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	if err := tp.SetBPF(filter); err != nil {
		tp.Close()
		return nil, fmt.Errorf("set filter on %s: %w", link.Attrs().Name, err)
	}
	return &afpacketSource{tp: tp}, nil
}

func (s *afpacketSource) ReadFrame() ([]byte, error) {
	data, _, err := s.tp.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ErrTimeout
	}
	return data, err
}

func (s *afpacketSource) WriteFrame(frame []byte) error {
	return s.tp.WritePacketData(frame)
}

func (s *afpacketSource) Close() error {
	s.tp.Close()
	return nil
}
