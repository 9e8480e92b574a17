//go:build !linux || !cgo

package fastpath

import "errors"

func openAFPacket(int) (FrameSource, error) {
	return nil, errors.New("AF_PACKET frame source requires linux and cgo")
}
