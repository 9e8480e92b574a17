package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/mptm-gw/mptm/pkg/packet"
)

const maxVLANID = 0x0fff

// PushVLAN inserts an 802.1Q tag carrying vlanID between the MAC addresses
// and the EtherType of the frame in b. The frame grows by VLANHdrLen bytes
// at its head; on error the buffer is left unchanged.
func PushVLAN(b *packet.Buffer, vlanID uint16) error {
	if vlanID > maxVLANID {
		return fmt.Errorf("vlan id %d out of range", vlanID)
	}
	if b.Len() < packet.EthHdrLen {
		return packet.ErrTruncated
	}
	if err := b.AdjustHead(-packet.VLANHdrLen); err != nil {
		return fmt.Errorf("%w: %w", ErrResize, err)
	}
	data := b.Bytes()
	copy(data[0:12], data[packet.VLANHdrLen:packet.VLANHdrLen+12])
	binary.BigEndian.PutUint16(data[12:14], packet.EtherTypeVLAN)
	binary.BigEndian.PutUint16(data[14:16], vlanID)
	return nil
}
