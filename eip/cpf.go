package eip

// Common Packet Format framing per ODVA v1.4.

import (
	"encoding/binary"
	"fmt"
)

const (
	ItemNullAddressId          uint16 = 0x0000
	ItemListIdentityResponseId uint16 = 0x000C
	ItemConnectedAddressId     uint16 = 0x00A1
	ItemConnectedDataId        uint16 = 0x00B1
	ItemUnconnectedDataId      uint16 = 0x00B2
	ItemListServicesResponseId uint16 = 0x0100
	ItemSockAddrInfoOtoTId     uint16 = 0x8000
	ItemSockAddrInfoTtoOId     uint16 = 0x8001
	ItemSequencedAddressId     uint16 = 0x8002
)

// CommonPacket is an ordered list of address and data items.
type CommonPacket struct {
	Items []CommonPacketItem
}

// CommonPacketItem carries one type-tagged item.  The wire length field is
// derived from Data when encoding.
type CommonPacketItem struct {
	TypeId uint16
	Data   []byte
}

// NewUnconnectedPacket wraps an explicit message in the two-item convention
// used for unconnected messaging: a null address item followed by an
// unconnected data item carrying the message bytes.
func NewUnconnectedPacket(message []byte) CommonPacket {
	return CommonPacket{
		Items: []CommonPacketItem{
			{TypeId: ItemNullAddressId},
			{TypeId: ItemUnconnectedDataId, Data: message},
		},
	}
}

// UnconnectedData returns the payload of the first unconnected data item.
func (p *CommonPacket) UnconnectedData() ([]byte, error) {
	for _, item := range p.Items {
		if item.TypeId == ItemUnconnectedDataId {
			return item.Data, nil
		}
	}
	return nil, fmt.Errorf("UnconnectedData: no unconnected data item in packet of %d items", len(p.Items))
}

// Generate a Little-Endian encoded byte representation of the CommonPacket.
func (p *CommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, item := range p.Items {
		raw = append(raw, item.Bytes()...)
	}
	return raw
}

// Generate a Little-Endian encoded byte representation of the item.
func (item *CommonPacketItem) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, item.TypeId)
	raw = binary.LittleEndian.AppendUint16(raw, uint16(len(item.Data)))
	raw = append(raw, item.Data...)
	return raw
}

// ParseCommonPacket decodes an item count followed by that many items,
// failing on any truncation.
func ParseCommonPacket(raw []byte) (*CommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseCommonPacket: raw bytes too short: minimum 2, got %d", len(raw))
	}

	itemCount := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	var items []CommonPacketItem
	for i := uint16(0); i < itemCount; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}

		typeId := binary.LittleEndian.Uint16(raw[:2])
		length := binary.LittleEndian.Uint16(raw[2:4])

		need := int(4 + length)
		if len(raw) < need {
			return nil, fmt.Errorf("ParseCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, need, len(raw))
		}

		items = append(items, CommonPacketItem{TypeId: typeId, Data: raw[4:need]})
		raw = raw[need:]
	}

	return &CommonPacket{Items: items}, nil
}
