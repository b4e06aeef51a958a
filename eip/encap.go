package eip

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Encapsulation commands used by this client.
const (
	Nop               uint16 = 0x0000
	ListServices      uint16 = 0x0004
	ListIdentity      uint16 = 0x0063
	ListInterfaces    uint16 = 0x0064
	RegisterSession   uint16 = 0x0065
	UnRegisterSession uint16 = 0x0066
	SendRRData        uint16 = 0x006F
)

// HeaderSize is the fixed encapsulation header length.
const HeaderSize = 24

var ErrFrameTooShort = errors.New("frame shorter than encapsulation header")

// Generic Ethernet/IP Encapsulation frame.  The length field on the wire is
// always derived from the payload; it is not stored separately.
type Encap struct {
	Command       uint16
	SessionHandle uint32
	Status        uint32
	Context       [8]byte
	Options       uint32
	Payload       []byte
}

// Command-specific data wrapper for SendRRData.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

// Generate a Little-Endian encoded byte slice, header followed by payload.
func (m *Encap) Bytes() []byte {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = binary.LittleEndian.AppendUint16(buf, m.Command)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Payload)))
	buf = binary.LittleEndian.AppendUint32(buf, m.SessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.Status)
	buf = append(buf, m.Context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.Options)
	buf = append(buf, m.Payload...)
	return buf
}

// ParseEncap decodes a complete encapsulation frame.  Everything past the
// 24-byte header is taken as the payload; the declared length field is not
// re-validated against it.
func ParseEncap(raw []byte) (*Encap, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("ParseEncap: need %d bytes, got %d: %w", HeaderSize, len(raw), ErrFrameTooShort)
	}

	var ctx [8]byte
	copy(ctx[:], raw[12:20])

	return &Encap{
		Command:       binary.LittleEndian.Uint16(raw[:2]),
		SessionHandle: binary.LittleEndian.Uint32(raw[4:8]),
		Status:        binary.LittleEndian.Uint32(raw[8:12]),
		Context:       ctx,
		Options:       binary.LittleEndian.Uint32(raw[20:24]),
		Payload:       raw[HeaderSize:],
	}, nil
}

// Generate a Little-Endian encoded byte slice for RRData.
func (c *CommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, c.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, c.Timeout)
	raw = append(raw, c.Packet...)
	return raw
}

func ParseCommandData(raw []byte) (*CommandData, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("ParseCommandData: raw bytes too short: minimum 6, got %d", len(raw))
	}

	return &CommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}
