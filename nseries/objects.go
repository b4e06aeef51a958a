package nseries

// Attribute layouts for the Omron vendor object classes that expose the
// controller's variable table.  All offsets are relative to the Get Attribute
// All reply data.

import (
	"encoding/binary"
	"fmt"

	"njlink/cip"
)

// Omron vendor object classes.
const (
	ClassTagNameServer      byte = 0x6A
	ClassVariableObject     byte = 0x6B
	ClassVariableTypeObject byte = 0x6C
)

// variableObject is the parsed Variable Object (class 0x6B) attribute set:
// one entry per declared variable, carrying its runtime type metadata.
type variableObject struct {
	Size          uint32
	TypeCode      cip.TypeCode
	ArrayElemCode cip.TypeCode
	Dimensions    []Dimension
	TypeInstance  uint32 // linked Variable Type Object instance, composites only
}

// variableTypeObject is the parsed Variable Type Object (class 0x6C)
// attribute set: structural metadata for a named type, linked into chains by
// instance id.
type variableTypeObject struct {
	SizeInMemory    uint32
	TypeCode        cip.TypeCode
	ArrayElemCode   cip.TypeCode
	Dimensions      []Dimension
	NumMembers      uint16
	CRC             uint16
	Name            string
	NextInstance    uint32
	NestingInstance uint32
}

func parseVariableObject(data []byte) (*variableObject, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("parseVariableObject: reply too short: need 8 bytes, got %d", len(data))
	}

	vo := &variableObject{
		Size:          binary.LittleEndian.Uint32(data[0:4]),
		TypeCode:      cip.TypeCode(data[4]),
		ArrayElemCode: cip.TypeCode(data[5]),
	}

	dims := int(data[6])
	if len(data) < 8+dims*4 {
		return nil, fmt.Errorf("parseVariableObject: reply too short for %d dimensions: got %d bytes", dims, len(data))
	}
	for i := 0; i < dims; i++ {
		vo.Dimensions = append(vo.Dimensions, Dimension{
			Elements: binary.LittleEndian.Uint32(data[8+i*4 : 12+i*4]),
		})
	}

	// The type object link and dimension start indices follow the extents.
	// Scalars omit them; composites must carry the link.
	if off := 20 + dims*4; len(data) >= off+4 {
		vo.TypeInstance = binary.LittleEndian.Uint32(data[off : off+4])
	}
	for i := 0; i < dims; i++ {
		off := 24 + dims*4 + i*4
		if len(data) >= off+4 {
			vo.Dimensions[i].Start = binary.LittleEndian.Uint32(data[off : off+4])
		}
	}

	return vo, nil
}

func parseVariableTypeObject(data []byte) (*variableTypeObject, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("parseVariableTypeObject: reply too short: need 8 bytes, got %d", len(data))
	}

	tvo := &variableTypeObject{
		SizeInMemory:  binary.LittleEndian.Uint32(data[0:4]),
		TypeCode:      cip.TypeCode(data[5]),
		ArrayElemCode: cip.TypeCode(data[6]),
	}

	dims := int(data[7])
	if len(data) < 17+dims*4 {
		return nil, fmt.Errorf("parseVariableTypeObject: reply too short for %d dimensions: got %d bytes", dims, len(data))
	}
	for i := 0; i < dims; i++ {
		tvo.Dimensions = append(tvo.Dimensions, Dimension{
			Elements: binary.LittleEndian.Uint32(data[8+i*4 : 12+i*4]),
		})
	}

	tvo.NumMembers = binary.LittleEndian.Uint16(data[8+dims*4 : 10+dims*4])
	tvo.CRC = binary.LittleEndian.Uint16(data[14+dims*4 : 16+dims*4])

	nameLen := int(data[16+dims*4])
	nameStart := 17 + dims*4
	if len(data) < nameStart+nameLen {
		return nil, fmt.Errorf("parseVariableTypeObject: type name truncated: need %d bytes, got %d", nameStart+nameLen, len(data))
	}
	tvo.Name = string(data[nameStart : nameStart+nameLen])

	// An even name length is followed by one pad byte.
	pad := 0
	if nameLen%2 == 0 {
		pad = 1
	}

	linkStart := nameStart + nameLen + pad
	if len(data) < linkStart+8 {
		return nil, fmt.Errorf("parseVariableTypeObject: instance links truncated: need %d bytes, got %d", linkStart+8, len(data))
	}
	tvo.NextInstance = binary.LittleEndian.Uint32(data[linkStart : linkStart+4])
	tvo.NestingInstance = binary.LittleEndian.Uint32(data[linkStart+4 : linkStart+8])

	for i := 0; i < dims; i++ {
		off := linkStart + 8 + i*4
		if len(data) >= off+4 {
			tvo.Dimensions[i].Start = binary.LittleEndian.Uint32(data[off : off+4])
		}
	}

	return tvo, nil
}

// encodeVariableObject builds a Get Attribute All reply body for a Variable
// Object.  Shared by the package tests and useful for tooling that fakes a
// controller.
func encodeVariableObject(vo *variableObject) []byte {
	dims := len(vo.Dimensions)
	out := binary.LittleEndian.AppendUint32(nil, vo.Size)
	out = append(out, byte(vo.TypeCode), byte(vo.ArrayElemCode), byte(dims), 0x00)
	for _, d := range vo.Dimensions {
		out = binary.LittleEndian.AppendUint32(out, d.Elements)
	}
	for len(out) < 20+dims*4 {
		out = append(out, 0x00)
	}
	out = binary.LittleEndian.AppendUint32(out, vo.TypeInstance)
	for _, d := range vo.Dimensions {
		out = binary.LittleEndian.AppendUint32(out, d.Start)
	}
	return out
}

func encodeVariableTypeObject(tvo *variableTypeObject) []byte {
	dims := len(tvo.Dimensions)
	out := binary.LittleEndian.AppendUint32(nil, tvo.SizeInMemory)
	out = append(out, 0x00, byte(tvo.TypeCode), byte(tvo.ArrayElemCode), byte(dims))
	for _, d := range tvo.Dimensions {
		out = binary.LittleEndian.AppendUint32(out, d.Elements)
	}
	out = binary.LittleEndian.AppendUint16(out, tvo.NumMembers)
	out = append(out, 0x00, 0x00, 0x00, 0x00)
	out = binary.LittleEndian.AppendUint16(out, tvo.CRC)
	out = append(out, byte(len(tvo.Name)))
	out = append(out, tvo.Name...)
	if len(tvo.Name)%2 == 0 {
		out = append(out, 0x00)
	}
	out = binary.LittleEndian.AppendUint32(out, tvo.NextInstance)
	out = binary.LittleEndian.AppendUint32(out, tvo.NestingInstance)
	for _, d := range tvo.Dimensions {
		out = binary.LittleEndian.AppendUint32(out, d.Start)
	}
	return out
}
