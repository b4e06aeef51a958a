package cip

import (
	"encoding/binary"
	"fmt"
)

// Segment type bytes for the path encodings this package emits. All paths
// are padded form: multi-byte logical values carry a pad byte after the
// segment header so they stay word aligned.
const (
	segClass8      byte = 0x20
	segInstance16  byte = 0x25
	segMember8     byte = 0x28
	segMember16    byte = 0x29
	segMember32    byte = 0x2A
	segDataSimple  byte = 0x80
	segSymbolicExt byte = 0x91
)

// EPath_t is an encoded path as it appears on the wire.
type EPath_t []byte

// WordLen returns the path length in 16-bit words, as carried in request
// headers.
func (p EPath_t) WordLen() byte {
	return byte(len(p) / 2)
}

// PathBuilder assembles an EPath segment by segment. The first error sticks
// to the builder and surfaces from Build, so call chains stay flat.
type PathBuilder struct {
	path EPath_t
	err  error
}

// EPath starts a new path builder.
func EPath() *PathBuilder {
	return &PathBuilder{}
}

func (b *PathBuilder) append(seg []byte, err error) *PathBuilder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.path = append(b.path, seg...)
	return b
}

// Symbol appends extended symbolic segments for a variable name. Dots
// split nested members into their own segments and a bracketed index like
// "Table[3]" becomes a member segment. Everything else, including colons,
// stays inside the name.
func (b *PathBuilder) Symbol(name string) *PathBuilder {
	if name == "" {
		return b.append(nil, fmt.Errorf("Symbol: empty variable name"))
	}
	for _, part := range splitSymbol(name) {
		if part.index >= 0 {
			b = b.append(memberSegment(uint32(part.index)), nil)
		} else {
			b = b.append(symbolicSegment(part.name))
		}
	}
	return b
}

// ClassInstance appends an 8-bit class and 16-bit instance pair, the
// addressing form used for controller object classes.
func (b *PathBuilder) ClassInstance(class byte, instance uint16) *PathBuilder {
	seg := []byte{segClass8, class, segInstance16, 0x00}
	seg = binary.LittleEndian.AppendUint16(seg, instance)
	return b.append(seg, nil)
}

// DataSegment appends a simple data segment scoping the request to
// [offset, offset+size) bytes of the target's serialized value. The word
// length is fixed at 3 (offset u32 + size u16).
func (b *PathBuilder) DataSegment(offset uint32, size uint16) *PathBuilder {
	seg := []byte{segDataSimple, 0x03}
	seg = binary.LittleEndian.AppendUint32(seg, offset)
	seg = binary.LittleEndian.AppendUint16(seg, size)
	return b.append(seg, nil)
}

// Build returns the encoded path, padded to an even byte count. The result
// is a copy, so the builder can keep growing afterwards.
func (b *PathBuilder) Build() (EPath_t, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := append(EPath_t(nil), b.path...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// symbolPart is one component of a dotted variable name. index is -1 for
// name components.
type symbolPart struct {
	name  string
	index int64
}

// splitSymbol breaks "Line.Table[3].Speed" into name and index components.
func splitSymbol(name string) []symbolPart {
	var parts []symbolPart
	flush := func(s string) {
		if s != "" {
			parts = append(parts, symbolPart{name: s, index: -1})
		}
	}

	start := 0
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.':
			flush(name[start:i])
			start = i + 1
		case '[':
			flush(name[start:i])
			j := i + 1
			var idx int64
			for j < len(name) && name[j] >= '0' && name[j] <= '9' {
				idx = idx*10 + int64(name[j]-'0')
				j++
			}
			if j > i+1 {
				parts = append(parts, symbolPart{index: idx})
			}
			for j < len(name) && name[j] != ']' {
				j++
			}
			i = j
			start = j + 1
		}
	}
	if start < len(name) {
		flush(name[start:])
	}
	return parts
}

// symbolicSegment encodes one extended symbolic segment. The length byte
// counts name characters only; the trailing pad byte is excluded.
func symbolicSegment(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("Symbol: empty path component")
	}
	if len(name) > 255 {
		return nil, fmt.Errorf("Symbol: component is %d bytes, maximum 255", len(name))
	}

	seg := make([]byte, 0, 2+len(name)+1)
	seg = append(seg, segSymbolicExt, byte(len(name)))
	seg = append(seg, name...)
	if len(seg)%2 != 0 {
		seg = append(seg, 0x00)
	}
	return seg, nil
}

// memberSegment encodes an array index, using the smallest format that
// fits. The 16- and 32-bit forms carry a pad byte for word alignment.
func memberSegment(index uint32) []byte {
	switch {
	case index <= 0xFF:
		return []byte{segMember8, byte(index)}
	case index <= 0xFFFF:
		seg := []byte{segMember16, 0x00}
		return binary.LittleEndian.AppendUint16(seg, uint16(index))
	default:
		seg := []byte{segMember32, 0x00}
		return binary.LittleEndian.AppendUint32(seg, index)
	}
}
