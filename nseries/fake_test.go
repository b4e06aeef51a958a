package nseries

import (
	"encoding/binary"
	"fmt"

	"njlink/eip"
)

// fakeRequest is one decoded CIP request seen by the fake controller.
type fakeRequest struct {
	Service byte
	Path    []byte
	Data    []byte
}

// symbol returns the first symbolic segment's name, with the remaining path
// bytes after it.
func (r fakeRequest) symbol() (string, []byte) {
	p := r.Path
	if len(p) < 2 || p[0] != 0x91 {
		return "", p
	}
	n := int(p[1])
	name := string(p[2 : 2+n])
	rest := p[2+n:]
	if (2+n)%2 != 0 && len(rest) > 0 {
		rest = rest[1:] // pad byte
	}
	return name, rest
}

// classInstance decodes a padded 8-bit class / 16-bit instance path.
func (r fakeRequest) classInstance() (byte, uint16, bool) {
	p := r.Path
	if len(p) < 6 || p[0] != 0x20 || p[2] != 0x25 {
		return 0, 0, false
	}
	return p[1], binary.LittleEndian.Uint16(p[4:6]), true
}

// dataSegment decodes a trailing simple data segment.
func dataSegment(rest []byte) (offset uint32, size uint16, ok bool) {
	if len(rest) < 8 || rest[0] != 0x80 || rest[1] != 0x03 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(rest[2:6]), binary.LittleEndian.Uint16(rest[6:8]), true
}

// fakeSender scripts controller behavior behind the rrSender seam.  The
// handler returns reply data and a general status for each request.
type fakeSender struct {
	handler  func(req fakeRequest) ([]byte, byte)
	requests []fakeRequest
}

func (f *fakeSender) SendRRData(packet eip.CommonPacket) (*eip.CommonPacket, error) {
	raw, err := packet.UnconnectedData()
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("fakeSender: request too short")
	}

	pathLen := int(raw[1]) * 2
	if len(raw) < 2+pathLen {
		return nil, fmt.Errorf("fakeSender: path truncated")
	}
	req := fakeRequest{
		Service: raw[0],
		Path:    raw[2 : 2+pathLen],
		Data:    raw[2+pathLen:],
	}
	f.requests = append(f.requests, req)

	replyData, status := f.handler(req)
	reply := []byte{req.Service | 0x80, 0x00, status, 0x00}
	reply = append(reply, replyData...)

	out := eip.NewUnconnectedPacket(reply)
	return &out, nil
}

// attrTable serves Get Attribute All from a class/instance map and fails
// other instances with Object Does Not Exist.
type attrTable map[byte]map[uint16][]byte

func (t attrTable) handle(req fakeRequest) ([]byte, byte) {
	class, instance, ok := req.classInstance()
	if !ok {
		return nil, 0x05 // path unknown
	}
	data, ok := t[class][instance]
	if !ok {
		return nil, 0x16 // object does not exist
	}
	return data, 0x00
}

// tagNameServerCount builds the instance-0 reply carrying the variable count.
func tagNameServerCount(count uint16) []byte {
	out := []byte{0x00, 0x00}
	out = binary.LittleEndian.AppendUint16(out, count)
	return out
}

// tagNameServerName builds an instance reply carrying one variable name.
func tagNameServerName(name string) []byte {
	out := []byte{0x00, 0x00, 0x00, 0x00, byte(len(name))}
	return append(out, name...)
}
