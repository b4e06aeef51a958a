package cip

import (
	"fmt"
)

// Service codes used for explicit messaging.
const (
	SvcGetAttributeAll    byte = 0x01
	SvcReadTag            byte = 0x4C
	SvcWriteTag           byte = 0x4D
	SvcReadModifyWriteTag byte = 0x4E
	SvcReadTagFragmented  byte = 0x52
	SvcWriteTagFragmented byte = 0x53
	SvcGetInstanceList    byte = 0x5F
)

// Request is one CIP service invocation: service code, addressing path and
// service data.
type Request struct {
	Service byte
	Path    EPath_t
	Data    []byte
}

func (r Request) Marshal() []byte {
	path := r.Path
	out := make([]byte, 0, 2+len(path)+len(r.Data))
	out = append(out, r.Service)
	out = append(out, r.Path.WordLen())
	out = append(out, path...)
	out = append(out, r.Data...)
	return out
}

// Reply is the decoded service reply.  AdditionalStatus holds the extended
// status words as raw bytes, exactly as received.
type Reply struct {
	Service          byte
	GeneralStatus    byte
	AdditionalStatus []byte
	Data             []byte
}

// ParseReply decodes the reply prefix and slices out the reply data.  The
// data begins at offset 4 + 2*ext_status_words; a shorter body is a decode
// error.  A non-zero general status is not a decode failure; callers check
// it through Status().
func ParseReply(raw []byte) (*Reply, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("ParseReply: reply too short: need 4 bytes, got %d", len(raw))
	}

	extWords := int(raw[3])
	dataStart := 4 + extWords*2
	if len(raw) < dataStart {
		return nil, fmt.Errorf("ParseReply: reply truncated: extended status needs %d bytes, got %d", dataStart, len(raw))
	}

	return &Reply{
		Service:          raw[0],
		GeneralStatus:    raw[2],
		AdditionalStatus: raw[4:dataStart],
		Data:             raw[dataStart:],
	}, nil
}

// Status returns nil when the general status is success, otherwise a
// *StatusError carrying the status and extended status bytes verbatim.
func (r *Reply) Status() error {
	if r.GeneralStatus == StatusSuccess {
		return nil
	}
	return &StatusError{
		Status:   r.GeneralStatus,
		Extended: append([]byte(nil), r.AdditionalStatus...),
	}
}
