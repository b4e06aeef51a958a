package cip

import (
	"encoding/binary"
	"fmt"
)

// General status codes seen in practice.
const (
	StatusSuccess           byte = 0x00
	StatusPathSegmentError  byte = 0x04
	StatusPathUnknown       byte = 0x05
	StatusPartialTransfer   byte = 0x06
	StatusServiceNotSupport byte = 0x08
	StatusObjectNotExist    byte = 0x16
	StatusGeneralError      byte = 0xFF
)

// StatusError is a structurally valid reply whose general status is not
// success.  Extended carries the extended status words as raw bytes.
type StatusError struct {
	Status   byte
	Extended []byte
}

func (e *StatusError) Error() string {
	if len(e.Extended) >= 2 {
		ext := binary.LittleEndian.Uint16(e.Extended[:2])
		if ext != 0 {
			return fmt.Sprintf("CIP error: %s (0x%02X), extended: 0x%04X", StatusName(e.Status), e.Status, ext)
		}
	}
	return fmt.Sprintf("CIP error: %s (0x%02X)", StatusName(e.Status), e.Status)
}

// StatusName maps a general status code to its ODVA name.
func StatusName(status byte) string {
	switch status {
	case StatusSuccess:
		return "Success"
	case 0x01:
		return "Connection Failure"
	case 0x02:
		return "Resource Unavailable"
	case 0x03:
		return "Invalid Parameter"
	case StatusPathSegmentError:
		return "Path Segment Error"
	case StatusPathUnknown:
		return "Path Unknown"
	case StatusPartialTransfer:
		return "Partial Transfer"
	case 0x07:
		return "Connection Lost"
	case StatusServiceNotSupport:
		return "Service Not Supported"
	case 0x09:
		return "Invalid Attribute Value"
	case StatusObjectNotExist:
		return "Object Does Not Exist"
	case 0x0D:
		return "Object Already Exists"
	case 0x0E:
		return "Attribute Not Settable"
	case 0x0F:
		return "Privilege Violation"
	case 0x10:
		return "Device State Conflict"
	case 0x11:
		return "Reply Data Too Large"
	case 0x13:
		return "Not Enough Data"
	case 0x14:
		return "Attribute Not Supported"
	case 0x15:
		return "Too Much Data"
	case 0x1C:
		return "Not Enough Data Received"
	case 0x1E:
		return "Invalid Symbolic"
	case 0x20:
		return "Invalid Parameter Type"
	case 0x26:
		return "Invalid Path"
	case StatusGeneralError:
		return "General Error"
	default:
		return fmt.Sprintf("Status 0x%02X", status)
	}
}
