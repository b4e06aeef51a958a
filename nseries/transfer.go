package nseries

import (
	"encoding/binary"
	"fmt"

	"njlink/cip"
	"njlink/logging"
)

// Unconnected messages top out at 502 bytes.  Reads lose 8 bytes of fixed
// per-message overhead; writes use a fixed 400-byte chunk, a multiple of the
// widest elementary type so no scalar element ever splits across chunks.
const (
	maxMessageSize = 502
	readOverhead   = 8
	maxReadChunk   = maxMessageSize - readOverhead
	maxWriteChunk  = 400
)

// readSegmented accumulates a large value over repeated partial reads.
// Strings repeat a 2-byte length prefix in every chunk; those header bytes
// are stripped identically from each chunk, first included.  The offset
// advances by the full chunk ceiling each trip, matching the controller's
// segment boundary convention.
func readSegmented(s rrSender, name string, dt *DataType) ([]byte, error) {
	burn := 0
	if dt.Kind == KindString {
		burn = 2
	}

	size := int(dt.Size)
	data := make([]byte, 0, size)

	for offset := 0; offset < size; offset += maxReadChunk {
		chunk := size - offset
		if chunk > maxReadChunk {
			chunk = maxReadChunk
		}

		path, err := cip.EPath().Symbol(name).DataSegment(uint32(offset), uint16(chunk)).Build()
		if err != nil {
			return nil, fmt.Errorf("readSegmented %q: %w", name, err)
		}

		reply, err := transact(s, cip.Request{
			Service: cip.SvcReadTag,
			Path:    path,
			Data:    []byte{0x01, 0x00},
		})
		if err != nil {
			// A failed chunk aborts the whole transfer; a partial
			// accumulation would be silently wrong.
			return nil, fmt.Errorf("readSegmented %q offset=%d: %w", name, offset, err)
		}

		if len(reply.Data) < burn {
			return nil, fmt.Errorf("readSegmented %q offset=%d: chunk shorter than %d header bytes", name, offset, burn)
		}
		data = append(data, reply.Data[burn:]...)

		logging.DebugLog("nseries", "readSegmented %q: offset=%d chunk=%d got=%d", name, offset, chunk, len(reply.Data)-burn)
	}

	return data, nil
}

// writeSegmented pushes a large encoded value over repeated partial writes
// of at most 400 bytes.  String chunks carry a 2-byte little-endian length
// prefix; arrays and structures send raw bytes.  The offset advances by the
// fixed chunk size every trip, final chunk included.
func writeSegmented(s rrSender, name string, dt *DataType, encoded []byte) error {
	size := len(encoded)

	for offset := 0; offset < size; offset += maxWriteChunk {
		chunk := size - offset
		if chunk > maxWriteChunk {
			chunk = maxWriteChunk
		}

		payload := encoded[offset : offset+chunk]
		if dt.Kind == KindString {
			prefixed := binary.LittleEndian.AppendUint16(nil, uint16(chunk))
			payload = append(prefixed, payload...)
		}

		path, err := cip.EPath().Symbol(name).DataSegment(uint32(offset), uint16(chunk)).Build()
		if err != nil {
			return fmt.Errorf("writeSegmented %q: %w", name, err)
		}

		_, err = transact(s, cip.Request{
			Service: cip.SvcWriteTag,
			Path:    path,
			Data:    payload,
		})
		if err != nil {
			return fmt.Errorf("writeSegmented %q offset=%d: %w", name, offset, err)
		}

		logging.DebugLog("nseries", "writeSegmented %q: offset=%d chunk=%d", name, offset, chunk)
	}

	return nil
}
