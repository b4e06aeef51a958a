package nseries

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"njlink/cip"
)

func TestReadSegmentedString(t *testing.T) {
	// 1000 declared bytes against a 494-byte ceiling: three round trips at
	// offsets 0, 494 and 988, each chunk echoing a 2-byte length prefix.
	const size = 1000
	value := bytes.Repeat([]byte{'x'}, size)

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		name, rest := req.symbol()
		if name != "LongText" {
			return nil, 0x05
		}
		offset, chunk, ok := dataSegment(rest)
		if !ok {
			return nil, 0x05
		}
		end := int(offset) + int(chunk)
		if end > size {
			return nil, 0x15
		}
		reply := []byte{byte(chunk), byte(chunk >> 8)}
		return append(reply, value[offset:end]...), 0x00
	}}

	dt := &DataType{Kind: KindString, Code: cip.TypeString, Size: size}
	data, err := readSegmented(sender, "LongText", dt)
	if err != nil {
		t.Fatalf("readSegmented failed: %v", err)
	}

	if len(sender.requests) != 3 {
		t.Errorf("round trips = %d, want 3", len(sender.requests))
	}
	if len(data) != size {
		t.Errorf("accumulated length = %d, want %d", len(data), size)
	}
	if !bytes.Equal(data, value) {
		t.Error("accumulated data does not match value")
	}

	wantOffsets := []uint32{0, 494, 988}
	wantSizes := []uint16{494, 494, 12}
	for i, req := range sender.requests {
		_, rest := req.symbol()
		offset, chunk, ok := dataSegment(rest)
		if !ok {
			t.Fatalf("request %d missing data segment", i)
		}
		if offset != wantOffsets[i] || chunk != wantSizes[i] {
			t.Errorf("request %d = (offset %d, size %d), want (%d, %d)",
				i, offset, chunk, wantOffsets[i], wantSizes[i])
		}
	}
}

func TestReadSegmentedArrayNoHeaderStrip(t *testing.T) {
	const size = 600
	value := make([]byte, size)
	for i := range value {
		value[i] = byte(i)
	}

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		_, rest := req.symbol()
		offset, chunk, _ := dataSegment(rest)
		return value[offset : int(offset)+int(chunk)], 0x00
	}}

	dt := &DataType{
		Kind: KindArray, Code: cip.TypeArray, Size: size,
		Element:    &DataType{Kind: KindScalar, Code: cip.TypeUsint, Size: 1},
		Dimensions: []Dimension{{Elements: size}},
	}
	data, err := readSegmented(sender, "Bytes", dt)
	if err != nil {
		t.Fatalf("readSegmented failed: %v", err)
	}
	if len(sender.requests) != 2 {
		t.Errorf("round trips = %d, want 2", len(sender.requests))
	}
	if !bytes.Equal(data, value) {
		t.Error("array bytes altered by accumulation")
	}
}

func TestReadSegmentedChunkErrorAborts(t *testing.T) {
	calls := 0
	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		calls++
		if calls == 2 {
			return nil, 0x05
		}
		return make([]byte, 494), 0x00
	}}

	dt := &DataType{Kind: KindArray, Code: cip.TypeArray, Size: 988,
		Element:    &DataType{Kind: KindScalar, Code: cip.TypeUsint, Size: 1},
		Dimensions: []Dimension{{Elements: 988}},
	}
	_, err := readSegmented(sender, "Bytes", dt)
	if err == nil {
		t.Fatal("expected error when a chunk fails")
	}
	var statusErr *cip.StatusError
	if !errors.As(err, &statusErr) {
		t.Errorf("error = %v, want *cip.StatusError", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want abort after second chunk", calls)
	}
}

func TestWriteSegmentedArrayChunks(t *testing.T) {
	// 1000 encoded bytes against the fixed 400-byte write chunk: trips of
	// 400, 400 and 200 bytes at offsets 0, 400 and 800.
	const size = 1000
	encoded := bytes.Repeat([]byte{0xAB}, size)

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		return nil, 0x00
	}}

	dt := &DataType{Kind: KindArray, Code: cip.TypeArray, Size: size,
		Element:    &DataType{Kind: KindScalar, Code: cip.TypeUsint, Size: 1},
		Dimensions: []Dimension{{Elements: size}},
	}
	if err := writeSegmented(sender, "Bytes", dt, encoded); err != nil {
		t.Fatalf("writeSegmented failed: %v", err)
	}

	if len(sender.requests) != 3 {
		t.Fatalf("round trips = %d, want 3", len(sender.requests))
	}

	wantOffsets := []uint32{0, 400, 800}
	wantSizes := []uint16{400, 400, 200}
	total := 0
	for i, req := range sender.requests {
		if req.Service != cip.SvcWriteTag {
			t.Errorf("request %d service = 0x%02X, want write tag", i, req.Service)
		}
		_, rest := req.symbol()
		offset, chunk, ok := dataSegment(rest)
		if !ok {
			t.Fatalf("request %d missing data segment", i)
		}
		if offset != wantOffsets[i] || chunk != wantSizes[i] {
			t.Errorf("request %d = (offset %d, size %d), want (%d, %d)",
				i, offset, chunk, wantOffsets[i], wantSizes[i])
		}
		if len(req.Data) != int(wantSizes[i]) {
			t.Errorf("request %d payload = %d bytes, want %d", i, len(req.Data), wantSizes[i])
		}
		total += len(req.Data)
	}
	if total != size {
		t.Errorf("total payload = %d, want %d", total, size)
	}
}

func TestWriteStringSingleChunk(t *testing.T) {
	// "HELLO" into a string declared size 12: one trip whose payload is the
	// 2-byte length prefix plus the five characters.
	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		return nil, 0x00
	}}

	dt := &DataType{Kind: KindString, Code: cip.TypeString, Size: 12}
	if err := writeSegmented(sender, "Greeting", dt, []byte("HELLO")); err != nil {
		t.Fatalf("writeSegmented failed: %v", err)
	}

	if len(sender.requests) != 1 {
		t.Fatalf("round trips = %d, want 1", len(sender.requests))
	}

	req := sender.requests[0]
	want := []byte{0x05, 0x00, 'H', 'E', 'L', 'L', 'O'}
	if !bytes.Equal(req.Data, want) {
		t.Errorf("payload = % X, want % X", req.Data, want)
	}

	_, rest := req.symbol()
	offset, chunk, ok := dataSegment(rest)
	if !ok || offset != 0 || chunk != 5 {
		t.Errorf("data segment = (offset %d, size %d), want (0, 5)", offset, chunk)
	}
}

func TestWriteStringChunkLengthPrefix(t *testing.T) {
	// Every chunk of a long string write carries its own length prefix.
	const size = 900
	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		return nil, 0x00
	}}

	dt := &DataType{Kind: KindString, Code: cip.TypeString, Size: size}
	encoded := bytes.Repeat([]byte{'y'}, size)
	if err := writeSegmented(sender, "LongText", dt, encoded); err != nil {
		t.Fatalf("writeSegmented failed: %v", err)
	}

	if len(sender.requests) != 3 {
		t.Fatalf("round trips = %d, want 3", len(sender.requests))
	}
	wantChunks := []uint16{400, 400, 100}
	for i, req := range sender.requests {
		if len(req.Data) < 2 {
			t.Fatalf("request %d payload too short", i)
		}
		prefix := binary.LittleEndian.Uint16(req.Data[:2])
		if prefix != wantChunks[i] {
			t.Errorf("request %d length prefix = %d, want %d", i, prefix, wantChunks[i])
		}
		if len(req.Data) != int(wantChunks[i])+2 {
			t.Errorf("request %d payload = %d bytes, want %d", i, len(req.Data), wantChunks[i]+2)
		}
	}
}

func TestZeroSizeValueNoRoundTrips(t *testing.T) {
	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		t.Error("unexpected request for zero-size value")
		return nil, 0x00
	}}

	dt := &DataType{Kind: KindString, Code: cip.TypeString, Size: 0}
	data, err := readSegmented(sender, "Empty", dt)
	if err != nil {
		t.Fatalf("readSegmented failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("data = %d bytes, want 0", len(data))
	}

	if err := writeSegmented(sender, "Empty", dt, nil); err != nil {
		t.Fatalf("writeSegmented failed: %v", err)
	}
	if len(sender.requests) != 0 {
		t.Errorf("requests = %d, want 0", len(sender.requests))
	}
}
