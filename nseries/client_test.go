package nseries

import (
	"bytes"
	"errors"
	"testing"

	"njlink/cip"
)

func testClient(sender *fakeSender, reg *Registry) *Client {
	return &Client{host: "test", sender: sender, registry: reg}
}

func TestReadScalarVariable(t *testing.T) {
	reg := newRegistry()
	reg.add("Counter", &DataType{Kind: KindScalar, Code: cip.TypeInt, Size: 2})

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		return []byte{0x2A, 0x00}, 0x00
	}}
	c := testClient(sender, reg)

	got, err := c.ReadVariable("Counter")
	if err != nil {
		t.Fatalf("ReadVariable failed: %v", err)
	}
	if got != int16(42) {
		t.Errorf("got %v (%T), want int16 42", got, got)
	}

	if len(sender.requests) != 1 {
		t.Fatalf("round trips = %d, want 1", len(sender.requests))
	}
	req := sender.requests[0]
	if req.Service != cip.SvcReadTag {
		t.Errorf("service = 0x%02X, want 0x4C", req.Service)
	}
	wantPath := []byte{0x91, 0x07, 'C', 'o', 'u', 'n', 't', 'e', 'r', 0x00}
	if !bytes.Equal(req.Path, wantPath) {
		t.Errorf("path = % X, want % X", req.Path, wantPath)
	}
	if !bytes.Equal(req.Data, []byte{0x01, 0x00}) {
		t.Errorf("data = % X, want 01 00", req.Data)
	}
}

func TestReadStringVariableSegmented(t *testing.T) {
	reg := newRegistry()
	reg.add("Message", &DataType{Kind: KindString, Code: cip.TypeString, Size: 12})

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		// Chunk reply: 2-byte string header then the padded characters.
		payload := append([]byte{0x05, 0x00}, "HELLO"...)
		return append(payload, make([]byte, 5)...), 0x00
	}}
	c := testClient(sender, reg)

	got, err := c.ReadVariable("Message")
	if err != nil {
		t.Fatalf("ReadVariable failed: %v", err)
	}
	if got != "HELLO" {
		t.Errorf("got %q, want HELLO", got)
	}

	if len(sender.requests) != 1 {
		t.Fatalf("round trips = %d, want 1", len(sender.requests))
	}
	_, rest := sender.requests[0].symbol()
	offset, chunk, ok := dataSegment(rest)
	if !ok || offset != 0 || chunk != 12 {
		t.Errorf("data segment = (offset %d, size %d), want (0, 12)", offset, chunk)
	}
}

func TestWriteScalarVariable(t *testing.T) {
	reg := newRegistry()
	reg.add("Counter", &DataType{Kind: KindScalar, Code: cip.TypeInt, Size: 2})

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		return nil, 0x00
	}}
	c := testClient(sender, reg)

	if err := c.WriteVariable("Counter", 42); err != nil {
		t.Fatalf("WriteVariable failed: %v", err)
	}

	if len(sender.requests) != 1 {
		t.Fatalf("round trips = %d, want 1", len(sender.requests))
	}
	req := sender.requests[0]
	if req.Service != cip.SvcWriteTag {
		t.Errorf("service = 0x%02X, want 0x4D", req.Service)
	}
	if !bytes.Equal(req.Data, []byte{0x2A, 0x00}) {
		t.Errorf("data = % X, want 2A 00", req.Data)
	}
}

func TestWriteStringVariableSegmented(t *testing.T) {
	reg := newRegistry()
	reg.add("Greeting", &DataType{Kind: KindString, Code: cip.TypeString, Size: 12})

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		return nil, 0x00
	}}
	c := testClient(sender, reg)

	if err := c.WriteVariable("Greeting", "HELLO"); err != nil {
		t.Fatalf("WriteVariable failed: %v", err)
	}

	if len(sender.requests) != 1 {
		t.Fatalf("round trips = %d, want 1", len(sender.requests))
	}
	req := sender.requests[0]
	want := []byte{0x05, 0x00, 'H', 'E', 'L', 'L', 'O'}
	if !bytes.Equal(req.Data, want) {
		t.Errorf("data = % X, want % X", req.Data, want)
	}
}

func TestReadStatusErrorPropagates(t *testing.T) {
	reg := newRegistry()
	reg.add("Counter", &DataType{Kind: KindScalar, Code: cip.TypeInt, Size: 2})

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		return nil, cip.StatusPathUnknown
	}}
	c := testClient(sender, reg)

	_, err := c.ReadVariable("Counter")
	var statusErr *cip.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *cip.StatusError", err)
	}
	if statusErr.Status != cip.StatusPathUnknown {
		t.Errorf("status = 0x%02X, want 0x05", statusErr.Status)
	}
}

func TestReadUnknownName(t *testing.T) {
	c := testClient(&fakeSender{}, newRegistry())

	_, err := c.ReadVariable("Ghost")
	if !errors.Is(err, ErrNameNotFound) {
		t.Errorf("error = %v, want ErrNameNotFound", err)
	}
}

func TestAbbreviatedStructRejected(t *testing.T) {
	reg := newRegistry()
	reg.add("Opaque", &DataType{Kind: KindAbbreviated, Code: cip.TypeAbbreviatedStruct, Size: 16})

	sender := &fakeSender{handler: func(req fakeRequest) ([]byte, byte) {
		t.Error("unexpected request for abbreviated struct")
		return nil, 0x00
	}}
	c := testClient(sender, reg)

	if _, err := c.ReadVariable("Opaque"); !errors.Is(err, ErrUnresolvedType) {
		t.Errorf("read error = %v, want ErrUnresolvedType", err)
	}
	if err := c.WriteVariable("Opaque", []byte{0x00}); !errors.Is(err, ErrUnresolvedType) {
		t.Errorf("write error = %v, want ErrUnresolvedType", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
	if c.Host() != "" {
		t.Error("nil client reports a host")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on nil client = %v", err)
	}
	if _, err := c.ReadVariable("X"); err == nil {
		t.Error("expected error reading on nil client")
	}
	if err := c.WriteVariable("X", 1); err == nil {
		t.Error("expected error writing on nil client")
	}
}
