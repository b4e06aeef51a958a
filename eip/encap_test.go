package eip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncapBytes(t *testing.T) {
	t.Run("register session request", func(t *testing.T) {
		msg := Encap{
			Command: RegisterSession,
			Payload: []byte{1, 0, 0, 0},
		}

		want := []byte{
			0x65, 0x00, // command
			0x04, 0x00, // length
			0x00, 0x00, 0x00, 0x00, // session handle
			0x00, 0x00, 0x00, 0x00, // status
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // context
			0x00, 0x00, 0x00, 0x00, // options
			0x01, 0x00, 0x00, 0x00, // protocol version 1, options 0
		}

		if got := msg.Bytes(); !bytes.Equal(got, want) {
			t.Errorf("Bytes() = % X, want % X", got, want)
		}
	})

	t.Run("length derived from payload", func(t *testing.T) {
		msg := Encap{Command: SendRRData, SessionHandle: 0xDEADBEEF, Payload: make([]byte, 37)}
		raw := msg.Bytes()
		if got := binary.LittleEndian.Uint16(raw[2:4]); got != 37 {
			t.Errorf("length field = %d, want 37", got)
		}
		if len(raw) != HeaderSize+37 {
			t.Errorf("frame length = %d, want %d", len(raw), HeaderSize+37)
		}
	})
}

func TestParseEncap(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		msg := Encap{
			Command:       SendRRData,
			SessionHandle: 0x12345678,
			Status:        0,
			Context:       [8]byte{'c', 't', 'x'},
			Options:       0,
			Payload:       []byte{0xAA, 0xBB, 0xCC},
		}

		got, err := ParseEncap(msg.Bytes())
		if err != nil {
			t.Fatalf("ParseEncap failed: %v", err)
		}
		if got.Command != msg.Command {
			t.Errorf("command = 0x%04X, want 0x%04X", got.Command, msg.Command)
		}
		if got.SessionHandle != msg.SessionHandle {
			t.Errorf("session = 0x%08X, want 0x%08X", got.SessionHandle, msg.SessionHandle)
		}
		if got.Context != msg.Context {
			t.Errorf("context = %v, want %v", got.Context, msg.Context)
		}
		if !bytes.Equal(got.Payload, msg.Payload) {
			t.Errorf("payload = % X, want % X", got.Payload, msg.Payload)
		}
	})

	t.Run("exactly 24 bytes gives empty payload", func(t *testing.T) {
		msg := Encap{Command: ListIdentity}
		got, err := ParseEncap(msg.Bytes())
		if err != nil {
			t.Fatalf("ParseEncap failed: %v", err)
		}
		if len(got.Payload) != 0 {
			t.Errorf("payload length = %d, want 0", len(got.Payload))
		}
	})

	t.Run("short frame", func(t *testing.T) {
		_, err := ParseEncap(make([]byte, 23))
		if err == nil {
			t.Fatal("expected error for 23-byte frame")
		}
		if !errors.Is(err, ErrFrameTooShort) {
			t.Errorf("error = %v, want ErrFrameTooShort", err)
		}
	})

	t.Run("declared length not re-validated", func(t *testing.T) {
		raw := make([]byte, HeaderSize+2)
		binary.LittleEndian.PutUint16(raw[2:4], 500) // lies about payload size
		raw[24], raw[25] = 0x11, 0x22

		got, err := ParseEncap(raw)
		if err != nil {
			t.Fatalf("ParseEncap failed: %v", err)
		}
		if !bytes.Equal(got.Payload, []byte{0x11, 0x22}) {
			t.Errorf("payload = % X, want 11 22", got.Payload)
		}
	})
}

func TestCommandData(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		cd := CommandData{InterfaceHandle: 0, Timeout: 0, Packet: []byte{1, 2, 3, 4}}
		got, err := ParseCommandData(cd.Bytes())
		if err != nil {
			t.Fatalf("ParseCommandData failed: %v", err)
		}
		if got.InterfaceHandle != 0 || got.Timeout != 0 {
			t.Errorf("header = (%d, %d), want (0, 0)", got.InterfaceHandle, got.Timeout)
		}
		if !bytes.Equal(got.Packet, cd.Packet) {
			t.Errorf("packet = % X, want % X", got.Packet, cd.Packet)
		}
	})

	t.Run("too short", func(t *testing.T) {
		if _, err := ParseCommandData([]byte{0, 0, 0, 0, 0}); err == nil {
			t.Error("expected error for 5-byte command data")
		}
	})
}
