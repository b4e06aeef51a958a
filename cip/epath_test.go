package cip

import (
	"bytes"
	"strings"
	"testing"
)

func TestSymbolPadding(t *testing.T) {
	cases := []struct {
		name string
		tag  string
		want []byte
	}{
		{"odd length padded", "Counter", []byte{0x91, 0x07, 'C', 'o', 'u', 'n', 't', 'e', 'r', 0x00}},
		{"even length unpadded", "Temp", []byte{0x91, 0x04, 'T', 'e', 'm', 'p'}},
		{"single char", "X", []byte{0x91, 0x01, 'X', 0x00}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path, err := EPath().Symbol(tc.tag).Build()
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if !bytes.Equal(path, tc.want) {
				t.Errorf("path = % X, want % X", []byte(path), tc.want)
			}
			if len(path)%2 != 0 {
				t.Error("path has odd byte length")
			}
			// Length byte counts name characters, not padding.
			if path[1] != byte(len(tc.tag)) {
				t.Errorf("length byte = %d, want %d", path[1], len(tc.tag))
			}
		})
	}

	t.Run("name too long", func(t *testing.T) {
		_, err := EPath().Symbol(strings.Repeat("a", 256)).Build()
		if err == nil {
			t.Error("expected error for 256-byte name")
		}
	})

	t.Run("empty name", func(t *testing.T) {
		if _, err := EPath().Symbol("").Build(); err == nil {
			t.Error("expected error for empty name")
		}
	})
}

func TestClassInstance(t *testing.T) {
	path, err := EPath().ClassInstance(0x6B, 0x0102).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []byte{0x20, 0x6B, 0x25, 0x00, 0x02, 0x01}
	if !bytes.Equal(path, want) {
		t.Errorf("path = % X, want % X", []byte(path), want)
	}
	if path.WordLen() != 3 {
		t.Errorf("word length = %d, want 3", path.WordLen())
	}
}

func TestDataSegment(t *testing.T) {
	path, err := EPath().Symbol("BigTag").DataSegment(494, 200).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []byte{
		0x91, 0x06, 'B', 'i', 'g', 'T', 'a', 'g',
		0x80, 0x03, // simple data segment, 3 words
		0xEE, 0x01, 0x00, 0x00, // offset 494
		0xC8, 0x00, // size 200
	}
	if !bytes.Equal(path, want) {
		t.Errorf("path = % X, want % X", []byte(path), want)
	}
}

func TestArrayIndexSymbol(t *testing.T) {
	path, err := EPath().Symbol("Table[3]").Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []byte{
		0x91, 0x05, 'T', 'a', 'b', 'l', 'e', 0x00,
		0x28, 0x03, // 8-bit member segment
	}
	if !bytes.Equal(path, want) {
		t.Errorf("path = % X, want % X", []byte(path), want)
	}

	t.Run("wide index uses 16-bit form", func(t *testing.T) {
		path, err := EPath().Symbol("Table[300]").Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		tail := []byte(path)[8:]
		want := []byte{0x29, 0x00, 0x2C, 0x01}
		if !bytes.Equal(tail, want) {
			t.Errorf("member segment = % X, want % X", tail, want)
		}
	})
}

func TestDottedSymbol(t *testing.T) {
	path, err := EPath().Symbol("Line.Speed").Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []byte{
		0x91, 0x04, 'L', 'i', 'n', 'e',
		0x91, 0x05, 'S', 'p', 'e', 'e', 'd', 0x00,
	}
	if !bytes.Equal(path, want) {
		t.Errorf("path = % X, want % X", []byte(path), want)
	}
}
