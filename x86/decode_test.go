package x86

import (
	"errors"
	"testing"
)

func TestDecoderLength(t *testing.T) {
	tests := []struct {
		name   string
		mode   int
		code   []byte
		length int
		op     string
	}{
		{"hlt", 64, []byte{0xf4}, 1, "HLT"},
		{"out dx al", 64, []byte{0xee}, 1, "OUT"},
		{"in al imm8", 64, []byte{0xe4, 0x60}, 2, "IN"},
		{"mov to mem", 64, []byte{0x89, 0x08}, 2, "MOV"},
		{"default mode", 0, []byte{0xf4, 0x90}, 1, "HLT"},
		{"mov imm32 16-bit", 16, []byte{0x66, 0xb8, 0x01, 0x00, 0x00, 0x00}, 6, "MOV"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, op, err := Decoder{Mode: tt.mode}.Decode(tt.code)
			if err != nil {
				t.Fatalf("Decode(% x) failed: %v", tt.code, err)
			}
			if n != tt.length {
				t.Errorf("Decode(% x) length = %d, want %d", tt.code, n, tt.length)
			}
			if op != tt.op {
				t.Errorf("Decode(% x) op = %q, want %q", tt.code, op, tt.op)
			}
		})
	}
}

func TestDecoderEmpty(t *testing.T) {
	_, _, err := Decoder{}.Decode(nil)
	if !errors.Is(err, ErrNoInstruction) {
		t.Errorf("Decode(nil) error = %v, want ErrNoInstruction", err)
	}
}

func TestDecoderTruncated(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"lone escape", []byte{0x0f}},
		{"group 7 without modrm", []byte{0x0f, 0x01}},
		{"in without imm8", []byte{0xe4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, op, err := Decoder{}.Decode(tt.code)
			if err == nil {
				t.Fatalf("Decode(% x) = %d, %q; want an error", tt.code, n, op)
			}
			if n != 0 || op != "" {
				t.Errorf("Decode(% x) = %d, %q with error %v", tt.code, n, op, err)
			}
		})
	}
}

func TestVectorTables(t *testing.T) {
	for _, v := range ContributoryVectors {
		if v >= NumExceptionVectors {
			t.Errorf("contributory vector %d out of range", v)
		}
		if v == VectorDF {
			t.Error("double fault must not be contributory")
		}
	}
	for _, v := range PageFaultVectors {
		for _, c := range ContributoryVectors {
			if v == c {
				t.Errorf("vector %d is both page-fault class and contributory", v)
			}
		}
	}
}
