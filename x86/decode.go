package x86

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrNoInstruction is returned when there are no bytes to decode.
	ErrNoInstruction = errors.New("x86: no instruction bytes")
	// ErrUnknownInstruction is returned for bytes that do not form a
	// complete, known instruction.
	ErrUnknownInstruction = errors.New("x86: unknown or truncated instruction")
)

// Decoder decodes guest instructions fetched at exit time.
type Decoder struct {
	// Mode is the processor mode in bits: 16, 32 or 64. Zero means 64.
	Mode int
}

// Decode returns the length and mnemonic of the first instruction in code.
func (d Decoder) Decode(code []byte) (int, string, error) {
	if len(code) == 0 {
		return 0, "", ErrNoInstruction
	}
	mode := d.Mode
	if mode == 0 {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return 0, "", fmt.Errorf("x86: decode % x: %w", code[:min(len(code), 15)], err)
	}
	// x86asm reports some truncated encodings as a one-byte Op(0).
	if inst.Op == 0 {
		return 0, "", fmt.Errorf("x86: decode % x: %w", code[:min(len(code), 15)], ErrUnknownInstruction)
	}
	return inst.Len, inst.Op.String(), nil
}
