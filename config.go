package vmm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/blacktop/go-vmm/x86"
)

// Config describes the control plane shared by every VM in a Registry.
type Config struct {

	// MaxCPUs bounds the valid core ids of every VM.
	// If MaxCPUs is 0, 16 cores are allowed. It may not exceed MaxCPUs.
	MaxCPUs int

	// MaxSegments bounds the number of memory segments per VM.
	// If MaxSegments is 0, 8 segments are allowed.
	MaxSegments int

	// WaitTick is the longest a sleeping core, rendezvous joiner or
	// suspend waiter blocks before re-checking its wake condition.
	// If WaitTick is 0, 100ms is used.
	WaitTick time.Duration

	// Exceptions classifies exception vectors for nested-fault handling.
	// If Exceptions is nil, X86Exceptions is used.
	Exceptions *ExceptionModel

	// Decoder infers instruction lengths the backend left unknown.
	// If Decoder is nil, a 64-bit x86 decoder is used.
	Decoder InstDecoder

	// IOMMU, if set, enables device pass-through.
	IOMMU IOMMU

	// Interrupts, if set, reports interrupts pending in the guest's
	// interrupt controller so a halted core can wake.
	Interrupts InterruptController

	// Logger receives structured logs. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

const (
	DefaultMaxCPUs     = 16
	DefaultMaxSegments = 8
	DefaultWaitTick    = 100 * time.Millisecond
)

// InstDecoder decodes the first guest instruction in code.
type InstDecoder interface {
	Decode(code []byte) (length int, op string, err error)
}

// InterruptController is the guest's (emulated) interrupt controller.
type InterruptController interface {
	// PendingInterrupt reports whether core has a deliverable interrupt.
	PendingInterrupt(core int) bool
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxCPUs == 0 {
		cfg.MaxCPUs = DefaultMaxCPUs
	}
	if cfg.MaxSegments == 0 {
		cfg.MaxSegments = DefaultMaxSegments
	}
	if cfg.WaitTick == 0 {
		cfg.WaitTick = DefaultWaitTick
	}
	if cfg.Exceptions == nil {
		cfg.Exceptions = X86Exceptions
	}
	if cfg.Decoder == nil {
		cfg.Decoder = x86.Decoder{Mode: 64}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (cfg Config) validate() error {
	if cfg.MaxCPUs < 1 || cfg.MaxCPUs > MaxCPUs {
		return fmt.Errorf("%w: MaxCPUs %d not in [1, %d]", ErrInvalidArgument, cfg.MaxCPUs, MaxCPUs)
	}
	if cfg.MaxSegments < 1 {
		return fmt.Errorf("%w: MaxSegments %d must be positive", ErrInvalidArgument, cfg.MaxSegments)
	}
	if cfg.WaitTick < 0 {
		return fmt.Errorf("%w: negative WaitTick %v", ErrInvalidArgument, cfg.WaitTick)
	}
	if err := cfg.Exceptions.validate(); err != nil {
		return err
	}
	return nil
}
