package vmm

import "fmt"

// Reg identifies an architectural guest register.
type Reg int

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegCR0
	RegCR2
	RegCR3
	RegCR4
	RegDR7
	RegRSP
	RegRIP
	RegRFLAGS
	RegEFER
	regLast
)

var regNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"cr0", "cr2", "cr3", "cr4", "dr7", "rsp", "rip", "rflags", "efer",
}

func (r Reg) String() string {
	if r.valid() {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", int(r))
}

func (r Reg) valid() bool { return r >= 0 && r < regLast }

// Seg identifies a segment or descriptor-table register.
type Seg int

const (
	SegES Seg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegLDTR
	SegTR
	SegGDTR
	SegIDTR
	segLast
)

var segNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs", "ldtr", "tr", "gdtr", "idtr"}

func (s Seg) String() string {
	if s.valid() {
		return segNames[s]
	}
	return fmt.Sprintf("seg(%d)", int(s))
}

func (s Seg) valid() bool { return s >= 0 && s < segLast }

// SegDesc is a cached segment descriptor.
type SegDesc struct {
	Base   uint64 `json:"base"`
	Limit  uint32 `json:"limit"`
	Access uint32 `json:"access"`
}

// Cap identifies an optional backend capability.
type Cap int

const (
	CapHaltExit Cap = iota
	CapMTFExit
	CapPauseExit
	CapUnrestrictedGuest
	CapEnableInvpcid
	capLast
)

var capNames = [...]string{"hlt_exit", "mtf_exit", "pause_exit", "unrestricted_guest", "enable_invpcid"}

func (c Cap) String() string {
	if c.valid() {
		return capNames[c]
	}
	return fmt.Sprintf("cap(%d)", int(c))
}

func (c Cap) valid() bool { return c >= 0 && c < capLast }

// GetRegister reads reg on a core that is not running.
func (vm *VM) GetRegister(core int, r Reg) (uint64, error) {
	if !r.valid() {
		return 0, fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidRegister, r, RegRAX, regLast-1)
	}
	var val uint64
	err := vm.withFrozen(core, func(b BackendState) (err error) {
		val, err = b.GetRegister(core, r)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get register %v on core %d: %w", r, core, err)
	}
	vm.metrics.registerOps.Add(1)
	return val, nil
}

// SetRegister writes reg on a core that is not running. Writing RegRIP also
// moves the address the next Run enters the guest at.
func (vm *VM) SetRegister(core int, r Reg, val uint64) error {
	if !r.valid() {
		return fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidRegister, r, RegRAX, regLast-1)
	}
	err := vm.withFrozen(core, func(b BackendState) error {
		if err := b.SetRegister(core, r, val); err != nil {
			return err
		}
		if r == RegRIP {
			vm.cpus[core].setNextRIP(val)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set register %v on core %d: %w", r, core, err)
	}
	vm.metrics.registerOps.Add(1)
	return nil
}

func (vm *VM) GetDescriptor(core int, s Seg) (SegDesc, error) {
	if !s.valid() {
		return SegDesc{}, fmt.Errorf("%w: segment %d", ErrInvalidRegister, s)
	}
	var desc SegDesc
	err := vm.withFrozen(core, func(b BackendState) (err error) {
		desc, err = b.GetDescriptor(core, s)
		return err
	})
	if err != nil {
		return SegDesc{}, fmt.Errorf("failed to get descriptor %v on core %d: %w", s, core, err)
	}
	return desc, nil
}

func (vm *VM) SetDescriptor(core int, s Seg, desc SegDesc) error {
	if !s.valid() {
		return fmt.Errorf("%w: segment %d", ErrInvalidRegister, s)
	}
	err := vm.withFrozen(core, func(b BackendState) error {
		return b.SetDescriptor(core, s, desc)
	})
	if err != nil {
		return fmt.Errorf("failed to set descriptor %v on core %d: %w", s, core, err)
	}
	return nil
}

func (vm *VM) GetCapability(core int, c Cap) (bool, error) {
	if !c.valid() {
		return false, fmt.Errorf("%w: capability %d", ErrInvalidArgument, c)
	}
	var on bool
	err := vm.withFrozen(core, func(b BackendState) (err error) {
		on, err = b.GetCapability(core, c)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to get capability %v on core %d: %w", c, core, err)
	}
	return on, nil
}

func (vm *VM) SetCapability(core int, c Cap, enable bool) error {
	if !c.valid() {
		return fmt.Errorf("%w: capability %d", ErrInvalidArgument, c)
	}
	err := vm.withFrozen(core, func(b BackendState) error {
		return b.SetCapability(core, c, enable)
	})
	if err != nil {
		return fmt.Errorf("failed to set capability %v on core %d: %w", c, core, err)
	}
	return nil
}

// RegBatch represents a batch of register operations
type RegBatch map[Reg]uint64

// GetRegs retrieves multiple registers from one core.
// Note: Currently implemented as individual calls, but foundation for batching
func (vm *VM) GetRegs(core int, regs []Reg) (RegBatch, error) {
	batch := make(RegBatch, len(regs))
	for _, reg := range regs {
		val, err := vm.GetRegister(core, reg)
		if err != nil {
			return nil, err
		}
		batch[reg] = val
	}
	return batch, nil
}

// SetRegs sets multiple registers on one core.
func (vm *VM) SetRegs(core int, batch RegBatch) error {
	for reg, val := range batch {
		if err := vm.SetRegister(core, reg, val); err != nil {
			return err
		}
	}
	return nil
}
