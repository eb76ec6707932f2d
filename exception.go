package vmm

import (
	"fmt"

	"github.com/blacktop/go-vmm/x86"
)

// EventType is the kind of an injected or carried-over event.
type EventType uint8

const (
	EventHWInterrupt EventType = iota
	EventNMI
	EventHWException
	EventSWInterrupt
)

var eventTypeNames = [...]string{"hwintr", "nmi", "exception", "swintr"}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("event(%d)", t)
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is an interrupt or exception to deliver on guest entry.
type Event struct {
	Valid        bool      `json:"valid"`
	Type         EventType `json:"type"`
	Vector       uint8     `json:"vector"`
	ErrCodeValid bool      `json:"errcode_valid"`
	ErrCode      uint32    `json:"errcode"`
}

func (e Event) String() string {
	if !e.Valid {
		return "none"
	}
	if e.ErrCodeValid {
		return fmt.Sprintf("%v vector %d errcode %#x", e.Type, e.Vector, e.ErrCode)
	}
	return fmt.Sprintf("%v vector %d", e.Type, e.Vector)
}

// ExceptionClass is the nested-fault class of an event.
type ExceptionClass int

const (
	ClassBenign ExceptionClass = iota
	ClassContributory
	ClassPageFault
)

var classNames = [...]string{"benign", "contributory", "pagefault"}

func (c ExceptionClass) String() string {
	if c >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ExceptionModel parameterizes nested-fault handling for one architecture.
type ExceptionModel struct {
	Arch string

	// DoubleFault is the vector synthesized when delivery of one
	// exception raises another that cannot be handled serially.
	DoubleFault uint8

	// NumVectors bounds the exception vectors.
	NumVectors int

	Contributory []uint8
	PageFault    []uint8

	// Faults restart the faulting instruction after the handler returns.
	Faults []uint8
}

// X86Exceptions is the x86 exception model.
var X86Exceptions = &ExceptionModel{
	Arch:         "x86",
	DoubleFault:  x86.VectorDF,
	NumVectors:   x86.NumExceptionVectors,
	Contributory: x86.ContributoryVectors,
	PageFault:    x86.PageFaultVectors,
	Faults:       x86.FaultVectors,
}

func (m *ExceptionModel) validate() error {
	if m.NumVectors < 1 || m.NumVectors > 256 {
		return fmt.Errorf("%w: %s: NumVectors %d", ErrInvalidArgument, m.Arch, m.NumVectors)
	}
	if int(m.DoubleFault) >= m.NumVectors {
		return fmt.Errorf("%w: %s: double fault vector %d out of range", ErrInvalidArgument, m.Arch, m.DoubleFault)
	}
	for _, v := range m.Contributory {
		if v == m.DoubleFault {
			return fmt.Errorf("%w: %s: double fault cannot be contributory", ErrInvalidArgument, m.Arch)
		}
	}
	return nil
}

func (m *ExceptionModel) isException(vector uint8) bool { return int(vector) < m.NumVectors }

func (m *ExceptionModel) isFault(vector uint8) bool { return hasVector(m.Faults, vector) }

// Classify returns the nested-fault class of ev.
func (m *ExceptionModel) Classify(ev Event) ExceptionClass {
	switch ev.Type {
	case EventHWInterrupt, EventSWInterrupt, EventNMI:
		return ClassBenign
	}
	switch {
	case hasVector(m.PageFault, ev.Vector):
		return ClassPageFault
	case hasVector(m.Contributory, ev.Vector):
		return ClassContributory
	}
	return ClassBenign
}

func hasVector(vs []uint8, v uint8) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// nestedFault combines the carried-over event first with the newer event
// second. It reports false when the combination is a triple fault, in which
// case the VM has been suspended and nothing is delivered.
func (vm *VM) nestedFault(core int, first, second Event) (Event, bool) {
	m := vm.cfg.Exceptions
	if first.Type == EventHWException && first.Vector == m.DoubleFault {
		vm.log.Warn("triple fault", "core", core, "first", first.String(), "second", second.String())
		vm.metrics.tripleFaults.Add(1)
		if err := vm.Suspend(SuspendTripleFault); err != nil {
			vm.log.Debug("triple fault on suspended VM", "core", core, "err", err)
		}
		return Event{}, false
	}

	c1, c2 := m.Classify(first), m.Classify(second)
	if (c1 == ClassContributory && c2 == ClassContributory) ||
		(c1 == ClassPageFault && c2 != ClassBenign) {
		vm.metrics.doubleFaults.Add(1)
		return Event{
			Valid:        true,
			Type:         EventHWException,
			Vector:       m.DoubleFault,
			ErrCodeValid: true,
			ErrCode:      0,
		}, true
	}
	return second, true
}

// entryEvent consumes the carried-over event and the pending exception of
// core and returns the single event to deliver on the next entry.
func (vm *VM) entryEvent(core int) Event {
	c := &vm.cpus[core]

	c.mu.Lock()
	first := c.exitIntInfo
	c.exitIntInfo = Event{}
	var second Event
	if c.excPending {
		second = Event{
			Valid:        true,
			Type:         EventHWException,
			Vector:       c.excVector,
			ErrCodeValid: c.excErrValid,
			ErrCode:      c.excErrCode,
		}
		c.excPending = false
	}
	c.mu.Unlock()

	switch {
	case first.Valid && second.Valid:
		ev, ok := vm.nestedFault(core, first, second)
		if !ok {
			return Event{}
		}
		return ev
	case first.Valid:
		return first
	case second.Valid:
		return second
	}
	return Event{}
}

// InjectException makes an exception pending on core. Exceptions are not
// queued: ErrExceptionPending is returned until the pending one has been
// delivered. The double-fault vector cannot be injected; it only arises
// from nested faults. If restart is set, or vector is a fault, the exiting
// instruction is re-executed after the handler returns.
func (vm *VM) InjectException(core int, vector uint8, errCode *uint32, restart bool) error {
	c, err := vm.vcpu(core)
	if err != nil {
		return err
	}
	m := vm.cfg.Exceptions
	if !m.isException(vector) {
		return fmt.Errorf("%w: vector %d is not an exception", ErrInvalidArgument, vector)
	}
	if vector == m.DoubleFault {
		return fmt.Errorf("%w: double fault cannot be injected directly", ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.excPending {
		return fmt.Errorf("%w: core %d vector %d (pending %d)", ErrExceptionPending, core, vector, c.excVector)
	}
	if restart || m.isFault(vector) {
		c.restartInstructionLocked()
	}
	c.excPending = true
	c.excVector = vector
	c.excErrValid = errCode != nil
	if errCode != nil {
		c.excErrCode = *errCode
	} else {
		c.excErrCode = 0
	}
	vm.metrics.injections.Add(1)
	return nil
}

// restartInstructionLocked rewinds core so the exiting instruction executes
// again on the next entry.
func (c *vcpu) restartInstructionLocked() {
	if !c.hasExit {
		return
	}
	c.exit.InstLen = 0
	c.nextRIP = c.exit.RIP
}

// InjectFault injects a fault-class exception with an optional error code.
func (vm *VM) InjectFault(core int, vector uint8, errCode *uint32) error {
	return vm.InjectException(core, vector, errCode, true)
}

// InjectPageFault loads cr2 with the faulting address and injects a page
// fault. It freezes core, so it must not be called from core's own run loop.
func (vm *VM) InjectPageFault(core int, errCode uint32, cr2 uint64) error {
	if err := vm.SetRegister(core, RegCR2, cr2); err != nil {
		return err
	}
	return vm.InjectFault(core, x86.VectorPF, &errCode)
}

// InjectGP injects a general-protection fault with a zero error code.
func (vm *VM) InjectGP(core int) error {
	var zero uint32
	return vm.InjectFault(core, x86.VectorGP, &zero)
}

// InjectUD injects an invalid-opcode fault.
func (vm *VM) InjectUD(core int) error {
	return vm.InjectFault(core, x86.VectorUD, nil)
}

// SetExitIntInfo records an event whose delivery was interrupted by an
// exit. Hardware exceptions must use an exception vector.
func (vm *VM) SetExitIntInfo(core int, ev Event) error {
	c, err := vm.vcpu(core)
	if err != nil {
		return err
	}
	if ev.Valid && ev.Type == EventHWException && !vm.cfg.Exceptions.isException(ev.Vector) {
		return fmt.Errorf("%w: exception vector %d", ErrInvalidArgument, ev.Vector)
	}
	c.mu.Lock()
	c.exitIntInfo = ev
	c.mu.Unlock()
	return nil
}

// IntInfo returns the carried-over event and the pending exception of core
// without consuming them.
func (vm *VM) IntInfo(core int) (carried Event, pending Event, err error) {
	c, err := vm.vcpu(core)
	if err != nil {
		return Event{}, Event{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.excPending {
		pending = Event{
			Valid:        true,
			Type:         EventHWException,
			Vector:       c.excVector,
			ErrCodeValid: c.excErrValid,
			ErrCode:      c.excErrCode,
		}
	}
	return c.exitIntInfo, pending, nil
}

// InjectNMI makes an NMI pending on core and notifies it.
func (vm *VM) InjectNMI(core int) error {
	c, err := vm.vcpu(core)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.nmiPending = true
	c.mu.Unlock()
	vm.metrics.injections.Add(1)
	c.notify()
	return nil
}

func (vm *VM) NMIPending(core int) bool {
	c, err := vm.vcpu(core)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nmiPending
}

func (vm *VM) ClearNMI(core int) {
	c, err := vm.vcpu(core)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nmiPending {
		fatalf(vm.log, "core %d: clearing NMI that is not pending", core)
	}
	c.nmiPending = false
}

// InjectExtINT makes an external (legacy PIC) interrupt pending on core and
// notifies it.
func (vm *VM) InjectExtINT(core int) error {
	c, err := vm.vcpu(core)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.extintPending = true
	c.mu.Unlock()
	vm.metrics.injections.Add(1)
	c.notify()
	return nil
}

func (vm *VM) ExtINTPending(core int) bool {
	c, err := vm.vcpu(core)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extintPending
}

func (vm *VM) ClearExtINT(core int) {
	c, err := vm.vcpu(core)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.extintPending {
		fatalf(vm.log, "core %d: clearing ExtINT that is not pending", core)
	}
	c.extintPending = false
}
