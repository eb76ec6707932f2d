// Package sim is a scripted software backend for the vmm control plane.
//
// Every core replays a queue of steps, one per guest entry. A core whose
// queue is empty halts with interrupts enabled, like an idle guest. Events
// delivered on entry are recorded so callers can check what the guest saw.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/x86"
)

// ErrDestroyed is returned by a State used after Destroy.
var ErrDestroyed = errors.New("sim: backend state destroyed")

// Step is one scripted guest entry.
type Step struct {
	// Exit is returned to the run loop. A zero RIP is replaced by the
	// entry address.
	Exit vmm.ExitRecord

	// Do, if set, runs on the core's thread while it is in the guest.
	Do func(core int)

	// Spin keeps the core in the guest until it is kicked.
	Spin bool
}

// Halt exits on a hlt instruction.
func Halt(intrDisabled bool) Step {
	return Step{Exit: vmm.ExitRecord{
		Reason:    vmm.ExitHalt,
		InstBytes: []byte{0xf4},
		Halt:      &vmm.HaltExit{IntrDisabled: intrDisabled},
	}}
}

// Out exits on a one-byte port write.
func Out(port uint16, val uint8) Step {
	return Step{Exit: vmm.ExitRecord{
		Reason:    vmm.ExitInOut,
		InstBytes: []byte{0xee}, // out dx, al
		IO:        &vmm.IOExit{Port: port, Bytes: 1, Value: uint32(val)},
	}}
}

// In exits on a one-byte port read.
func In(port uint16) Step {
	return Step{Exit: vmm.ExitRecord{
		Reason:    vmm.ExitInOut,
		InstBytes: []byte{0xec}, // in al, dx
		IO:        &vmm.IOExit{Port: port, Bytes: 1, In: true},
	}}
}

// MMIO exits on an access to unbacked memory at gpa by inst.
func MMIO(gpa uint64, inst []byte) Step {
	return Step{Exit: vmm.ExitRecord{
		Reason:    vmm.ExitMMIO,
		InstBytes: inst,
		MMIO:      &vmm.MMIOExit{GPA: gpa},
	}}
}

// PageFault exits on a nested page fault at gpa.
func PageFault(gpa uint64, ft vmm.MemPerm) Step {
	return Step{Exit: vmm.ExitRecord{
		Reason: vmm.ExitPagingFault,
		Paging: &vmm.PagingExit{GPA: gpa, FaultType: ft},
	}}
}

// Spin stays in the guest until kicked and then exits with nothing to do.
func Spin() Step {
	return Step{Spin: true, Exit: vmm.ExitRecord{Reason: vmm.ExitBogus}}
}

// Call runs fn in the guest and exits with nothing to do.
func Call(fn func(core int)) Step {
	return Step{Do: fn, Exit: vmm.ExitRecord{Reason: vmm.ExitBogus}}
}

// Interrupted makes step's exit report ev as an event whose delivery the
// exit interrupted.
func Interrupted(ev vmm.Event, step Step) Step {
	ev.Valid = true
	step.Exit.IntInfo = ev
	return step
}

// Backend creates a State per VM generation.
type Backend struct {
	// ProbeErr is returned by Probe.
	ProbeErr error

	mu     sync.Mutex
	states map[string]*State
}

// New returns a usable simulated backend.
func New() *Backend {
	return &Backend{states: make(map[string]*State)}
}

func (b *Backend) Name() string { return "sim" }

func (b *Backend) Probe() error { return b.ProbeErr }

func (b *Backend) Init(vm *vmm.VM) (vmm.BackendState, error) {
	s := newState()
	b.mu.Lock()
	if b.states == nil {
		b.states = make(map[string]*State)
	}
	b.states[vm.Name()] = s
	b.mu.Unlock()
	return s, nil
}

// State returns the current backend state of the VM called name.
func (b *Backend) State(name string) *State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[name]
}

// State is the simulated per-VM backend state.
type State struct {
	mu        sync.Mutex
	steps     [vmm.MaxCPUs][]Step
	delivered [vmm.MaxCPUs][]vmm.Event
	entries   [vmm.MaxCPUs]int
	regs      [vmm.MaxCPUs]map[vmm.Reg]uint64
	descs     [vmm.MaxCPUs]map[vmm.Seg]vmm.SegDesc
	caps      [vmm.MaxCPUs]map[vmm.Cap]bool
	kick      [vmm.MaxCPUs]chan struct{}
	destroyed bool
}

func newState() *State {
	s := &State{}
	for i := range s.kick {
		s.kick[i] = make(chan struct{}, 1)
		s.regs[i] = make(map[vmm.Reg]uint64)
		s.descs[i] = make(map[vmm.Seg]vmm.SegDesc)
		s.caps[i] = make(map[vmm.Cap]bool)
	}
	return s
}

func checkCore(core int) error {
	if core < 0 || core >= vmm.MaxCPUs {
		return fmt.Errorf("sim: core %d out of range", core)
	}
	return nil
}

// Push appends steps to core's script.
func (s *State) Push(core int, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[core] = append(s.steps[core], steps...)
}

// Pending returns the number of unplayed steps of core.
func (s *State) Pending(core int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps[core])
}

// Delivered returns the events delivered to core so far.
func (s *State) Delivered(core int) []vmm.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vmm.Event(nil), s.delivered[core]...)
}

// Entries returns the number of guest entries of core.
func (s *State) Entries(core int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[core]
}

func (s *State) Run(core int, rip uint64, e *vmm.Entry) (vmm.ExitRecord, error) {
	if err := checkCore(core); err != nil {
		return vmm.ExitRecord{}, err
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return vmm.ExitRecord{}, ErrDestroyed
	}
	s.mu.Unlock()

	// Kicks from before this entry are stale: the checks below see the
	// state they announced.
	select {
	case <-s.kick[core]:
	default:
	}
	if e.SuspendPending() {
		return vmm.ExitRecord{Reason: vmm.ExitSuspended, RIP: rip, IntInfo: e.Event}, nil
	}
	if e.RendezvousPending() {
		return vmm.ExitRecord{Reason: vmm.ExitRendezvous, RIP: rip, IntInfo: e.Event}, nil
	}

	var extra []vmm.Event
	if e.NMIPending() {
		e.ClearNMI()
		extra = append(extra, vmm.Event{Valid: true, Type: vmm.EventNMI, Vector: x86.VectorNMI})
	}
	if e.ExtINTPending() {
		e.ClearExtINT()
		extra = append(extra, vmm.Event{Valid: true, Type: vmm.EventHWInterrupt})
	}

	s.mu.Lock()
	s.entries[core]++
	s.regs[core][vmm.RegRIP] = rip
	if e.Event.Valid {
		s.delivered[core] = append(s.delivered[core], e.Event)
	}
	s.delivered[core] = append(s.delivered[core], extra...)
	step := Halt(false)
	if len(s.steps[core]) > 0 {
		step = s.steps[core][0]
		s.steps[core] = s.steps[core][1:]
	}
	s.mu.Unlock()

	if step.Do != nil {
		step.Do(core)
	}
	if step.Spin {
		<-s.kick[core]
	}

	exit := step.Exit
	if exit.RIP == 0 {
		exit.RIP = rip
	}
	return exit, nil
}

func (s *State) Kick(core int) {
	if checkCore(core) != nil {
		return
	}
	select {
	case s.kick[core] <- struct{}{}:
	default:
	}
}

func (s *State) GetRegister(core int, reg vmm.Reg) (uint64, error) {
	if err := checkCore(core); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[core][reg], nil
}

func (s *State) SetRegister(core int, reg vmm.Reg, val uint64) error {
	if err := checkCore(core); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[core][reg] = val
	return nil
}

func (s *State) GetDescriptor(core int, seg vmm.Seg) (vmm.SegDesc, error) {
	if err := checkCore(core); err != nil {
		return vmm.SegDesc{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descs[core][seg], nil
}

func (s *State) SetDescriptor(core int, seg vmm.Seg, desc vmm.SegDesc) error {
	if err := checkCore(core); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs[core][seg] = desc
	return nil
}

func (s *State) GetCapability(core int, c vmm.Cap) (bool, error) {
	if err := checkCore(core); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[core][c], nil
}

func (s *State) SetCapability(core int, c vmm.Cap, enable bool) error {
	if err := checkCore(core); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[core][c] = enable
	return nil
}

// Destroy marks the state unusable.
func (s *State) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	s.destroyed = true
	return nil
}

// Destroyed reports whether Destroy has been called.
func (s *State) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
