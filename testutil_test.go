package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// runFunc scripts one guest entry of a fake backend.
type runFunc func(core int, rip uint64, e *Entry) (ExitRecord, error)

// fakeBackend is an in-package Backend. Each entry first honors pending
// suspend and rendezvous requests, then delivers NMI and ExtINT, then calls
// run. A nil run exits with a one-byte out instruction.
type fakeBackend struct {
	name    string
	probe   error
	initErr error

	mu     sync.Mutex
	run    runFunc
	states []*fakeState
}

func (b *fakeBackend) Name() string {
	if b.name == "" {
		return "fake"
	}
	return b.name
}

func (b *fakeBackend) Probe() error { return b.probe }

func (b *fakeBackend) Init(vm *VM) (BackendState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initErr != nil {
		return nil, b.initErr
	}
	s := &fakeState{b: b, regs: make(map[int]map[Reg]uint64)}
	b.states = append(b.states, s)
	return s, nil
}

func (b *fakeBackend) setRun(fn runFunc) {
	b.mu.Lock()
	b.run = fn
	b.mu.Unlock()
}

func (b *fakeBackend) state() *fakeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[len(b.states)-1]
}

type fakeState struct {
	b *fakeBackend

	mu        sync.Mutex
	regs      map[int]map[Reg]uint64
	descs     [MaxCPUs]map[Seg]SegDesc
	caps      [MaxCPUs]map[Cap]bool
	entries   [MaxCPUs][]uint64
	delivered [MaxCPUs][]Event
	kicks     atomic.Int32
	destroyed bool
}

func (s *fakeState) Run(core int, rip uint64, e *Entry) (ExitRecord, error) {
	if e.SuspendPending() {
		return ExitRecord{Reason: ExitSuspended, RIP: rip, IntInfo: e.Event}, nil
	}
	if e.RendezvousPending() {
		return ExitRecord{Reason: ExitRendezvous, RIP: rip, IntInfo: e.Event}, nil
	}

	s.mu.Lock()
	s.entries[core] = append(s.entries[core], rip)
	if e.Event.Valid {
		s.delivered[core] = append(s.delivered[core], e.Event)
	}
	if e.NMIPending() {
		e.ClearNMI()
		s.delivered[core] = append(s.delivered[core], Event{Valid: true, Type: EventNMI, Vector: 2})
	}
	if e.ExtINTPending() {
		e.ClearExtINT()
		s.delivered[core] = append(s.delivered[core], Event{Valid: true, Type: EventHWInterrupt})
	}
	s.mu.Unlock()

	s.b.mu.Lock()
	run := s.b.run
	s.b.mu.Unlock()
	if run != nil {
		return run(core, rip, e)
	}
	return outExit(rip), nil
}

func (s *fakeState) Kick(core int) { s.kicks.Add(1) }

func (s *fakeState) GetRegister(core int, reg Reg) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[core][reg], nil
}

func (s *fakeState) SetRegister(core int, reg Reg, val uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.regs[core] == nil {
		s.regs[core] = make(map[Reg]uint64)
	}
	s.regs[core][reg] = val
	return nil
}

func (s *fakeState) GetDescriptor(core int, seg Seg) (SegDesc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descs[core][seg], nil
}

func (s *fakeState) SetDescriptor(core int, seg Seg, desc SegDesc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descs[core] == nil {
		s.descs[core] = make(map[Seg]SegDesc)
	}
	s.descs[core][seg] = desc
	return nil
}

func (s *fakeState) GetCapability(core int, c Cap) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[core][c], nil
}

func (s *fakeState) SetCapability(core int, c Cap, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caps[core] == nil {
		s.caps[core] = make(map[Cap]bool)
	}
	s.caps[core][c] = enable
	return nil
}

func (s *fakeState) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errors.New("fake: destroyed twice")
	}
	s.destroyed = true
	return nil
}

func (s *fakeState) entryRIPs(core int) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.entries[core]...)
}

func (s *fakeState) deliveredTo(core int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.delivered[core]...)
}

func outExit(rip uint64) ExitRecord {
	return ExitRecord{
		Reason:    ExitInOut,
		RIP:       rip,
		InstBytes: []byte{0xee},
		IO:        &IOExit{Port: 0x80, Bytes: 1},
	}
}

func haltExit(rip uint64, intrDisabled bool) ExitRecord {
	return ExitRecord{
		Reason:    ExitHalt,
		RIP:       rip,
		InstBytes: []byte{0xf4},
		Halt:      &HaltExit{IntrDisabled: intrDisabled},
	}
}

// script returns a runFunc that plays exits per core in order and then
// falls back to an out exit.
func script(exits map[int][]ExitRecord) runFunc {
	var mu sync.Mutex
	return func(core int, rip uint64, e *Entry) (ExitRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		q := exits[core]
		if len(q) == 0 {
			return outExit(rip), nil
		}
		exit := q[0]
		exits[core] = q[1:]
		if exit.RIP == 0 {
			exit.RIP = rip
		}
		return exit, nil
	}
}

func testLogger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, cfg Config, backends ...Backend) *Registry {
	t.Helper()
	if cfg.MaxCPUs == 0 {
		cfg.MaxCPUs = 4
	}
	if cfg.WaitTick == 0 {
		cfg.WaitTick = 5 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	reg, err := NewRegistry(cfg, backends...)
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// newTestVM returns a VM on a fake backend with cores 0..active-1 active.
func newTestVM(t *testing.T, cfg Config, active int) (*VM, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	reg := newTestRegistry(t, cfg, b)
	vm, err := reg.CreateVM(t.Name()[:min(len(t.Name()), MaxNameLen)])
	if err != nil {
		t.Fatalf("CreateVM() failed: %v", err)
	}
	for i := 0; i < active; i++ {
		if err := vm.ActivateCPU(i); err != nil {
			t.Fatalf("ActivateCPU(%d) failed: %v", i, err)
		}
	}
	return vm, b
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, vm *VM, core int, want VCPUState) {
	t.Helper()
	waitFor(t, fmt.Sprintf("core %d %v", core, want), func() bool {
		st, _, _ := vm.State(core)
		return st == want
	})
}

type runResult struct {
	exit ExitRecord
	err  error
}

// goRun runs core in the background.
func goRun(ctx context.Context, vm *VM, core int) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		exit, err := vm.Run(ctx, core)
		done <- runResult{exit, err}
	}()
	return done
}

func recv(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	return runResult{}
}

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}
