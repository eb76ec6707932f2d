package vmm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the process-wide set of live VMs. It selects one hardware
// backend at start-up and injects it into every VM it creates.
type Registry struct {
	cfg     Config
	log     *slog.Logger
	backend Backend
	metrics metrics

	mu      sync.Mutex
	vms     map[string]*VM
	devices map[PCIAddr]*VM // pass-through owner of each assigned device
}

// NewRegistry validates cfg and probes backends in order, selecting the
// first usable one. A registry without a usable backend is valid but
// cannot create VMs.
func NewRegistry(cfg Config, backends ...Backend) (*Registry, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := &Registry{
		cfg:     cfg,
		log:     cfg.Logger,
		vms:     make(map[string]*VM),
		devices: make(map[PCIAddr]*VM),
	}
	for _, b := range backends {
		if b == nil {
			continue
		}
		if err := b.Probe(); err != nil {
			r.log.Debug("backend unavailable", "backend", b.Name(), "err", err)
			continue
		}
		r.backend = b
		break
	}
	if r.backend == nil {
		r.log.Warn("no usable hardware backend")
	} else {
		r.log.Info("selected backend", "backend", r.backend.Name(), "max_cpus", cfg.MaxCPUs)
	}
	return r, nil
}

// Backend returns the name of the selected backend, or "" if none.
func (r *Registry) Backend() string {
	if r.backend == nil {
		return ""
	}
	return r.backend.Name()
}

// CreateVM creates an empty VM: no active cores, no memory.
func (r *Registry) CreateVM(name string) (*VM, error) {
	start := time.Now()

	if name == "" || len(name) > MaxNameLen {
		return nil, fmt.Errorf("%w: VM name %q (must be 1-%d bytes)", ErrInvalidArgument, name, MaxNameLen)
	}
	if r.backend == nil {
		r.metrics.resourceErrors.Add(1)
		return nil, ErrNoBackend
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vms[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrVMExists, name)
	}
	vm, err := newVM(r, name, r.backend)
	if err != nil {
		r.metrics.resourceErrors.Add(1)
		return nil, err
	}
	r.vms[name] = vm
	r.metrics.recordVMCreate(time.Since(start))
	vm.log.Info("VM created", "gen", vm.Generation(), "backend", r.backend.Name())
	return vm, nil
}

// Lookup returns the VM called name.
func (r *Registry) Lookup(name string) (*VM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[name]
	return vm, ok
}

// VMs returns the live VMs sorted by name.
func (r *Registry) VMs() []*VM {
	r.mu.Lock()
	vms := make([]*VM, 0, len(r.vms))
	for _, vm := range r.vms {
		vms = append(vms, vm)
	}
	r.mu.Unlock()
	sort.Slice(vms, func(i, j int) bool { return vms[i].name < vms[j].name })
	return vms
}

// Destroy closes the VM called name and forgets it.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	vm, ok := r.vms[name]
	if ok {
		delete(r.vms, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no VM %q", ErrInvalidArgument, name)
	}
	if err := vm.Close(); err != nil {
		return err
	}
	r.metrics.vmDestroyed.Add(1)
	return nil
}

// Close destroys every VM.
func (r *Registry) Close() error {
	var firstErr error
	for _, vm := range r.VMs() {
		if err := r.Destroy(vm.name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) claimDevice(vm *VM, dev PCIAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.devices[dev]; ok && owner != vm {
		return fmt.Errorf("%w: %v owned by %q", ErrDeviceOwned, dev, owner.name)
	}
	r.devices[dev] = vm
	return nil
}

func (r *Registry) releaseDevice(vm *VM, dev PCIAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[dev] == vm {
		delete(r.devices, dev)
	}
}

// DeviceOwner returns the VM dev is assigned to.
func (r *Registry) DeviceOwner(dev PCIAddr) (*VM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.devices[dev]
	return vm, ok
}
