package vmm

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// PCIAddr identifies a host PCI function.
type PCIAddr struct {
	Bus  uint8 `json:"bus"`
	Slot uint8 `json:"slot"`
	Func uint8 `json:"func"`
}

func (a PCIAddr) String() string { return fmt.Sprintf("%02x:%02x.%d", a.Bus, a.Slot, a.Func) }

// IOMMUDomain is an opaque translation context owned by the IOMMU driver.
type IOMMUDomain any

// IOMMU is the host IOMMU driver. Devices and host memory start out in
// HostDomain with identity mappings.
type IOMMU interface {
	HostDomain() IOMMUDomain
	CreateDomain(maxAddr uint64) (IOMMUDomain, error)
	DestroyDomain(d IOMMUDomain)
	CreateMapping(d IOMMUDomain, gpa, hpa, length uint64) error
	RemoveMapping(d IOMMUDomain, gpa, length uint64) error
	AddDevice(d IOMMUDomain, dev PCIAddr) error
	RemoveDevice(d IOMMUDomain, dev PCIAddr) error
	Invalidate(d IOMMUDomain)
}

// Devices returns the devices assigned to the VM.
func (vm *VM) Devices() []PCIAddr { return slices.Clone(vm.devices) }

// AssignDevice passes dev through to the VM. The first device wires every
// segment, creates the VM's IOMMU domain and moves guest memory into it;
// if wiring fails everything is unwired and ErrWouldBlock is returned so
// the caller can release memory and retry. A device owned by another VM
// fails with ErrDeviceOwned. Callers serialize AssignDevice and
// UnassignDevice with the rest of the VM lifecycle.
func (vm *VM) AssignDevice(dev PCIAddr) error {
	if vm.isClosed() {
		return ErrVMClosed
	}
	iommu := vm.cfg.IOMMU
	if iommu == nil {
		return ErrNoIOMMU
	}
	if slices.Contains(vm.devices, dev) {
		return nil
	}
	if err := vm.reg.claimDevice(vm, dev); err != nil {
		return err
	}

	if len(vm.devices) == 0 {
		if err := vm.setupIOMMU(); err != nil {
			vm.reg.releaseDevice(vm, dev)
			return err
		}
	}

	err := iommu.RemoveDevice(iommu.HostDomain(), dev)
	if err == nil {
		if err = iommu.AddDevice(vm.iommuDom, dev); err != nil {
			err = errors.Join(err, iommu.AddDevice(iommu.HostDomain(), dev))
		}
	}
	if err != nil {
		if len(vm.devices) == 0 {
			vm.teardownIOMMU()
		}
		vm.reg.releaseDevice(vm, dev)
		vm.metrics.resourceErrors.Add(1)
		return fmt.Errorf("failed to assign %v: %w", dev, err)
	}

	vm.devices = append(vm.devices, dev)
	vm.metrics.devices.Add(1)
	vm.log.Info("device assigned", "dev", dev.String(), "devices", len(vm.devices))
	return nil
}

// UnassignDevice returns dev to the host. The last device out tears the
// VM's IOMMU domain down and unwires guest memory.
func (vm *VM) UnassignDevice(dev PCIAddr) error {
	i := slices.Index(vm.devices, dev)
	if i < 0 {
		return fmt.Errorf("%w: %v not assigned to %q", ErrInvalidArgument, dev, vm.name)
	}
	iommu := vm.cfg.IOMMU

	err := iommu.RemoveDevice(vm.iommuDom, dev)
	if err == nil {
		err = iommu.AddDevice(iommu.HostDomain(), dev)
	}
	if err != nil {
		vm.metrics.resourceErrors.Add(1)
		return fmt.Errorf("failed to unassign %v: %w", dev, err)
	}

	vm.devices = slices.Delete(vm.devices, i, i+1)
	vm.reg.releaseDevice(vm, dev)
	if len(vm.devices) == 0 {
		vm.teardownIOMMU()
	}
	vm.log.Info("device unassigned", "dev", dev.String(), "devices", len(vm.devices))
	return nil
}

func (vm *VM) unassignAll() error {
	var errs []error
	for _, dev := range slices.Clone(vm.devices) {
		errs = append(errs, vm.UnassignDevice(dev))
	}
	return errors.Join(errs...)
}

// setupIOMMU wires guest memory and moves it into a new VM domain.
func (vm *VM) setupIOMMU() error {
	vm.memMu.Lock()
	defer vm.memMu.Unlock()

	for _, s := range vm.segments {
		if err := vm.wireSegment(s); err != nil {
			vm.unwireAllLocked()
			return err
		}
	}

	var maxAddr uint64
	if n := len(vm.segments); n > 0 {
		maxAddr = vm.segments[n-1].end()
	}
	dom, err := vm.cfg.IOMMU.CreateDomain(maxAddr)
	if err != nil {
		vm.unwireAllLocked()
		vm.metrics.resourceErrors.Add(1)
		return fmt.Errorf("failed to create IOMMU domain: %w", err)
	}
	vm.iommuDom = dom
	vm.iommuMax = maxAddr

	for _, s := range vm.segments {
		if err := vm.mapSegment(s); err != nil {
			vm.teardownIOMMULocked()
			return err
		}
	}
	vm.cfg.IOMMU.Invalidate(vm.cfg.IOMMU.HostDomain())
	vm.log.Debug("IOMMU domain created", "max_addr", fmt.Sprintf("%#x", maxAddr))
	return nil
}

func (vm *VM) teardownIOMMU() {
	vm.memMu.Lock()
	defer vm.memMu.Unlock()
	vm.teardownIOMMULocked()
}

// teardownIOMMULocked restores host mappings for guest memory, destroys the
// VM domain and unwires. memMu must be held.
func (vm *VM) teardownIOMMULocked() {
	iommu := vm.cfg.IOMMU
	if vm.iommuDom == nil {
		return
	}
	for _, s := range vm.segments {
		vm.unmapSegment(s)
	}
	iommu.Invalidate(vm.iommuDom)
	iommu.DestroyDomain(vm.iommuDom)
	vm.iommuDom = nil
	vm.iommuMax = 0
	vm.unwireAllLocked()
	vm.log.Debug("IOMMU domain destroyed")
}

func (vm *VM) wireSegment(s *segment) error {
	if s.wired {
		return nil
	}
	if err := s.obj.wire(); err != nil {
		vm.metrics.resourceErrors.Add(1)
		vm.log.Warn("failed to wire guest memory", "gpa", fmt.Sprintf("%#x", s.gpa), "len", s.len, "err", err)
		return fmt.Errorf("%w: wire %#x-%#x: %v", ErrWouldBlock, s.gpa, s.end(), err)
	}
	s.wired = true
	return nil
}

func (vm *VM) unwireSegment(s *segment) {
	if !s.wired {
		return
	}
	if err := s.obj.unwire(); err != nil {
		vm.log.Warn("failed to unwire guest memory", "gpa", fmt.Sprintf("%#x", s.gpa), "err", err)
	}
	s.wired = false
}

func (vm *VM) unwireAllLocked() {
	for _, s := range vm.segments {
		vm.unwireSegment(s)
	}
}

// mapSegment maps every page of s into the VM domain and removes its host
// address from the host domain.
func (vm *VM) mapSegment(s *segment) error {
	iommu := vm.cfg.IOMMU
	host := iommu.HostDomain()
	for off := uint64(0); off < s.len; off += PageSize {
		hpa := s.obj.hostAddr(off)
		if err := iommu.CreateMapping(vm.iommuDom, s.gpa+off, hpa, PageSize); err != nil {
			return fmt.Errorf("failed to map gpa %#x: %w", s.gpa+off, err)
		}
		if err := iommu.RemoveMapping(host, hpa, PageSize); err != nil {
			return fmt.Errorf("failed to unmap hpa %#x from host domain: %w", hpa, err)
		}
	}
	return nil
}

// unmapSegment is the reverse of mapSegment. It is best effort.
func (vm *VM) unmapSegment(s *segment) {
	iommu := vm.cfg.IOMMU
	host := iommu.HostDomain()
	for off := uint64(0); off < s.len; off += PageSize {
		hpa := s.obj.hostAddr(off)
		if err := iommu.RemoveMapping(vm.iommuDom, s.gpa+off, PageSize); err != nil {
			vm.log.Debug("remove IOMMU mapping", "gpa", fmt.Sprintf("%#x", s.gpa+off), "err", err)
		}
		if err := iommu.CreateMapping(host, hpa, hpa, PageSize); err != nil {
			vm.log.Warn("failed to restore host IOMMU mapping", "hpa", fmt.Sprintf("%#x", hpa), "err", err)
		}
	}
}
