// Package loader places guest images into VM memory segments.
package loader

import (
	"fmt"
	"sort"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-vmm"
)

// Region is a guest-physical range backing one or more image segments.
type Region struct {
	Names    []string `json:"names"`
	Addr     uint64   `json:"addr"` // image virtual address of GPA
	GPA      uint64   `json:"gpa"`
	Size     uint64   `json:"size"`
	FileSize uint64   `json:"file_size"`
}

// Image is the guest-physical layout of a loaded image.
type Image struct {
	Path    string   `json:"path"`
	Regions []Region `json:"regions"`
	Entry   uint64   `json:"entry,omitempty"` // guest-physical entry point
}

type segInfo struct {
	name   string
	addr   uint64
	memsz  uint64
	filesz uint64
}

func alignDown(v uint64) uint64 { return v &^ (vmm.PageSize - 1) }
func alignUp(v uint64) uint64   { return (v + vmm.PageSize - 1) &^ (vmm.PageSize - 1) }

// plan lays segs out so the lowest segment starts at loadAt. Segments that
// share a page after rounding are merged into one region.
func plan(segs []segInfo, loadAt uint64) ([]Region, uint64, error) {
	if alignDown(loadAt) != loadAt {
		return nil, 0, fmt.Errorf("load address %#x not page-aligned", loadAt)
	}
	var use []segInfo
	for _, s := range segs {
		if s.memsz == 0 || s.name == "__PAGEZERO" {
			continue
		}
		use = append(use, s)
	}
	if len(use) == 0 {
		return nil, 0, fmt.Errorf("no loadable segments")
	}
	sort.Slice(use, func(i, j int) bool { return use[i].addr < use[j].addr })

	base := alignDown(use[0].addr)
	var regions []Region
	for _, s := range use {
		start := alignDown(s.addr)
		end := alignUp(s.addr + s.memsz)
		if end < start {
			return nil, 0, fmt.Errorf("segment %s wraps the address space", s.name)
		}
		if n := len(regions); n > 0 && start < regions[n-1].Addr+regions[n-1].Size {
			r := &regions[n-1]
			r.Names = append(r.Names, s.name)
			r.Size = max(r.Size, end-r.Addr)
			r.FileSize += s.filesz
			continue
		}
		regions = append(regions, Region{
			Names:    []string{s.name},
			Addr:     start,
			GPA:      start - base + loadAt,
			Size:     end - start,
			FileSize: s.filesz,
		})
	}
	return regions, base, nil
}

// LoadMachO allocates guest memory for the segments of the Mach-O file at
// path, lowest segment at loadAt, and copies their file contents in.
func LoadMachO(vm *vmm.VM, path string, loadAt uint64) (*Image, error) {
	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Mach-O file: %w", err)
	}
	defer m.Close()

	var segs []segInfo
	for _, s := range m.Segments() {
		segs = append(segs, segInfo{name: s.Name, addr: s.Addr, memsz: s.Memsz, filesz: s.Filesz})
	}
	regions, base, err := plan(segs, loadAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for _, r := range regions {
		if err := vm.Allocate(r.GPA, r.Size); err != nil {
			return nil, fmt.Errorf("failed to allocate %v at %#x: %w", r.Names, r.GPA, err)
		}
	}
	for _, s := range segs {
		if s.memsz == 0 || s.filesz == 0 || s.name == "__PAGEZERO" {
			continue
		}
		data := make([]byte, min(s.filesz, s.memsz))
		if _, err := m.ReadAtAddr(data, s.addr); err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", s.name, err)
		}
		if err := vm.WriteGuest(s.addr-base+loadAt, data); err != nil {
			return nil, fmt.Errorf("failed to copy segment %s: %w", s.name, err)
		}
	}

	img := &Image{Path: path, Regions: regions}
	if main := m.GetLoadsByName("LC_MAIN"); len(main) > 0 {
		if ep, ok := main[0].(*macho.EntryPoint); ok {
			img.Entry = ep.EntryOffset + m.GetBaseAddress() - base + loadAt
		}
	}
	return img, nil
}
