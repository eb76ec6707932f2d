package vmm

import (
	"sync/atomic"
	"time"
)

// metrics are the control-plane counters of one Registry.
type metrics struct {
	// Operation counters
	vmCreated   atomic.Uint64
	vmDestroyed atomic.Uint64
	vmReinit    atomic.Uint64
	runs        atomic.Uint64
	exits       atomic.Uint64
	rendezvous  atomic.Uint64
	suspends    atomic.Uint64
	injections  atomic.Uint64
	segments    atomic.Uint64
	holds       atomic.Uint64
	devices     atomic.Uint64
	registerOps atomic.Uint64

	doubleFaults atomic.Uint64
	tripleFaults atomic.Uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime atomic.Uint64
	totalRunTime      atomic.Uint64

	// Error counters
	resourceErrors atomic.Uint64
}

// Metrics provides access to control-plane metrics
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	VMReinit          uint64 `json:"vm_reinit"`
	RunOperations     uint64 `json:"run_operations"`
	Exits             uint64 `json:"exits"`
	Rendezvous        uint64 `json:"rendezvous"`
	Suspends          uint64 `json:"suspends"`
	Injections        uint64 `json:"injections"`
	DoubleFaults      uint64 `json:"double_faults"`
	TripleFaults      uint64 `json:"triple_faults"`
	SegmentsAllocated uint64 `json:"segments_allocated"`
	Holds             uint64 `json:"holds"`
	DevicesAssigned   uint64 `json:"devices_assigned"`
	RegisterOps       uint64 `json:"register_operations"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
	ResourceErrors    uint64 `json:"resource_errors"`
}

// Metrics returns current metrics
func (r *Registry) Metrics() Metrics {
	m := &r.metrics
	vmCreated := m.vmCreated.Load()
	runOps := m.runs.Load()

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = m.totalVMCreateTime.Load() / vmCreated
	}
	if runOps > 0 {
		avgRun = m.totalRunTime.Load() / runOps
	}

	return Metrics{
		VMCreated:         vmCreated,
		VMDestroyed:       m.vmDestroyed.Load(),
		VMReinit:          m.vmReinit.Load(),
		RunOperations:     runOps,
		Exits:             m.exits.Load(),
		Rendezvous:        m.rendezvous.Load(),
		Suspends:          m.suspends.Load(),
		Injections:        m.injections.Load(),
		DoubleFaults:      m.doubleFaults.Load(),
		TripleFaults:      m.tripleFaults.Load(),
		SegmentsAllocated: m.segments.Load(),
		Holds:             m.holds.Load(),
		DevicesAssigned:   m.devices.Load(),
		RegisterOps:       m.registerOps.Load(),
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
		ResourceErrors:    m.resourceErrors.Load(),
	}
}

// ResetMetrics clears all metrics
func (r *Registry) ResetMetrics() {
	m := &r.metrics
	for _, c := range []*atomic.Uint64{
		&m.vmCreated, &m.vmDestroyed, &m.vmReinit, &m.runs, &m.exits,
		&m.rendezvous, &m.suspends, &m.injections, &m.segments, &m.holds,
		&m.devices, &m.registerOps, &m.doubleFaults, &m.tripleFaults,
		&m.totalVMCreateTime, &m.totalRunTime, &m.resourceErrors,
	} {
		c.Store(0)
	}
}

func (m *metrics) recordVMCreate(duration time.Duration) {
	m.vmCreated.Add(1)
	m.totalVMCreateTime.Add(uint64(duration.Nanoseconds()))
}

func (m *metrics) recordRun(duration time.Duration) {
	m.runs.Add(1)
	m.totalRunTime.Add(uint64(duration.Nanoseconds()))
}
