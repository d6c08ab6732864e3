package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Gthulhu/eevdf/models"
	"github.com/Gthulhu/eevdf/plugin/dsq"
	"github.com/Gthulhu/eevdf/plugin/fair"
)

// Host is an in-memory dispatcher. It keeps idle state, the dispatch
// queues and a virtual clock, and records the first contract violation a
// policy commits, such as queueing a task twice.
type Host struct {
	nrCPUs int
	caps   []uint32
	queues *dsq.Set
	clock  atomic.Uint64
	slots  uint32

	mu   sync.Mutex
	idle []bool
	err  error
}

// NewHost creates a host with one CPU per capacity entry. A zero capacity
// means full scale.
func NewHost(caps []uint32) *Host {
	h := &Host{
		nrCPUs: len(caps),
		caps:   make([]uint32, len(caps)),
		queues: dsq.NewSet(len(caps)),
		slots:  1,
		idle:   make([]bool, len(caps)),
	}
	for i, c := range caps {
		if c == 0 {
			c = fair.CapacityScale
		}
		h.caps[i] = c
		h.idle[i] = true
	}
	return h
}

func (h *Host) NrCPUs() int {
	return h.nrCPUs
}

// Capacity returns the compute capacity of cpu.
func (h *Host) Capacity(cpu int32) uint32 {
	if cpu < 0 || int(cpu) >= h.nrCPUs {
		return fair.CapacityScale
	}
	return h.caps[cpu]
}

// SetDispatchSlots sets how many tasks one dispatch may move.
func (h *Host) SetDispatchSlots(n uint32) {
	h.slots = n
}

// Queues exposes the dispatch queues for inspection.
func (h *Host) Queues() *dsq.Set {
	return h.queues
}

// Err returns the first recorded violation.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Host) fail(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}

func (h *Host) setNow(ns uint64) {
	h.clock.Store(ns)
}

func (h *Host) setIdle(cpu int32, idle bool) {
	h.mu.Lock()
	h.idle[cpu] = idle
	h.mu.Unlock()
}

// claimLocked marks cpu busy if it is idle and reports whether it was.
func (h *Host) claimLocked(cpu int32) bool {
	if cpu < 0 || int(cpu) >= h.nrCPUs || !h.idle[cpu] {
		return false
	}
	h.idle[cpu] = false
	return true
}

// DefaultSelectCPU prefers prevCPU when idle, then any idle allowed CPU,
// then falls back to prevCPU or the first allowed CPU.
func (h *Host) DefaultSelectCPU(t *models.Task, prevCPU int32, wakeFlags uint64) (int32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.CanRunOn(prevCPU) && h.claimLocked(prevCPU) {
		return prevCPU, true
	}
	fallback := int32(-1)
	for cpu := int32(0); cpu < int32(h.nrCPUs); cpu++ {
		if !t.CanRunOn(cpu) {
			continue
		}
		if fallback < 0 {
			fallback = cpu
		}
		if h.claimLocked(cpu) {
			return cpu, true
		}
	}
	if prevCPU >= 0 && int(prevCPU) < h.nrCPUs && t.CanRunOn(prevCPU) {
		return prevCPU, false
	}
	if fallback < 0 {
		fallback = 0
	}
	return fallback, false
}

func (h *Host) PickIdleCPU(t *models.Task, accept func(cpu int32) bool) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cpu := int32(0); cpu < int32(h.nrCPUs); cpu++ {
		if h.idle[cpu] && t.CanRunOn(cpu) && accept(cpu) {
			h.idle[cpu] = false
			return cpu
		}
	}
	return -1
}

func (h *Host) CreateDSQ(id uint64) error {
	return h.queues.Create(id)
}

func (h *Host) InsertLocal(t *models.Task, cpu int32, slice uint64, enqFlags uint64) {
	if cpu < 0 || int(cpu) >= h.nrCPUs {
		h.fail(fmt.Errorf("pid %d inserted on invalid cpu %d", t.Pid, cpu))
		return
	}
	t.Slice = slice
	if err := h.queues.Insert(dsq.LocalID(cpu), t, 0); err != nil {
		h.fail(err)
	}
}

func (h *Host) InsertVtime(t *models.Task, dsqID uint64, slice uint64, vtime uint64, enqFlags uint64) {
	t.Slice = slice
	if err := h.queues.Insert(dsqID, t, vtime); err != nil {
		h.fail(err)
	}
}

// MoveToLocal moves the first task of dsqID that may run on cpu.
func (h *Host) MoveToLocal(cpu int32, dsqID uint64) bool {
	return h.queues.MoveFunc(dsqID, dsq.LocalID(cpu), func(t *models.Task) bool {
		return t.CanRunOn(cpu)
	})
}

func (h *Host) DispatchSlots(cpu int32) uint32 {
	return h.slots
}

func (h *Host) Now() uint64 {
	return h.clock.Load()
}
