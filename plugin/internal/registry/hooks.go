package registry

import "github.com/Gthulhu/eevdf/models"

// Host is the dispatcher a policy is attached to. It owns idle tracking, CPU
// affinity, run-queue storage and the per-CPU local slots.
type Host interface {
	// DefaultSelectCPU returns the host's idle-aware CPU pick for t and
	// whether that CPU is idle.
	DefaultSelectCPU(t *models.Task, prevCPU int32, wakeFlags uint64) (int32, bool)
	// PickIdleCPU claims an idle CPU in t's allowed set for which accept
	// returns true, or returns -1.
	PickIdleCPU(t *models.Task, accept func(cpu int32) bool) int32
	// CreateDSQ creates a shared dispatch queue.
	CreateDSQ(id uint64) error
	// InsertLocal hands t directly to cpu's local run slot.
	InsertLocal(t *models.Task, cpu int32, slice uint64, enqFlags uint64)
	// InsertVtime queues t on dsqID ordered by vtime, FIFO on ties.
	InsertVtime(t *models.Task, dsqID uint64, slice uint64, vtime uint64, enqFlags uint64)
	// MoveToLocal moves the head of dsqID to cpu's local slot.
	MoveToLocal(cpu int32, dsqID uint64) bool
	// DispatchSlots returns how many tasks cpu can take in one dispatch.
	DispatchSlots(cpu int32) uint32
	// Now returns the host clock in nanoseconds.
	Now() uint64
}

// Policy is a scheduling policy driven by the host through lifecycle and
// decision hooks. Hooks for one CPU are serialized; hooks on different CPUs
// may run concurrently. Only Init may block or fail.
type Policy interface {
	Init(h Host) error
	// Select a CPU for a waking task. The policy may insert the task into
	// the chosen CPU's local slot, in which case the host skips Enqueue.
	SelectCPU(h Host, t *models.Task, prevCPU int32, wakeFlags uint64) int32
	Enqueue(h Host, t *models.Task, enqFlags uint64)
	// Dispatch refills cpu's local slot when it runs out of work.
	Dispatch(h Host, cpu int32, prev *models.Task)
	Running(h Host, t *models.Task)
	Stopping(h Host, t *models.Task, runnable bool)
	SetWeight(h Host, t *models.Task, weight uint32) error
	Enable(h Host, t *models.Task)
	Disable(h Host, t *models.Task)
}
