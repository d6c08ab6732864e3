package eevdf

import (
	"errors"

	"github.com/Gthulhu/eevdf/models"
	"github.com/Gthulhu/eevdf/plugin/dsq"
)

// fakeHost is a scripted dispatcher: the default CPU pick and idle set are
// set by the test and queues live in a dsq.Set.
type fakeHost struct {
	nrCPUs    int
	pick      int32
	pickIdle  bool
	idle      map[int32]bool
	queues    *dsq.Set
	slots     uint32
	now       uint64
	failQueue uint64
	lastKey   map[int32]uint64
	lastDSQ   map[int32]uint64
	err       error
}

func newFakeHost(nrCPUs int) *fakeHost {
	return &fakeHost{
		nrCPUs:  nrCPUs,
		idle:    make(map[int32]bool),
		queues:  dsq.NewSet(nrCPUs),
		slots:   1,
		lastKey: make(map[int32]uint64),
		lastDSQ: make(map[int32]uint64),
	}
}

func (h *fakeHost) DefaultSelectCPU(t *models.Task, prevCPU int32, wakeFlags uint64) (int32, bool) {
	if h.pickIdle {
		h.idle[h.pick] = false
	}
	return h.pick, h.pickIdle
}

func (h *fakeHost) PickIdleCPU(t *models.Task, accept func(cpu int32) bool) int32 {
	for cpu := int32(0); cpu < int32(h.nrCPUs); cpu++ {
		if h.idle[cpu] && t.CanRunOn(cpu) && accept(cpu) {
			h.idle[cpu] = false
			return cpu
		}
	}
	return -1
}

func (h *fakeHost) CreateDSQ(id uint64) error {
	if h.failQueue != 0 && id == h.failQueue {
		return errors.New("out of memory")
	}
	return h.queues.Create(id)
}

func (h *fakeHost) InsertLocal(t *models.Task, cpu int32, slice uint64, enqFlags uint64) {
	t.Slice = slice
	h.record(h.queues.Insert(dsq.LocalID(cpu), t, 0))
}

func (h *fakeHost) InsertVtime(t *models.Task, dsqID uint64, slice uint64, vtime uint64, enqFlags uint64) {
	t.Slice = slice
	h.lastKey[t.Pid] = vtime
	h.lastDSQ[t.Pid] = dsqID
	h.record(h.queues.Insert(dsqID, t, vtime))
}

func (h *fakeHost) MoveToLocal(cpu int32, dsqID uint64) bool {
	return h.queues.Move(dsqID, dsq.LocalID(cpu))
}

func (h *fakeHost) DispatchSlots(cpu int32) uint32 {
	return h.slots
}

func (h *fakeHost) Now() uint64 {
	return h.now
}

func (h *fakeHost) record(err error) {
	if err != nil && h.err == nil {
		h.err = err
	}
}

// drainLocal pops every task on cpu's local queue in order.
func (h *fakeHost) drainLocal(cpu int32) []int32 {
	var pids []int32
	for {
		t := h.queues.Pop(dsq.LocalID(cpu))
		if t == nil {
			return pids
		}
		pids = append(pids, t.Pid)
	}
}
