package fair

import "sync"

const (
	// InvShift is the fixed-point shift of the cached inverse weight.
	InvShift = 20
	// Scale is the fixed-point factor carried by virtual-time quantities.
	Scale = 100
)

// TaskFairness is the per-task bookkeeping owned by a policy between enable
// and disable.
type TaskFairness struct {
	Weight          uint32 // weight InvWeight was computed for
	InvWeight       uint32 // round((1<<InvShift) / Weight)
	EligibleVtime   uint64
	VirtualDeadline uint64
	EnqueueTs       uint64 // 0 when no enqueue is pending a latency sample
}

// NormalizeWeight maps an unset weight to 1.
func NormalizeWeight(w uint32) uint32 {
	if w == 0 {
		return 1
	}
	return w
}

// RefreshWeight recomputes the cached inverse weight when w differs from
// the cached one. The inverse is rounded to nearest and never zero.
func (tf *TaskFairness) RefreshWeight(w uint32) {
	if tf == nil {
		return
	}
	w = NormalizeWeight(w)
	if tf.Weight == w && tf.InvWeight != 0 {
		return
	}
	inv := ((uint64(1) << InvShift) + uint64(w/2)) / uint64(w)
	if inv == 0 {
		inv = 1
	}
	tf.Weight = w
	tf.InvWeight = uint32(inv)
}

// DivByWeight returns val/w. With a record and a 32-bit val it multiplies by
// the cached inverse and shifts, truncating; otherwise it divides.
func DivByWeight(val uint64, w uint32, tf *TaskFairness) uint64 {
	w = NormalizeWeight(w)
	tf.RefreshWeight(w)
	if tf != nil && tf.InvWeight != 0 && val <= 0xffffffff {
		return (val * uint64(tf.InvWeight)) >> InvShift
	}
	return val / uint64(w)
}

// Store maps task identity to its fairness record.
type Store struct {
	mu      sync.RWMutex
	records map[int32]*TaskFairness
}

func NewStore() *Store {
	return &Store{records: make(map[int32]*TaskFairness)}
}

// Create installs a fresh record for pid, replacing any stale one.
func (s *Store) Create(pid int32) *TaskFairness {
	tf := &TaskFairness{}
	s.mu.Lock()
	s.records[pid] = tf
	s.mu.Unlock()
	return tf
}

// Get returns the record for pid or nil.
func (s *Store) Get(pid int32) *TaskFairness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[pid]
}

func (s *Store) Delete(pid int32) {
	s.mu.Lock()
	delete(s.records, pid)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
