package dsq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Gthulhu/eevdf/models"
)

// localFlag marks the per-CPU local queue ids (SCX_DSQ_LOCAL_ON).
const localFlag = uint64(1) << 63

var (
	ErrExists        = errors.New("dispatch queue already exists")
	ErrNoQueue       = errors.New("dispatch queue does not exist")
	ErrAlreadyQueued = errors.New("task is already queued")
)

// LocalID returns the id of cpu's local queue.
func LocalID(cpu int32) uint64 {
	return localFlag | uint64(uint32(cpu))
}

// IsLocal reports whether id names a per-CPU local queue.
func IsLocal(id uint64) bool {
	return id&localFlag != 0
}

// Set owns a family of dispatch queues and enforces that a task sits in at
// most one of them.
type Set struct {
	mu     sync.Mutex
	queues map[uint64]*Queue
	where  map[int32]uint64
}

// NewSet creates a Set with a local queue for each of nrCPUs CPUs.
func NewSet(nrCPUs int) *Set {
	s := &Set{
		queues: make(map[uint64]*Queue),
		where:  make(map[int32]uint64),
	}
	for cpu := 0; cpu < nrCPUs; cpu++ {
		id := LocalID(int32(cpu))
		s.queues[id] = newQueue(id)
	}
	return s
}

// Create adds a shared queue.
func (s *Set) Create(id uint64) error {
	if IsLocal(id) {
		return fmt.Errorf("queue %#x: reserved local id", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[id]; ok {
		return fmt.Errorf("queue %d: %w", id, ErrExists)
	}
	s.queues[id] = newQueue(id)
	return nil
}

// Insert queues t on id ordered by key.
func (s *Set) Insert(id uint64, t *models.Task, key uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return fmt.Errorf("queue %#x: %w", id, ErrNoQueue)
	}
	if cur, queued := s.where[t.Pid]; queued {
		return fmt.Errorf("pid %d on queue %#x: %w", t.Pid, cur, ErrAlreadyQueued)
	}
	q.push(t, key)
	s.where[t.Pid] = id
	return nil
}

// Pop removes the head of id. It returns nil when the queue is empty or
// unknown.
func (s *Set) Pop(id uint64) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked(id)
}

func (s *Set) popLocked(id uint64) *models.Task {
	q, ok := s.queues[id]
	if !ok {
		return nil
	}
	it, ok := q.pop()
	if !ok {
		return nil
	}
	delete(s.where, it.Task.Pid)
	return it.Task
}

// Peek returns the head item of id without removing it.
func (s *Set) Peek(id uint64) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return Item{}, false
	}
	return q.peek()
}

// Move pops the head of from and appends it to the FIFO tail of to. It
// reports whether a task moved.
func (s *Set) Move(from, to uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, ok := s.queues[to]
	if !ok {
		return false
	}
	t := s.popLocked(from)
	if t == nil {
		return false
	}
	dst.push(t, 0)
	s.where[t.Pid] = to
	return true
}

// MoveFunc moves the first task of from that accept allows to the tail of
// to. Tasks that are skipped keep their place.
func (s *Set) MoveFunc(from, to uint64, accept func(*models.Task) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.queues[from]
	if !ok {
		return false
	}
	dst, ok := s.queues[to]
	if !ok {
		return false
	}
	it, ok := src.popFirst(accept)
	if !ok {
		return false
	}
	dst.push(it.Task, 0)
	s.where[it.Task.Pid] = to
	return true
}

// Len returns the number of tasks on id.
func (s *Set) Len(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		return q.Len()
	}
	return 0
}

// Contains reports whether pid is queued anywhere, and where.
func (s *Set) Contains(pid int32) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.where[pid]
	return id, ok
}

// Queued returns the total number of queued tasks.
func (s *Set) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.where)
}

// Remove dequeues pid from whichever queue holds it.
func (s *Set) Remove(pid int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.where[pid]
	if !ok {
		return false
	}
	delete(s.where, pid)
	return s.queues[id].remove(pid)
}
