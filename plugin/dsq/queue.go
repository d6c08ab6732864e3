package dsq

import "github.com/Gthulhu/eevdf/models"

// Item is a queued task with its ordering key.
type Item struct {
	Task *models.Task
	Key  uint64 // virtual deadline; 0 for FIFO queues
	seq  uint64
}

// Queue is a binary min-heap ordered by (Key, insertion order). Equal keys
// pop in the order they were inserted. Queue is not safe for concurrent use;
// Set serializes access.
type Queue struct {
	id    uint64
	items []Item
	seq   uint64
}

func newQueue(id uint64) *Queue {
	return &Queue{id: id}
}

func (q *Queue) ID() uint64 {
	return q.id
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) push(t *models.Task, key uint64) {
	q.seq++
	q.items = append(q.items, Item{Task: t, Key: key, seq: q.seq})
	q.siftUp(len(q.items) - 1)
}

func (q *Queue) pop() (Item, bool) {
	n := len(q.items)
	if n == 0 {
		return Item{}, false
	}
	top := q.items[0]
	n--
	q.items[0] = q.items[n]
	q.items[n] = Item{}
	q.items = q.items[:n]
	if n > 0 {
		q.siftDown(0)
	}
	return top, true
}

func (q *Queue) peek() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

func (q *Queue) less(i, j int) bool {
	a, b := &q.items[i], &q.items[j]
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.seq < b.seq
}

// siftUp moves the element at idx up to restore heap property
func (q *Queue) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !q.less(idx, parent) {
			break
		}
		q.items[idx], q.items[parent] = q.items[parent], q.items[idx]
		idx = parent
	}
}

// siftDown moves the element at idx down to restore heap property
func (q *Queue) siftDown(idx int) {
	n := len(q.items)
	for {
		left := 2*idx + 1
		if left >= n {
			break
		}
		smallest := left
		right := left + 1
		if right < n && q.less(right, left) {
			smallest = right
		}
		if !q.less(smallest, idx) {
			break
		}
		q.items[idx], q.items[smallest] = q.items[smallest], q.items[idx]
		idx = smallest
	}
}

func (q *Queue) remove(pid int32) bool {
	for i := range q.items {
		if q.items[i].Task.Pid == pid {
			q.removeAt(i)
			return true
		}
	}
	return false
}

// popFirst removes the lowest ordered item whose task passes accept.
func (q *Queue) popFirst(accept func(*models.Task) bool) (Item, bool) {
	best := -1
	for i := range q.items {
		if !accept(q.items[i].Task) {
			continue
		}
		if best < 0 || q.less(i, best) {
			best = i
		}
	}
	if best < 0 {
		return Item{}, false
	}
	it := q.items[best]
	q.removeAt(best)
	return it, true
}

func (q *Queue) removeAt(i int) {
	n := len(q.items) - 1
	q.items[i] = q.items[n]
	q.items[n] = Item{}
	q.items = q.items[:n]
	if i < n {
		q.siftDown(i)
		q.siftUp(i)
	}
}
