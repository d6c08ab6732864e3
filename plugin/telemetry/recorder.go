package telemetry

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// Per-CPU event counter indices.
const (
	StatIdleFastPath = iota
	StatEnqueued
	StatLatencySample
	StatDispatched
	NrStats
)

// NrBuckets is the number of log2 latency buckets; bucket b holds samples in
// [2^b, 2^(b+1)) nanoseconds, bucket 0 also holds zero.
const NrBuckets = 64

// StatNames labels the counters in reports and metrics.
var StatNames = [NrStats]string{
	StatIdleFastPath:  "idle_fastpath",
	StatEnqueued:      "enqueued",
	StatLatencySample: "latency_samples",
	StatDispatched:    "dispatched",
}

type cpuStats struct {
	stats   [NrStats]atomic.Uint64
	buckets [NrBuckets]atomic.Uint64
	count   atomic.Uint64
	sum     atomic.Uint64
	min     atomic.Uint64
	max     atomic.Uint64
}

func (c *cpuStats) resetHist() {
	for i := range c.buckets {
		c.buckets[i].Store(0)
	}
	c.count.Store(0)
	c.sum.Store(0)
	c.min.Store(math.MaxUint64)
	c.max.Store(0)
}

func (c *cpuStats) snapshot() Snapshot {
	var s Snapshot
	for i := range c.stats {
		s.Stats[i] = c.stats[i].Load()
	}
	for i := range c.buckets {
		s.Latency.Buckets[i] = c.buckets[i].Load()
	}
	s.Latency.Count = c.count.Load()
	s.Latency.Sum = c.sum.Load()
	s.Latency.Max = c.max.Load()
	if s.Latency.Count > 0 {
		s.Latency.Min = c.min.Load()
	}
	s.NrCPUs = 1
	return s
}

// Recorder keeps per-CPU counters and latency histograms. Each CPU only
// writes its own slot; readers aggregate. A nil *Recorder records nothing.
type Recorder struct {
	cpus []cpuStats
}

func NewRecorder(nrCPUs int) *Recorder {
	if nrCPUs < 1 {
		nrCPUs = 1
	}
	r := &Recorder{cpus: make([]cpuStats, nrCPUs)}
	for i := range r.cpus {
		r.cpus[i].min.Store(math.MaxUint64)
	}
	return r
}

func (r *Recorder) slot(cpu int32) *cpuStats {
	if r == nil || cpu < 0 || int(cpu) >= len(r.cpus) {
		return nil
	}
	return &r.cpus[cpu]
}

// Enabled reports whether samples are being kept.
func (r *Recorder) Enabled() bool {
	return r != nil
}

// Inc bumps counter idx on cpu.
func (r *Recorder) Inc(cpu int32, idx int) {
	c := r.slot(cpu)
	if c == nil || idx < 0 || idx >= NrStats {
		return
	}
	c.stats[idx].Add(1)
}

// Observe records a latency sample of ns nanoseconds on cpu.
func (r *Recorder) Observe(cpu int32, ns uint64) {
	c := r.slot(cpu)
	if c == nil {
		return
	}
	c.buckets[Bucket(ns)].Add(1)
	c.count.Add(1)
	c.sum.Add(ns)
	for {
		cur := c.min.Load()
		if ns >= cur || c.min.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := c.max.Load()
		if ns <= cur || c.max.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// NrCPUs returns the number of per-CPU slots.
func (r *Recorder) NrCPUs() int {
	if r == nil {
		return 0
	}
	return len(r.cpus)
}

// PerCPU returns the copy held by one CPU.
func (r *Recorder) PerCPU(cpu int32) Snapshot {
	c := r.slot(cpu)
	if c == nil {
		return Snapshot{}
	}
	return c.snapshot()
}

// Snapshot aggregates all per-CPU copies.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	per := make([]Snapshot, len(r.cpus))
	for i := range r.cpus {
		per[i] = r.cpus[i].snapshot()
	}
	return Aggregate(per)
}

// Reset clears the latency histograms, leaving event counters intact.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	for i := range r.cpus {
		r.cpus[i].resetHist()
	}
}

// Bucket returns the log2 bucket of ns.
func Bucket(ns uint64) int {
	if ns == 0 {
		return 0
	}
	return bits.Len64(ns) - 1
}

// BucketUpperBound returns the exclusive upper bound of bucket b.
func BucketUpperBound(b int) uint64 {
	if b >= NrBuckets-1 {
		return math.MaxUint64
	}
	return uint64(1) << (b + 1)
}

// BucketLowerBound returns the inclusive lower bound of bucket b.
func BucketLowerBound(b int) uint64 {
	if b <= 0 {
		return 0
	}
	return uint64(1) << b
}
