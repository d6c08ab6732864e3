package telemetry

import "math"

// Histogram is an aggregated log2 latency histogram.
type Histogram struct {
	Buckets [NrBuckets]uint64 `json:"buckets"`
	Count   uint64            `json:"count"`
	Sum     uint64            `json:"sum_ns"`
	Min     uint64            `json:"min_ns"`
	Max     uint64            `json:"max_ns"`
}

// Snapshot is the telemetry of one CPU or of several CPUs combined.
type Snapshot struct {
	Stats   [NrStats]uint64 `json:"stats"`
	Latency Histogram       `json:"latency"`
	NrCPUs  int             `json:"nr_cpus"`
}

// Merge folds o into h. Min only considers histograms holding samples.
func (h *Histogram) Merge(o Histogram) {
	if o.Count == 0 {
		return
	}
	for i := range h.Buckets {
		h.Buckets[i] += o.Buckets[i]
	}
	if h.Count == 0 || o.Min < h.Min {
		h.Min = o.Min
	}
	if o.Max > h.Max {
		h.Max = o.Max
	}
	h.Count += o.Count
	h.Sum += o.Sum
}

// Mean returns the average sample, 0 when empty.
func (h Histogram) Mean() uint64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / h.Count
}

// Percentile estimates the pct-th percentile as the upper bound of the
// bucket where the cumulative count first reaches ceil(count*pct/100). The
// estimate is never below the true value.
func (h Histogram) Percentile(pct float64) uint64 {
	if h.Count == 0 {
		return 0
	}
	target := uint64(math.Ceil(float64(h.Count) * pct / 100))
	if target < 1 {
		target = 1
	}
	if target > h.Count {
		target = h.Count
	}
	var cum uint64
	for b := 0; b < NrBuckets; b++ {
		cum += h.Buckets[b]
		if cum >= target {
			return BucketUpperBound(b)
		}
	}
	return math.MaxUint64
}

// Aggregate combines per-CPU snapshots.
func Aggregate(per []Snapshot) Snapshot {
	var out Snapshot
	for _, s := range per {
		for i := range s.Stats {
			out.Stats[i] += s.Stats[i]
		}
		out.Latency.Merge(s.Latency)
		out.NrCPUs += s.NrCPUs
	}
	return out
}
