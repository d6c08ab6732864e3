package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// LatencyType names the measured latency in reports.
const LatencyType = "runqueue"

var csvHeader = []string{
	"timestamp", "type", "count", "avg_ns", "min_ns", "max_ns",
	"p50_ns", "p95_ns", "p99_ns",
	"idle_fastpath", "enqueued", "latency_samples", "dispatched",
}

// Reporter prints periodic and final telemetry reports as text or CSV.
type Reporter struct {
	w       io.Writer
	csv     *csv.Writer
	started bool
	Now     func() time.Time
}

// NewReporter writes to w, as CSV when csvMode is set.
func NewReporter(w io.Writer, csvMode bool) *Reporter {
	r := &Reporter{w: w, Now: time.Now}
	if csvMode {
		r.csv = csv.NewWriter(w)
	}
	return r
}

// WriteReport prints one interval line (or CSV row) for s.
func (r *Reporter) WriteReport(s Snapshot) error {
	ts := r.Now().Format("15:04:05")
	h := s.Latency

	if r.csv != nil {
		if !r.started {
			r.started = true
			if err := r.csv.Write(csvHeader); err != nil {
				return err
			}
		}
		row := []string{ts, LatencyType}
		if h.Count == 0 {
			row = append(row, "0", "", "", "", "", "", "")
		} else {
			row = append(row,
				u64(h.Count), u64(h.Mean()), u64(h.Min), u64(h.Max),
				u64(h.Percentile(50)), u64(h.Percentile(95)), u64(h.Percentile(99)))
		}
		for _, v := range s.Stats {
			row = append(row, u64(v))
		}
		if err := r.csv.Write(row); err != nil {
			return err
		}
		r.csv.Flush()
		return r.csv.Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n--- %s ---\n", ts)
	fmt.Fprintf(&b, "  events:")
	for i, v := range s.Stats {
		fmt.Fprintf(&b, " %s=%d", StatNames[i], v)
	}
	b.WriteString("\n")
	if h.Count == 0 {
		fmt.Fprintf(&b, "  %-14s (no samples)\n", LatencyType)
	} else {
		fmt.Fprintf(&b, "  %-14s  n=%-8d  avg=%-10s  p50=%-10s  p95=%-10s  p99=%-10s  min=%-10s  max=%-10s\n",
			LatencyType, h.Count,
			FormatNs(h.Mean()),
			FormatNs(h.Percentile(50)),
			FormatNs(h.Percentile(95)),
			FormatNs(h.Percentile(99)),
			FormatNs(h.Min),
			FormatNs(h.Max))
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

// WriteFinal prints the totals and a bar chart of the latency distribution.
// It writes nothing in CSV mode.
func (r *Reporter) WriteFinal(s Snapshot) error {
	if r.csv != nil {
		return nil
	}
	var b strings.Builder
	b.WriteString("\n========== FINAL REPORT ==========\n")
	fmt.Fprintf(&b, "\n  Events:")
	for i, v := range s.Stats {
		fmt.Fprintf(&b, " %s=%d", StatNames[i], v)
	}
	b.WriteString("\n")
	writeHistogram(&b, s.Latency)
	b.WriteString("\n")
	_, err := io.WriteString(r.w, b.String())
	return err
}

func writeHistogram(b *strings.Builder, h Histogram) {
	var maxVal uint64
	for _, v := range h.Buckets {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal == 0 {
		return
	}

	fmt.Fprintf(b, "\n  %s distribution (n=%d):\n", LatencyType, h.Count)
	for i, v := range h.Buckets {
		if v == 0 {
			continue
		}
		bar := int(v * 40 / maxVal)
		if bar == 0 {
			bar = 1
		}
		fmt.Fprintf(b, "    [%8s, %8s)  %8d |%s\n",
			FormatNs(BucketLowerBound(i)), FormatNs(BucketUpperBound(i)), v,
			strings.Repeat("#", bar))
	}
}

// FormatNs renders a nanosecond value with a readable unit.
func FormatNs(ns uint64) string {
	switch {
	case ns < 1000:
		return fmt.Sprintf("%dns", ns)
	case ns < 1000000:
		return fmt.Sprintf("%.1fus", float64(ns)/1e3)
	case ns < 1000000000:
		return fmt.Sprintf("%.2fms", float64(ns)/1e6)
	default:
		return fmt.Sprintf("%.3fs", float64(ns)/1e9)
	}
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}
