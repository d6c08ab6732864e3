package capacity

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Gthulhu/eevdf/plugin/fair"
)

const (
	// FullScale is the capacity of the fastest possible CPU.
	FullScale = fair.CapacityScale
	// MaxCPUs bounds the table, matching the kernel-side capacity map.
	MaxCPUs = 512
)

// Source reports per-CPU capacities, indexed by CPU id. A zero entry means
// the platform did not report a value for that CPU.
type Source interface {
	Capacities(ctx context.Context) ([]uint32, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]uint32, error)

func (f SourceFunc) Capacities(ctx context.Context) ([]uint32, error) {
	return f(ctx)
}

// StaticSource is a fixed capacity layout.
type StaticSource []uint32

func (s StaticSource) Capacities(context.Context) ([]uint32, error) {
	return s, nil
}

// Table holds the relative compute capacity of each CPU. Unset entries read
// as FullScale so homogeneous machines need no configuration.
type Table struct {
	caps [MaxCPUs]atomic.Uint32
}

func NewTable() *Table {
	return &Table{}
}

// Get returns the capacity of cpu, FullScale on a miss.
func (t *Table) Get(cpu int32) uint32 {
	if cpu < 0 || cpu >= MaxCPUs {
		return FullScale
	}
	if c := t.caps[cpu].Load(); c != 0 {
		return c
	}
	return FullScale
}

// Set records the capacity of cpu and reports whether it changed.
func (t *Table) Set(cpu int32, capacity uint32) (bool, error) {
	if cpu < 0 || cpu >= MaxCPUs {
		return false, fmt.Errorf("cpu %d out of range [0, %d)", cpu, MaxCPUs)
	}
	return t.caps[cpu].Swap(capacity) != capacity, nil
}

// Refresh loads capacities from src. Missing values default to FullScale.
// It returns the maximum capacity and whether any entry changed.
func (t *Table) Refresh(ctx context.Context, src Source) (uint32, bool, error) {
	caps, err := src.Capacities(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cpu capacities: %w", err)
	}
	if len(caps) > MaxCPUs {
		caps = caps[:MaxCPUs]
	}

	var maxCap uint32
	changed := false
	for cpu, c := range caps {
		if c == 0 {
			c = FullScale
		}
		updated, err := t.Set(int32(cpu), c)
		if err != nil {
			return 0, false, err
		}
		changed = changed || updated
		if c > maxCap {
			maxCap = c
		}
	}
	if maxCap == 0 {
		maxCap = FullScale
	}
	return maxCap, changed, nil
}
