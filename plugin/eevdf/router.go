package eevdf

import "github.com/Gthulhu/eevdf/plugin/fair"

// Class is a coarse capacity bucket of CPUs.
type Class uint8

const (
	ClassHigh Class = iota
	ClassLow
)

// Dispatch queue ids of the capacity classes.
const (
	DSQHigh uint64 = 1
	DSQLow  uint64 = 2
)

// HighCapacityPct is the share of the max capacity a CPU needs to count as
// high capacity.
const HighCapacityPct = 90

func (c Class) String() string {
	if c == ClassHigh {
		return "high"
	}
	return "low"
}

// Other returns the opposite class.
func (c Class) Other() Class {
	if c == ClassHigh {
		return ClassLow
	}
	return ClassHigh
}

// ClassFor maps a CPU capacity to its class relative to maxCap. A zero
// maxCap is read as full scale.
func ClassFor(capacity, maxCap uint32) Class {
	if maxCap == 0 {
		maxCap = fair.CapacityScale
	}
	if uint64(capacity)*100 >= uint64(maxCap)*HighCapacityPct {
		return ClassHigh
	}
	return ClassLow
}

// QueueFor returns the dispatch queue of a class.
func QueueFor(c Class) uint64 {
	if c == ClassHigh {
		return DSQHigh
	}
	return DSQLow
}
