package fair

import (
	"sync/atomic"

	"github.com/Gthulhu/eevdf/plugin/util"
)

// CapacityScale is the capacity of a full-speed CPU (SCHED_CAPACITY_SCALE).
const CapacityScale = 1024

// GlobalState is the fairness clock of one scheduling domain. Fields are
// updated with atomics because hooks on different CPUs race on them; only
// convergence is required, not linearizability of compound updates.
type GlobalState struct {
	vtimeNow    atomic.Uint64
	totalWeight atomic.Uint64
	maxCapacity atomic.Uint32
}

// State is a point-in-time copy of GlobalState.
type State struct {
	VtimeNow    uint64 `json:"vtime_now"`
	TotalWeight uint64 `json:"total_weight"`
	MaxCapacity uint32 `json:"max_capacity"`
}

func NewGlobalState() *GlobalState {
	return &GlobalState{}
}

func (g *GlobalState) VtimeNow() uint64 {
	return g.vtimeNow.Load()
}

// AdvanceVtime moves the clock forward by delta.
func (g *GlobalState) AdvanceVtime(delta uint64) {
	if delta == 0 {
		return
	}
	for {
		cur := g.vtimeNow.Load()
		if g.vtimeNow.CompareAndSwap(cur, util.SaturatingAdd(cur, delta)) {
			return
		}
	}
}

// RaiseVtime sets the clock to v if v is ahead of it.
func (g *GlobalState) RaiseVtime(v uint64) {
	for {
		cur := g.vtimeNow.Load()
		if cur >= v || g.vtimeNow.CompareAndSwap(cur, v) {
			return
		}
	}
}

// AdjustVtime applies a signed correction, saturating at both ends.
func (g *GlobalState) AdjustVtime(delta int64) {
	if delta == 0 {
		return
	}
	for {
		cur := g.vtimeNow.Load()
		if g.vtimeNow.CompareAndSwap(cur, util.AddSigned(cur, delta)) {
			return
		}
	}
}

// RetreatVtime moves the clock back by a signed delta, saturating at both
// ends. A negative delta moves it forward.
func (g *GlobalState) RetreatVtime(delta int64) {
	if delta == 0 {
		return
	}
	for {
		cur := g.vtimeNow.Load()
		if g.vtimeNow.CompareAndSwap(cur, util.SubSigned(cur, delta)) {
			return
		}
	}
}

// SetVtime overwrites the clock. Meant for seeding and tests.
func (g *GlobalState) SetVtime(v uint64) {
	g.vtimeNow.Store(v)
}

func (g *GlobalState) TotalWeight() uint64 {
	return g.totalWeight.Load()
}

// AddWeight adds w to the active weight sum and returns the new sum.
func (g *GlobalState) AddWeight(w uint64) uint64 {
	return g.totalWeight.Add(w)
}

// SubWeight removes w from the active weight sum, flooring at zero, and
// returns the new sum.
func (g *GlobalState) SubWeight(w uint64) uint64 {
	for {
		cur := g.totalWeight.Load()
		next := util.SaturatingSub(cur, w)
		if g.totalWeight.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// SwapWeight replaces oldW by newW in the active weight sum. oldW is only
// removed when the sum still holds it. It returns the sums before and after.
func (g *GlobalState) SwapWeight(oldW, newW uint64) (oldSum, newSum uint64) {
	for {
		cur := g.totalWeight.Load()
		next := cur
		if next >= oldW {
			next -= oldW
		}
		next += newW
		if g.totalWeight.CompareAndSwap(cur, next) {
			return cur, next
		}
	}
}

// MaxCapacity returns the largest capacity seen across CPUs, CapacityScale
// when it was never set.
func (g *GlobalState) MaxCapacity() uint32 {
	if c := g.maxCapacity.Load(); c != 0 {
		return c
	}
	return CapacityScale
}

// HasMaxCapacity reports whether a max capacity was written.
func (g *GlobalState) HasMaxCapacity() bool {
	return g.maxCapacity.Load() != 0
}

func (g *GlobalState) SetMaxCapacity(c uint32) {
	g.maxCapacity.Store(c)
}

func (g *GlobalState) Snapshot() State {
	return State{
		VtimeNow:    g.VtimeNow(),
		TotalWeight: g.TotalWeight(),
		MaxCapacity: g.MaxCapacity(),
	}
}
