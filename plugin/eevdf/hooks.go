package eevdf

import (
	"math"

	"github.com/Gthulhu/eevdf/models"
	"github.com/Gthulhu/eevdf/plugin/fair"
	reg "github.com/Gthulhu/eevdf/plugin/internal/registry"
	"github.com/Gthulhu/eevdf/plugin/telemetry"
	"github.com/Gthulhu/eevdf/plugin/util"
)

// quantum is one default slice expressed at the max capacity.
func (p *EEVDFPlugin) quantum() uint64 {
	return uint64(p.global.MaxCapacity()) * p.sliceNsDefault / fair.CapacityScale
}

func (p *EEVDFPlugin) boost() int64 {
	b := p.quantum()/LagBoostDiv + 1
	if b > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}

func (p *EEVDFPlugin) classOf(cpu int32) Class {
	return ClassFor(p.capacities.Get(cpu), p.global.MaxCapacity())
}

// desiredClass sends badly lagging tasks to fast CPUs and tasks far ahead
// of the clock to slow ones. Anything in between stays with the class of
// the candidate CPU.
func (p *EEVDFPlugin) desiredClass(t *models.Task, candidate int32) Class {
	lag := util.Lag(p.global.VtimeNow(), t.Vtime)
	boost := p.boost()
	switch {
	case lag > boost:
		return ClassHigh
	case lag < -boost:
		return ClassLow
	default:
		return p.classOf(candidate)
	}
}

func (p *EEVDFPlugin) SelectCPU(h reg.Host, t *models.Task, prevCPU int32, wakeFlags uint64) int32 {
	cpu, idle := h.DefaultSelectCPU(t, prevCPU, wakeFlags)
	want := p.desiredClass(t, cpu)

	if !idle || p.classOf(cpu) != want {
		alt := h.PickIdleCPU(t, func(c int32) bool {
			return p.classOf(c) == want
		})
		if alt >= 0 {
			cpu, idle = alt, true
		}
	}

	if idle && p.classOf(cpu) == want {
		h.InsertLocal(t, cpu, p.sliceNsDefault, 0)
		p.stats.Inc(cpu, telemetry.StatIdleFastPath)
	}
	return cpu
}

func (p *EEVDFPlugin) Enqueue(h reg.Host, t *models.Task, enqFlags uint64) {
	p.stats.Inc(t.Cpu, telemetry.StatEnqueued)

	quantum := p.quantum()
	if minVtime := util.SaturatingSub(p.global.VtimeNow(), quantum); t.Vtime < minVtime {
		t.Vtime = minVtime
	}

	w := fair.NormalizeWeight(t.Weight)
	tf := p.tasks.Get(t.Pid)
	deadline := util.SaturatingAdd(t.Vtime, fair.DivByWeight(quantum*fair.Scale, w, tf))
	if tf != nil {
		tf.EligibleVtime = t.Vtime
		tf.VirtualDeadline = deadline
		if p.stats.Enabled() {
			tf.EnqueueTs = h.Now()
		}
	}

	h.InsertVtime(t, QueueFor(p.desiredClass(t, t.Cpu)), p.sliceNsDefault, deadline, enqFlags)
}

func (p *EEVDFPlugin) Dispatch(h reg.Host, cpu int32, prev *models.Task) {
	local := p.classOf(cpu)
	slots := h.DispatchSlots(cpu)
	if slots == 0 {
		slots = 1
	}
	if slots > DispatchBatchMax {
		slots = DispatchBatchMax
	}

	for i := uint32(0); i < slots; i++ {
		if !h.MoveToLocal(cpu, QueueFor(local)) && !h.MoveToLocal(cpu, QueueFor(local.Other())) {
			return
		}
		p.stats.Inc(cpu, telemetry.StatDispatched)
	}
}

func (p *EEVDFPlugin) Running(h reg.Host, t *models.Task) {
	p.global.RaiseVtime(t.Vtime)

	if !p.stats.Enabled() {
		return
	}
	tf := p.tasks.Get(t.Pid)
	if tf == nil || tf.EnqueueTs == 0 {
		return
	}
	if now := h.Now(); now >= tf.EnqueueTs {
		p.stats.Observe(t.Cpu, now-tf.EnqueueTs)
		p.stats.Inc(t.Cpu, telemetry.StatLatencySample)
	}
	tf.EnqueueTs = 0
}

// Stopping charges the consumed part of the slice in capacity-normalized
// units, so a slow CPU costs the task less virtual time per nanosecond.
func (p *EEVDFPlugin) Stopping(h reg.Host, t *models.Task, runnable bool) {
	consumed := util.SaturatingSub(p.sliceNsDefault, t.Slice)
	svc := consumed * uint64(p.capacities.Get(t.Cpu)) * fair.Scale / fair.CapacityScale

	tf := p.tasks.Get(t.Pid)
	t.Vtime = util.SaturatingAdd(t.Vtime, fair.DivByWeight(svc, t.Weight, tf))
	if tf != nil {
		tf.EligibleVtime = t.Vtime
	}

	if total := p.global.TotalWeight(); total > 0 {
		p.global.AdvanceVtime(svc / total)
	}
}

// SetWeight moves the clock by lag/old_sum - lag/new_sum so the task keeps
// its relative position under the new weight scale. Tasks that were never
// enabled are ignored.
func (p *EEVDFPlugin) SetWeight(h reg.Host, t *models.Task, weight uint32) error {
	tf := p.tasks.Get(t.Pid)
	if tf == nil {
		return nil
	}
	oldW := fair.NormalizeWeight(t.Weight)
	newW := fair.NormalizeWeight(weight)
	t.Weight = newW
	tf.RefreshWeight(newW)

	oldSum, newSum := p.global.SwapWeight(uint64(oldW), uint64(newW))
	if oldSum == 0 || newSum == 0 {
		return nil
	}

	lag := util.Lag(p.global.VtimeNow(), t.Vtime)
	p.global.AdjustVtime(util.DivSigned(lag, oldSum) - util.DivSigned(lag, newSum))
	return nil
}

func (p *EEVDFPlugin) Enable(h reg.Host, t *models.Task) {
	w := fair.NormalizeWeight(t.Weight)
	tf := p.tasks.Create(t.Pid)
	tf.RefreshWeight(w)

	if t.Vtime == 0 {
		t.Vtime = p.global.VtimeNow()
	}
	tf.EligibleVtime = t.Vtime

	newSum := p.global.AddWeight(uint64(w))
	lag := util.Lag(p.global.VtimeNow(), t.Vtime)
	p.global.RetreatVtime(util.DivSigned(lag, newSum))
}

// Disable is a no-op for tasks without a fairness record.
func (p *EEVDFPlugin) Disable(h reg.Host, t *models.Task) {
	if p.tasks.Get(t.Pid) == nil {
		return
	}
	newSum := p.global.SubWeight(uint64(fair.NormalizeWeight(t.Weight)))
	if newSum > 0 {
		lag := util.Lag(p.global.VtimeNow(), t.Vtime)
		p.global.AdjustVtime(util.DivSigned(lag, newSum))
	}
	p.tasks.Delete(t.Pid)
}
