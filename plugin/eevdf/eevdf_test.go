package eevdf

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	"github.com/Gthulhu/eevdf/models"
	"github.com/Gthulhu/eevdf/plugin/dsq"
	"github.com/Gthulhu/eevdf/plugin/fair"
	reg "github.com/Gthulhu/eevdf/plugin/internal/registry"
	"github.com/Gthulhu/eevdf/plugin/telemetry"
	"github.com/Gthulhu/eevdf/plugin/util"
)

const testSlice = uint64(20_000_000)

// newTestPlugin returns an initialized policy over a host with the given
// CPU capacities.
func newTestPlugin(t *testing.T, caps ...uint32) (*EEVDFPlugin, *fakeHost) {
	t.Helper()
	p := NewEEVDFPlugin(testSlice)
	var maxCap uint32
	for cpu, c := range caps {
		_, err := p.CapacityTable().Set(int32(cpu), c)
		require.NoError(t, err)
		if c > maxCap {
			maxCap = c
		}
	}
	if maxCap > 0 {
		p.GlobalState().SetMaxCapacity(maxCap)
	}
	h := newFakeHost(len(caps))
	require.NoError(t, p.Init(h))
	return p, h
}

func TestClassFor(t *testing.T) {
	tests := []struct {
		capacity, maxCap uint32
		want             Class
	}{
		{1024, 1024, ClassHigh},
		{922, 1024, ClassHigh},
		{921, 1024, ClassLow},
		{400, 1024, ClassLow},
		{400, 400, ClassHigh},
		{1024, 0, ClassHigh},
		{0, 1024, ClassLow},
	}
	for _, tt := range tests {
		for i := 0; i < 3; i++ {
			assert.Equal(t, tt.want, ClassFor(tt.capacity, tt.maxCap), "cap=%d max=%d", tt.capacity, tt.maxCap)
		}
	}
	assert.Equal(t, DSQHigh, QueueFor(ClassHigh))
	assert.Equal(t, DSQLow, QueueFor(ClassLow))
	assert.Equal(t, ClassLow, ClassHigh.Other())
	assert.Equal(t, ClassHigh, ClassLow.Other())
	assert.Equal(t, "high", ClassHigh.String())
}

func TestDefaultConfiguration(t *testing.T) {
	p := NewEEVDFPlugin(0)
	assert.Equal(t, reg.DefaultSliceNs, p.SliceNsDefault())
	assert.Nil(t, p.Telemetry())
	assert.Equal(t, uint32(fair.CapacityScale), p.GlobalState().MaxCapacity())
}

func TestInitCreatesClassQueues(t *testing.T) {
	p := NewEEVDFPlugin(testSlice)
	h := newFakeHost(2)
	require.NoError(t, p.Init(h))

	assert.ErrorIs(t, h.queues.Create(DSQHigh), dsq.ErrExists)
	assert.ErrorIs(t, h.queues.Create(DSQLow), dsq.ErrExists)
	assert.True(t, p.GlobalState().HasMaxCapacity())
}

func TestInitFailurePropagates(t *testing.T) {
	p := NewEEVDFPlugin(testSlice)
	h := newFakeHost(1)
	h.failQueue = DSQLow

	err := p.Init(h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch queue 2")
}

// Two equal tasks enqueued back to back at vtime 0 on one CPU get the same
// deadline and must come out in insertion order.
func TestDispatchTiedDeadlinesFIFO(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	h.slots = 8

	a := &models.Task{Pid: 1, Weight: 1}
	b := &models.Task{Pid: 2, Weight: 1}
	p.Enable(h, a)
	p.Enable(h, b)
	p.Enqueue(h, a, 0)
	p.Enqueue(h, b, 0)
	require.NoError(t, h.err)

	assert.Equal(t, h.lastKey[1], h.lastKey[2])
	assert.Equal(t, DSQHigh, h.lastDSQ[1])

	p.Dispatch(h, 0, nil)
	assert.Equal(t, []int32{1, 2}, h.drainLocal(0))
}

func TestSelectCPURedirectsLaggingTaskToHighCapacity(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 400)
	rec := telemetry.NewRecorder(2)
	p.SetTelemetry(rec)
	p.GlobalState().SetVtime(1_000_000_000_000)

	h.pick, h.pickIdle = 1, true
	h.idle[0] = true
	task := &models.Task{Pid: 7, Weight: 100, Cpu: 1}

	cpu := p.SelectCPU(h, task, 1, 0)
	assert.Equal(t, int32(0), cpu)
	assert.Equal(t, 1, h.queues.Len(dsq.LocalID(0)))
	assert.Equal(t, 0, h.queues.Len(dsq.LocalID(1)))
	assert.Equal(t, testSlice, task.Slice)
	assert.Equal(t, uint64(1), rec.PerCPU(0).Stats[telemetry.StatIdleFastPath])
}

func TestSelectCPUWithoutMatchingIdleCPU(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 400)
	p.GlobalState().SetVtime(1_000_000_000_000)

	h.pick, h.pickIdle = 1, true
	task := &models.Task{Pid: 7, Weight: 100, Cpu: 1}

	cpu := p.SelectCPU(h, task, 1, 0)
	assert.Equal(t, int32(1), cpu, "keeps the host pick")
	assert.Zero(t, h.queues.Queued(), "no fast path into a mismatched class")
}

func TestSelectCPURespectsAffinity(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 1024, 400)
	p.GlobalState().SetVtime(1_000_000_000_000)

	h.pick, h.pickIdle = 2, false
	h.idle[0] = true
	h.idle[1] = true
	task := &models.Task{Pid: 3, Cpu: 2, Allowed: cpuset.New(1, 2)}

	assert.Equal(t, int32(1), p.SelectCPU(h, task, 2, 0))
	assert.True(t, h.idle[0])
}

func TestSelectCPUThrottlesTaskAheadOfClock(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 400)
	p.GlobalState().SetVtime(1_000)

	h.pick, h.pickIdle = 0, true
	h.idle[1] = true
	task := &models.Task{Pid: 4, Weight: 1, Vtime: 1_000_000_000_000}

	assert.Equal(t, int32(1), p.SelectCPU(h, task, 0, 0))
	assert.Equal(t, 1, h.queues.Len(dsq.LocalID(1)))
}

func TestSelectCPUNeutralLagFollowsCandidate(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 400)

	h.pick, h.pickIdle = 1, true
	h.idle[0] = true
	task := &models.Task{Pid: 5, Weight: 1}

	assert.Equal(t, int32(1), p.SelectCPU(h, task, 1, 0))
	assert.Equal(t, 1, h.queues.Len(dsq.LocalID(1)))
	assert.True(t, h.idle[0], "idle high cpu is not claimed")
}

func TestEnqueueClampsEligibleVtime(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	quantum := p.quantum()
	require.Equal(t, testSlice, quantum)

	p.GlobalState().SetVtime(10 * quantum)
	behind := &models.Task{Pid: 1, Weight: 1}
	ahead := &models.Task{Pid: 2, Weight: 1, Vtime: 20 * quantum}
	p.Enable(h, behind)
	behind.Vtime = 1
	p.Enable(h, ahead)
	vnow := p.GlobalState().VtimeNow()

	p.Enqueue(h, behind, 0)
	p.Enqueue(h, ahead, 0)
	require.NoError(t, h.err)

	assert.Equal(t, util.SaturatingSub(vnow, quantum), behind.Vtime)
	assert.GreaterOrEqual(t, ahead.Vtime, util.SaturatingSub(vnow, quantum))

	tf, ok := p.TaskState(1)
	require.True(t, ok)
	assert.Equal(t, behind.Vtime, tf.EligibleVtime)
	assert.Equal(t, behind.Vtime+quantum*fair.Scale, tf.VirtualDeadline)
	assert.Equal(t, tf.VirtualDeadline, h.lastKey[1])
}

func TestEnqueueDeadlineScalesWithWeight(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	light := &models.Task{Pid: 1, Weight: 100}
	heavy := &models.Task{Pid: 2, Weight: 200}
	p.Enable(h, light)
	p.Enable(h, heavy)
	p.Enqueue(h, light, 0)
	p.Enqueue(h, heavy, 0)

	assert.Less(t, h.lastKey[2], h.lastKey[1])
	assert.InDelta(t, float64(h.lastKey[1]-light.Vtime)/2, float64(h.lastKey[2]-heavy.Vtime), 2)
}

func TestEnqueueUnknownTask(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	task := &models.Task{Pid: 99}

	p.Enqueue(h, task, 0)
	require.NoError(t, h.err)
	assert.Equal(t, testSlice*fair.Scale, h.lastKey[99])
	_, ok := p.TaskState(99)
	assert.False(t, ok)
}

func TestDispatchBorrowsFromOtherClass(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 400)
	h.slots = 4
	for pid := int32(1); pid <= 3; pid++ {
		task := &models.Task{Pid: pid, Weight: 1}
		p.Enable(h, task)
		p.Enqueue(h, task, 0)
	}
	require.Equal(t, 3, h.queues.Len(DSQHigh))

	p.Dispatch(h, 1, nil)
	assert.Equal(t, []int32{1, 2, 3}, h.drainLocal(1))
}

func TestDispatchPrefersOwnClass(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 400)
	require.NoError(t, h.queues.Insert(DSQHigh, &models.Task{Pid: 1}, 0))
	require.NoError(t, h.queues.Insert(DSQLow, &models.Task{Pid: 2}, 100))

	p.Dispatch(h, 1, nil)
	assert.Equal(t, []int32{2}, h.drainLocal(1))
	p.Dispatch(h, 0, nil)
	assert.Equal(t, []int32{1}, h.drainLocal(0))
}

func TestDispatchBatchIsCapped(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	rec := telemetry.NewRecorder(1)
	p.SetTelemetry(rec)
	h.slots = 32
	for pid := int32(1); pid <= 12; pid++ {
		require.NoError(t, h.queues.Insert(DSQHigh, &models.Task{Pid: pid}, uint64(pid)))
	}

	p.Dispatch(h, 0, nil)
	assert.Equal(t, DispatchBatchMax, h.queues.Len(dsq.LocalID(0)))
	assert.Equal(t, 12-DispatchBatchMax, h.queues.Len(DSQHigh))
	assert.Equal(t, uint64(DispatchBatchMax), rec.PerCPU(0).Stats[telemetry.StatDispatched])

	h.slots = 0
	p.Dispatch(h, 0, nil)
	assert.Equal(t, DispatchBatchMax+1, h.queues.Len(dsq.LocalID(0)))
}

func TestStoppingChargesCapacityNormalizedService(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 512)
	fast := &models.Task{Pid: 1, Weight: 1, Cpu: 0}
	slow := &models.Task{Pid: 2, Weight: 1, Cpu: 1}
	p.Enable(h, fast)
	p.Enable(h, slow)
	require.Equal(t, uint64(2), p.GlobalState().TotalWeight())

	fast.Slice = testSlice / 2
	slow.Slice = testSlice / 2
	start := p.GlobalState().VtimeNow()

	p.Stopping(h, fast, true)
	p.Stopping(h, slow, true)

	consumed := testSlice / 2
	assert.Equal(t, consumed*fair.Scale, fast.Vtime)
	assert.Equal(t, consumed*fair.Scale/2, slow.Vtime)
	assert.Equal(t, start+consumed*fair.Scale/2+consumed*fair.Scale/4, p.GlobalState().VtimeNow())

	tf, _ := p.TaskState(1)
	assert.Equal(t, fast.Vtime, tf.EligibleVtime)
}

func TestStoppingWithoutWeightDoesNotAdvanceClock(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	task := &models.Task{Pid: 1, Weight: 4, Slice: 0}

	p.Stopping(h, task, false)
	assert.Equal(t, testSlice*fair.Scale/4, task.Vtime)
	assert.Zero(t, p.GlobalState().VtimeNow())
}

func TestRunningRaisesClockAndSamplesLatency(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	rec := telemetry.NewRecorder(1)
	p.SetTelemetry(rec)

	task := &models.Task{Pid: 1, Weight: 1}
	p.Enable(h, task)
	h.now = 1_000
	p.Enqueue(h, task, 0)
	task.Vtime = 5_000

	h.now = 4_000
	p.Running(h, task)
	assert.Equal(t, uint64(5_000), p.GlobalState().VtimeNow())

	snap := rec.Snapshot()
	assert.Equal(t, uint64(1), snap.Latency.Count)
	assert.Equal(t, uint64(3_000), snap.Latency.Sum)
	assert.Equal(t, uint64(1), snap.Stats[telemetry.StatLatencySample])
	assert.Equal(t, uint64(1), snap.Stats[telemetry.StatEnqueued])

	p.Running(h, task)
	assert.Equal(t, uint64(1), rec.Snapshot().Latency.Count, "one sample per enqueue")

	task.Vtime = 10
	p.Running(h, task)
	assert.Equal(t, uint64(5_000), p.GlobalState().VtimeNow(), "never moves backwards")
}

func TestSetWeightSameWeightIsNoop(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	a := &models.Task{Pid: 1, Weight: 100}
	b := &models.Task{Pid: 2, Weight: 300}
	p.Enable(h, a)
	p.Enable(h, b)
	p.GlobalState().SetVtime(1_000_000)
	a.Vtime = 400_000

	require.NoError(t, p.SetWeight(h, a, 100))
	assert.Equal(t, uint64(1_000_000), p.GlobalState().VtimeNow())
	assert.Equal(t, uint64(400), p.GlobalState().TotalWeight())
}

func TestSetWeightDoublingIsBounded(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	a := &models.Task{Pid: 1, Weight: 100}
	b := &models.Task{Pid: 2, Weight: 100}
	p.Enable(h, a)
	p.Enable(h, b)

	const vnow = uint64(1_000_000)
	p.GlobalState().SetVtime(vnow)
	a.Vtime = vnow - 6_000
	lag := int64(6_000)

	require.NoError(t, p.SetWeight(h, a, 200))
	assert.Equal(t, uint32(200), a.Weight)
	assert.Equal(t, uint64(300), p.GlobalState().TotalWeight())

	delta := int64(p.GlobalState().VtimeNow()) - int64(vnow)
	assert.Equal(t, util.DivSigned(lag, 200)-util.DivSigned(lag, 300), delta)
	bound := util.AbsInt64(lag)*100/(200*300) + 1
	assert.LessOrEqual(t, util.AbsInt64(delta), bound)

	tf, _ := p.TaskState(1)
	assert.Equal(t, uint32(200), tf.Weight)
	assert.Equal(t, uint32(((1<<fair.InvShift)+100)/200), tf.InvWeight)

	// The task keeps owing service after the change.
	assert.Greater(t, util.Lag(p.GlobalState().VtimeNow(), a.Vtime), int64(0))
}

func TestSetWeightNegativeLag(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	a := &models.Task{Pid: 1, Weight: 1}
	b := &models.Task{Pid: 2, Weight: 1}
	p.Enable(h, a)
	p.Enable(h, b)
	p.GlobalState().SetVtime(1_000)
	a.Vtime = 7_000

	require.NoError(t, p.SetWeight(h, a, 2))
	// lag=-6000: -6000/2 - (-6000/3) = -1000
	assert.Equal(t, uint64(0), p.GlobalState().VtimeNow())
}

func TestEnableDisableTotalWeightInvariant(t *testing.T) {
	p, h := newTestPlugin(t, 1024, 400)
	rng := rand.New(rand.NewSource(42))
	enabled := make(map[int32]*models.Task)

	for i := 0; i < 2000; i++ {
		pid := int32(rng.Intn(64))
		if task, ok := enabled[pid]; ok && rng.Intn(2) == 0 {
			p.Disable(h, task)
			delete(enabled, pid)
		} else if !ok {
			task := &models.Task{Pid: pid, Weight: uint32(rng.Intn(10_000))}
			p.Enable(h, task)
			enabled[pid] = task
		} else {
			task.Slice = uint64(rng.Int63n(int64(testSlice)))
			p.Stopping(h, task, true)
			require.NoError(t, p.SetWeight(h, task, uint32(rng.Intn(10_000))))
		}

		var sum uint64
		for _, task := range enabled {
			sum += uint64(fair.NormalizeWeight(task.Weight))
		}
		require.Equal(t, sum, p.GlobalState().TotalWeight(), "step %d", i)
		require.Equal(t, len(enabled), p.NrTasks())
	}
}

func TestEnableSeedsVtime(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	p.GlobalState().SetVtime(123_456)

	fresh := &models.Task{Pid: 1, Weight: 10}
	p.Enable(h, fresh)
	assert.Equal(t, uint64(123_456), fresh.Vtime)
	assert.Equal(t, uint64(123_456), p.GlobalState().VtimeNow(), "zero lag needs no correction")

	owed := &models.Task{Pid: 2, Weight: 10, Vtime: 123_456 - 2_000}
	p.Enable(h, owed)
	// lag=2000 against the new sum 20
	assert.Equal(t, uint64(123_456-100), p.GlobalState().VtimeNow())
}

func TestDisableAppliesInverseCorrection(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	a := &models.Task{Pid: 1, Weight: 10}
	b := &models.Task{Pid: 2, Weight: 10}
	p.Enable(h, a)
	p.Enable(h, b)
	p.GlobalState().SetVtime(10_000)
	a.Vtime = 8_000

	p.Disable(h, a)
	assert.Equal(t, uint64(10), p.GlobalState().TotalWeight())
	assert.Equal(t, uint64(10_200), p.GlobalState().VtimeNow())
	_, ok := p.TaskState(1)
	assert.False(t, ok)

	p.Disable(h, b)
	assert.Zero(t, p.GlobalState().TotalWeight())
}

func TestUnknownTaskLeavesTotalWeight(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	a := &models.Task{Pid: 1, Weight: 100}
	b := &models.Task{Pid: 2, Weight: 100}
	p.Enable(h, a)
	p.Enable(h, b)
	p.GlobalState().SetVtime(5_000)

	ghost := &models.Task{Pid: 99, Weight: 50}
	require.NoError(t, p.SetWeight(h, ghost, 300))
	assert.Equal(t, uint64(200), p.GlobalState().TotalWeight())
	assert.Equal(t, uint32(50), ghost.Weight, "untracked task keeps its weight")
	assert.Equal(t, uint64(5_000), p.GlobalState().VtimeNow())

	p.Disable(h, ghost)
	assert.Equal(t, uint64(200), p.GlobalState().TotalWeight())

	p.Disable(h, a)
	assert.Equal(t, uint64(100), p.GlobalState().TotalWeight())
	vnow := p.GlobalState().VtimeNow()
	p.Disable(h, a)
	assert.Equal(t, uint64(100), p.GlobalState().TotalWeight(), "second disable of the same task is ignored")
	assert.Equal(t, vnow, p.GlobalState().VtimeNow())
	_, ok := p.TaskState(2)
	assert.True(t, ok)
}

func TestEnableExtremeLagDoesNotOverflow(t *testing.T) {
	p, h := newTestPlugin(t, 1024)
	// lag = 0 - 2^63 = MinInt64 against a total weight of 1
	task := &models.Task{Pid: 1, Weight: 1, Vtime: 1 << 63}
	p.Enable(h, task)
	assert.Equal(t, uint64(1)<<63, p.GlobalState().VtimeNow())
}

func TestFactoryRegistration(t *testing.T) {
	cfg := &reg.SchedConfig{Mode: "eevdf"}
	cfg.Capacity.CPUs = []uint32{512, 400}
	cfg.Telemetry.Enabled = true
	cfg.ApplyDefaults()

	policy, err := reg.NewSchedulerPlugin(context.Background(), cfg)
	require.NoError(t, err)
	p, ok := policy.(*EEVDFPlugin)
	require.True(t, ok)

	assert.Equal(t, uint32(512), p.GlobalState().MaxCapacity())
	assert.Equal(t, uint32(400), p.CapacityTable().Get(1))
	assert.Equal(t, ClassLow, p.classOf(1))
	require.NotNil(t, p.Telemetry())
	assert.Equal(t, 2, p.Telemetry().NrCPUs())
	assert.Equal(t, reg.DefaultSliceNs, p.SliceNsDefault())
}
