package simple

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Gthulhu/eevdf/models"
	"github.com/Gthulhu/eevdf/plugin/fair"
	reg "github.com/Gthulhu/eevdf/plugin/internal/registry"
	"github.com/Gthulhu/eevdf/plugin/telemetry"
	"github.com/Gthulhu/eevdf/plugin/util"
)

// SharedDSQ is the single queue every CPU dispatches from.
const SharedDSQ uint64 = 0

func init() {
	// Register the baseline EEVDF policy
	err := reg.RegisterNewPlugin("eevdf-simple", func(ctx context.Context, config *reg.SchedConfig) (reg.Policy, error) {
		return newFromConfig(config, false), nil
	})
	if err != nil {
		panic(err)
	}

	// Register the FIFO variant used as a fairness reference
	err = reg.RegisterNewPlugin("eevdf-fifo", func(ctx context.Context, config *reg.SchedConfig) (reg.Policy, error) {
		return newFromConfig(config, true), nil
	})
	if err != nil {
		panic(err)
	}
}

func newFromConfig(config *reg.SchedConfig, fifoMode bool) *SimplePlugin {
	simplePlugin := NewSimplePlugin(fifoMode)
	if config.Scheduler.SliceNsDefault > 0 {
		simplePlugin.SetSliceDefault(config.Scheduler.SliceNsDefault)
	}
	if config.Telemetry.Enabled {
		simplePlugin.SetTelemetry(telemetry.NewRecorder(config.Scheduler.NrCPUs))
	}
	return simplePlugin
}

// SimplePlugin is the homogeneous EEVDF policy: one shared queue ordered by
// virtual deadline and no notion of CPU capacity. It can operate in two
// modes:
// 1. Weighted virtual deadlines (default)
// 2. FIFO, where the queue key is the arrival order
type SimplePlugin struct {
	fifoMode     bool
	sliceDefault uint64

	global *fair.GlobalState
	stats  *telemetry.Recorder

	// enabled tracks pids whose weight is in total_weight.
	enabledMu sync.Mutex
	enabled   map[int32]struct{}

	// Statistics
	localQueueCount  atomic.Uint64
	globalQueueCount atomic.Uint64
}

// NewSimplePlugin creates a new SimplePlugin instance
func NewSimplePlugin(fifoMode bool) *SimplePlugin {
	return &SimplePlugin{
		fifoMode:     fifoMode,
		sliceDefault: reg.DefaultSliceNs,
		global:       fair.NewGlobalState(),
		enabled:      make(map[int32]struct{}),
	}
}

func (s *SimplePlugin) SetSliceDefault(slice uint64) {
	s.sliceDefault = slice
}

func (s *SimplePlugin) SetTelemetry(r *telemetry.Recorder) {
	s.stats = r
}

func (s *SimplePlugin) Telemetry() *telemetry.Recorder {
	return s.stats
}

func (s *SimplePlugin) GlobalState() *fair.GlobalState {
	return s.global
}

// Verify that SimplePlugin implements the policy interface
var _ reg.Policy = (*SimplePlugin)(nil)

func (s *SimplePlugin) Init(h reg.Host) error {
	if err := h.CreateDSQ(SharedDSQ); err != nil {
		return fmt.Errorf("failed to create shared dispatch queue: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"plugin":   "eevdf-simple",
		"fifo":     s.fifoMode,
		"slice_ns": s.sliceDefault,
	}).Info("baseline policy initialized")
	return nil
}

// SelectCPU takes the host's pick and inserts the task locally when that CPU
// is idle.
func (s *SimplePlugin) SelectCPU(h reg.Host, t *models.Task, prevCPU int32, wakeFlags uint64) int32 {
	cpu, idle := h.DefaultSelectCPU(t, prevCPU, wakeFlags)
	if idle {
		s.stats.Inc(cpu, telemetry.StatIdleFastPath)
		s.localQueueCount.Add(1)
		h.InsertLocal(t, cpu, s.sliceDefault, 0)
	}
	return cpu
}

func (s *SimplePlugin) Enqueue(h reg.Host, t *models.Task, enqFlags uint64) {
	s.stats.Inc(t.Cpu, telemetry.StatEnqueued)
	s.globalQueueCount.Add(1)

	if s.fifoMode {
		h.InsertVtime(t, SharedDSQ, s.sliceDefault, 0, enqFlags)
		return
	}

	// Limit the budget an idling task can accumulate to one slice
	if minVtime := util.SaturatingSub(s.global.VtimeNow(), s.sliceDefault); t.Vtime < minVtime {
		t.Vtime = minVtime
	}
	w := uint64(fair.NormalizeWeight(t.Weight))
	deadline := util.SaturatingAdd(t.Vtime, s.sliceDefault*fair.Scale/w)
	h.InsertVtime(t, SharedDSQ, s.sliceDefault, deadline, enqFlags)
}

func (s *SimplePlugin) Dispatch(h reg.Host, cpu int32, prev *models.Task) {
	if h.MoveToLocal(cpu, SharedDSQ) {
		s.stats.Inc(cpu, telemetry.StatDispatched)
	}
}

// Running moves the global clock forward to the task's vtime.
func (s *SimplePlugin) Running(h reg.Host, t *models.Task) {
	if s.fifoMode {
		return
	}
	s.global.RaiseVtime(t.Vtime)
}

// Stopping scales the consumed time by the inverse of the weight and charges it.
func (s *SimplePlugin) Stopping(h reg.Host, t *models.Task, runnable bool) {
	if s.fifoMode {
		return
	}
	consumed := util.SaturatingSub(s.sliceDefault, t.Slice)
	t.Vtime = util.SaturatingAdd(t.Vtime, consumed*fair.Scale/uint64(fair.NormalizeWeight(t.Weight)))
}

func (s *SimplePlugin) isEnabled(pid int32) bool {
	s.enabledMu.Lock()
	defer s.enabledMu.Unlock()
	_, ok := s.enabled[pid]
	return ok
}

func (s *SimplePlugin) SetWeight(h reg.Host, t *models.Task, weight uint32) error {
	if !s.isEnabled(t.Pid) {
		return nil
	}
	oldW := fair.NormalizeWeight(t.Weight)
	newW := fair.NormalizeWeight(weight)
	t.Weight = newW

	oldSum, newSum := s.global.SwapWeight(uint64(oldW), uint64(newW))
	if oldSum == 0 || newSum == 0 {
		return nil
	}
	lag := util.Lag(s.global.VtimeNow(), t.Vtime)
	s.global.AdjustVtime(util.DivSigned(lag, oldSum) - util.DivSigned(lag, newSum))
	return nil
}

// Enable starts every task at the current clock.
func (s *SimplePlugin) Enable(h reg.Host, t *models.Task) {
	s.enabledMu.Lock()
	_, dup := s.enabled[t.Pid]
	s.enabled[t.Pid] = struct{}{}
	s.enabledMu.Unlock()
	if dup {
		return
	}
	t.Vtime = s.global.VtimeNow()
	s.global.AddWeight(uint64(fair.NormalizeWeight(t.Weight)))
}

// Disable only subtracts the weight of tasks that are currently enabled.
func (s *SimplePlugin) Disable(h reg.Host, t *models.Task) {
	s.enabledMu.Lock()
	_, ok := s.enabled[t.Pid]
	delete(s.enabled, t.Pid)
	s.enabledMu.Unlock()
	if ok {
		s.global.SubWeight(uint64(fair.NormalizeWeight(t.Weight)))
	}
}

// GetMode returns whether the scheduler is in FIFO mode
func (s *SimplePlugin) GetMode() bool {
	return s.fifoMode
}

// GetStats returns the number of local fast-path inserts and shared-queue inserts.
func (s *SimplePlugin) GetStats() (uint64, uint64) {
	return s.localQueueCount.Load(), s.globalQueueCount.Load()
}

// ResetStats resets scheduling statistics
func (s *SimplePlugin) ResetStats() {
	s.localQueueCount.Store(0)
	s.globalQueueCount.Store(0)
}
