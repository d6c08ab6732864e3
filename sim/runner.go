package sim

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Gthulhu/eevdf/models"
	"github.com/Gthulhu/eevdf/plugin"
	"github.com/Gthulhu/eevdf/plugin/dsq"
	"github.com/Gthulhu/eevdf/plugin/fair"
)

var _ plugin.Host = (*Host)(nil)

type taskPhase uint8

const (
	phasePending taskPhase = iota // not started yet
	phaseSleeping
	phaseQueued
	phaseRunning
	phaseExited
)

type simTask struct {
	task    *models.Task
	spec    TaskSpec
	phase   taskPhase
	burst   uint64 // ns left in the current burst
	wakeAt  uint64
	runtime uint64
	service uint64
}

// Result is what each task received over a run.
type Result struct {
	ElapsedNs uint64
	// Runtime is wall-clock ns on a CPU.
	Runtime map[int32]uint64
	// Service is runtime scaled by the capacity of the CPU it ran on.
	Service  map[int32]uint64
	Weights  map[int32]uint32
	Switches uint64
}

// WriteFairnessCSV writes one pid,weight,runtime_ns,service row per task.
func (r *Result) WriteFairnessCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"pid", "weight", "runtime_ns", "service"}); err != nil {
		return err
	}
	for _, pid := range r.Pids() {
		row := []string{
			strconv.FormatInt(int64(pid), 10),
			strconv.FormatUint(uint64(r.Weights[pid]), 10),
			strconv.FormatUint(r.Runtime[pid], 10),
			strconv.FormatUint(r.Service[pid], 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Pids returns the task ids in ascending order.
func (r *Result) Pids() []int32 {
	pids := make([]int32, 0, len(r.Runtime))
	for pid := range r.Runtime {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Runner plays a Workload against a policy on a Host, tick by tick.
type Runner struct {
	policy plugin.Policy
	host   *Host
	wl     Workload
	log    logrus.FieldLogger

	// ReportEveryNs and OnReport, when both set, are invoked periodically
	// with the simulated time.
	ReportEveryNs uint64
	OnReport      func(nowNs uint64)

	tasks   []*simTask
	byPid   map[int32]*simTask
	current []*simTask
	now     uint64

	mu      sync.Mutex
	pending map[int32]uint32
}

func NewRunner(policy plugin.Policy, host *Host, wl Workload) *Runner {
	wl.ApplyDefaults()
	return &Runner{
		policy:  policy,
		host:    host,
		wl:      wl,
		log:     logrus.WithField("component", "sim"),
		byPid:   make(map[int32]*simTask),
		current: make([]*simTask, host.NrCPUs()),
		pending: make(map[int32]uint32),
	}
}

func (r *Runner) SetLogger(l logrus.FieldLogger) {
	r.log = l
}

// RequestWeight asks for a weight change that is applied at the next tick.
// It is safe to call from any goroutine.
func (r *Runner) RequestWeight(pid int32, weight uint32) {
	r.mu.Lock()
	r.pending[pid] = weight
	r.mu.Unlock()
}

// Run drives all CPUs from a single goroutine.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	return r.run(ctx, false)
}

// RunConcurrent runs the per-CPU part of every tick on its own goroutine,
// so hooks for different CPUs race as they would on real hardware.
func (r *Runner) RunConcurrent(ctx context.Context) (*Result, error) {
	return r.run(ctx, true)
}

func (r *Runner) run(ctx context.Context, concurrent bool) (*Result, error) {
	if err := r.wl.Validate(r.host.NrCPUs()); err != nil {
		return nil, fmt.Errorf("invalid workload: %w", err)
	}
	if err := r.policy.Init(r.host); err != nil {
		return nil, fmt.Errorf("policy init failed: %w", err)
	}
	r.build()

	tick := r.wl.TickUs * 1000
	end := r.wl.DurationMs * 1000 * 1000
	var switches uint64
	nextReport := r.ReportEveryNs

	r.log.WithFields(logrus.Fields{
		"tasks":       len(r.tasks),
		"cpus":        r.host.NrCPUs(),
		"duration_ms": r.wl.DurationMs,
		"concurrent":  concurrent,
	}).Info("simulation started")

	for r.now = 0; r.now < end; r.now += tick {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.host.setNow(r.now)
		r.wakeTasks()
		r.applyEvents()

		if concurrent {
			g, gctx := errgroup.WithContext(ctx)
			counts := make([]uint64, r.host.NrCPUs())
			for cpu := range r.current {
				cpu := int32(cpu)
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					counts[cpu] = r.stepCPU(cpu, tick)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			for _, c := range counts {
				switches += c
			}
		} else {
			for cpu := range r.current {
				switches += r.stepCPU(int32(cpu), tick)
			}
		}

		if err := r.host.Err(); err != nil {
			return nil, fmt.Errorf("host contract violated at %dns: %w", r.now, err)
		}
		if r.OnReport != nil && r.ReportEveryNs > 0 && r.now+tick >= nextReport {
			r.OnReport(r.now + tick)
			nextReport += r.ReportEveryNs
		}
	}

	r.detach()
	r.log.WithField("switches", switches).Info("simulation finished")
	return r.result(end, switches), r.host.Err()
}

func (r *Runner) build() {
	for _, ts := range r.wl.Tasks {
		for i := 0; i < ts.Count; i++ {
			st := &simTask{
				task: &models.Task{
					Pid:     ts.Pid + int32(i),
					Cpu:     -1,
					Weight:  ts.Weight,
					Allowed: ts.allowed(),
				},
				spec:   ts,
				phase:  phasePending,
				wakeAt: ts.StartMs * 1000 * 1000,
			}
			r.tasks = append(r.tasks, st)
			r.byPid[st.task.Pid] = st
		}
	}
}

func (r *Runner) applyEvents() {
	for _, ev := range r.wl.Events {
		at := ev.AtMs * 1000 * 1000
		if at > r.now || at+r.wl.TickUs*1000 <= r.now {
			continue
		}
		st := r.byPid[ev.Pid]
		if st == nil || st.phase == phasePending || st.phase == phaseExited {
			continue
		}
		if ev.Weight > 0 {
			r.setWeight(st, ev.Weight)
		}
		if ev.Exit {
			r.exit(st)
		}
	}

	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int32]uint32)
	r.mu.Unlock()
	for pid, w := range pending {
		if st := r.byPid[pid]; st != nil && st.phase != phasePending && st.phase != phaseExited {
			r.setWeight(st, w)
		}
	}
}

func (r *Runner) setWeight(st *simTask, w uint32) {
	if err := r.policy.SetWeight(r.host, st.task, w); err != nil {
		r.log.WithError(err).WithField("pid", st.task.Pid).Warn("set_weight rejected")
	}
}

func (r *Runner) exit(st *simTask) {
	switch st.phase {
	case phaseRunning:
		r.policy.Stopping(r.host, st.task, false)
		r.current[st.task.Cpu] = nil
	case phaseQueued:
		r.host.queues.Remove(st.task.Pid)
	}
	r.policy.Disable(r.host, st.task)
	st.phase = phaseExited
}

func (r *Runner) wakeTasks() {
	for _, st := range r.tasks {
		switch st.phase {
		case phasePending:
			if st.wakeAt > r.now {
				continue
			}
			r.policy.Enable(r.host, st.task)
		case phaseSleeping:
			if st.wakeAt > r.now {
				continue
			}
		default:
			continue
		}
		st.burst = st.spec.RunUs * 1000
		st.phase = phaseQueued
		cpu := r.policy.SelectCPU(r.host, st.task, st.task.Cpu, 0)
		st.task.Cpu = cpu
		if _, queued := r.host.queues.Contains(st.task.Pid); !queued {
			r.policy.Enqueue(r.host, st.task, 0)
		}
	}
}

// stepCPU advances one CPU by one tick and returns the number of context
// switches it made.
func (r *Runner) stepCPU(cpu int32, tick uint64) uint64 {
	if st := r.current[cpu]; st != nil {
		r.charge(cpu, st, tick)
	}
	if r.current[cpu] != nil {
		return 0
	}

	t := r.host.queues.Pop(dsq.LocalID(cpu))
	if t == nil {
		r.policy.Dispatch(r.host, cpu, nil)
		t = r.host.queues.Pop(dsq.LocalID(cpu))
	}
	if t == nil {
		r.host.setIdle(cpu, true)
		return 0
	}
	r.host.setIdle(cpu, false)
	st := r.byPid[t.Pid]
	t.Cpu = cpu
	st.phase = phaseRunning
	r.current[cpu] = st
	r.policy.Running(r.host, t)
	return 1
}

func (r *Runner) charge(cpu int32, st *simTask, tick uint64) {
	t := st.task
	st.runtime += tick
	st.service += tick * uint64(r.host.Capacity(cpu)) / fair.CapacityScale
	if t.Slice > tick {
		t.Slice -= tick
	} else {
		t.Slice = 0
	}

	burstDone := false
	if st.burst > 0 {
		if st.burst > tick {
			st.burst -= tick
		} else {
			st.burst = 0
			burstDone = true
		}
	}

	switch {
	case burstDone:
		r.policy.Stopping(r.host, t, false)
		r.current[cpu] = nil
		st.phase = phaseSleeping
		st.wakeAt = r.now + tick + st.spec.SleepUs*1000
	case t.Slice == 0:
		r.policy.Stopping(r.host, t, true)
		r.current[cpu] = nil
		st.phase = phaseQueued
		r.policy.Enqueue(r.host, t, 0)
	}
}

// detach disables every live task, the way a host hands tasks back before
// unloading a policy.
func (r *Runner) detach() {
	for cpu, st := range r.current {
		if st != nil {
			r.policy.Stopping(r.host, st.task, false)
			r.current[cpu] = nil
		}
	}
	for _, st := range r.tasks {
		if st.phase == phasePending || st.phase == phaseExited {
			continue
		}
		r.host.queues.Remove(st.task.Pid)
		r.policy.Disable(r.host, st.task)
		st.phase = phaseExited
	}
}

func (r *Runner) result(elapsed, switches uint64) *Result {
	res := &Result{
		ElapsedNs: elapsed,
		Runtime:   make(map[int32]uint64, len(r.tasks)),
		Service:   make(map[int32]uint64, len(r.tasks)),
		Weights:   make(map[int32]uint32, len(r.tasks)),
		Switches:  switches,
	}
	for _, st := range r.tasks {
		res.Runtime[st.task.Pid] = st.runtime
		res.Service[st.task.Pid] = st.service
		res.Weights[st.task.Pid] = st.task.Weight
	}
	return res
}
