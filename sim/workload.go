package sim

import (
	"fmt"

	"k8s.io/utils/cpuset"
)

const (
	DefaultDurationMs = 1000
	DefaultTickUs     = 100
)

// TaskSpec describes one task, or Count copies with consecutive pids.
type TaskSpec struct {
	Pid    int32  `yaml:"pid"`
	Count  int    `yaml:"count"`
	Weight uint32 `yaml:"weight"`
	// CPUs restricts affinity; empty means any CPU.
	CPUs []int `yaml:"cpus"`
	// RunUs is the length of a CPU burst; 0 runs forever.
	RunUs uint64 `yaml:"run_us"`
	// SleepUs is the pause between bursts.
	SleepUs uint64 `yaml:"sleep_us"`
	StartMs uint64 `yaml:"start_ms"`
}

// Event changes a task at a point of simulated time.
type Event struct {
	AtMs   uint64 `yaml:"at_ms"`
	Pid    int32  `yaml:"pid"`
	Weight uint32 `yaml:"weight"`
	Exit   bool   `yaml:"exit"`
}

// Workload is a scripted task set played against a policy.
type Workload struct {
	DurationMs uint64     `yaml:"duration_ms"`
	TickUs     uint64     `yaml:"tick_us"`
	Tasks      []TaskSpec `yaml:"tasks"`
	Events     []Event    `yaml:"events"`
}

func (w *Workload) ApplyDefaults() {
	if w.DurationMs == 0 {
		w.DurationMs = DefaultDurationMs
	}
	if w.TickUs == 0 {
		w.TickUs = DefaultTickUs
	}
	for i := range w.Tasks {
		if w.Tasks[i].Count <= 0 {
			w.Tasks[i].Count = 1
		}
	}
}

// Validate rejects duplicate pids and affinities outside the machine.
func (w *Workload) Validate(nrCPUs int) error {
	seen := make(map[int32]bool)
	for _, ts := range w.Tasks {
		if ts.Pid <= 0 {
			return fmt.Errorf("task pid must be positive, got %d", ts.Pid)
		}
		for i := 0; i < ts.Count; i++ {
			pid := ts.Pid + int32(i)
			if seen[pid] {
				return fmt.Errorf("duplicate task pid %d", pid)
			}
			seen[pid] = true
		}
		for _, cpu := range ts.CPUs {
			if cpu < 0 || cpu >= nrCPUs {
				return fmt.Errorf("task %d: cpu %d out of range [0, %d)", ts.Pid, cpu, nrCPUs)
			}
		}
	}
	for _, ev := range w.Events {
		if !seen[ev.Pid] {
			return fmt.Errorf("event at %dms names unknown pid %d", ev.AtMs, ev.Pid)
		}
	}
	return nil
}

func (ts TaskSpec) allowed() cpuset.CPUSet {
	return cpuset.New(ts.CPUs...)
}
