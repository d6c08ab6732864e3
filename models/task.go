package models

import "k8s.io/utils/cpuset"

// Task is the host-visible descriptor of a task handed to a scheduling policy
// (see sched_ext_entity in the kernel).
type Task struct {
	Pid     int32         // pid that uniquely identifies a task
	Cpu     int32         // CPU where the task last ran or was selected to run
	Weight  uint32        // Task weight derived from its nice value (0 = unset)
	Vtime   uint64        // Eligible virtual time, persisted by the host across hooks
	Slice   uint64        // Remaining time slice in nanoseconds
	Allowed cpuset.CPUSet // CPUs the task may run on; empty means unrestricted
}

// CanRunOn reports whether the task's affinity allows cpu.
func (t *Task) CanRunOn(cpu int32) bool {
	if t.Allowed.IsEmpty() {
		return true
	}
	return t.Allowed.Contains(int(cpu))
}
