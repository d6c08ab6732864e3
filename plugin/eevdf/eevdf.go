package eevdf

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gthulhu/eevdf/plugin/capacity"
	"github.com/Gthulhu/eevdf/plugin/fair"
	reg "github.com/Gthulhu/eevdf/plugin/internal/registry"
	"github.com/Gthulhu/eevdf/plugin/telemetry"
)

const (
	// LagBoostDiv sets the lag boost threshold to quantum/LagBoostDiv.
	LagBoostDiv = 4
	// DispatchBatchMax caps how many tasks one dispatch call moves.
	DispatchBatchMax = 8
)

func init() {
	err := reg.RegisterNewPlugin("eevdf", func(ctx context.Context, config *reg.SchedConfig) (reg.Policy, error) {
		p := NewEEVDFPlugin(config.Scheduler.SliceNsDefault)

		if len(config.Capacity.CPUs) > 0 {
			refresher := &capacity.Refresher{
				Table:    p.capacities,
				Source:   capacity.StaticSource(config.Capacity.CPUs),
				Sink:     p.global,
				Interval: time.Duration(config.Capacity.RefreshInterval) * time.Second,
				Log:      p.log,
			}
			if _, err := refresher.RefreshOnce(ctx, true); err != nil {
				return nil, err
			}
		}
		if config.Telemetry.Enabled {
			p.SetTelemetry(telemetry.NewRecorder(config.Scheduler.NrCPUs))
		}
		return p, nil
	})
	if err != nil {
		panic(err)
	}
}

// EEVDFPlugin is an EEVDF policy that accounts for per-CPU compute capacity.
// Service is charged in capacity-normalized units and tasks are routed
// between a high and a low capacity queue by how far they lag the clock.
type EEVDFPlugin struct {
	sliceNsDefault uint64

	global     *fair.GlobalState
	tasks      *fair.Store
	capacities *capacity.Table
	stats      *telemetry.Recorder
	log        logrus.FieldLogger
}

var _ reg.Policy = (*EEVDFPlugin)(nil)

func NewEEVDFPlugin(sliceNsDefault uint64) *EEVDFPlugin {
	p := &EEVDFPlugin{
		sliceNsDefault: reg.DefaultSliceNs,
		global:         fair.NewGlobalState(),
		tasks:          fair.NewStore(),
		capacities:     capacity.NewTable(),
		log:            logrus.WithField("plugin", "eevdf"),
	}
	if sliceNsDefault > 0 {
		p.sliceNsDefault = sliceNsDefault
	}
	return p
}

// SetGlobalState shares a fairness clock with other components.
func (p *EEVDFPlugin) SetGlobalState(g *fair.GlobalState) {
	p.global = g
}

func (p *EEVDFPlugin) GlobalState() *fair.GlobalState {
	return p.global
}

// SetCapacityTable replaces the capacity table.
func (p *EEVDFPlugin) SetCapacityTable(t *capacity.Table) {
	p.capacities = t
}

func (p *EEVDFPlugin) CapacityTable() *capacity.Table {
	return p.capacities
}

// SetTelemetry enables counters and latency sampling; nil disables them.
func (p *EEVDFPlugin) SetTelemetry(r *telemetry.Recorder) {
	p.stats = r
}

func (p *EEVDFPlugin) Telemetry() *telemetry.Recorder {
	return p.stats
}

func (p *EEVDFPlugin) SetLogger(l logrus.FieldLogger) {
	p.log = l
}

// SliceNsDefault returns the default time slice.
func (p *EEVDFPlugin) SliceNsDefault() uint64 {
	return p.sliceNsDefault
}

// TaskState returns a copy of the fairness record of pid.
func (p *EEVDFPlugin) TaskState(pid int32) (fair.TaskFairness, bool) {
	tf := p.tasks.Get(pid)
	if tf == nil {
		return fair.TaskFairness{}, false
	}
	return *tf, true
}

// NrTasks returns the number of enabled tasks.
func (p *EEVDFPlugin) NrTasks() int {
	return p.tasks.Len()
}

// StartCapacityRefresher keeps the capacity table and max capacity in sync
// with src until ctx is done.
func (p *EEVDFPlugin) StartCapacityRefresher(ctx context.Context, src capacity.Source, interval time.Duration) {
	r := &capacity.Refresher{
		Table:    p.capacities,
		Source:   src,
		Sink:     p.global,
		Interval: interval,
		Log:      p.log,
	}
	r.Start(ctx)
}

// Init creates the class queues. Any failure aborts attachment.
func (p *EEVDFPlugin) Init(h reg.Host) error {
	if !p.global.HasMaxCapacity() {
		p.global.SetMaxCapacity(fair.CapacityScale)
	}
	for _, id := range []uint64{DSQHigh, DSQLow} {
		if err := h.CreateDSQ(id); err != nil {
			return fmt.Errorf("failed to create dispatch queue %d: %w", id, err)
		}
	}
	p.log.WithFields(logrus.Fields{
		"slice_ns":     p.sliceNsDefault,
		"max_capacity": p.global.MaxCapacity(),
	}).Info("eevdf policy initialized")
	return nil
}
