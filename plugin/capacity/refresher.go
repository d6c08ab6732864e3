package capacity

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRefreshInterval is how often capacities are re-read.
const DefaultRefreshInterval = 5 * time.Second

// MaxCapacitySink receives the derived max capacity after each refresh.
type MaxCapacitySink interface {
	MaxCapacity() uint32
	SetMaxCapacity(uint32)
}

// Refresher periodically copies capacities from a Source into a Table and
// publishes the maximum to a sink.
type Refresher struct {
	Table    *Table
	Source   Source
	Sink     MaxCapacitySink
	Interval time.Duration
	Log      logrus.FieldLogger
}

// RefreshOnce performs a single refresh cycle. force logs the result even
// when nothing changed.
func (r *Refresher) RefreshOnce(ctx context.Context, force bool) (bool, error) {
	maxCap, changed, err := r.Table.Refresh(ctx, r.Source)
	if err != nil {
		return false, err
	}
	if r.Sink != nil && r.Sink.MaxCapacity() != maxCap {
		r.Sink.SetMaxCapacity(maxCap)
		changed = true
	}
	if force || changed {
		kind := "homogeneous"
		if maxCap != FullScale {
			kind = "heterogeneous"
		}
		r.logger().WithFields(logrus.Fields{
			"max_capacity": maxCap,
			"topology":     kind,
			"updated":      changed,
		}).Info("cpu capacities refreshed")
	}
	return changed, nil
}

// Start runs an immediate refresh and then one per interval until ctx is
// cancelled.
func (r *Refresher) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		if _, err := r.RefreshOnce(ctx, true); err != nil {
			r.logger().WithError(err).Warn("initial capacity refresh failed")
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RefreshOnce(ctx, false); err != nil {
					r.logger().WithError(err).Warn("capacity refresh failed")
				}
			}
		}
	}()
}

func (r *Refresher) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}
