package capacity

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gthulhu/eevdf/plugin/fair"
)

func TestTableDefaultsToFullScale(t *testing.T) {
	tbl := NewTable()

	assert.Equal(t, uint32(fair.CapacityScale), uint32(FullScale))
	assert.Equal(t, uint32(FullScale), tbl.Get(0))
	assert.Equal(t, uint32(FullScale), tbl.Get(-1))
	assert.Equal(t, uint32(FullScale), tbl.Get(MaxCPUs))

	changed, err := tbl.Set(3, 400)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint32(400), tbl.Get(3))

	changed, err = tbl.Set(3, 400)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = tbl.Set(MaxCPUs, 1)
	assert.Error(t, err)
}

func TestTableRefresh(t *testing.T) {
	tbl := NewTable()

	maxCap, changed, err := tbl.Refresh(context.Background(), StaticSource{1024, 1024, 400, 0})
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), maxCap)
	assert.True(t, changed)
	assert.Equal(t, uint32(400), tbl.Get(2))
	assert.Equal(t, uint32(FullScale), tbl.Get(3), "unreported cpu keeps full scale")

	_, changed, err = tbl.Refresh(context.Background(), StaticSource{1024, 1024, 400, 0})
	require.NoError(t, err)
	assert.False(t, changed)

	maxCap, _, err = tbl.Refresh(context.Background(), StaticSource{})
	require.NoError(t, err)
	assert.Equal(t, uint32(FullScale), maxCap, "empty source falls back to full scale")
}

func TestTableRefreshError(t *testing.T) {
	tbl := NewTable()
	src := SourceFunc(func(context.Context) ([]uint32, error) {
		return nil, errors.New("sysfs unavailable")
	})

	_, _, err := tbl.Refresh(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sysfs unavailable")
}

type sink struct{ v atomic.Uint32 }

func (s *sink) MaxCapacity() uint32     { return s.v.Load() }
func (s *sink) SetMaxCapacity(c uint32) { s.v.Store(c) }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRefresherPublishesMaxCapacity(t *testing.T) {
	s := &sink{}
	r := &Refresher{
		Table:  NewTable(),
		Source: StaticSource{512, 768},
		Sink:   s,
		Log:    quietLogger(),
	}

	changed, err := r.RefreshOnce(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint32(768), s.MaxCapacity())

	changed, err = r.RefreshOnce(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRefresherStartStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	s := &sink{}
	r := &Refresher{
		Table: NewTable(),
		Source: SourceFunc(func(context.Context) ([]uint32, error) {
			calls.Add(1)
			return []uint32{1024, 300}, nil
		}),
		Sink:     s,
		Interval: 5 * time.Millisecond,
		Log:      quietLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(1024), s.MaxCapacity())
	cancel()
}
