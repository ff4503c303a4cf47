package dm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newActiveDevice(t *testing.T, e *Engine, lines []TableLine) *Device {
	t.Helper()
	dev, err := e.Create(DefaultDeviceOptions())
	require.NoError(t, err)
	require.NoError(t, e.BindTable(dev, lines))
	require.NoError(t, e.Activate(dev))
	return dev
}

func TestSubmitRemapsIntoRangeRelativeSector(t *testing.T) {
	e := newTestEngine(t)
	dev := newActiveDevice(t, e, []TableLine{
		{Start: 0, End: 99, Type: "linear"},
		{Start: 100, End: 199, Type: "linear"},
	})

	req := &Request{Op: OpRead, Sector: 150, Length: 512}
	var completed bool
	var completedErr error
	req.OnComplete(func(r *Request, ctx any, err error) {
		completed = true
		completedErr = err
	})

	err := e.Submit(dev, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), req.Sector, "sector should be rewritten relative to the second range's start")

	req.Complete(nil)

	assert.True(t, completed)
	assert.NoError(t, completedErr)
	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.RequestsMapped)
}

func TestSubmitOutOfRangeSectorFails(t *testing.T) {
	e := newTestEngine(t)
	dev := newActiveDevice(t, e, []TableLine{{Start: 0, End: 9, Type: "linear"}})

	err := e.Submit(dev, &Request{Op: OpRead, Sector: 100})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeIOError))
}

func TestSubmitDefersWhileSuspended(t *testing.T) {
	e := newTestEngine(t)
	dev := newActiveDevice(t, e, []TableLine{{Start: 0, End: 9, Type: "linear"}})
	require.NoError(t, e.Suspend(dev))

	req := &Request{Op: OpWrite, Sector: 4}
	require.NoError(t, e.Submit(dev, req))
	assert.Equal(t, 1, dev.deferredQ.Len())

	require.NoError(t, e.BindTable(dev, []TableLine{{Start: 0, End: 9, Type: "linear"}}))
	require.NoError(t, e.Activate(dev))
	assert.Equal(t, 0, dev.deferredQ.Len(), "activate should flush everything parked during the suspend")
}

func TestSubmitMapErrorReleasesHookAndInFlight(t *testing.T) {
	e := newTestEngine(t)
	tt := NewMockTargetType("failing")
	require.NoError(t, e.RegisterTargetType(tt))

	dev := newActiveDevice(t, e, []TableLine{{Start: 0, End: 9, Type: "failing"}})

	mocks := tt.Created()
	require.Len(t, mocks, 1)
	mocks[0].MapFunc = func(req *Request) MapResult {
		return MapResult{Kind: MapError, Err: errors.New("backing store unavailable")}
	}

	before := dev.hooks.InUse()
	err := e.Submit(dev, &Request{Op: OpRead, Sector: 2})
	require.Error(t, err)
	assert.Equal(t, before, dev.hooks.InUse(), "hook should be released back to the pool on a map error")

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.RequestsFailed)
}

func TestSubmitHookPoolExhaustion(t *testing.T) {
	e := newTestEngine(t)
	opts := DefaultDeviceOptions()
	opts.HookPoolSize = 1
	dev, err := e.Create(opts)
	require.NoError(t, err)
	require.NoError(t, e.BindTable(dev, []TableLine{{Start: 0, End: 99, Type: "linear"}}))
	require.NoError(t, e.Activate(dev))

	req1 := &Request{Op: OpRead, Sector: 1}
	require.NoError(t, e.Submit(dev, req1))

	err = e.Submit(dev, &Request{Op: OpRead, Sector: 2})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeIOError))

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.HookPoolExhausted)
}

func TestSubmitDeferredByTargetLeavesRequestOwned(t *testing.T) {
	e := newTestEngine(t)
	tt := NewMockTargetType("async")
	require.NoError(t, e.RegisterTargetType(tt))
	dev := newActiveDevice(t, e, []TableLine{{Start: 0, End: 9, Type: "async"}})

	mocks := tt.Created()
	require.Len(t, mocks, 1)
	mocks[0].MapFunc = func(req *Request) MapResult {
		return MapResult{Kind: DeferredByTarget}
	}

	inUseBefore := dev.hooks.InUse()
	err := e.Submit(dev, &Request{Op: OpWrite, Sector: 3})
	require.NoError(t, err)
	assert.Equal(t, inUseBefore+1, dev.hooks.InUse(), "hook stays checked out until the target completes the request itself")
}
