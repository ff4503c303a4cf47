package dm

import (
	"fmt"
	"time"

	"github.com/larkin-io/go-dm/internal/hookpool"
)

// completionState carries the per-request bookkeeping a hook tracks
// between Submit and the moment the underlying I/O finishes: which
// target to notify, which hook to release, and the completion the
// trampoline must restore and chain into once its own work is done.
type completionState struct {
	hook       *hookpool.Hook
	target     Target
	start      time.Time
	bytes      uint64
	origSector uint64

	prevFn  CompletionFunc
	prevCtx any
}

// Submit routes req through dev's bound mapping table. A request
// arriving while the device is Suspended is parked on the deferred
// queue instead (drained later when Activate flushes it); otherwise
// its Sector is located in the table, rewritten range-relative, and
// handed to the owning target's Map.
//
// The suspended check and the park onto the deferred queue happen
// under the same write lock that Activate takes to flip state and
// flush the queue, so a concurrent Activate can never drain the queue
// in the window between Submit observing Suspended and Submit's push
// actually landing — the request is seen either before the flip (and
// parked, to be flushed) or after it (and re-read as Active here, so
// it proceeds through the normal mapping path below instead).
//
// On a Remapped result, Submit returns nil and the caller is expected
// to issue the now-rewritten request against the underlying storage
// and call req.Complete(err) when it finishes — Submit has already
// installed a completion hook that runs first, releasing the device's
// bookkeeping before chaining into whatever completion the caller
// itself had registered.
func (e *Engine) Submit(dev *Device, req *Request) error {
	start := time.Now()

	dev.mu.Lock()
	state := dev.state
	if state == StateSuspended {
		dev.deferredQ.Push(req)
		dev.mu.Unlock()
		if dev.observer != nil {
			dev.observer.ObserveDefer()
		}
		return nil
	}
	tbl := dev.table
	dev.mu.Unlock()

	if state != StateActive {
		return NewDeviceError("submit", dev.Minor, ErrCodeNoSuchDevice, fmt.Sprintf("device not active (state=%s)", state))
	}
	if tbl == nil {
		return NewDeviceError("submit", dev.Minor, ErrCodeEmptyTable, "no table bound")
	}

	idx, ok := tbl.tree.Lookup(req.Sector)
	if !ok {
		if dev.observer != nil {
			dev.observer.ObserveFailure()
		}
		return NewDeviceError("submit", dev.Minor, ErrCodeIOError, fmt.Sprintf("sector %d out of range", req.Sector))
	}
	rng := tbl.ranges[idx]

	hook, ok := dev.hooks.Get()
	if !ok {
		if dev.observer != nil {
			dev.observer.ObserveHookExhausted()
		}
		return NewDeviceError("submit", dev.Minor, ErrCodeIOError, "hook pool exhausted")
	}

	origSector := req.Sector
	req.Sector = origSector - rng.start

	cs := &completionState{hook: hook, target: rng.target, start: start, bytes: uint64(req.Length), origSector: origSector}
	prevFn, prevCtx := req.hookCompletion(dev.completionTrampoline, cs)
	cs.prevFn, cs.prevCtx = prevFn, prevCtx

	dev.addInFlight(1)

	result := rng.target.Map(req)
	switch result.Kind {
	case Remapped:
		req.Sector = result.Sector
		return nil
	case DeferredByTarget:
		return nil
	default: // MapError
		req.hookCompletion(prevFn, prevCtx)
		dev.hooks.Put(cs.hook)
		dev.addInFlight(-1)
		req.Sector = origSector
		if dev.observer != nil {
			dev.observer.ObserveFailure()
		}
		return WrapError("submit", result.Err)
	}
}

// completionTrampoline is installed by Submit as the request's
// completion function. It gives the target a chance to translate the
// final error, releases the hook and in-flight accounting, restores
// the request's original sector and completion pair, and chains into
// whatever completion was registered before Submit ran.
func (d *Device) completionTrampoline(req *Request, ctx any, err error) {
	cs := ctx.(*completionState)

	finalErr := cs.target.End(req, err)

	d.hooks.Put(cs.hook)
	d.addInFlight(-1)

	latency := time.Since(cs.start)
	if d.observer != nil {
		if finalErr != nil {
			d.observer.ObserveFailure()
		} else {
			d.observer.ObserveMap(cs.bytes, uint64(latency.Nanoseconds()))
		}
	}

	req.Sector = cs.origSector
	req.hookCompletion(cs.prevFn, cs.prevCtx)
	if cs.prevFn != nil {
		cs.prevFn(req, cs.prevCtx, finalErr)
	}
}

// addInFlight adjusts the device's in-flight counter and wakes any
// goroutine blocked in Suspend once it reaches zero.
func (d *Device) addInFlight(delta int64) {
	d.mu.Lock()
	d.inFlight += delta
	hitZero := d.inFlight == 0
	d.mu.Unlock()
	if hitZero {
		d.drainCond.Broadcast()
	}
	if d.observer != nil {
		d.observer.ObserveInFlightDelta(delta)
	}
}
