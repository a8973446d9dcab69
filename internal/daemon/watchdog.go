package daemon

import (
	"sync/atomic"
	"time"
)

const (
	watchdogArmed int32 = iota
	watchdogFired
	watchdogStopped
)

// Watchdog fires onExpire once when a daemon's wall-clock budget elapses.
type Watchdog struct {
	timer *time.Timer
	state atomic.Int32
}

// StartWatchdog arms a watchdog. A non-positive budget never fires.
func StartWatchdog(budget time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{}
	if budget <= 0 {
		w.state.Store(watchdogStopped)
		return w
	}
	w.timer = time.AfterFunc(budget, func() {
		if w.state.CompareAndSwap(watchdogArmed, watchdogFired) {
			onExpire()
		}
	})
	return w
}

// Stop disarms the watchdog and reports whether it prevented the callback.
// It is idempotent and safe after the watchdog fired.
func (w *Watchdog) Stop() bool {
	if w == nil {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.state.CompareAndSwap(watchdogArmed, watchdogStopped)
}

// Fired reports whether the budget elapsed before Stop.
func (w *Watchdog) Fired() bool { return w != nil && w.state.Load() == watchdogFired }
