// Package hostclock is the VPT core's external monotonic-clock and
// one-shot host-timer facility. The VPT core itself never reads the wall
// clock or arms hardware timers directly; it is handed a Clock and, per
// timer record, a HostTimer built from one. Real callers use RealClock;
// tests use ManualClock so timer-driven scenarios are deterministic instead
// of racing real sleeps.
package hostclock

import "time"

// Clock is the minimal surface the VPT core needs from the host's monotonic
// clock and one-shot timer facility: NOW() and init_timer/set_timer's
// AfterFunc.
type Clock interface {
	// NowNanoseconds returns the current host-monotonic time in nanoseconds.
	NowNanoseconds() int64

	// AfterFunc arms a one-shot callback after duration d and returns a
	// handle to reset or stop it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single armed one-shot callback.
type Timer interface {
	// Reset reschedules the timer to fire after d, as if newly armed.
	Reset(d time.Duration) bool

	// Stop prevents the timer from firing if it has not already done so.
	Stop() bool
}

// RealClock is the production Clock, backed by the Go runtime's monotonic
// clock and timer wheel.
type RealClock struct{}

var _ Clock = RealClock{}

// monoEpoch anchors RealClock's readings to the runtime's monotonic clock.
var monoEpoch = time.Now()

// NowNanoseconds implements Clock.
func (RealClock) NowNanoseconds() int64 { return time.Since(monoEpoch).Nanoseconds() }

// AfterFunc implements Clock.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r realTimer) Stop() bool                 { return r.t.Stop() }
