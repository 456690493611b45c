package hostclock

import (
	"container/heap"
	"sync"
	"time"

	"github.com/dpjacques/clockwork"
)

// ManualClock is a Clock that only advances when Advance is called. It lets
// tests drive the VPT core's expiry callback, missed-tick accounting, and
// save/restore paths deterministically instead of racing real sleeps.
//
// Adapted from gvisor's pkg/tcpip/faketime.ManualClock: a clockwork.FakeClock
// underneath, plus a min-heap of pending deadlines so Advance can step
// through them one at a time and block until each round's callbacks return.
type ManualClock struct {
	clock clockwork.FakeClock

	mu         sync.Mutex
	times      *timeHeap
	waitGroups map[time.Time]*sync.WaitGroup
}

// NewManualClock returns a ManualClock set to an arbitrary fixed epoch.
func NewManualClock() *ManualClock {
	return &ManualClock{
		clock:      clockwork.NewFakeClock(),
		times:      &timeHeap{},
		waitGroups: make(map[time.Time]*sync.WaitGroup),
	}
}

var _ Clock = (*ManualClock)(nil)

// NowNanoseconds implements Clock.
func (mc *ManualClock) NowNanoseconds() int64 {
	return mc.clock.Now().UnixNano()
}

// AfterFunc implements Clock.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	until := mc.clock.Now().Add(d)
	wg := mc.addWait(until)

	return &manualTimer{
		clock: mc,
		until: until,
		timer: mc.clock.AfterFunc(d, func() {
			defer wg.Done()
			f()
		}),
	}
}

func (mc *ManualClock) addWait(t time.Time) *sync.WaitGroup {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	wg, ok := mc.waitGroups[t]
	if ok {
		wg.Add(1)
		return wg
	}

	heap.Push(mc.times, t)
	wg = &sync.WaitGroup{}
	wg.Add(1)
	mc.waitGroups[t] = wg

	return wg
}

func (mc *ManualClock) removeWait(t time.Time) {
	mc.mu.Lock()
	wg := mc.waitGroups[t]
	mc.mu.Unlock()

	if wg != nil {
		wg.Done()
	}
}

// Advance moves the clock forward by d, running (and waiting for) every
// callback scheduled to fire within that window, in order.
func (mc *ManualClock) Advance(d time.Duration) {
	until := mc.clock.Now().Add(d)

	for {
		mc.mu.Lock()
		if mc.times.Len() == 0 {
			mc.mu.Unlock()
			break
		}

		t := (*mc.times)[0]
		if t.After(until) {
			mc.mu.Unlock()
			break
		}

		heap.Pop(mc.times)
		wg := mc.waitGroups[t]
		mc.mu.Unlock()

		mc.clock.Advance(t.Sub(mc.clock.Now()))
		wg.Wait()

		mc.mu.Lock()
		delete(mc.waitGroups, t)
		mc.mu.Unlock()
	}

	if now := mc.clock.Now(); until.After(now) {
		mc.clock.Advance(until.Sub(now))
	}
}

type manualTimer struct {
	clock *ManualClock
	timer clockwork.Timer

	mu    sync.Mutex
	until time.Time
}

var _ Timer = (*manualTimer)(nil)

func (t *manualTimer) Reset(d time.Duration) bool {
	ok := t.timer.Reset(d)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock.removeWait(t.until)
	t.until = t.clock.clock.Now().Add(d)
	t.clock.addWait(t.until)

	return ok
}

func (t *manualTimer) Stop() bool {
	if !t.timer.Stop() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock.removeWait(t.until)

	return true
}

type timeHeap []time.Time

var _ heap.Interface = (*timeHeap)(nil)

func (h timeHeap) Len() int            { return len(h) }
func (h timeHeap) Less(i, j int) bool  { return h[i].Before(h[j]) }
func (h timeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeHeap) Push(x interface{}) { *h = append(*h, x.(time.Time)) }

func (h *timeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]

	return v
}
