package hostclock

import (
	"sync"
	"time"
)

// HostTimer is the per-timer-record host timer handle: init_timer,
// set_timer, stop_timer, kill_timer and migrate_timer from the VPT core's
// point of view.
//
// Kill's synchronous drain (kill_timer must block until any in-flight
// callback has returned, and must be safe to call without the record's own
// lock held) is implemented with a RWMutex used purely as a barrier: fire
// holds it for read for the duration of the callback, Kill takes it for
// write, which blocks until every in-flight reader has released it. This is
// the same wait-for-in-flight-work shape the teacher uses with
// sync.WaitGroup around vCPU goroutines before a VM shuts down, just applied
// to a single callback instead of a pool of goroutines.
type HostTimer struct {
	clock Clock
	fn    func()

	mu     sync.Mutex
	timer  Timer
	pcpu   int
	killed bool

	drain sync.RWMutex
}

// NewHostTimer is init_timer: binds fn to the given clock and physical CPU,
// but does not arm it.
func NewHostTimer(clock Clock, pcpu int, fn func()) *HostTimer {
	return &HostTimer{clock: clock, fn: fn, pcpu: pcpu}
}

// Set is set_timer: arms (or rearms) the timer to fire at absolute deadline
// deadlineNS on the host clock.
func (h *HostTimer) Set(deadlineNS int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.killed {
		return
	}

	d := time.Duration(deadlineNS - h.clock.NowNanoseconds())
	if d < 0 {
		d = 0
	}

	if h.timer != nil {
		h.timer.Stop()
	}

	h.timer = h.clock.AfterFunc(d, h.fire)
}

// Stop is stop_timer: prevents a pending firing, if any. The timer may be
// re-armed afterwards with Set.
func (h *HostTimer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
}

// Migrate is migrate_timer: rebinds the timer to a new physical CPU. In this
// implementation the callback always runs on whichever goroutine the clock's
// timer wheel schedules it on; pcpu is bookkeeping only, consulted by
// callers that want to know timer affinity (e.g. for logging), mirroring
// that pt_migrate changes only which processor services the callback, never
// pt->vcpu itself.
func (h *HostTimer) Migrate(pcpu int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pcpu = pcpu
}

// PCPU returns the physical CPU this timer currently believes it is bound to.
func (h *HostTimer) PCPU() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pcpu
}

func (h *HostTimer) fire() {
	h.drain.RLock()
	defer h.drain.RUnlock()

	h.mu.Lock()
	killed := h.killed
	h.mu.Unlock()

	if killed {
		return
	}

	h.fn()
}

// Kill is kill_timer: stops the timer and blocks until any callback already
// in flight has returned. Callers must not hold the owning record's lock,
// or a callback blocked on that same lock deadlocks against this call.
func (h *HostTimer) Kill() {
	h.mu.Lock()
	h.killed = true

	if h.timer != nil {
		h.timer.Stop()
	}

	h.mu.Unlock()

	h.drain.Lock()
	h.drain.Unlock() //nolint:staticcheck // used purely as a drain barrier
}
