package vpt

// timerFn is the host timer facility's expiry callback (pt_timer_fn in the
// original source): invoked when the host clock reaches pt.scheduled. It
// may run on any physical CPU and must not assume it shares a CPU with the
// vCPU it belongs to.
func timerFn(pt *PeriodicTime) {
	withTimerLock(pt, func(v *VCPUTimers) {
		if v.Mode() != ModeNoMissedTicksPending || pt.pendingIntrNr == 0 {
			pt.pendingIntrNr++
		}

		if !pt.oneShot {
			pt.scheduled += pt.period.Nanoseconds()
			processMissedTicks(v, pt)
			pt.timer.Set(pt.scheduled)
		}

		v.kicker.KickVCPU(v)
	})
}

// processMissedTicks applies the configured tick-accounting mode whenever
// the host has been allowed to get ahead of pt.scheduled: on thaw (restore)
// and on every periodic expiry. Must be called with v.mu held. A no-op for
// one-shot timers.
func processMissedTicks(v *VCPUTimers, pt *PeriodicTime) {
	if pt.oneShot {
		return
	}

	now := v.clock.NowNanoseconds()

	missedNS := now - pt.scheduled
	if missedNS <= 0 {
		return
	}

	periodNS := pt.period.Nanoseconds()
	missed := missedNS/periodNS + 1

	switch v.Mode() {
	case ModeDelayForMissedTicks:
		// pending_intr_nr is left untouched: the missed ticks are dropped
		// rather than delivered as a burst. Guest time is not stalled
		// across the gap; SaveTimer and RestoreTimer do not freeze or thaw
		// it.
	case ModeNoMissedTicksPending:
		// Never accumulate more than one pending tick: a fresh one is
		// only "about to arrive" (do_not_freeze) when nothing was already
		// pending.
		pt.doNotFreeze = pt.pendingIntrNr == 0
	case ModeOneMissedTickPending, ModeNoDelay:
		pt.pendingIntrNr += int(missed)
	}

	pt.scheduled += missed * periodNS
}
