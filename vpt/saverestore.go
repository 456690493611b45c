package vpt

// SaveTimer stops the host timer backing every record on v that is not
// marked do_not_freeze, ahead of a deschedule (pt_save_timer in the
// original source). A blocked vCPU is never saved: it has no
// wall-clock progress to freeze, and pt_restore_timer will run again
// before it is ever unblocked.
func SaveTimer(v *VCPUTimers) {
	if v.Blocked() {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for pt := range v.list {
		if !pt.doNotFreeze {
			pt.timer.Stop()
		}
	}
}

// RestoreTimer re-arms every record on v whose pending count is still zero
// (pt_restore_timer in the original source): one with ticks already
// pending doesn't need its host timer re-armed to notice the gap, it
// already has a tick to deliver. For everything re-armed, missed ticks
// accumulated while stopped are folded in first so the mode's
// tick-accounting rules see them exactly once.
func RestoreTimer(v *VCPUTimers) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for pt := range v.list {
		if pt.pendingIntrNr != 0 {
			continue
		}

		processMissedTicks(v, pt)
		pt.timer.Set(pt.scheduled)
	}
}
