package vpt

import "github.com/vptcore/vpt/intctl"

// IntrPost reconciles a guest-acknowledged vector against the timer it came
// from (pt_intr_post in the original source), called once the guest's
// interrupt controller reports the vector has actually been taken. Looking
// the record up by (vector, ackSrc) rather than trusting the caller to pass
// the *PeriodicTime directly mirrors the original: acknowledgement arrives
// from the controller model, which only knows the vector it handed out, not
// which virtual timer it belongs to.
//
// Reconciliation clears irqIssued so the line can be reselected by
// UpdateIRQ, reduces the pending count per the configured tick-accounting
// mode, and advances the record's last-delivered guest-time stamp by one
// period (under ModeOneMissedTickPending it is instead restamped to the
// current guest time). pt.CB, if set, runs after the lock is released so device-model
// callbacks can themselves call back into this package (e.g. to reprogram
// the timer) without deadlocking.
func IntrPost(v *VCPUTimers, vector uint8, ackSrc AckSource, isa intctl.ISARouter) {
	v.mu.Lock()

	var fired *PeriodicTime

	for pt := range v.list {
		if !pt.irqIssued {
			continue
		}

		switch pt.Source {
		case SourceLAPIC:
			if pt.irq == vector {
				fired = pt
			}
		case SourceISA:
			if gotVector, gotSrc := irqVector(pt, isa); gotVector == vector && gotSrc == ackSrc {
				fired = pt
			}
		}

		if fired != nil {
			break
		}
	}

	if fired == nil {
		v.mu.Unlock()
		return
	}

	fired.irqIssued = false

	switch v.Mode() {
	case ModeOneMissedTickPending:
		// Collapses whatever piled up into the one tick just taken: the
		// guest is restamped to "caught up as of now" rather than credited
		// one period at a time.
		fired.pendingIntrNr = 0
		fired.lastPltGTime = v.guestNow()
	default:
		fired.pendingIntrNr--
		if fired.pendingIntrNr < 0 {
			fired.pendingIntrNr = 0
		}

		fired.lastPltGTime += int64(fired.periodCycles)
	}

	cb, priv := fired.CB, fired.Priv

	v.mu.Unlock()

	if cb != nil {
		cb(v, priv)
	}
}
