package session

import "time"

// Handle wraps a one-shot schedule with idempotent cancellation. A nil Handle
// cancels as a no-op, so callers never branch before cancelling.
type Handle struct {
	timer    *time.Timer
	deadline time.Time
}

// schedule arms a one-shot timer firing fn after d.
func schedule(d time.Duration, fn func()) *Handle {
	return &Handle{
		timer:    time.AfterFunc(d, fn),
		deadline: time.Now().Add(d),
	}
}

// Cancel stops the timer. Safe on nil and safe to call repeatedly; a handle
// whose callback already started cannot be recalled, which is why callbacks
// re-check state under the store lock.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.timer.Stop()
}

// Remaining returns the time left until the deadline, clamped at zero.
func (h *Handle) Remaining() time.Duration {
	if h == nil {
		return 0
	}
	if r := time.Until(h.deadline); r > 0 {
		return r
	}
	return 0
}
