package clock

import (
	"sync"
	"time"
)

// Timer is a Clock backed by time.AfterFunc.
type Timer struct {
	maxTimers int

	mu    sync.Mutex
	armed int
}

// NewTimer creates a timer clock. maxTimers bounds the number of handles that
// may be armed at once; zero means unlimited.
func NewTimer(maxTimers int) *Timer {
	if maxTimers < 0 {
		maxTimers = 0
	}
	return &Timer{maxTimers: maxTimers}
}

// Arm implements Clock.
func (c *Timer) Arm(delay time.Duration, cb Callback) (Handle, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}

	c.mu.Lock()
	if c.maxTimers > 0 && c.armed >= c.maxTimers {
		c.mu.Unlock()
		return nil, ErrExhausted
	}
	c.armed++
	c.mu.Unlock()

	h := &timerHandle{clock: c, cb: cb}

	// Hold the handle lock so fire cannot observe a nil timer.
	h.mu.Lock()
	h.timer = time.AfterFunc(delay, h.fire)
	h.mu.Unlock()

	return h, nil
}

// Armed returns the number of handles that have not been disarmed yet.
func (c *Timer) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *Timer) release() {
	c.mu.Lock()
	c.armed--
	c.mu.Unlock()
}

type timerHandle struct {
	clock *Timer
	cb    Callback

	mu       sync.Mutex
	timer    *time.Timer
	disarmed bool
	running  bool
	idle     chan struct{} // closed when the in-flight callback returns

	// Rearm requests made while the callback is running are deferred until
	// it returns.
	rearm      bool
	rearmDelay time.Duration
}

func (h *timerHandle) fire() {
	h.mu.Lock()
	if h.disarmed {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.idle = make(chan struct{})
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		if h.rearm && !h.disarmed {
			h.timer.Reset(h.rearmDelay)
		}
		h.rearm = false
		close(h.idle)
		h.mu.Unlock()
	}()

	h.cb()
}

// Rearm implements Handle.
func (h *timerHandle) Rearm(delay time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disarmed {
		return false
	}

	if h.running {
		h.rearm = true
		h.rearmDelay = delay
		return true
	}

	h.timer.Reset(delay)
	return true
}

// Disarm implements Handle.
func (h *timerHandle) Disarm() {
	h.mu.Lock()
	first := !h.disarmed
	h.disarmed = true
	h.rearm = false
	h.timer.Stop()
	running, idle := h.running, h.idle
	h.mu.Unlock()

	if first {
		h.clock.release()
	}

	if running {
		<-idle
	}
}
