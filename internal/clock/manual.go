package clock

import (
	"sync"
	"time"
)

// Manual is a Clock driven by explicit calls to Advance. Callbacks run on the
// goroutine that calls Advance, in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	handles []*manualHandle
	limit   int
	armed   int
}

// NewManual creates a manual clock starting at the Unix epoch.
func NewManual() *Manual {
	return &Manual{now: time.Unix(0, 0)}
}

// SetLimit bounds the number of simultaneously armed handles; zero means
// unlimited.
func (m *Manual) SetLimit(n int) {
	m.mu.Lock()
	m.limit = n
	m.mu.Unlock()
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of handles waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.handles {
		if h.pending {
			n++
		}
	}
	return n
}

// Armed returns the number of handles that have not been disarmed.
func (m *Manual) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Arm implements Clock.
func (m *Manual) Arm(delay time.Duration, cb Callback) (Handle, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && m.armed >= m.limit {
		return nil, ErrExhausted
	}
	m.armed++

	h := &manualHandle{
		clock:   m,
		cb:      cb,
		due:     m.now.Add(minDelay(delay)),
		pending: true,
	}
	m.handles = append(m.handles, h)
	return h, nil
}

// Advance moves virtual time forward by d, running every callback that
// becomes due on the way.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)

	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}

		m.now = next.due
		next.pending = false
		next.running = true
		next.idle = make(chan struct{})
		m.mu.Unlock()

		next.cb()

		m.mu.Lock()
		next.running = false
		close(next.idle)
	}

	m.now = target
	m.mu.Unlock()
}

// nextDue returns the pending handle with the earliest deadline not after
// target. Callers hold m.mu.
func (m *Manual) nextDue(target time.Time) *manualHandle {
	var next *manualHandle
	for _, h := range m.handles {
		if !h.pending || h.due.After(target) {
			continue
		}
		if next == nil || h.due.Before(next.due) {
			next = h
		}
	}
	return next
}

func (m *Manual) remove(h *manualHandle) {
	for i, candidate := range m.handles {
		if candidate == h {
			m.handles = append(m.handles[:i], m.handles[i+1:]...)
			m.armed--
			return
		}
	}
}

type manualHandle struct {
	clock *Manual
	cb    Callback

	// Guarded by clock.mu.
	due      time.Time
	pending  bool
	running  bool
	disarmed bool
	idle     chan struct{}
}

// Rearm implements Handle.
func (h *manualHandle) Rearm(delay time.Duration) bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()

	if h.disarmed {
		return false
	}
	h.due = h.clock.now.Add(minDelay(delay))
	h.pending = true
	return true
}

// Disarm implements Handle.
func (h *manualHandle) Disarm() {
	h.clock.mu.Lock()
	if !h.disarmed {
		h.disarmed = true
		h.pending = false
		h.clock.remove(h)
	}
	running, idle := h.running, h.idle
	h.clock.mu.Unlock()

	if running {
		<-idle
	}
}

// minDelay keeps a zero delay from spinning Advance forever.
func minDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
