package clock

import (
	"errors"
	"time"
)

// DefaultInterval is the tick delay used when none is configured.
const DefaultInterval = 10 * time.Millisecond

// ErrExhausted is returned by Arm when the clock cannot schedule another timer
var ErrExhausted = errors.New("clock: timer budget exhausted")

// ErrNilCallback is returned by Arm when no callback is supplied
var ErrNilCallback = errors.New("clock: nil callback")

// Callback is the work executed once per fire.
type Callback func()

// Clock schedules one-shot callbacks.
type Clock interface {
	// Arm schedules cb to run once after delay on a goroutine other than
	// the caller's.
	Arm(delay time.Duration, cb Callback) (Handle, error)
}

// Handle controls one armed callback.
//
// Rearm is meant to be called from inside the callback; the next fire is not
// scheduled until the current invocation has returned, so two invocations
// for the same handle never overlap. Disarm blocks until an in-flight
// invocation has completed and must therefore never be called from the
// callback itself.
type Handle interface {
	Rearm(delay time.Duration) bool
	Disarm()
}
