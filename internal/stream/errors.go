package stream

import (
	"errors"
	"fmt"

	"github.com/idoleat/Mikey/internal/pcm"
)

var (
	// ErrInvalidState matches every *StateError.
	ErrInvalidState = errors.New("stream: operation not valid in current state")

	// ErrScheduling matches every *SchedulingError.
	ErrScheduling = errors.New("stream: clock could not be armed")

	ErrInvalidTrigger = errors.New("stream: unsupported trigger command")
	ErrWrongDirection = errors.New("stream: operation not supported for this direction")
	ErrNotFound       = errors.New("stream: substream not found")
	ErrStreamExists   = errors.New("stream: substream already open")
	ErrCardFull       = errors.New("stream: no free substreams on card")
)

// StateError reports an operation attempted in a state that does not allow it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("stream: %s not valid in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// SchedulingError reports that the clock refused to arm a timer. The
// substream is left in the prepared state.
type SchedulingError struct {
	Err error
}

func (e *SchedulingError) Error() string {
	return "stream: arming clock: " + e.Err.Error()
}

func (e *SchedulingError) Is(target error) bool {
	return target == ErrScheduling
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies err for metrics labels and status mapping.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, pcm.ErrInvalidConfig):
		return "config"
	case errors.Is(err, ErrInvalidState):
		return "state"
	case errors.Is(err, ErrScheduling):
		return "scheduling"
	case errors.Is(err, ErrInvalidTrigger), errors.Is(err, ErrWrongDirection):
		return "bad_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStreamExists), errors.Is(err, ErrCardFull):
		return "exists"
	default:
		return "other"
	}
}
