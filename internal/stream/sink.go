package stream

import (
	"sync/atomic"
	"time"
)

// PeriodEvent describes one elapsed period.
type PeriodEvent struct {
	StreamID       uint32    `json:"stream_id"`
	Direction      Direction `json:"direction"`
	Sequence       uint32    `json:"sequence"`
	PositionBytes  uint32    `json:"position_bytes"`
	PositionFrames uint32    `json:"position_frames"`
	Wrapped        bool      `json:"wrapped"`
	Time           time.Time `json:"time"`

	// Data is the period moved by this tick: consumed playback bytes or
	// produced capture bytes. Each event owns its slice.
	Data []byte `json:"-"`
}

// Sink receives period-elapsed notifications.
//
// PeriodElapsed runs on the tick goroutine of s while a concurrent Stop may be
// waiting for it. It must return quickly and may only call the lock-free
// accessors of s (Key, StreamID, Direction, Periods, LastActivity); any other
// method deadlocks the stop path.
type Sink interface {
	PeriodElapsed(s *Substream, ev PeriodEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(s *Substream, ev PeriodEvent)

func (f SinkFunc) PeriodElapsed(s *Substream, ev PeriodEvent) {
	f(s, ev)
}

// MultiSink fans one notification out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) PeriodElapsed(s *Substream, ev PeriodEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.PeriodElapsed(s, ev)
		}
	}
}

// ChanSink forwards events to a buffered channel without blocking. Events
// that do not fit are counted and discarded.
type ChanSink struct {
	C       chan PeriodEvent
	dropped atomic.Uint64
}

// NewChanSink creates a ChanSink with a channel of the given capacity.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan PeriodEvent, size)}
}

func (c *ChanSink) PeriodElapsed(_ *Substream, ev PeriodEvent) {
	select {
	case c.C <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of discarded events.
func (c *ChanSink) Dropped() uint64 {
	return c.dropped.Load()
}

type sinkBox struct {
	sink Sink
}

func loadSink(p *atomic.Pointer[sinkBox]) Sink {
	if b := p.Load(); b != nil {
		return b.sink
	}
	return nil
}
