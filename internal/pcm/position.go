package pcm

import "sync/atomic"

// Position tracks the hardware pointer inside a circular buffer.
//
// Advance is the only mutator and is called from the tick context alone.
// Bytes and Frames may be called from any goroutine concurrently with
// Advance. Configure and Reset must not race with Advance; the stream state
// machine guarantees no clock is armed when they run.
type Position struct {
	pos atomic.Uint32

	periodBytes uint32
	bufferBytes uint32
	frameBytes  uint32
}

// Configure stores the period and buffer geometry. The buffer must hold a
// whole number of periods and a period a whole number of frames.
func (p *Position) Configure(periodBytes, bufferBytes, frameBytes uint32) error {
	if periodBytes == 0 {
		return configErrorf("period_bytes", "must be positive")
	}
	if bufferBytes == 0 {
		return configErrorf("buffer_bytes", "must be positive")
	}
	if frameBytes == 0 {
		return configErrorf("frame_bytes", "must be positive")
	}
	if bufferBytes%periodBytes != 0 {
		return configErrorf("buffer_bytes", "%d is not a multiple of period_bytes %d", bufferBytes, periodBytes)
	}
	if periodBytes%frameBytes != 0 {
		return configErrorf("period_bytes", "%d is not a whole number of %d-byte frames", periodBytes, frameBytes)
	}

	p.periodBytes = periodBytes
	p.bufferBytes = bufferBytes
	p.frameBytes = frameBytes
	return nil
}

// Reset moves the pointer back to the start of the buffer.
func (p *Position) Reset() {
	p.pos.Store(0)
}

// Advance moves the pointer forward by one period and reports the new
// position and whether the buffer wrapped. Every call lands on a period
// boundary.
func (p *Position) Advance() (uint32, bool) {
	if p.bufferBytes == 0 {
		return 0, false
	}

	next := uint32((uint64(p.pos.Load()) + uint64(p.periodBytes)) % uint64(p.bufferBytes))
	p.pos.Store(next)
	return next, next == 0
}

// Bytes returns the current offset in bytes.
func (p *Position) Bytes() uint32 {
	return p.pos.Load()
}

// Frames returns the current offset in frames.
func (p *Position) Frames() uint32 {
	return BytesToFrames(p.pos.Load(), p.frameBytes)
}

// PeriodBytes returns the configured period size.
func (p *Position) PeriodBytes() uint32 {
	return p.periodBytes
}

// BufferBytes returns the configured buffer size.
func (p *Position) BufferBytes() uint32 {
	return p.bufferBytes
}
