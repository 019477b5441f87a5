package pcm

import (
	"fmt"
	"sync"
)

// Area is the managed DMA buffer of a substream. Offsets wrap around the end
// of the buffer, so a period read at the last period boundary never needs to
// be split by the caller.
type Area struct {
	mu  sync.Mutex
	buf []byte
}

// NewArea allocates a zeroed area of size bytes.
func NewArea(size uint32) *Area {
	return &Area{buf: make([]byte, size)}
}

// Len returns the area size in bytes.
func (a *Area) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Reset resizes the area to size bytes and zero-fills it.
func (a *Area) Reset(size uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint32(cap(a.buf)) >= size {
		a.buf = a.buf[:size]
		clear(a.buf)
		return
	}
	a.buf = make([]byte, size)
}

// WriteAt copies p into the area starting at off, wrapping at the end.
func (a *Area) WriteAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(len(p), off); err != nil {
		return 0, err
	}

	n := copy(a.buf[off:], p)
	copy(a.buf, p[n:])
	return len(p), nil
}

// ReadAt copies len(p) bytes starting at off into p, wrapping at the end.
func (a *Area) ReadAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(len(p), off); err != nil {
		return 0, err
	}

	n := copy(p, a.buf[off:])
	copy(p[n:], a.buf)
	return len(p), nil
}

// Snapshot returns a copy of the whole area.
func (a *Area) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}

func (a *Area) check(n int, off int64) error {
	if len(a.buf) == 0 {
		return fmt.Errorf("dma area not allocated")
	}
	if off < 0 || off >= int64(len(a.buf)) {
		return fmt.Errorf("offset %d outside dma area of %d bytes", off, len(a.buf))
	}
	if n > len(a.buf) {
		return fmt.Errorf("transfer of %d bytes exceeds dma area of %d bytes", n, len(a.buf))
	}
	return nil
}
