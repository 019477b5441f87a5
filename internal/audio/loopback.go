package audio

import "sync"

// DefaultLoopbackDepth is the number of periods a loopback holds when no depth
// is configured.
const DefaultLoopbackDepth = 64

// Loopback carries period-sized chunks from a playback substream to the
// capture substream of the same card. When the queue is full the oldest chunk
// is dropped; when it is empty the capture side reads silence.
type Loopback struct {
	mu     sync.Mutex
	chunks [][]byte
	head   int
	count  int

	pushed    uint64
	popped    uint64
	dropped   uint64
	underruns uint64
}

// LoopbackStats represents loopback counters for monitoring
type LoopbackStats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Dropped   uint64 `json:"dropped"`
	Underruns uint64 `json:"underruns"`
}

// NewLoopback creates a loopback holding up to depth chunks.
func NewLoopback(depth int) *Loopback {
	if depth <= 0 {
		depth = DefaultLoopbackDepth
	}
	return &Loopback{chunks: make([][]byte, depth)}
}

// Push enqueues a copy of p. It reports whether an older chunk had to be
// dropped to make room.
func (l *Loopback) Push(p []byte) bool {
	chunk := make([]byte, len(p))
	copy(chunk, p)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pushed++
	dropped := false
	if l.count == len(l.chunks) {
		l.chunks[l.head] = nil
		l.head = (l.head + 1) % len(l.chunks)
		l.count--
		l.dropped++
		dropped = true
	}

	l.chunks[(l.head+l.count)%len(l.chunks)] = chunk
	l.count++
	return dropped
}

// Pop dequeues the oldest chunk, trimmed or zero-padded to exactly n bytes.
// An empty loopback yields n bytes of silence, counts an underrun and
// reports false.
func (l *Loopback) Pop(n int) ([]byte, bool) {
	out := make([]byte, n)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		l.underruns++
		return out, false
	}

	chunk := l.chunks[l.head]
	l.chunks[l.head] = nil
	l.head = (l.head + 1) % len(l.chunks)
	l.count--
	l.popped++

	copy(out, chunk)
	return out, true
}

// Len returns the number of queued chunks.
func (l *Loopback) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Reset discards every queued chunk. Counters are kept.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.chunks)
	l.head = 0
	l.count = 0
}

// Stats returns a snapshot of the loopback counters.
func (l *Loopback) Stats() LoopbackStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LoopbackStats{
		Depth:     l.count,
		Capacity:  len(l.chunks),
		Pushed:    l.pushed,
		Popped:    l.popped,
		Dropped:   l.dropped,
		Underruns: l.underruns,
	}
}
