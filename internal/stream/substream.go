package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/idoleat/Mikey/internal/audio"
	"github.com/idoleat/Mikey/internal/clock"
	"github.com/idoleat/Mikey/internal/metrics"
	"github.com/idoleat/Mikey/internal/pcm"
)

// Pacing selects how the tick interval of a running substream is derived.
type Pacing string

const (
	// PacingFixed ticks at the configured interval regardless of the
	// negotiated parameters.
	PacingFixed Pacing = "fixed"

	// PacingPeriod ticks once per real-time period, the cadence of a real
	// codec.
	PacingPeriod Pacing = "period"
)

// Substream is one direction of one stream on the card. It owns the state
// machine, the position tracker, the DMA area and, while running, a clock
// handle whose callback advances the position by one period per tick.
//
// Lifecycle methods are serialized by a mutex that the tick never takes, so
// Stop and Close can wait for an in-flight tick while holding it.
type Substream struct {
	key      Key
	hw       pcm.Hardware
	clock    clock.Clock
	now      func() time.Time
	pacing   Pacing
	interval time.Duration
	loopback *audio.Loopback
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onClose  func(*Substream)

	openedAt     time.Time
	lastActivity atomic.Int64

	mu        sync.RWMutex
	state     State
	params    pcm.HWParams
	hasParams bool
	handle    clock.Handle
	period    time.Duration

	// Tick-side state. Written by the tick or by Prepare while not running.
	position pcm.Position
	area     *pcm.Area
	ticking  atomic.Bool
	sequence atomic.Uint32
	sink     atomic.Pointer[sinkBox]
}

// tickRun carries per-start state into the clock callback.
type tickRun struct {
	ready    chan struct{}
	handle   clock.Handle
	interval time.Duration
	due      time.Time
}

// Key returns the card address of the substream.
func (s *Substream) Key() Key {
	return s.key
}

// StreamID returns the stream identifier.
func (s *Substream) StreamID() uint32 {
	return s.key.StreamID
}

// Direction returns playback or capture.
func (s *Substream) Direction() Direction {
	return s.key.Direction
}

// State returns the current lifecycle state.
func (s *Substream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Params returns the negotiated parameters, if any.
func (s *Substream) Params() (pcm.HWParams, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params, s.hasParams
}

// LastActivity returns the time of the last control operation.
func (s *Substream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Substream) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// HWParams validates p against the hardware description and stores it as the
// candidate configuration. It is allowed from opened, configured and prepared.
func (s *Substream) HWParams(p pcm.HWParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	switch s.state {
	case StateOpened, StateConfigured, StatePrepared:
	default:
		return s.fail(&StateError{Op: "hw_params", State: s.state})
	}

	if err := s.hw.Constrain(p); err != nil {
		return s.fail(err)
	}

	s.params = p
	s.hasParams = true
	s.transition(StateConfigured)

	s.logger.Info("Hardware parameters set",
		slog.Uint64("rate", uint64(p.Rate)),
		slog.Uint64("channels", uint64(p.Channels)),
		slog.String("format", p.Format.String()),
		slog.Uint64("period_bytes", uint64(p.PeriodBytes)),
		slog.Uint64("buffer_bytes", uint64(p.BufferBytes)),
	)
	return nil
}

// HWFree drops the negotiated parameters and releases the DMA area.
func (s *Substream) HWFree() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	switch s.state {
	case StateOpened, StateConfigured, StatePrepared:
	default:
		return s.fail(&StateError{Op: "hw_free", State: s.state})
	}

	s.params = pcm.HWParams{}
	s.hasParams = false
	s.area.Reset(0)
	s.transition(StateOpened)
	return nil
}

// Prepare configures the position tracker from the negotiated parameters and
// resets position, DMA area and period sequence. Preparing twice is allowed.
func (s *Substream) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	switch s.state {
	case StateConfigured, StatePrepared:
	default:
		return s.fail(&StateError{Op: "prepare", State: s.state})
	}

	p := s.params
	if err := s.position.Configure(p.PeriodBytes, p.BufferBytes, p.FrameBytes()); err != nil {
		return s.fail(err)
	}
	s.position.Reset()
	s.area.Reset(p.BufferBytes)
	s.sequence.Store(0)
	s.period = p.PeriodTime()

	s.transition(StatePrepared)
	return nil
}

// Trigger dispatches a trigger command. Commands other than start and stop
// fail with ErrInvalidTrigger.
func (s *Substream) Trigger(cmd TriggerCmd) error {
	switch cmd {
	case TriggerStart:
		return s.Start()
	case TriggerStop:
		return s.Stop()
	default:
		s.metrics.RecordError("bad_request")
		return fmt.Errorf("%w: %s", ErrInvalidTrigger, cmd)
	}
}

// Start arms the clock and moves the substream to running. If the clock
// cannot be armed the substream stays prepared and a *SchedulingError is
// returned.
func (s *Substream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != StatePrepared {
		return s.fail(&StateError{Op: "start", State: s.state})
	}

	run := &tickRun{
		ready:    make(chan struct{}),
		interval: s.tickInterval(),
	}
	run.due = s.now().Add(run.interval)

	s.ticking.Store(true)
	h, err := s.clock.Arm(run.interval, func() { s.tick(run) })
	if err != nil {
		s.ticking.Store(false)
		return s.fail(&SchedulingError{Err: err})
	}
	run.handle = h
	close(run.ready)

	s.handle = h
	s.transition(StateRunning)

	s.logger.Info("Substream started", slog.Duration("tick_interval", run.interval))
	return nil
}

// Stop disarms the clock and returns to prepared. When Stop returns no tick
// of this substream is running and none will run again.
func (s *Substream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.state != StateRunning {
		return s.fail(&StateError{Op: "stop", State: s.state})
	}

	s.stopLocked()
	s.transition(StatePrepared)

	s.logger.Info("Substream stopped",
		slog.Uint64("periods", uint64(s.sequence.Load())),
		slog.Uint64("position_bytes", uint64(s.position.Bytes())),
	)
	return nil
}

func (s *Substream) stopLocked() {
	s.ticking.Store(false)
	if s.handle != nil {
		s.handle.Disarm()
		s.handle = nil
	}
}

// Pointer returns the current position in frames.
func (s *Substream) Pointer() (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.touch()

	if s.state != StatePrepared && s.state != StateRunning {
		return 0, s.fail(&StateError{Op: "pointer", State: s.state})
	}
	return s.position.Frames(), nil
}

// PositionBytes returns the current position in bytes.
func (s *Substream) PositionBytes() (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StatePrepared && s.state != StateRunning {
		return 0, s.fail(&StateError{Op: "pointer", State: s.state})
	}
	return s.position.Bytes(), nil
}

// Periods returns the number of periods elapsed since the last Prepare.
func (s *Substream) Periods() uint32 {
	return s.sequence.Load()
}

// Write copies playback data into the DMA area at off.
func (s *Substream) Write(off uint32, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.touch()

	if s.key.Direction != Playback {
		return s.fail(fmt.Errorf("%w: write on %s", ErrWrongDirection, s.key.Direction))
	}
	if s.state != StatePrepared && s.state != StateRunning {
		return s.fail(&StateError{Op: "write", State: s.state})
	}

	if _, err := s.area.WriteAt(data, int64(off)); err != nil {
		return s.fail(fmt.Errorf("stream: write at offset %d: %w", off, err))
	}
	return nil
}

// Snapshot returns a copy of the DMA area together with the parameters that
// describe it.
func (s *Substream) Snapshot() ([]byte, pcm.HWParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StatePrepared && s.state != StateRunning {
		return nil, pcm.HWParams{}, &StateError{Op: "snapshot", State: s.state}
	}
	return s.area.Snapshot(), s.params, nil
}

// SetNotifySink replaces the period-elapsed sink. A nil sink disables
// notifications. The change is visible to the next tick.
func (s *Substream) SetNotifySink(sink Sink) {
	s.sink.Store(&sinkBox{sink: sink})
}

// Close stops the substream if it is running, releases its resources and
// removes it from the card. Closing twice fails with a *StateError.
func (s *Substream) Close() error {
	return s.close(true)
}

// closeIdle closes the substream unless it is running. A running substream
// is only stopped by its host, so the reaper leaves it alone.
func (s *Substream) closeIdle() bool {
	return s.close(false) == nil
}

func (s *Substream) close(stopRunning bool) error {
	s.mu.Lock()

	if s.state == StateClosed {
		s.mu.Unlock()
		return s.fail(&StateError{Op: "close", State: s.state})
	}

	if s.state == StateRunning {
		if !stopRunning {
			s.mu.Unlock()
			return &StateError{Op: "close", State: StateRunning}
		}
		s.stopLocked()
		s.transition(StatePrepared)
	}

	s.area.Reset(0)
	s.hasParams = false
	s.transition(StateClosed)
	s.mu.Unlock()

	s.metrics.RecordSubstreamClosed(s.key.Direction.String(), time.Since(s.openedAt).Seconds())
	s.logger.Info("Substream closed", slog.Duration("duration", time.Since(s.openedAt)))

	if s.onClose != nil {
		s.onClose(s)
	}
	return nil
}

// tickInterval returns the delay between ticks for the next run.
func (s *Substream) tickInterval() time.Duration {
	if s.pacing == PacingPeriod && s.period > 0 {
		return s.period
	}
	if s.interval > 0 {
		return s.interval
	}
	return clock.DefaultInterval
}

// tick runs in the clock callback. It never takes s.mu.
func (s *Substream) tick(run *tickRun) {
	<-run.ready

	if !s.ticking.Load() {
		return
	}

	now := s.now()
	lateness := now.Sub(run.due)

	off := s.position.Bytes()
	data := s.transfer(off, s.position.PeriodBytes())

	pos, wrapped := s.position.Advance()
	seq := s.sequence.Add(1)

	ev := PeriodEvent{
		StreamID:       s.key.StreamID,
		Direction:      s.key.Direction,
		Sequence:       seq,
		PositionBytes:  pos,
		PositionFrames: s.position.Frames(),
		Wrapped:        wrapped,
		Time:           now,
		Data:           data,
	}

	if sink := loadSink(&s.sink); sink != nil {
		start := time.Now()
		sink.PeriodElapsed(s, ev)
		s.metrics.RecordSinkDuration(time.Since(start).Seconds())
	}

	s.metrics.RecordTick(s.key.Direction.String(), lateness.Seconds(), wrapped)
	s.logger.Debug("Period elapsed",
		slog.Uint64("sequence", uint64(seq)),
		slog.Uint64("position_bytes", uint64(pos)),
		slog.Duration("lateness", lateness),
	)

	if !s.ticking.Load() {
		return
	}
	run.due = now.Add(run.interval)
	run.handle.Rearm(run.interval)
}

// transfer moves one period through the loopback. Playback reads the period
// at off from the DMA area into the loopback; capture fills it from the
// loopback, or with silence when nothing is queued.
func (s *Substream) transfer(off, n uint32) []byte {
	data := make([]byte, n)

	switch s.key.Direction {
	case Playback:
		if _, err := s.area.ReadAt(data, int64(off)); err != nil {
			s.logger.Warn("Failed to read period from dma area", slog.String("error", err.Error()))
			return data
		}
		if s.loopback != nil && s.loopback.Push(data) {
			s.metrics.RecordLoopbackDrop()
		}

	case Capture:
		if s.loopback != nil {
			chunk, ok := s.loopback.Pop(int(n))
			if !ok {
				s.metrics.RecordLoopbackUnderrun()
			}
			data = chunk
		}
		if _, err := s.area.WriteAt(data, int64(off)); err != nil {
			s.logger.Warn("Failed to write period to dma area", slog.String("error", err.Error()))
		}
	}

	return data
}

func (s *Substream) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.RecordTransition(from.String(), to.String())
	s.logger.Debug("Substream state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

func (s *Substream) fail(err error) error {
	s.metrics.RecordError(ErrorKind(err))
	return err
}

// SubstreamInfo is a point-in-time view of a substream for monitoring.
type SubstreamInfo struct {
	Key            string        `json:"key"`
	StreamID       uint32        `json:"stream_id"`
	Direction      Direction     `json:"direction"`
	State          State         `json:"state"`
	Params         *pcm.HWParams `json:"params,omitempty"`
	PositionBytes  uint32        `json:"position_bytes"`
	PositionFrames uint32        `json:"position_frames"`
	Periods        uint32        `json:"periods"`
	TickInterval   time.Duration `json:"tick_interval_ns"`
	OpenedAt       time.Time     `json:"opened_at"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration_ns"`
}

// Info returns a snapshot of the substream.
func (s *Substream) Info() SubstreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SubstreamInfo{
		Key:          s.key.String(),
		StreamID:     s.key.StreamID,
		Direction:    s.key.Direction,
		State:        s.state,
		Periods:      s.sequence.Load(),
		OpenedAt:     s.openedAt,
		LastActivity: s.LastActivity(),
		Duration:     time.Since(s.openedAt),
	}

	if s.hasParams {
		p := s.params
		info.Params = &p
	}

	if s.state == StatePrepared || s.state == StateRunning {
		info.PositionBytes = s.position.Bytes()
		info.PositionFrames = s.position.Frames()
		info.TickInterval = s.tickInterval()
	}

	return info
}
