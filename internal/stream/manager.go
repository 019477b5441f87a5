package stream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/idoleat/Mikey/internal/audio"
	"github.com/idoleat/Mikey/internal/clock"
	"github.com/idoleat/Mikey/internal/metrics"
	"github.com/idoleat/Mikey/internal/pcm"
)

// Card identity reported to clients.
const (
	DriverName = "Mikey Driver"
	ShortName  = "mikey"
	LongName   = "Mikey Virtual Driver"
	PCMName    = "loopback pair"
)

// DefaultCleanupInterval is how often idle substreams are looked for.
const DefaultCleanupInterval = 30 * time.Second

// ManagerConfig contains configuration for the card manager
type ManagerConfig struct {
	// Clock drives every substream. Defaults to an unlimited clock.Timer.
	Clock clock.Clock

	// Playback and Capture describe the codec per direction. Zero values
	// select pcm.DefaultHardware.
	Playback pcm.Hardware
	Capture  pcm.Hardware

	TickInterval  time.Duration
	Pacing        Pacing
	MaxSubstreams int
	LoopbackDepth int

	// SessionTimeout closes substreams without control activity for this
	// long. Zero disables reaping.
	SessionTimeout  time.Duration
	CleanupInterval time.Duration

	Metrics *metrics.Metrics
}

// Manager is the virtual card. It owns every open substream, the loopback
// pipes joining the two directions of a stream and the idle reaper.
type Manager struct {
	id     uuid.UUID
	config ManagerConfig
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	substreams map[Key]*Substream
	loopbacks  map[uint32]*audio.Loopback
	closeHooks []func(*Substream)

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	stopped sync.Once
}

// NewManager creates a card and starts its cleanup routine.
func NewManager(logger *slog.Logger, config ManagerConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.NewTimer(0)
	}
	if config.Playback == (pcm.Hardware{}) {
		config.Playback = pcm.DefaultHardware()
	}
	if config.Capture == (pcm.Hardware{}) {
		config.Capture = pcm.DefaultHardware()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = clock.DefaultInterval
	}
	if config.Pacing == "" {
		config.Pacing = PacingFixed
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	now := time.Now
	if n, ok := config.Clock.(interface{ Now() time.Time }); ok {
		now = n.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		id:         uuid.New(),
		config:     config,
		logger:     logger,
		now:        now,
		substreams: make(map[Key]*Substream),
		loopbacks:  make(map[uint32]*audio.Loopback),
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go m.startCleanupRoutine()

	logger.Info("Card created",
		slog.String("card_id", m.id.String()),
		slog.String("driver", DriverName),
		slog.String("pacing", string(config.Pacing)),
		slog.Duration("tick_interval", config.TickInterval),
	)

	return m
}

// CardID returns the random identifier of this card instance.
func (m *Manager) CardID() uuid.UUID {
	return m.id
}

// Hardware returns the codec description for dir.
func (m *Manager) Hardware(dir Direction) pcm.Hardware {
	if dir == Capture {
		return m.config.Capture
	}
	return m.config.Playback
}

// Open creates a substream in the opened state.
func (m *Manager) Open(streamID uint32, dir Direction) (*Substream, error) {
	if !dir.Valid() {
		m.config.Metrics.RecordError("bad_request")
		return nil, ErrWrongDirection
	}

	key := Key{StreamID: streamID, Direction: dir}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.substreams[key]; exists {
		m.config.Metrics.RecordError("exists")
		return nil, ErrStreamExists
	}
	if m.config.MaxSubstreams > 0 && len(m.substreams) >= m.config.MaxSubstreams {
		m.config.Metrics.RecordError("exists")
		return nil, ErrCardFull
	}

	loop, ok := m.loopbacks[streamID]
	if !ok {
		loop = audio.NewLoopback(m.config.LoopbackDepth)
		m.loopbacks[streamID] = loop
	}

	s := &Substream{
		key:      key,
		hw:       m.Hardware(dir),
		clock:    m.config.Clock,
		now:      m.now,
		pacing:   m.config.Pacing,
		interval: m.config.TickInterval,
		loopback: loop,
		logger:   m.logger.With(slog.String("substream", key.String())),
		metrics:  m.config.Metrics,
		onClose:  m.remove,
		openedAt: m.now(),
		state:    StateOpened,
		area:     pcm.NewArea(0),
	}
	s.touch()

	m.substreams[key] = s
	m.config.Metrics.RecordSubstreamOpened(dir.String())
	m.config.Metrics.SetActiveSubstreams(len(m.substreams))

	m.logger.Info("Substream opened",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("direction", dir.String()),
		slog.Int("active_substreams", len(m.substreams)),
	)

	return s, nil
}

// Get returns the substream registered under key.
func (m *Manager) Get(key Key) (*Substream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.substreams[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Touch records control activity on a substream.
func (m *Manager) Touch(key Key) {
	s, err := m.Get(key)
	if err != nil {
		m.logger.Warn("Attempted to update activity for non-existent substream",
			slog.String("substream", key.String()),
		)
		return
	}
	s.touch()
}

// Close closes the substream registered under key.
func (m *Manager) Close(key Key) error {
	s, err := m.Get(key)
	if err != nil {
		m.config.Metrics.RecordError("not_found")
		return err
	}
	return s.Close()
}

// OnClose registers fn to run after any substream of the card closes,
// whether by its host, the reaper or Stop. fn runs without card locks held.
func (m *Manager) OnClose(fn func(*Substream)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeHooks = append(m.closeHooks, fn)
}

// remove is called by a substream once it has closed.
func (m *Manager) remove(s *Substream) {
	m.mu.Lock()
	if m.substreams[s.key] != s {
		m.mu.Unlock()
		return
	}
	delete(m.substreams, s.key)

	peer := Key{StreamID: s.key.StreamID, Direction: Playback}
	if s.key.Direction == Playback {
		peer.Direction = Capture
	}
	if _, open := m.substreams[peer]; !open {
		delete(m.loopbacks, s.key.StreamID)
	}

	m.config.Metrics.SetActiveSubstreams(len(m.substreams))
	hooks := slices.Clone(m.closeHooks)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}

// Sessions returns every open substream ordered by key.
func (m *Manager) Sessions() []*Substream {
	m.mu.RLock()
	out := make([]*Substream, 0, len(m.substreams))
	for _, s := range m.substreams {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Substream) int {
		if a.key.StreamID != b.key.StreamID {
			if a.key.StreamID < b.key.StreamID {
				return -1
			}
			return 1
		}
		return int(a.key.Direction) - int(b.key.Direction)
	})
	return out
}

// ActiveCount returns the number of open substreams.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.substreams)
}

// Infos returns a snapshot of every open substream.
func (m *Manager) Infos() []SubstreamInfo {
	sessions := m.Sessions()
	infos := make([]SubstreamInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// LoopbackStats returns the loopback counters of a stream, if it has one.
func (m *Manager) LoopbackStats(streamID uint32) (audio.LoopbackStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loop, ok := m.loopbacks[streamID]
	if !ok {
		return audio.LoopbackStats{}, false
	}
	return loop.Stats(), true
}

// CardInfo describes the card for monitoring.
type CardInfo struct {
	ID            string       `json:"id"`
	Driver        string       `json:"driver"`
	ShortName     string       `json:"short_name"`
	LongName      string       `json:"long_name"`
	PCMName       string       `json:"pcm_name"`
	Pacing        Pacing       `json:"pacing"`
	TickInterval  string       `json:"tick_interval"`
	MaxSubstreams int          `json:"max_substreams"`
	Substreams    int          `json:"substreams"`
	Playback      pcm.Hardware `json:"playback"`
	Capture       pcm.Hardware `json:"capture"`
	Formats       []string     `json:"formats"`
}

// Info returns the card description.
func (m *Manager) Info() CardInfo {
	return CardInfo{
		ID:            m.id.String(),
		Driver:        DriverName,
		ShortName:     ShortName,
		LongName:      LongName,
		PCMName:       PCMName,
		Pacing:        m.config.Pacing,
		TickInterval:  m.config.TickInterval.String(),
		MaxSubstreams: m.config.MaxSubstreams,
		Substreams:    m.ActiveCount(),
		Playback:      m.config.Playback,
		Capture:       m.config.Capture,
		Formats:       m.config.Playback.FormatList(),
	}
}

// Stop closes every substream and stops the cleanup routine.
func (m *Manager) Stop() {
	m.stopped.Do(func() {
		m.logger.Info("Stopping card manager...")

		m.cancel()
		<-m.cleanup

		closed := 0
		for _, s := range m.Sessions() {
			if err := s.Close(); err == nil {
				closed++
			}
		}

		m.logger.Info("Card manager stopped", slog.Int("closed_substreams", closed))
	})
}

// startCleanupRoutine runs in a separate goroutine to close idle substreams
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.config.SessionTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Substream cleanup routine started",
		slog.Duration("timeout", m.config.SessionTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Substream cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

// cleanupExpired closes substreams that have been idle for too long. Running
// substreams are never reaped: PERIOD_ELAPSED traffic is activity too.
func (m *Manager) cleanupExpired() int {
	now := m.now()

	var expired []*Substream
	for _, s := range m.Sessions() {
		if s.State() == StateRunning {
			continue
		}
		if now.Sub(s.LastActivity()) > m.config.SessionTimeout {
			expired = append(expired, s)
		}
	}

	if len(expired) == 0 {
		return 0
	}

	m.logger.Info("Cleaning up idle substreams", slog.Int("expired_count", len(expired)))

	closed := 0
	for _, s := range expired {
		if s.closeIdle() {
			closed++
		}
	}
	return closed
}
