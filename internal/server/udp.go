package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/idoleat/Mikey/internal/config"
	"github.com/idoleat/Mikey/internal/metrics"
	"github.com/idoleat/Mikey/internal/pcm"
	"github.com/idoleat/Mikey/internal/protocol"
	"github.com/idoleat/Mikey/internal/stream"
)

// queueSize is the per-worker packet queue depth.
const queueSize = 256

// UDPServer accepts control packets for the card and answers each request with
// a RESPONSE packet. Requests for the same substream are always handled by
// the same worker, so they are applied in arrival order.
type UDPServer struct {
	conn    *net.UDPConn
	config  *config.ServerConfig
	logger  *slog.Logger
	manager *stream.Manager
	metrics *metrics.Metrics
	events  stream.Sink

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	recvDone chan struct{}
	stopOnce sync.Once

	// Packet processing, one queue per worker
	queues []chan *incomingPacket

	// Peers that opened a substream receive its PERIOD_ELAPSED packets
	sinksMu sync.Mutex
	sinks   map[stream.Key]*udpSink

	packetsReceived  atomic.Uint64
	packetsProcessed atomic.Uint64
	parseErrors      atomic.Uint64
	packetsDropped   atomic.Uint64
	responsesSent    atomic.Uint64
	notificationsOut atomic.Uint64
	sendErrors       atomic.Uint64
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new control server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, manager *stream.Manager, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan *incomingPacket, workers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, queueSize)
	}

	s := &UDPServer{
		config:   cfg,
		logger:   logger,
		manager:  manager,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		recvDone: make(chan struct{}),
		queues:   queues,
		sinks:    make(map[stream.Key]*udpSink),
	}
	manager.OnClose(s.forgetSink)
	return s
}

// SetEventSink adds a sink that receives the period events of every substream
// opened through this server, next to the UDP notifications. It must be called
// before Start.
func (s *UDPServer) SetEventSink(sink stream.Sink) {
	s.events = sink
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP control server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", len(s.queues)),
	)

	for i := range s.queues {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	go s.receiveLoop()

	return nil
}

// Addr returns the local address the server is bound to.
func (s *UDPServer) Addr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stop gracefully stops the server. Substreams stay open; their
// notifications are no longer delivered.
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping UDP control server...")

		s.cancel()

		if s.conn == nil {
			return
		}

		s.sinksMu.Lock()
		for _, sink := range s.sinks {
			sink.disable()
		}
		s.sinksMu.Unlock()

		// Close UDP connection to unblock the receive loop
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
		<-s.recvDone

		for _, q := range s.queues {
			close(q)
		}
		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("UDP control server stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("notifications_sent", stats.NotificationsSent),
		)
	})

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer close(s.recvDone)

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.packetsReceived.Add(1)
		s.metrics.RecordPacketReceived()

		// Copy out of the reused read buffer
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		q := s.queues[s.shard(packetData)]
		select {
		case q <- packet:
			s.metrics.SetQueueSize(s.queueLen())
		default:
			s.packetsDropped.Add(1)
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// shard picks the worker for a datagram from its stream id and direction.
// Packets too short to carry a header go to worker 0 and fail parsing there.
func (s *UDPServer) shard(data []byte) int {
	if len(data) < protocol.HeaderSize || len(s.queues) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(data[3:protocol.HeaderSize])
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *UDPServer) queueLen() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// packetProcessor processes packets from one worker queue
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.queues[workerID] {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.parseErrors.Add(1)
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	header := parsed.Header
	key := stream.Key{StreamID: header.StreamID, Direction: stream.Direction(header.Direction)}

	value, err := s.apply(parsed, key, packet.remoteAddr)

	status := statusFor(err)
	if err != nil {
		s.logger.Warn("Control request failed",
			slog.String("substream", key.String()),
			slog.String("request", protocol.PacketTypeName(header.PacketType)),
			slog.String("status", protocol.StatusName(status)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
	} else {
		s.packetsProcessed.Add(1)
		s.metrics.RecordPacketProcessed()

		s.logger.Debug("Control request processed",
			slog.String("substream", key.String()),
			slog.String("request", protocol.PacketTypeName(header.PacketType)),
			slog.Duration("latency", time.Since(packet.timestamp)),
			slog.Int("worker_id", workerID),
		)
	}

	response := protocol.EncodeResponse(header.StreamID, header.Direction, protocol.ResponsePayload{
		Request: header.PacketType,
		Status:  status,
		Value:   value,
	})
	s.send(response, packet.remoteAddr)
	s.responsesSent.Add(1)
}

// apply performs one control request and returns the response value.
func (s *UDPServer) apply(p *protocol.ParsedPacket, key stream.Key, from *net.UDPAddr) (uint32, error) {
	ptype := p.Header.PacketType

	if !protocol.IsRequest(ptype) {
		return 0, fmt.Errorf("%w: %s is not a request", errBadRequest, protocol.PacketTypeName(ptype))
	}

	if ptype == protocol.PacketTypeOpen {
		return 0, s.open(key, from)
	}

	sub, err := s.manager.Get(key)
	if err != nil {
		return 0, err
	}
	s.updatePeer(key, from)

	switch ptype {
	case protocol.PacketTypeHWParams:
		return 0, sub.HWParams(hwParamsFromPayload(p.HWParams))

	case protocol.PacketTypeHWFree:
		return 0, sub.HWFree()

	case protocol.PacketTypePrepare:
		return 0, sub.Prepare()

	case protocol.PacketTypeTrigger:
		return 0, sub.Trigger(stream.TriggerCmd(p.Trigger.Cmd))

	case protocol.PacketTypePointer:
		return sub.Pointer()

	case protocol.PacketTypeWrite:
		return 0, sub.Write(p.Write.Offset, p.Write.Data)

	case protocol.PacketTypeClose:
		return 0, sub.Close()

	default:
		return 0, fmt.Errorf("%w: unhandled %s", errBadRequest, protocol.PacketTypeName(ptype))
	}
}

func (s *UDPServer) open(key stream.Key, from *net.UDPAddr) error {
	sub, err := s.manager.Open(key.StreamID, key.Direction)
	if err != nil {
		return err
	}

	sink := &udpSink{server: s, sub: sub}
	sink.peer.Store(from)

	s.sinksMu.Lock()
	s.sinks[key] = sink
	s.sinksMu.Unlock()

	if s.events != nil {
		sub.SetNotifySink(stream.MultiSink{sink, s.events})
	} else {
		sub.SetNotifySink(sink)
	}

	s.logger.Info("Substream opened by peer",
		slog.String("substream", key.String()),
		slog.String("remote_addr", from.String()),
	)
	return nil
}

// updatePeer follows a client that moved to another source address.
func (s *UDPServer) updatePeer(key stream.Key, from *net.UDPAddr) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()

	if sink, ok := s.sinks[key]; ok {
		sink.peer.Store(from)
	}
}

// forgetSink drops the sink of a closed substream. A sink already replaced by
// a newer open of the same key is kept.
func (s *UDPServer) forgetSink(sub *stream.Substream) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()

	if sink, ok := s.sinks[sub.Key()]; ok && sink.sub == sub {
		sink.disable()
		delete(s.sinks, sub.Key())
	}
}

func (s *UDPServer) sinkCount() int {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	return len(s.sinks)
}

func (s *UDPServer) send(data []byte, to *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(data, to); err != nil {
		s.sendErrors.Add(1)
		select {
		case <-s.ctx.Done():
		default:
			s.logger.Warn("Failed to send packet",
				slog.String("remote_addr", to.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// udpSink turns period events into PERIOD_ELAPSED packets for the peer that
// opened the substream. Capture events carry the produced period.
type udpSink struct {
	server   *UDPServer
	sub      *stream.Substream
	peer     atomic.Pointer[net.UDPAddr]
	disabled atomic.Bool
}

func (u *udpSink) PeriodElapsed(_ *stream.Substream, ev stream.PeriodEvent) {
	if u.disabled.Load() {
		return
	}
	to := u.peer.Load()
	if to == nil {
		return
	}

	payload := protocol.PeriodPayload{
		Sequence:       ev.Sequence,
		PositionFrames: ev.PositionFrames,
	}
	if ev.Direction == stream.Capture {
		payload.Data = ev.Data
	}

	data, err := protocol.EncodePeriodElapsed(ev.StreamID, uint8(ev.Direction), payload)
	if err != nil {
		u.server.logger.Warn("Failed to encode period notification",
			slog.Uint64("stream_id", uint64(ev.StreamID)),
			slog.String("error", err.Error()),
		)
		return
	}

	u.server.send(data, to)
	u.server.notificationsOut.Add(1)
}

func (u *udpSink) disable() {
	u.disabled.Store(true)
}

var errBadRequest = errors.New("server: bad request")

// statusFor maps a request error onto a RESPONSE status code.
func statusFor(err error) uint8 {
	if errors.Is(err, errBadRequest) {
		return protocol.StatusBadRequest
	}

	switch stream.ErrorKind(err) {
	case "none":
		return protocol.StatusOK
	case "config":
		return protocol.StatusConfig
	case "state":
		return protocol.StatusState
	case "scheduling":
		return protocol.StatusScheduling
	case "not_found":
		return protocol.StatusNotFound
	case "exists":
		return protocol.StatusExists
	default:
		return protocol.StatusBadRequest
	}
}

func hwParamsFromPayload(p *protocol.HWParamsPayload) pcm.HWParams {
	return pcm.HWParams{
		Rate:        p.Rate,
		Channels:    uint32(p.Channels),
		Format:      pcm.Format(p.Format),
		PeriodBytes: p.PeriodBytes,
		BufferBytes: p.BufferBytes,
	}
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	capacity := 0
	for _, q := range s.queues {
		capacity += cap(q)
	}

	return ServerStatistics{
		PacketsReceived:   s.packetsReceived.Load(),
		PacketsProcessed:  s.packetsProcessed.Load(),
		ParseErrors:       s.parseErrors.Load(),
		PacketsDropped:    s.packetsDropped.Load(),
		ResponsesSent:     s.responsesSent.Load(),
		NotificationsSent: s.notificationsOut.Load(),
		SendErrors:        s.sendErrors.Load(),
		ActiveSubstreams:  uint64(s.manager.ActiveCount()),
		PeerSinks:         uint64(s.sinkCount()),
		QueueSize:         uint64(s.queueLen()),
		QueueCapacity:     uint64(capacity),
	}
}

// ServerStatistics represents control server counters
type ServerStatistics struct {
	PacketsReceived   uint64 `json:"packets_received"`
	PacketsProcessed  uint64 `json:"packets_processed"`
	ParseErrors       uint64 `json:"parse_errors"`
	PacketsDropped    uint64 `json:"packets_dropped"`
	ResponsesSent     uint64 `json:"responses_sent"`
	NotificationsSent uint64 `json:"notifications_sent"`
	SendErrors        uint64 `json:"send_errors"`
	ActiveSubstreams  uint64 `json:"active_substreams"`
	PeerSinks         uint64 `json:"peer_sinks"`
	QueueSize         uint64 `json:"queue_size"`
	QueueCapacity     uint64 `json:"queue_capacity"`
}
