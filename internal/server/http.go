package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/idoleat/Mikey/internal/audio"
	"github.com/idoleat/Mikey/internal/config"
	"github.com/idoleat/Mikey/internal/metrics"
	"github.com/idoleat/Mikey/internal/pcm"
	"github.com/idoleat/Mikey/internal/stream"
)

// Version is reported by the monitoring API.
const Version = "1.0.0"

// HTTPServer provides HTTP API endpoints for monitoring the card
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	manager   *stream.Manager
	udpServer *UDPServer
	events    *EventHub
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. udpServer and events may be
// nil; gatherer defaults to the global Prometheus registry.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, manager *stream.Manager,
	udpServer *UDPServer, events *EventHub, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		manager:   manager,
		udpServer: udpServer,
		events:    events,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the API router.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/card", h.withMetrics("/card", h.handleCard))

	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/{key}", h.withMetrics("/streams/{key}", h.handleStreamDetail))
	mux.HandleFunc("/streams/{key}/buffer.wav", h.withMetrics("/streams/{key}/buffer.wav", h.handleBufferWAV))
	mux.HandleFunc("/streams/{key}/events", h.withMetrics("/streams/{key}/events", h.handleEvents))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and disconnects event subscribers
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	if h.events != nil {
		h.events.Close()
	}
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// lookup resolves the {key} path value to an open substream, replying with an
// error when it cannot.
func (h *HTTPServer) lookup(w http.ResponseWriter, r *http.Request) (*stream.Substream, bool) {
	key, err := stream.ParseKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, "Invalid substream key", http.StatusBadRequest)
		return nil, false
	}

	sub, err := h.manager.Get(key)
	if err != nil {
		http.Error(w, "Substream not found", http.StatusNotFound)
		return nil, false
	}
	return sub, true
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]interface{}{
		"card": map[string]interface{}{
			"status":     "running",
			"card_id":    h.manager.CardID().String(),
			"substreams": h.manager.ActiveCount(),
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]interface{}{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    stream.ShortName,
			"version": Version,
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleCard implements the /card endpoint
func (h *HTTPServer) handleCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.manager.Info())
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.manager.Infos()

	response := map[string]interface{}{
		"total_substreams": len(infos),
		"timestamp":        time.Now().UTC(),
		"substreams":       infos,
	}

	writeJSON(w, http.StatusOK, response)
}

// streamDetail is the /streams/{key} body.
type streamDetail struct {
	stream.SubstreamInfo
	Loopback    *audio.LoopbackStats `json:"loopback,omitempty"`
	Subscribers int                  `json:"event_subscribers"`
}

// handleStreamDetail implements the /streams/{key} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}

	detail := streamDetail{SubstreamInfo: sub.Info()}
	if stats, ok := h.manager.LoopbackStats(sub.StreamID()); ok {
		detail.Loopback = &stats
	}
	if h.events != nil {
		detail.Subscribers = h.events.Subscribers(sub.Key())
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleBufferWAV implements the /streams/{key}/buffer.wav endpoint. It
// returns a snapshot of the DMA area as a WAV file.
func (h *HTTPServer) handleBufferWAV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}

	data, params, err := sub.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	format, err := wavFormatFor(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	wav, err := audio.EncodeWAV(data, format)
	if err != nil {
		h.logger.Error("Failed to encode buffer snapshot",
			slog.String("substream", sub.Key().String()),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Failed to encode WAV", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sub.Key().String()+".wav"))
	w.Write(wav)
}

// wavFormatFor maps negotiated parameters onto a PCM WAV format. Only the
// little-endian integer layouts WAV can describe are accepted.
func wavFormatFor(p pcm.HWParams) (audio.WAVFormat, error) {
	switch p.Format {
	case pcm.FormatU8, pcm.FormatS16LE, pcm.FormatS24_3LE, pcm.FormatS32LE:
	default:
		return audio.WAVFormat{}, fmt.Errorf("format %s cannot be exported as WAV", p.Format)
	}

	return audio.WAVFormat{
		SampleRate:    int(p.Rate),
		Channels:      int(p.Channels),
		BitsPerSample: int(p.Format.PhysicalBits()),
	}, nil
}

// handleEvents implements the /streams/{key}/events websocket endpoint
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.events == nil {
		http.Error(w, "Event streaming disabled", http.StatusServiceUnavailable)
		return
	}

	sub, ok := h.lookup(w, r)
	if !ok {
		return
	}

	h.events.serveEvents(w, r, sub.Key())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := map[string]interface{}{
		"card": map[string]interface{}{
			"loopback_depth":   h.config.Card.LoopbackDepth,
			"cleanup_interval": h.config.Card.CleanupInterval,
		},
		"clock": map[string]interface{}{
			"tick_interval": h.config.Clock.TickInterval,
			"pacing":        h.config.Clock.Pacing,
			"max_timers":    h.config.Clock.MaxTimers,
		},
		"hardware": h.config.Hardware,
		"server": map[string]interface{}{
			"udp_port":               h.config.Server.UDPPort,
			"bind_address":           h.config.Server.BindAddress,
			"buffer_size":            h.config.Server.BufferSize,
			"workers":                h.config.Server.Workers,
			"max_concurrent_streams": h.config.Server.MaxConcurrentStreams,
			"session_timeout":        h.config.Server.SessionTimeout,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, cfg)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var periods uint64
	byState := make(map[string]int)
	for _, info := range h.manager.Infos() {
		periods += uint64(info.Periods)
		byState[info.State.String()]++
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"substreams": map[string]interface{}{
			"active_count": h.manager.ActiveCount(),
			"by_state":     byState,
			"periods":      periods,
		},
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": stream.LongName,
		"version": Version,
		"endpoints": map[string]interface{}{
			"GET /":                         "API documentation",
			"GET /health":                   "Service health check",
			"GET /card":                     "Card identity and hardware description",
			"GET /streams":                  "List open substreams",
			"GET /streams/{key}":            "Substream detail, key is <stream_id>-<playback|capture>",
			"GET /streams/{key}/buffer.wav": "Snapshot of the DMA area as WAV",
			"GET /streams/{key}/events":     "Websocket stream of period events",
			"GET /config":                   "Effective configuration",
			"GET /stats":                    "Service statistics",
			"GET /metrics":                  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
