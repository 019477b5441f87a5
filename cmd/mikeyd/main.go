package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/idoleat/Mikey/internal/clock"
	"github.com/idoleat/Mikey/internal/config"
	"github.com/idoleat/Mikey/internal/metrics"
	"github.com/idoleat/Mikey/internal/server"
	"github.com/idoleat/Mikey/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "mikeyd"
	serviceVersion    = server.Version

	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("tick_interval_ms", cfg.Clock.TickInterval),
		slog.String("pacing", cfg.Clock.Pacing),
		slog.Any("formats", cfg.Hardware.Formats),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run starts the card and its servers and blocks until ctx is cancelled or a
// server fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	managerConfig, err := buildManagerConfig(cfg, appMetrics)
	if err != nil {
		return fmt.Errorf("invalid hardware configuration: %w", err)
	}

	manager := stream.NewManager(logger, managerConfig)
	defer manager.Stop()

	events := server.NewEventHub(logger, appMetrics, server.DefaultSubscriberBuffer)

	udpServer := server.NewUDPServer(&cfg.Server, logger, manager, appMetrics)
	udpServer.SetEventSink(events)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, logger, manager, udpServer, events, appMetrics, nil)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := udpServer.Start(); err != nil {
		return fmt.Errorf("failed to start UDP server: %w", err)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			udpServer.Stop()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.Addr().String()),
		slog.String("card_id", manager.CardID().String()),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Stop HTTP first so no new subscribers or requests arrive.
	g.Go(func() error {
		<-gctx.Done()
		if httpServer == nil {
			events.Close()
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stopping HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")
		return udpServer.Stop()
	})

	err = g.Wait()

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("notifications_sent", stats.NotificationsSent),
		slog.Uint64("active_substreams", stats.ActiveSubstreams),
	)

	return err
}

// buildManagerConfig maps the file configuration onto the card.
func buildManagerConfig(cfg *config.Config, m *metrics.Metrics) (stream.ManagerConfig, error) {
	hw, err := cfg.Hardware.ToHardware()
	if err != nil {
		return stream.ManagerConfig{}, err
	}

	return stream.ManagerConfig{
		Clock:           clock.NewTimer(cfg.Clock.MaxTimers),
		Playback:        hw,
		Capture:         hw,
		TickInterval:    cfg.Clock.GetTickInterval(),
		Pacing:          stream.Pacing(cfg.Clock.Pacing),
		MaxSubstreams:   cfg.Server.MaxConcurrentStreams,
		LoopbackDepth:   cfg.Card.LoopbackDepth,
		SessionTimeout:  cfg.Server.GetSessionTimeout(),
		CleanupInterval: cfg.Card.GetCleanupInterval(),
		Metrics:         m,
	}, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
