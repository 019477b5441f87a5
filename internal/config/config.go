package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/idoleat/Mikey/internal/pcm"
)

// Config represents the complete daemon configuration
type Config struct {
	Card     CardConfig     `yaml:"card"`
	Clock    ClockConfig    `yaml:"clock"`
	Hardware HardwareConfig `yaml:"hardware"`
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CardConfig contains virtual card parameters
type CardConfig struct {
	LoopbackDepth   int `yaml:"loopback_depth"`   // periods
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
}

// ClockConfig contains tick scheduling parameters
type ClockConfig struct {
	TickInterval int    `yaml:"tick_interval"` // milliseconds
	Pacing       string `yaml:"pacing"`        // fixed or period
	MaxTimers    int    `yaml:"max_timers"`    // 0 = unlimited
}

// HardwareConfig describes the capabilities advertised by the codec
type HardwareConfig struct {
	Formats        []string `yaml:"formats"`
	RateMin        uint32   `yaml:"rate_min"`
	RateMax        uint32   `yaml:"rate_max"`
	ChannelsMin    uint32   `yaml:"channels_min"`
	ChannelsMax    uint32   `yaml:"channels_max"`
	BufferBytesMax uint32   `yaml:"buffer_bytes_max"`
	PeriodBytesMin uint32   `yaml:"period_bytes_min"`
	PeriodBytesMax uint32   `yaml:"period_bytes_max"`
	PeriodsMin     uint32   `yaml:"periods_min"`
	PeriodsMax     uint32   `yaml:"periods_max"`
}

// ServerConfig contains UDP control server configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	Workers              int    `yaml:"workers"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
	SessionTimeout       int    `yaml:"session_timeout"` // seconds, 0 disables reaping
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a valid configuration matching configs/config.yaml
func Default() *Config {
	hw := pcm.DefaultHardware()

	return &Config{
		Card: CardConfig{
			LoopbackDepth:   64,
			CleanupInterval: 30,
		},
		Clock: ClockConfig{
			TickInterval: 10,
			Pacing:       "fixed",
			MaxTimers:    0,
		},
		Hardware: HardwareConfig{
			Formats:        hw.FormatList(),
			RateMin:        hw.RateMin,
			RateMax:        hw.RateMax,
			ChannelsMin:    hw.ChannelsMin,
			ChannelsMax:    hw.ChannelsMax,
			BufferBytesMax: hw.BufferBytesMax,
			PeriodBytesMin: hw.PeriodBytesMin,
			PeriodBytesMax: hw.PeriodBytesMax,
			PeriodsMin:     hw.PeriodsMin,
			PeriodsMax:     hw.PeriodsMax,
		},
		Server: ServerConfig{
			UDPPort:              4444,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			Workers:              4,
			MaxConcurrentStreams: 64,
			SessionTimeout:       60,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Card.Validate(); err != nil {
		return fmt.Errorf("card config: %w", err)
	}

	if err := c.Clock.Validate(); err != nil {
		return fmt.Errorf("clock config: %w", err)
	}

	if err := c.Hardware.Validate(); err != nil {
		return fmt.Errorf("hardware config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates card configuration
func (c *CardConfig) Validate() error {
	if c.LoopbackDepth < 1 {
		return fmt.Errorf("loopback_depth must be at least 1 period, got %d", c.LoopbackDepth)
	}

	if c.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", c.CleanupInterval)
	}

	return nil
}

// Validate validates clock configuration
func (c *ClockConfig) Validate() error {
	if c.TickInterval < 1 || c.TickInterval > 1000 {
		return fmt.Errorf("tick_interval must be between 1 and 1000 ms, got %d", c.TickInterval)
	}

	if c.Pacing != "fixed" && c.Pacing != "period" {
		return fmt.Errorf("pacing must be 'fixed' or 'period', got '%s'", c.Pacing)
	}

	if c.MaxTimers < 0 {
		return fmt.Errorf("max_timers cannot be negative, got %d", c.MaxTimers)
	}

	return nil
}

// Validate validates hardware configuration
func (h *HardwareConfig) Validate() error {
	if len(h.Formats) == 0 {
		return fmt.Errorf("formats cannot be empty")
	}

	for _, name := range h.Formats {
		if _, err := pcm.ParseFormat(name); err != nil {
			return fmt.Errorf("formats: %w", err)
		}
	}

	if h.RateMin == 0 || h.RateMax < h.RateMin {
		return fmt.Errorf("rate range must be non-empty and positive, got %d-%d", h.RateMin, h.RateMax)
	}

	if h.ChannelsMin == 0 || h.ChannelsMax < h.ChannelsMin {
		return fmt.Errorf("channel range must be non-empty and positive, got %d-%d", h.ChannelsMin, h.ChannelsMax)
	}

	if h.PeriodBytesMin == 0 || h.PeriodBytesMax < h.PeriodBytesMin {
		return fmt.Errorf("period_bytes range must be non-empty and positive, got %d-%d",
			h.PeriodBytesMin, h.PeriodBytesMax)
	}

	if h.BufferBytesMax > math.MaxInt32 {
		return fmt.Errorf("buffer_bytes_max must be at most %d, got %d", math.MaxInt32, h.BufferBytesMax)
	}

	if h.BufferBytesMax < h.PeriodBytesMin {
		return fmt.Errorf("buffer_bytes_max (%d) must hold at least one period of period_bytes_min (%d)",
			h.BufferBytesMax, h.PeriodBytesMin)
	}

	if h.PeriodsMin == 0 || h.PeriodsMax < h.PeriodsMin {
		return fmt.Errorf("periods range must be non-empty and positive, got %d-%d", h.PeriodsMin, h.PeriodsMax)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	if s.SessionTimeout < 0 {
		return fmt.Errorf("session_timeout cannot be negative, got %d", s.SessionTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path; empty means stdout.
	return nil
}

// GetTickInterval returns the tick interval as a time.Duration
func (c *ClockConfig) GetTickInterval() time.Duration {
	return time.Duration(c.TickInterval) * time.Millisecond
}

// GetSessionTimeout returns the idle substream timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetCleanupInterval returns the idle check interval as a time.Duration
func (c *CardConfig) GetCleanupInterval() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// ToHardware converts the section into a codec description
func (h *HardwareConfig) ToHardware() (pcm.Hardware, error) {
	hw := pcm.Hardware{
		Info:           pcm.DefaultHardware().Info,
		RateMin:        h.RateMin,
		RateMax:        h.RateMax,
		ChannelsMin:    h.ChannelsMin,
		ChannelsMax:    h.ChannelsMax,
		BufferBytesMax: h.BufferBytesMax,
		PeriodBytesMin: h.PeriodBytesMin,
		PeriodBytesMax: h.PeriodBytesMax,
		PeriodsMin:     h.PeriodsMin,
		PeriodsMax:     h.PeriodsMax,
	}

	for _, name := range h.Formats {
		f, err := pcm.ParseFormat(name)
		if err != nil {
			return pcm.Hardware{}, err
		}
		hw.Formats |= f.Mask()
	}

	return hw, nil
}
