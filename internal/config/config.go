// Package config provides configuration management for mediabusd using
// Viper. It supports configuration from files, environment variables, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultPacketBusCapacity     = 1024
	defaultFrameBusCapacity      = 16
	defaultWriterRetryMaxDelay   = 30 * time.Second
	defaultWriterRetryBaseDelay  = 200 * time.Millisecond
	defaultWriterRetryMaxRetries = 8
	defaultInputOpenTimeout      = 10 * time.Second
	defaultWriterOpenTimeout     = 10 * time.Second
)

// Config holds all configuration for mediabusd.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Bus     BusConfig     `mapstructure:"bus"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath      string   `mapstructure:"binary_path"`      // Path to ffmpeg binary (empty = auto-detect)
	ProbePath       string   `mapstructure:"probe_path"`       // Path to ffprobe binary (empty = auto-detect)
	HWAccelPriority []string `mapstructure:"hwaccel_priority"` // Priority order: vaapi, cuda, qsv, videotoolbox, d3d11va
}

// BusConfig holds media-bus-wide concurrency and resource settings
// (spec.md §5's Packet/Frame Bus capacities and Writer timeout/retry
// policy).
type BusConfig struct {
	PacketBusCapacity int          `mapstructure:"packet_bus_capacity"`
	FrameBusCapacity  int          `mapstructure:"frame_bus_capacity"`
	InputOpenTimeout  time.Duration `mapstructure:"input_open_timeout"`
	WriterOpenTimeout time.Duration `mapstructure:"writer_open_timeout"`
	WriterRetry       WriterRetryConfig `mapstructure:"writer_retry"`
	// MaxPacketPayload is parsed from human-readable values like "4MB", or
	// raw byte counts. No component reads it: packet payloads are neither
	// pooled nor bounded by it.
	MaxPacketPayload ByteSize `mapstructure:"max_packet_payload"`
}

// WriterRetryConfig controls the network Output Writer's backoff policy for
// transient write errors (spec.md §4.8).
type WriterRetryConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MEDIABUSD_ and use underscores
// for nesting. Example: MEDIABUSD_BUS_PACKET_BUS_CAPACITY=2048.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/mediabusd")
		v.AddConfigPath("$HOME/.mediabusd")
	}

	v.SetEnvPrefix("MEDIABUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel_priority", []string{"vaapi", "cuda", "qsv", "videotoolbox", "d3d11va"})

	// Bus defaults
	v.SetDefault("bus.packet_bus_capacity", defaultPacketBusCapacity)
	v.SetDefault("bus.frame_bus_capacity", defaultFrameBusCapacity)
	v.SetDefault("bus.input_open_timeout", defaultInputOpenTimeout)
	v.SetDefault("bus.writer_open_timeout", defaultWriterOpenTimeout)
	v.SetDefault("bus.writer_retry.base_delay", defaultWriterRetryBaseDelay)
	v.SetDefault("bus.writer_retry.max_delay", defaultWriterRetryMaxDelay)
	v.SetDefault("bus.writer_retry.max_retries", defaultWriterRetryMaxRetries)
	v.SetDefault("bus.max_packet_payload", 0)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Bus.PacketBusCapacity < 1 {
		return fmt.Errorf("bus.packet_bus_capacity must be at least 1")
	}
	if c.Bus.FrameBusCapacity < 1 {
		return fmt.Errorf("bus.frame_bus_capacity must be at least 1")
	}

	return nil
}
