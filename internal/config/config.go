package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/micapture/internal/audio"
)

// Config represents the complete recorder configuration
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Audio   AudioConfig   `yaml:"audio"`
	Output  OutputConfig  `yaml:"output"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig selects the capture backend
type DeviceConfig struct {
	Backend        string `yaml:"backend"`          // pulse, arecord, portaudio, udp, file
	Name           string `yaml:"name"`             // source name, ALSA device or file path
	BindAddress    string `yaml:"bind_address"`     // udp only
	UDPPort        int    `yaml:"udp_port"`         // udp only
	Framing        string `yaml:"framing"`          // udp only, raw or tlv
	BufferSize     int    `yaml:"buffer_size"`      // udp only, bytes
	PollIntervalMs int    `yaml:"poll_interval_ms"` // udp only
	Realtime       bool   `yaml:"realtime"`         // file only
}

// AudioConfig contains capture format and loop parameters
type AudioConfig struct {
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	BitDepth       int    `yaml:"bit_depth"`
	ChunkSize      int    `yaml:"chunk_size"`       // bytes per device read
	TickIntervalMs int    `yaml:"tick_interval_ms"` // elapsed display resolution
	HeaderLayout   string `yaml:"header_layout"`    // canonical or waveformatex
}

// OutputConfig contains where finalized recordings go
type OutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig contains HTTP control surface configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`       // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`  // file output rotation
	MaxBackups int    `yaml:"max_backups"`  // file output rotation
	MaxAgeDays int    `yaml:"max_age_days"` // file output rotation
}

// Default returns a complete, valid configuration for recording from PulseAudio
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:        "pulse",
			BindAddress:    "0.0.0.0",
			UDPPort:        4444,
			Framing:        "raw",
			BufferSize:     65536,
			PollIntervalMs: 100,
		},
		Audio: AudioConfig{
			SampleRate:     audio.DefaultSampleRate,
			Channels:       audio.DefaultChannels,
			BitDepth:       audio.DefaultBitsPerSample,
			ChunkSize:      1024,
			TickIntervalMs: 10,
			HeaderLayout:   audio.LayoutCanonical.String(),
		},
		Output: OutputConfig{
			Path: "",
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file keep
// their Default values.
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
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	switch d.Backend {
	case "":
		return fmt.Errorf("backend cannot be empty")
	case "file":
		if d.Name == "" {
			return fmt.Errorf("name must be a file path (or -) for the file backend")
		}
	case "udp":
		if d.UDPPort < 0 || d.UDPPort > 65535 {
			return fmt.Errorf("udp_port must be between 0 and 65535, got %d", d.UDPPort)
		}
		if d.BindAddress == "" {
			return fmt.Errorf("bind_address cannot be empty")
		}
		if d.BufferSize < 1024 {
			return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", d.BufferSize)
		}
		if d.Framing != "" && d.Framing != "raw" && d.Framing != "tlv" {
			return fmt.Errorf("framing must be 'raw' or 'tlv', got '%s'", d.Framing)
		}
		if d.PollIntervalMs < 1 {
			return fmt.Errorf("poll_interval_ms must be at least 1, got %d", d.PollIntervalMs)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	// recordings are mono 16 kHz only
	if a.SampleRate != audio.DefaultSampleRate {
		return fmt.Errorf("sample_rate must be %d Hz, got %d", audio.DefaultSampleRate, a.SampleRate)
	}

	if a.Channels != audio.DefaultChannels {
		return fmt.Errorf("channels must be %d, got %d", audio.DefaultChannels, a.Channels)
	}

	if a.BitDepth != audio.DefaultBitsPerSample {
		return fmt.Errorf("bit_depth must be %d, got %d", audio.DefaultBitsPerSample, a.BitDepth)
	}

	if a.ChunkSize < 2 || a.ChunkSize%(a.Channels*a.BitDepth/8) != 0 {
		return fmt.Errorf("chunk_size must be a positive multiple of the frame size, got %d", a.ChunkSize)
	}

	if a.TickIntervalMs < 1 || a.TickIntervalMs > 1000 {
		return fmt.Errorf("tick_interval_ms must be between 1 and 1000, got %d", a.TickIntervalMs)
	}

	if _, err := audio.ParseHeaderLayout(a.HeaderLayout); err != nil {
		return err
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

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits cannot be negative")
	}

	return nil
}

// Format returns the PCM format described by the audio section
func (a *AudioConfig) Format() (audio.AudioFormat, error) {
	return audio.NewPCMFormat(a.Channels, a.SampleRate, a.BitDepth)
}

// Layout returns the WAV header layout, canonical when unset
func (a *AudioConfig) Layout() audio.HeaderLayout {
	layout, err := audio.ParseHeaderLayout(a.HeaderLayout)
	if err != nil {
		return audio.LayoutCanonical
	}
	return layout
}

// GetTickInterval returns the elapsed tick period as a time.Duration
func (a *AudioConfig) GetTickInterval() time.Duration {
	return time.Duration(a.TickIntervalMs) * time.Millisecond
}

// GetPollInterval returns the UDP idle poll period as a time.Duration
func (d *DeviceConfig) GetPollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// IsFileOutput reports whether logs go to a rotated file
func (l *LoggingConfig) IsFileOutput() bool {
	return l.Output != "" && l.Output != "stdout" && l.Output != "stderr"
}
