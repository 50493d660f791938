// Package config provides the configuration schema and loader for the duplex
// voice client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/duplexvoice/internal/call"
	"github.com/MrWong99/duplexvoice/internal/loop"
	"github.com/MrWong99/duplexvoice/internal/vad"
	"github.com/MrWong99/duplexvoice/pkg/audio/energy"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
}

// ServerConfig holds the control API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., "127.0.0.1:8089").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig describes the remote voice peer.
type TransportConfig struct {
	// URL is the ws:// or wss:// endpoint of the peer.
	URL string `yaml:"url"`

	// Token, when set, is sent as a bearer token on the opening handshake.
	Token string `yaml:"token"`

	// DialTimeout bounds the opening handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadLimit caps the size of one inbound segment in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// MaxFailures is the number of consecutive refused dials after which new
	// calls are rejected until FailureCooldown has passed.
	MaxFailures int `yaml:"max_failures"`

	// FailureCooldown is how long calls are rejected once MaxFailures is hit.
	FailureCooldown time.Duration `yaml:"failure_cooldown"`
}

// AudioConfig configures the microphone and speaker.
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// OutputSampleRate is the speaker rate; inbound segments are resampled
	// to it.
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// VADConfig tunes the voice activity detector and its analyser.
type VADConfig struct {
	StartThreshold float64       `yaml:"start_threshold"`
	StopThreshold  float64       `yaml:"stop_threshold"`
	StopDuration   time.Duration `yaml:"stop_duration"`
	WindowSize     int           `yaml:"window_size"`
	TickInterval   time.Duration `yaml:"tick_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:8089"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Transport.URL == "" {
		cfg.Transport.URL = "ws://localhost:8000/ws"
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = 10 * time.Second
	}
	if cfg.Transport.ReadLimit == 0 {
		cfg.Transport.ReadLimit = 16 << 20
	}
	if cfg.Transport.MaxFailures == 0 {
		cfg.Transport.MaxFailures = 3
	}
	if cfg.Transport.FailureCooldown == 0 {
		cfg.Transport.FailureCooldown = 30 * time.Second
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = 1024
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = 44100
	}

	def := vad.DefaultConfig()
	if cfg.VAD.StartThreshold == 0 {
		cfg.VAD.StartThreshold = def.StartThreshold
	}
	if cfg.VAD.StopThreshold == 0 {
		cfg.VAD.StopThreshold = def.StopThreshold
	}
	if cfg.VAD.StopDuration == 0 {
		cfg.VAD.StopDuration = def.StopDuration
	}
	if cfg.VAD.WindowSize == 0 {
		cfg.VAD.WindowSize = energy.DefaultWindowSize
	}
	if cfg.VAD.TickInterval == 0 {
		cfg.VAD.TickInterval = loop.DisplayRefresh
	}
}

// Detector returns the detector tuning.
func (v VADConfig) Detector() vad.Config {
	return vad.Config{
		StartThreshold: v.StartThreshold,
		StopThreshold:  v.StopThreshold,
		StopDuration:   v.StopDuration,
	}
}

// Call returns the per-call tuning for the session controller.
func (c *Config) Call() call.Config {
	cc := call.DefaultConfig()
	cc.VAD = c.VAD.Detector()
	cc.WindowSize = c.VAD.WindowSize
	cc.TickInterval = c.VAD.TickInterval
	return cc
}
