package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the transport section.
const (
	EnvTransportURL   = "DUPLEXVOICE_TRANSPORT_URL"
	EnvTransportToken = "DUPLEXVOICE_TRANSPORT_TOKEN"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An empty path yields the defaults. Environment overrides are
// applied before validation.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		ApplyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. An empty document is
// valid and yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var errs []error
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			errs = append(errs, fmt.Errorf("config: load %q: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides transport settings from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvTransportURL); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv(EnvTransportToken); v != "" {
		cfg.Transport.Token = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if u, err := url.Parse(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.url %q must use ws or wss", cfg.Transport.URL))
	}
	if cfg.Transport.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout %s must not be negative", cfg.Transport.DialTimeout))
	}
	if cfg.Transport.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("transport.read_limit %d must not be negative", cfg.Transport.ReadLimit))
	}
	if cfg.Transport.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.max_failures %d must not be negative", cfg.Transport.MaxFailures))
	}
	if cfg.Transport.FailureCooldown < 0 {
		errs = append(errs, fmt.Errorf("transport.failure_cooldown %s must not be negative", cfg.Transport.FailureCooldown))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must be positive", cfg.Audio.FramesPerBuffer))
	}
	if cfg.Audio.OutputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}

	if err := cfg.VAD.Detector().Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.VAD.WindowSize <= 0 || cfg.VAD.WindowSize%2 != 0 {
		errs = append(errs, fmt.Errorf("vad.window_size %d must be a positive even number", cfg.VAD.WindowSize))
	}
	if cfg.VAD.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("vad.tick_interval %s must not be negative", cfg.VAD.TickInterval))
	}

	return errors.Join(errs...)
}
