package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required"))
	}

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must not be negative", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.BlockSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.block_samples %d must not be negative", cfg.Audio.BlockSamples))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must not be negative", cfg.Audio.PlaybackRate))
	}

	// VAD
	if cfg.VAD.EnergyThreshold < 0 || cfg.VAD.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %.4f is out of range [0.0, 1.0]", cfg.VAD.EnergyThreshold))
	}
	if cfg.VAD.SilenceHoldoffMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_holdoff_ms %d must not be negative", cfg.VAD.SilenceHoldoffMs))
	}

	// Video
	if cfg.Video.IntervalMs < 0 {
		errs = append(errs, fmt.Errorf("video.interval_ms %d must not be negative", cfg.Video.IntervalMs))
	}

	// Session
	if cfg.Session.SettleDelayMs < 0 {
		errs = append(errs, fmt.Errorf("session.settle_delay_ms %d must not be negative", cfg.Session.SettleDelayMs))
	}

	// Tooling
	if cfg.Tooling.CallTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("tooling.call_timeout_s %d must not be negative", cfg.Tooling.CallTimeoutS))
	}

	return errors.Join(errs...)
}
