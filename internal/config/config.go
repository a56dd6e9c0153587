// Package config provides the configuration schema and loader for the
// Voicewire session engine.
package config

import "time"

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

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Video    VideoConfig    `yaml:"video"`
	Tooling  ToolingConfig  `yaml:"tooling"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint
	// listens on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProviderConfig selects and authenticates the remote model service.
type ProviderConfig struct {
	// APIKey is the authentication key for the service.
	APIKey string `yaml:"api_key"`

	// Model selects the model used for sessions.
	Model string `yaml:"model"`

	// BaseURL overrides the service's default WebSocket endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`
}

// SessionConfig holds the per-session conversational settings.
type SessionConfig struct {
	// SystemInstruction is the system-level prompt for the session.
	SystemInstruction string `yaml:"system_instruction"`

	// VoiceProfile selects the remote synthesis voice.
	VoiceProfile string `yaml:"voice_profile"`

	// VideoEnabled turns on the still-frame video sampler.
	VideoEnabled bool `yaml:"video_enabled"`

	// OutputMuted silences local speaker output. Uplink, transcripts, and
	// tool calls are unaffected.
	OutputMuted bool `yaml:"output_muted"`

	// SettleDelayMs is how long playback stays in the speaking state after
	// the last scheduled chunk finishes. Default 300.
	SettleDelayMs int `yaml:"settle_delay_ms"`
}

// AudioConfig holds capture and playback parameters.
type AudioConfig struct {
	// CaptureRate is the microphone sample rate in Hz. Default 16000.
	CaptureRate int `yaml:"capture_rate"`

	// BlockSamples is the number of mono samples per capture block.
	// Default 4096.
	BlockSamples int `yaml:"block_samples"`

	// PlaybackRate is the speaker sample rate in Hz. Default 24000.
	PlaybackRate int `yaml:"playback_rate"`
}

// VADConfig holds the voice-activity gate parameters.
type VADConfig struct {
	// EnergyThreshold is the normalised RMS level ([0.0, 1.0]) at which a
	// block counts as speech. Default 0.015.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// SilenceHoldoffMs is the continuous sub-threshold interval after which
	// speech decays back to silence. Default 800.
	SilenceHoldoffMs int `yaml:"silence_holdoff_ms"`
}

// VideoConfig holds the still-frame sampler parameters.
type VideoConfig struct {
	// IntervalMs is the sampling cadence in milliseconds. Default 200.
	IntervalMs int `yaml:"interval_ms"`
}

// ToolingConfig holds tool-call handling parameters.
type ToolingConfig struct {
	// CallTimeoutS bounds a single tool handler execution, in seconds.
	// A handler still running at the deadline gets an error result sent on
	// its behalf. Default 30.
	CallTimeoutS int `yaml:"call_timeout_s"`
}

// SettleDelay returns the configured settle delay as a duration, or zero
// when unset.
func (c SessionConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// SilenceHoldoff returns the configured hold-off as a duration, or zero when
// unset.
func (c VADConfig) SilenceHoldoff() time.Duration {
	return time.Duration(c.SilenceHoldoffMs) * time.Millisecond
}

// Interval returns the configured sampling cadence as a duration, or zero
// when unset.
func (c VideoConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// CallTimeout returns the configured tool-call timeout as a duration, or
// zero when unset.
func (c ToolingConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutS) * time.Second
}
