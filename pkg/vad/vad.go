// Package vad implements the voice-activity gate for captured audio blocks.
//
// The gate is a pure state machine over the root-mean-square energy of each
// block, with hysteresis: the transition into Speaking is immediate on the
// first block at or above the energy threshold, while the transition back to
// Silent happens only after a continuous sub-threshold interval of at least
// the configured hold-off. The hold-off prevents a brief dip between words
// from ending the utterance early.
//
// There is no I/O and no error path; a Gate is cheap enough to run inline in
// the capture pipeline. A Gate is not safe for concurrent use — one gate
// serves exactly one audio stream.
package vad

import (
	"time"

	"github.com/voicewire/voicewire/pkg/audio"
)

// State is the hysteresis state of the gate.
type State int

const (
	// Silent means no utterance is in progress.
	Silent State = iota

	// Speaking means an utterance is in progress (possibly inside the
	// silence hold-off window).
	Speaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Silent:
		return "SILENT"
	case Speaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Result is the classification of a single block.
type Result struct {
	// State is the gate state after processing the block. It drives the
	// session's observable listening status.
	State State

	// Voiced reports whether this block's energy reached the threshold.
	// Only voiced blocks are forwarded uplink; sub-threshold blocks are
	// dropped locally even while the hold-off keeps State at Speaking.
	Voiced bool

	// Energy is the block's normalised RMS energy, for logging.
	Energy float64
}

const (
	// DefaultEnergyThreshold is the normalised RMS level at which a block
	// counts as speech.
	DefaultEnergyThreshold = 0.015

	// DefaultSilenceHoldoff is the continuous sub-threshold interval after
	// which Speaking decays back to Silent.
	DefaultSilenceHoldoff = 800 * time.Millisecond
)

// Config holds the gate parameters. The recognised options mirror the
// session configuration surface: energy threshold and silence hold-off.
type Config struct {
	// EnergyThreshold is the normalised RMS level ([0.0, 1.0]) at or above
	// which a block is voiced. Default: [DefaultEnergyThreshold].
	EnergyThreshold float64

	// SilenceHoldoff is the continuous sub-threshold duration required for
	// the Speaking → Silent transition. Default: [DefaultSilenceHoldoff].
	SilenceHoldoff time.Duration
}

// Gate classifies capture blocks into speech and silence with hysteresis.
type Gate struct {
	cfg Config

	state          State
	pendingSilence time.Duration
}

// New creates a gate in the Silent state. Zero config fields take defaults.
func New(cfg Config) *Gate {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = DefaultEnergyThreshold
	}
	if cfg.SilenceHoldoff <= 0 {
		cfg.SilenceHoldoff = DefaultSilenceHoldoff
	}
	return &Gate{cfg: cfg}
}

// Classify processes one block and returns its classification. Silent →
// Speaking happens on the same block that crosses the threshold; Speaking →
// Silent happens on the block that completes the hold-off interval.
func (g *Gate) Classify(block audio.Block) Result {
	energy := audio.RMS(block.PCM)
	voiced := energy >= g.cfg.EnergyThreshold

	switch g.state {
	case Silent:
		if voiced {
			g.state = Speaking
			g.pendingSilence = 0
		}
	case Speaking:
		if voiced {
			g.pendingSilence = 0
		} else {
			g.pendingSilence += block.Duration()
			if g.pendingSilence >= g.cfg.SilenceHoldoff {
				g.state = Silent
				g.pendingSilence = 0
			}
		}
	}

	return Result{State: g.state, Voiced: voiced, Energy: energy}
}

// State returns the current gate state without processing a block.
func (g *Gate) State() State { return g.state }

// Reset returns the gate to Silent and clears the pending-silence timer. Use
// it when the audio stream restarts so stale hold-off state cannot leak into
// the next utterance.
func (g *Gate) Reset() {
	g.state = Silent
	g.pendingSilence = 0
}
