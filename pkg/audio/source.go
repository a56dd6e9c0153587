package audio

import (
	"context"
	"errors"
)

// ErrCaptureDenied is returned when the platform refuses access to the
// microphone (missing device, permission denied, backend init failure).
// A session must not proceed to connect when capture cannot be acquired.
var ErrCaptureDenied = errors.New("audio: capture denied")

// Source yields fixed-size blocks of captured microphone PCM.
//
// Start acquires the underlying capture resources and returns a channel that
// delivers one [Block] per capture cadence until Stop is called. The channel
// is closed by Stop. Implementations hold exclusive hardware handles between
// Start and Stop and must release them on every exit path.
//
// A Source is single-use: after Stop it cannot be restarted.
type Source interface {
	// Start begins capture. The ctx governs the acquisition attempt only;
	// once started, capture continues until Stop. Returns a channel of
	// blocks, or an error wrapping [ErrCaptureDenied] if the device cannot
	// be acquired.
	Start(ctx context.Context) (<-chan Block, error)

	// Stop ends capture, releases hardware resources, and closes the block
	// channel. Stop is idempotent.
	Stop() error
}

// FrameProducer yields still video frames for the uplink video sampler.
//
// NextFrame returns one encoded JPEG frame. ok is false when the upstream
// video track is paused, ended, or a transient capture failure occurred; the
// sampler skips that tick rather than treating it as an error.
type FrameProducer interface {
	NextFrame() (jpeg []byte, ok bool)
}
