// Package audio defines the frame types and capture/playback primitives for
// the Voicewire engine.
//
// The two primary abstractions are:
//
//   - [Source] — yields fixed-size blocks of captured microphone PCM for as
//     long as a session is open.
//   - [FrameProducer] — yields still video frames on demand for the uplink
//     video sampler.
//
// Concrete implementations backed by real hardware ([CaptureSource],
// [SpeakerSink], via malgo) live in this package; scripted test doubles live
// in audio/mock.
package audio

import "time"

// Block is a single fixed-size block of mono PCM16 samples captured from the
// microphone. Blocks are ephemeral: ownership passes from the capture source
// through the VAD gate to the uplink transmitter, and no stage retains a
// block after handing it on.
type Block struct {
	// PCM is little-endian int16 mono sample data.
	PCM []byte

	// Rate is the sample rate in Hz (e.g., 16000).
	Rate int

	// Timestamp marks when this block was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the block's PCM data.
func (b Block) Duration() time.Duration {
	return PCMDuration(len(b.PCM), b.Rate)
}

// PCMDuration returns the play time of n bytes of mono PCM16 at the given
// sample rate. Returns zero for a non-positive rate.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
