package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// DefaultPlaybackRate is the sample rate of synthesised downlink audio in Hz.
const DefaultPlaybackRate = 24000

// SpeakerSink plays mono PCM16 through the default system speaker via malgo.
//
// Written PCM accumulates in an internal buffer that the device drains in
// real time; Reset discards everything still buffered, which is how an
// interruption silences in-flight playback immediately. A muted sink keeps
// consuming buffered audio at the normal cadence but outputs silence, so
// timing and drain behaviour are unaffected by mute.
type SpeakerSink struct {
	mu      sync.Mutex
	pending []byte
	muted   bool
	closed  bool

	backend *malgo.AllocatedContext
	device  *malgo.Device
}

// NewSpeakerSink acquires the default playback device at the given sample
// rate. Device acquisition failures are reported as [ErrCaptureDenied];
// partially acquired resources are released before returning.
func NewSpeakerSink(rate int) (*SpeakerSink, error) {
	if rate <= 0 {
		rate = DefaultPlaybackRate
	}

	backend, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init backend: %w: %v", ErrCaptureDenied, err)
	}

	s := &SpeakerSink{backend: backend}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(rate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(backend.Context, deviceConfig, malgo.DeviceCallbacks{Data: s.onPlay})
	if err != nil {
		_ = backend.Uninit()
		backend.Free()
		return nil, fmt.Errorf("audio: init playback device: %w: %v", ErrCaptureDenied, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = backend.Uninit()
		backend.Free()
		return nil, fmt.Errorf("audio: start playback device: %w: %v", ErrCaptureDenied, err)
	}

	s.device = device
	return s, nil
}

// onPlay is the malgo data callback: it pops buffered PCM into the device
// output and zero-fills any shortfall.
func (s *SpeakerSink) onPlay(out, _ []byte, frameCount uint32) {
	s.mu.Lock()
	n := min(len(s.pending), len(out))
	if n > 0 {
		if s.muted {
			for i := range out[:n] {
				out[i] = 0
			}
		} else {
			copy(out, s.pending[:n])
		}
		s.pending = append(s.pending[:0], s.pending[n:]...)
	}
	s.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// Write buffers pcm for playback. Safe to call from any goroutine.
func (s *SpeakerSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audio: speaker sink closed")
	}
	s.pending = append(s.pending, pcm...)
	return nil
}

// Reset discards all buffered, not-yet-played audio.
func (s *SpeakerSink) Reset() {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.mu.Unlock()
}

// SetMuted toggles silent output. Buffered audio continues to drain at the
// normal rate while muted.
func (s *SpeakerSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Close releases the playback device. Idempotent.
func (s *SpeakerSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.backend != nil {
		_ = s.backend.Uninit()
		s.backend.Free()
		s.backend = nil
	}
	return nil
}
