package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Compile-time assertion that CaptureSource satisfies Source.
var _ Source = (*CaptureSource)(nil)

const (
	// DefaultCaptureRate is the native capture sample rate in Hz.
	DefaultCaptureRate = 16000

	// DefaultBlockSamples is the number of samples per capture block
	// (4096 samples at 16 kHz ≈ 256 ms).
	DefaultBlockSamples = 4096

	// defaultBlockBuffer is the depth of the block channel. Blocks are
	// dropped rather than blocking the capture callback when the consumer
	// falls behind.
	defaultBlockBuffer = 8
)

// CaptureConfig configures a [CaptureSource].
type CaptureConfig struct {
	// Rate is the capture sample rate in Hz. Default: [DefaultCaptureRate].
	Rate int

	// BlockSamples is the number of mono samples per emitted block.
	// Default: [DefaultBlockSamples].
	BlockSamples int
}

func (c *CaptureConfig) applyDefaults() {
	if c.Rate <= 0 {
		c.Rate = DefaultCaptureRate
	}
	if c.BlockSamples <= 0 {
		c.BlockSamples = DefaultBlockSamples
	}
}

// CaptureSource is a [Source] backed by the default system microphone via
// malgo (miniaudio). It emits mono PCM16 blocks of a fixed size at the
// configured rate.
//
// The underlying device and backend context are acquired in Start and
// released in Stop; both are released on every failure path inside Start so
// a failed acquisition never leaks a hardware handle.
type CaptureSource struct {
	cfg CaptureConfig

	mu      sync.Mutex
	backend *malgo.AllocatedContext
	device  *malgo.Device
	blocks  chan Block
	started bool
	stopped bool
}

// NewCaptureSource creates a capture source for the default microphone.
// No hardware is touched until Start.
func NewCaptureSource(cfg CaptureConfig) *CaptureSource {
	cfg.applyDefaults()
	return &CaptureSource{cfg: cfg}
}

// Start acquires the microphone and begins emitting blocks. Any device
// failure is reported as [ErrCaptureDenied]; partially acquired resources
// are released before returning.
func (s *CaptureSource) Start(ctx context.Context) (<-chan Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return nil, fmt.Errorf("audio: capture source already used")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	backend, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init backend: %w: %v", ErrCaptureDenied, err)
	}

	s.blocks = make(chan Block, defaultBlockBuffer)
	blockBytes := s.cfg.BlockSamples * 2

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(s.cfg.Rate)
	deviceConfig.Alsa.NoMMap = 1

	// Capture state confined to the device callback goroutine.
	var (
		pending []byte
		elapsed time.Duration
	)
	blockDur := PCMDuration(blockBytes, s.cfg.Rate)

	onRecv := func(_, samples []byte, frameCount uint32) {
		if frameCount == 0 {
			return
		}
		pending = append(pending, samples...)
		for len(pending) >= blockBytes {
			pcm := make([]byte, blockBytes)
			copy(pcm, pending)
			pending = append(pending[:0], pending[blockBytes:]...)

			block := Block{PCM: pcm, Rate: s.cfg.Rate, Timestamp: elapsed}
			elapsed += blockDur

			// Never block the capture callback; drop when the consumer
			// is behind.
			select {
			case s.blocks <- block:
			default:
			}
		}
	}

	device, err := malgo.InitDevice(backend.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		_ = backend.Uninit()
		backend.Free()
		return nil, fmt.Errorf("audio: init capture device: %w: %v", ErrCaptureDenied, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = backend.Uninit()
		backend.Free()
		return nil, fmt.Errorf("audio: start capture device: %w: %v", ErrCaptureDenied, err)
	}

	s.backend = backend
	s.device = device
	s.started = true
	return s.blocks, nil
}

// Stop releases the microphone and closes the block channel. Idempotent.
func (s *CaptureSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	// Uninit stops the callback before returning, so closing the channel
	// afterwards cannot race a send.
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.backend != nil {
		_ = s.backend.Uninit()
		s.backend.Free()
		s.backend = nil
	}
	if s.blocks != nil {
		close(s.blocks)
		s.blocks = nil
	}
	return nil
}
