package uplink

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/channel"
)

// DefaultVideoInterval is the still-frame sampling cadence (5 Hz).
const DefaultVideoInterval = 200 * time.Millisecond

// SamplerConfig configures a [Sampler].
type SamplerConfig struct {
	Producer    audio.FrameProducer
	Transmitter *Transmitter

	// Interval defaults to [DefaultVideoInterval].
	Interval time.Duration

	Logger *slog.Logger
}

// Sampler pulls still JPEG frames from a producer on a fixed cadence,
// independent of the audio pipeline, and submits them as video frames.
// Video frames are never gated by voice activity.
type Sampler struct {
	producer audio.FrameProducer
	tx       *Transmitter
	interval time.Duration
	log      *slog.Logger
}

// NewSampler creates a sampler. Zero config fields take defaults.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultVideoInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sampler{
		producer: cfg.Producer,
		tx:       cfg.Transmitter,
		interval: cfg.Interval,
		log:      cfg.Logger,
	}
}

// Run samples until ctx is cancelled. A tick where the producer has no frame
// (paused or ended) is skipped without error.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := s.producer.NextFrame()
			if !ok {
				continue
			}
			s.tx.Send(channel.MediaFrame{Data: frame, MIMEType: channel.MIMEImageJPEG})
		}
	}
}
