// Package uplink moves outbound media frames onto the session channel
// without ever blocking the capture pipeline.
//
// A Transmitter accepts frames from the moment the session starts
// connecting: frames submitted before the channel handshake resolves queue
// in order and are drained by Flush once the session opens. A single pump
// goroutine performs all channel sends, so capture order is wire order.
// After the channel reports itself closed, the transmitter stops silently
// and surfaces the failure exactly once through its error callback.
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/channel"
)

// frameBuffer is the depth of the pump queue. The capture side never waits
// on it; a full queue drops the frame.
const frameBuffer = 256

// TransmitterConfig configures a [Transmitter]. The channel is bound later,
// by [Transmitter.Flush], because frames are accepted while the session is
// still connecting.
type TransmitterConfig struct {
	// OnError receives the terminal send failure. Invoked at most once,
	// from the pump goroutine. May be nil.
	OnError func(error)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Transmitter forwards media frames to the channel in submission order.
// Safe for concurrent use.
type Transmitter struct {
	ch      channel.Channel
	onError func(error)
	metrics *observe.Metrics
	log     *slog.Logger

	frames chan channel.MediaFrame
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []channel.MediaFrame
	open    bool
	failed  bool
	dropped uint64
}

// NewTransmitter creates a transmitter in the queueing state. Frames are not
// sent until [Transmitter.Flush].
func NewTransmitter(cfg TransmitterConfig) *Transmitter {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transmitter{
		onError: cfg.OnError,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		frames:  make(chan channel.MediaFrame, frameBuffer),
		done:    make(chan struct{}),
	}
}

// Send submits one frame. It never blocks: before Flush the frame queues in
// order; afterwards it goes to the pump, and is dropped with a counter bump
// if the pump has fallen behind. Send after a terminal failure is a silent
// no-op.
func (t *Transmitter) Send(frame channel.MediaFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed {
		return
	}
	if !t.open {
		t.pending = append(t.pending, frame)
		return
	}

	select {
	case t.frames <- frame:
	default:
		t.dropped++
		t.log.Warn("uplink pump behind, dropping frame", "mime", frame.MIMEType)
	}
}

// Flush binds the now-open channel and transitions to the open state: the
// queued frames are handed to the pump in their original order ahead of any
// later Send, and the pump goroutine starts. Call once, when the session
// opens.
func (t *Transmitter) Flush(ch channel.Channel) {
	t.mu.Lock()
	t.ch = ch
	for _, frame := range t.pending {
		select {
		case t.frames <- frame:
		default:
			t.dropped++
		}
	}
	t.pending = nil
	t.open = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.pump()
}

// pump performs all channel sends. The first send failure is terminal: the
// pump reports it once and exits.
func (t *Transmitter) pump() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case frame := <-t.frames:
			if err := t.ch.Send(frame); err != nil {
				t.fail(err)
				return
			}
			t.metrics.RecordUplinkFrame(context.Background(), frameKind(frame))
		}
	}
}

// fail records the terminal failure and notifies the error callback exactly
// once.
func (t *Transmitter) fail(err error) {
	t.mu.Lock()
	if t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	t.mu.Unlock()

	t.log.Error("uplink send failed, stopping", "error", err)
	if t.onError != nil {
		t.onError(fmt.Errorf("uplink: %w", err))
	}
}

// Close stops the pump. Frames still queued are discarded. Idempotent with
// respect to the pump shutdown; safe before Flush.
func (t *Transmitter) Close() {
	t.mu.Lock()
	if t.failed {
		t.mu.Unlock()
		t.wg.Wait()
		return
	}
	t.failed = true
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
}

// Dropped returns how many frames were discarded because the pump queue was
// full.
func (t *Transmitter) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func frameKind(frame channel.MediaFrame) string {
	if strings.HasPrefix(frame.MIMEType, "image/") {
		return "video"
	}
	return "audio"
}
