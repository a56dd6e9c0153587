// Package session implements the lifecycle controller that wires a complete
// duplex voice session together: microphone capture through the
// voice-activity gate onto the uplink, the channel handshake, and inbound
// message dispatch into playback, transcripts, and tool calls.
//
// A session moves through Connecting → Open → Closing → Closed. Open blocks
// until the channel handshake resolves; audio captured in the meantime
// queues in order and is flushed the moment the session opens. Any failure
// during Connecting unwinds partial acquisition and surfaces exactly one
// terminal error. A channel failure while Open is surfaced once through the
// error callback and then closes the session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/dispatch"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/playback"
	"github.com/voicewire/voicewire/internal/uplink"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/channel"
	"github.com/voicewire/voicewire/pkg/vad"
)

// Tool pairs the manifest entry offered to the remote model with the local
// handler that executes it.
type Tool struct {
	Spec    channel.ToolSpec
	Handler dispatch.ToolFunc
}

// Callbacks receive the session's observable events. Any field may be nil.
// Callbacks are invoked from session goroutines and must not call back into
// the session synchronously.
type Callbacks struct {
	// OnTranscript receives every transcript fragment in arrival order.
	OnTranscript func(channel.Transcript)

	// OnStatus receives each observable status change.
	OnStatus func(Status)

	// OnError receives the terminal session error, at most once. The
	// session closes itself afterwards.
	OnError func(error)
}

// Config assembles a session's collaborators and conversational settings.
type Config struct {
	Provider channel.Provider
	Source   audio.Source
	Sink     playback.Sink

	// Producer supplies still frames when video is enabled. Ignored
	// otherwise.
	Producer audio.FrameProducer

	SystemInstruction string
	VoiceProfile      string
	PriorTurns        []channel.Transcript
	Tools             []Tool

	VideoEnabled bool

	// OutputMuted silences local playback. The uplink, transcripts, and
	// tool calls are unaffected; the playback schedule still advances so
	// unmuting mid-response stays aligned.
	OutputMuted bool

	VideoInterval time.Duration
	SettleDelay   time.Duration
	CallTimeout   time.Duration
	VAD           vad.Config

	// Clock defaults to the system clock. Tests inject a fake.
	Clock playback.Clock

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Session is one live duplex voice session. Create with [Open]; a Session is
// single-use.
type Session struct {
	cfg     Config
	cb      Callbacks
	metrics *observe.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tx    *uplink.Transmitter
	sched *playback.Scheduler
	ch    channel.Channel

	mu        sync.Mutex
	state     State
	status    Status
	listening bool
	playing   bool
	executing bool
	errVal    error

	closeOnce sync.Once
	errOnce   sync.Once
}

// Open acquires capture, dials and handshakes the channel, and starts the
// session's pipelines. It blocks until the handshake resolves. On any
// failure everything acquired so far is released and the error is returned;
// no callback fires for it.
func Open(ctx context.Context, cfg Config, cb Callbacks) (*Session, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		cb:      cb,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		ctx:     sessCtx,
		cancel:  sessCancel,
		state:   StateConnecting,
		status:  StatusConnecting,
	}
	s.notifyStatus(StatusConnecting)

	blocks, err := cfg.Source.Start(ctx)
	if err != nil {
		sessCancel()
		s.setState(StateClosed)
		return nil, fmt.Errorf("session: capture: %w", err)
	}

	s.tx = uplink.NewTransmitter(uplink.TransmitterConfig{
		OnError: s.terminal,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})

	// Gate and forward from the first block so speech during the handshake
	// queues in order instead of being lost.
	s.wg.Add(1)
	go s.captureLoop(blocks)

	handshakeStart := time.Now()
	ch, err := cfg.Provider.Connect(ctx, channel.Config{
		SystemInstruction: cfg.SystemInstruction,
		Tools:             toolSpecs(cfg.Tools),
		PriorTurns:        cfg.PriorTurns,
		VoiceProfile:      cfg.VoiceProfile,
	})
	if err != nil {
		sessCancel()
		_ = cfg.Source.Stop()
		s.tx.Close()
		s.wg.Wait()
		s.setState(StateClosed)
		return nil, fmt.Errorf("session: connect: %w", err)
	}
	s.ch = ch
	s.metrics.HandshakeDuration.Record(context.Background(), time.Since(handshakeStart).Seconds())

	if cfg.OutputMuted {
		if m, ok := cfg.Sink.(interface{ SetMuted(bool) }); ok {
			m.SetMuted(true)
		}
	}

	s.sched = playback.NewScheduler(playback.Config{
		Sink:        cfg.Sink,
		Clock:       cfg.Clock,
		SettleDelay: cfg.SettleDelay,
		OnActivity:  s.setPlaying,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})

	disp := dispatch.New(dispatch.Config{
		Channel:        ch,
		Scheduler:      s.sched,
		Tools:          toolHandlers(cfg.Tools),
		CallTimeout:    cfg.CallTimeout,
		OnTranscript:   cb.OnTranscript,
		OnToolActivity: s.setExecuting,
		Metrics:        cfg.Metrics,
		Logger:         cfg.Logger,
	})
	s.wg.Add(1)
	go s.dispatchLoop(disp)

	if cfg.VideoEnabled && cfg.Producer != nil {
		sampler := uplink.NewSampler(uplink.SamplerConfig{
			Producer:    cfg.Producer,
			Transmitter: s.tx,
			Interval:    cfg.VideoInterval,
			Logger:      cfg.Logger,
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sampler.Run(s.ctx)
		}()
	}

	s.setState(StateOpen)
	s.tx.Flush(ch)
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.log.Info("session open", "video", cfg.VideoEnabled, "muted", cfg.OutputMuted)
	s.recomputeStatus()

	return s, nil
}

// captureLoop classifies capture blocks and forwards voiced ones uplink. It
// exits when the source's block channel closes.
func (s *Session) captureLoop(blocks <-chan audio.Block) {
	defer s.wg.Done()

	gate := vad.New(s.cfg.VAD)
	for block := range blocks {
		res := gate.Classify(block)
		s.setListening(res.State == vad.Speaking)
		if res.Voiced {
			s.tx.Send(channel.MediaFrame{Data: block.PCM, MIMEType: channel.MIMEAudioPCM16k})
		}
	}
	s.setListening(false)
}

// dispatchLoop runs the dispatcher until the channel's message stream ends.
// A terminal channel error is surfaced once; either way the session closes
// itself unless Close is already in progress.
func (s *Session) dispatchLoop(disp *dispatch.Dispatcher) {
	defer s.wg.Done()

	err := disp.Run(s.ctx)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.terminal(fmt.Errorf("session: %w: %v", channel.ErrClosed, err))
		return
	}
	s.log.Info("channel stream ended, closing session")
	go s.Close()
}

// terminal records and surfaces the session's terminal error exactly once,
// then closes the session.
func (s *Session) terminal(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.errVal = err
		s.mu.Unlock()

		s.log.Error("session terminal error", "error", err)
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
		go s.Close()
	})
}

// Close tears the session down: capture stops, the sampler and dispatcher
// exit, the channel disconnects, and the sink is released. Idempotent;
// concurrent calls block until the first completes.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()

		_ = s.cfg.Source.Stop()
		s.tx.Close()
		if s.ch != nil {
			_ = s.ch.Close()
		}
		s.wg.Wait()
		if s.sched != nil {
			s.sched.Close()
		}
		if c, ok := s.cfg.Sink.(interface{ Close() error }); ok {
			_ = c.Close()
		}

		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.setState(StateClosed)
		s.recomputeStatus()
		s.log.Info("session closed")
	})
	return nil
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the session's observable status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the terminal error, or nil while the session is healthy or
// after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// PlaybackStats returns a snapshot of the playback scheduler's counters.
func (s *Session) PlaybackStats() playback.Stats {
	return s.sched.Stats()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setListening(listening bool) {
	s.mu.Lock()
	changed := s.listening != listening
	s.listening = listening
	s.mu.Unlock()
	if changed {
		s.recomputeStatus()
	}
}

func (s *Session) setPlaying(playing bool) {
	s.mu.Lock()
	s.playing = playing
	s.mu.Unlock()
	s.recomputeStatus()
}

func (s *Session) setExecuting(executing bool) {
	s.mu.Lock()
	s.executing = executing
	s.mu.Unlock()
	s.recomputeStatus()
}

// recomputeStatus derives the observable status and notifies on change.
// Priority when several activities overlap: executing, then speaking, then
// listening.
func (s *Session) recomputeStatus() {
	s.mu.Lock()
	var st Status
	switch {
	case s.state == StateConnecting:
		st = StatusConnecting
	case s.state != StateOpen:
		st = StatusIdle
	case s.executing:
		st = StatusExecuting
	case s.playing:
		st = StatusSpeaking
	case s.listening:
		st = StatusListening
	default:
		st = StatusIdle
	}
	changed := st != s.status
	s.status = st
	s.mu.Unlock()

	if changed {
		s.notifyStatus(st)
	}
}

func (s *Session) notifyStatus(st Status) {
	if s.cb.OnStatus != nil {
		s.cb.OnStatus(st)
	}
}

func toolSpecs(tools []Tool) []channel.ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]channel.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = t.Spec
	}
	return specs
}

func toolHandlers(tools []Tool) map[string]dispatch.ToolFunc {
	if len(tools) == 0 {
		return nil
	}
	handlers := make(map[string]dispatch.ToolFunc, len(tools))
	for _, t := range tools {
		handlers[t.Spec.Name] = t.Handler
	}
	return handlers
}
