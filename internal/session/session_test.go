package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/pkg/audio"
	audiomock "github.com/voicewire/voicewire/pkg/audio/mock"
	"github.com/voicewire/voicewire/pkg/channel"
	chanmock "github.com/voicewire/voicewire/pkg/channel/mock"
	"github.com/voicewire/voicewire/pkg/vad"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

const captureRate = 16000

// pcmBlock renders one 100 ms capture block at the given sine amplitude.
func pcmBlock(amplitude float64) audio.Block {
	n := captureRate / 10
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/64)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return audio.Block{PCM: pcm, Rate: captureRate}
}

func silentBlock() audio.Block { return pcmBlock(0) }
func loudBlock() audio.Block   { return pcmBlock(0.5) }

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fixture bundles the collaborators most tests share.
type fixture struct {
	source   *audiomock.Source
	sink     *audiomock.Sink
	ch       *chanmock.Channel
	provider *chanmock.Provider
}

func newFixture() *fixture {
	ch := chanmock.NewChannel(16)
	return &fixture{
		source:   audiomock.NewSource(16),
		sink:     audiomock.NewSink(),
		ch:       ch,
		provider: &chanmock.Provider{Ch: ch},
	}
}

func (f *fixture) config(t *testing.T) session.Config {
	return session.Config{
		Provider: f.provider,
		Source:   f.source,
		Sink:     f.sink,
		VAD:      vad.Config{EnergyThreshold: 0.1, SilenceHoldoff: 50 * time.Millisecond},
		Metrics:  testMetrics(t),
	}
}

func openSession(t *testing.T, f *fixture, cfg session.Config, cb session.Callbacks) *session.Session {
	t.Helper()
	s, err := session.Open(context.Background(), cfg, cb)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Open failures ─────────────────────────────────────────────────────────────

func TestOpen_CaptureDenied(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.StartErr = audio.ErrCaptureDenied

	s, err := session.Open(context.Background(), f.config(t), session.Callbacks{})
	if !errors.Is(err, audio.ErrCaptureDenied) {
		t.Fatalf("Open = %v; want ErrCaptureDenied", err)
	}
	if s != nil {
		t.Fatal("Open returned a session alongside an error")
	}
	if f.provider.Connects() != 0 {
		t.Error("no handshake should be attempted when capture fails")
	}
}

func TestOpen_HandshakeFailure_ReleasesCapture(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.provider.ConnectErr = channel.ErrHandshakeFailed

	_, err := session.Open(context.Background(), f.config(t), session.Callbacks{})
	if !errors.Is(err, channel.ErrHandshakeFailed) {
		t.Fatalf("Open = %v; want ErrHandshakeFailed", err)
	}
	if !f.source.Stopped() {
		t.Error("capture should be released when the handshake fails")
	}
}

func TestOpen_PassesConversationConfig(t *testing.T) {
	t.Parallel()

	f := newFixture()
	cfg := f.config(t)
	cfg.SystemInstruction = "Be brief."
	cfg.VoiceProfile = "Kore"
	cfg.PriorTurns = []channel.Transcript{
		{Speaker: channel.SpeakerLocal, Text: "hello"},
	}
	cfg.Tools = []session.Tool{
		{Spec: channel.ToolSpec{Name: "local_time"}},
	}

	s := openSession(t, f, cfg, session.Callbacks{})
	defer s.Close()

	got := f.provider.LastConfig()
	if got.SystemInstruction != "Be brief." {
		t.Errorf("system instruction = %q", got.SystemInstruction)
	}
	if got.VoiceProfile != "Kore" {
		t.Errorf("voice profile = %q", got.VoiceProfile)
	}
	if len(got.PriorTurns) != 1 || got.PriorTurns[0].Text != "hello" {
		t.Errorf("prior turns = %+v", got.PriorTurns)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "local_time" {
		t.Errorf("tools = %+v", got.Tools)
	}
}

// ── Uplink ────────────────────────────────────────────────────────────────────

// pushingProvider delivers capture blocks while the handshake is still in
// flight, exercising the queue-then-flush path.
type pushingProvider struct {
	ch     *chanmock.Channel
	source *audiomock.Source
	blocks int
}

func (p *pushingProvider) Connect(_ context.Context, _ channel.Config) (channel.Channel, error) {
	for n := 0; n < p.blocks; n++ {
		p.source.Push(loudBlock())
	}
	// Let the capture loop classify and queue them before the session opens.
	time.Sleep(50 * time.Millisecond)
	return p.ch, nil
}

func TestSession_SpeechDuringHandshakeIsNotLost(t *testing.T) {
	t.Parallel()

	f := newFixture()
	cfg := f.config(t)
	cfg.Provider = &pushingProvider{ch: f.ch, source: f.source, blocks: 3}

	s := openSession(t, f, cfg, session.Callbacks{})
	defer s.Close()

	waitFor(t, "handshake-era frames", func() bool { return len(f.ch.Sent()) >= 3 })

	for i, frame := range f.ch.Sent()[:3] {
		if frame.MIMEType != channel.MIMEAudioPCM16k {
			t.Errorf("frame %d mime = %q; want %q", i, frame.MIMEType, channel.MIMEAudioPCM16k)
		}
	}
}

func TestSession_ForwardsOnlyVoicedAudio(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := openSession(t, f, f.config(t), session.Callbacks{})
	defer s.Close()

	// Leading silence stays local; speech goes uplink.
	f.source.Push(silentBlock())
	f.source.Push(silentBlock())
	f.source.Push(loudBlock())
	f.source.Push(loudBlock())

	waitFor(t, "voiced frames uplink", func() bool { return len(f.ch.Sent()) >= 2 })

	// Give the silent blocks every chance to (wrongly) show up.
	time.Sleep(20 * time.Millisecond)
	if got := len(f.ch.Sent()); got != 2 {
		t.Errorf("frames sent = %d; want exactly the 2 voiced blocks", got)
	}
}

// ── Downlink ──────────────────────────────────────────────────────────────────

func TestSession_PlaysDownlinkAudio(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := openSession(t, f, f.config(t), session.Callbacks{})
	defer s.Close()

	f.ch.Push(channel.Message{Audio: &channel.AudioChunk{
		PCM:  make([]byte, 4800),
		Rate: 24000,
	}})

	waitFor(t, "sink write", func() bool { return len(f.sink.Writes()) == 1 })
}

func TestSession_BargeInResetsPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := openSession(t, f, f.config(t), session.Callbacks{})
	defer s.Close()

	f.ch.Push(channel.Message{Audio: &channel.AudioChunk{
		PCM:  make([]byte, 48000),
		Rate: 24000,
	}})
	waitFor(t, "playback start", func() bool { return len(f.sink.Writes()) == 1 })

	f.ch.Push(channel.Message{Interrupted: true})
	waitFor(t, "sink reset", func() bool { return f.sink.Resets() == 1 })
}

// ── Status ────────────────────────────────────────────────────────────────────

func TestSession_StatusListeningFollowsSpeech(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := openSession(t, f, f.config(t), session.Callbacks{})
	defer s.Close()

	f.source.Push(loudBlock())
	waitFor(t, "listening status", func() bool { return s.Status() == session.StatusListening })

	// Silence past the hold-off returns the session to idle.
	f.source.Push(silentBlock())
	f.source.Push(silentBlock())
	waitFor(t, "idle status", func() bool { return s.Status() == session.StatusIdle })
}

func TestSession_StatusSpeakingDuringPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := openSession(t, f, f.config(t), session.Callbacks{})
	defer s.Close()

	// One second of response audio keeps the scheduler busy long enough to
	// observe the status.
	f.ch.Push(channel.Message{Audio: &channel.AudioChunk{
		PCM:  make([]byte, 48000),
		Rate: 24000,
	}})
	waitFor(t, "speaking status", func() bool { return s.Status() == session.StatusSpeaking })
}

func TestSession_StatusExecutingDuringToolCall(t *testing.T) {
	t.Parallel()

	f := newFixture()
	release := make(chan struct{})

	cfg := f.config(t)
	cfg.Tools = []session.Tool{{
		Spec: channel.ToolSpec{Name: "slow"},
		Handler: func(ctx context.Context, _ string) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "{}", nil
		},
	}}

	s := openSession(t, f, cfg, session.Callbacks{})
	defer s.Close()

	f.ch.Push(channel.Message{ToolCalls: []channel.ToolCall{
		{ID: "c1", Name: "slow", Args: "{}"},
	}})
	waitFor(t, "executing status", func() bool { return s.Status() == session.StatusExecuting })

	close(release)
	waitFor(t, "tool result", func() bool { return len(f.ch.ToolResults()) == 1 })
	waitFor(t, "idle status", func() bool { return s.Status() == session.StatusIdle })
}

func TestSession_StatusStartsConnecting(t *testing.T) {
	t.Parallel()

	f := newFixture()
	var mu sync.Mutex
	var statuses []session.Status

	cfg := f.config(t)
	s := openSession(t, f, cfg, session.Callbacks{
		OnStatus: func(st session.Status) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, st)
		},
	})
	defer s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[0] != session.StatusConnecting {
		t.Errorf("statuses = %v; want StatusConnecting first", statuses)
	}
}

// ── Failure and teardown ──────────────────────────────────────────────────────

func TestSession_ChannelFailureSurfacesOnceAndCloses(t *testing.T) {
	t.Parallel()

	f := newFixture()
	var mu sync.Mutex
	var errs []error

	s := openSession(t, f, f.config(t), session.Callbacks{
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err)
		},
	})

	f.ch.Fail(errors.New("connection reset"))

	waitFor(t, "session auto-close", func() bool { return s.State() == session.StateClosed })

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("error callbacks = %d; want exactly 1", len(errs))
	}
	if !errors.Is(errs[0], channel.ErrClosed) {
		t.Errorf("error = %v; want wrapped ErrClosed", errs[0])
	}
	if s.Err() == nil {
		t.Error("Err() should report the terminal error")
	}
	if !f.source.Stopped() {
		t.Error("capture should be released on teardown")
	}
}

func TestSession_CleanStreamEndClosesWithoutError(t *testing.T) {
	t.Parallel()

	f := newFixture()
	var mu sync.Mutex
	var errs []error

	s := openSession(t, f, f.config(t), session.Callbacks{
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err)
		},
	})

	_ = f.ch.Close()

	waitFor(t, "session auto-close", func() bool { return s.State() == session.StateClosed })

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 0 {
		t.Errorf("error callbacks = %v; want none for a clean stream end", errs)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v; want nil", s.Err())
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := openSession(t, f, f.config(t), session.Callbacks{})

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != session.StateClosed {
		t.Errorf("state = %v; want Closed", s.State())
	}
	if !f.ch.Closed() {
		t.Error("channel should be closed")
	}
	if !f.source.Stopped() {
		t.Error("capture should be stopped")
	}
}

// ── Options ───────────────────────────────────────────────────────────────────

// mutableSink adds the mute control the session duck-types against.
type mutableSink struct {
	*audiomock.Sink

	mu    sync.Mutex
	muted bool
}

func (s *mutableSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *mutableSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func TestOpen_OutputMutedSilencesSink(t *testing.T) {
	t.Parallel()

	f := newFixture()
	sink := &mutableSink{Sink: audiomock.NewSink()}
	cfg := f.config(t)
	cfg.Sink = sink
	cfg.OutputMuted = true

	s := openSession(t, f, cfg, session.Callbacks{})
	defer s.Close()

	if !sink.Muted() {
		t.Error("sink should be muted when the session opens with OutputMuted")
	}

	// Muting silences output without stalling the schedule.
	f.ch.Push(channel.Message{Audio: &channel.AudioChunk{
		PCM:  make([]byte, 4800),
		Rate: 24000,
	}})
	waitFor(t, "scheduled write", func() bool { return len(sink.Writes()) == 1 })
}

func TestSession_VideoSamplerSubmitsFrames(t *testing.T) {
	t.Parallel()

	f := newFixture()
	producer := audiomock.NewStillProducer([]byte{0xFF, 0xD8})

	cfg := f.config(t)
	cfg.VideoEnabled = true
	cfg.Producer = producer
	cfg.VideoInterval = 5 * time.Millisecond

	s := openSession(t, f, cfg, session.Callbacks{})
	defer s.Close()

	waitFor(t, "video frames", func() bool {
		for _, frame := range f.ch.Sent() {
			if frame.MIMEType == channel.MIMEImageJPEG {
				return true
			}
		}
		return false
	})
}
