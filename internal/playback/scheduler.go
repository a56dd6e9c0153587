// Package playback schedules downlink audio chunks for gapless output and
// tears the schedule down atomically on interruption.
//
// The scheduler keeps a playback cursor: each accepted chunk is scheduled at
// max(cursor, now) and advances the cursor by the chunk's duration, so
// consecutive chunks of a response play back to back with no gap and no
// overlap. The actual sample pacing is the sink's job; the scheduler's
// bookkeeping exists so that activity state, interruption, and late-arriving
// stale chunks are handled deterministically.
//
// An interruption cancels every in-flight unit, empties the sink buffer, and
// resets the cursor to now. Chunks that were already in flight from the
// service when the interruption happened carry an older sequence number and
// are discarded on arrival.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/channel"
)

// DefaultSettleDelay is how long playback stays in the active state after the
// last scheduled unit finishes, absorbing inter-chunk jitter before the
// session reports the response as over.
const DefaultSettleDelay = 300 * time.Millisecond

// Sink consumes scheduled PCM. audio.SpeakerSink satisfies it; tests use a
// recording fake.
type Sink interface {
	// Write buffers pcm for immediate playback.
	Write(pcm []byte) error

	// Reset discards all buffered, not-yet-played audio.
	Reset()
}

// Config configures a [Scheduler]. Zero fields take defaults; OnActivity may
// be nil.
type Config struct {
	Sink Sink

	// Clock defaults to the system clock.
	Clock Clock

	// SettleDelay defaults to [DefaultSettleDelay].
	SettleDelay time.Duration

	// OnActivity is invoked with true when playback starts from idle and
	// with false once the schedule has drained and the settle delay has
	// elapsed. Calls are serialised and never made under the scheduler
	// lock.
	OnActivity func(active bool)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Scheduler orders downlink audio chunks onto a sink. Safe for concurrent
// use.
type Scheduler struct {
	sink        Sink
	clock       Clock
	settleDelay time.Duration
	onActivity  func(bool)
	metrics     *observe.Metrics
	log         *slog.Logger

	mu       sync.Mutex
	cursor   time.Time
	active   map[uint64]Timer
	nextID   uint64
	epoch    uint64
	resetSeq uint64
	playing  bool
	settle   Timer
	closed   bool

	scheduled        uint64
	droppedMalformed uint64
	droppedStale     uint64
	interrupts       uint64
}

// NewScheduler creates an idle scheduler with its cursor at the current
// time.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Scheduler{
		sink:        cfg.Sink,
		clock:       cfg.Clock,
		settleDelay: cfg.SettleDelay,
		onActivity:  cfg.OnActivity,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		cursor:      cfg.Clock.Now(),
		active:      make(map[uint64]Timer),
	}
}

// Enqueue schedules one chunk. Malformed chunks (empty, odd byte count, or a
// non-positive rate) are dropped and counted; chunks sequenced before the
// last interruption are stale and dropped. Ownership of chunk.PCM transfers
// to the scheduler.
func (s *Scheduler) Enqueue(chunk channel.AudioChunk) {
	if len(chunk.PCM) == 0 || len(chunk.PCM)%2 != 0 || chunk.Rate <= 0 {
		s.mu.Lock()
		s.droppedMalformed++
		s.mu.Unlock()
		s.metrics.RecordDroppedChunk(context.Background(), "malformed")
		s.log.Warn("dropping malformed audio chunk",
			"bytes", len(chunk.PCM), "rate", chunk.Rate, "seq", chunk.Seq)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if chunk.Seq != 0 && chunk.Seq < s.resetSeq {
		s.droppedStale++
		s.mu.Unlock()
		s.metrics.RecordDroppedChunk(context.Background(), "stale")
		s.log.Debug("dropping stale audio chunk", "seq", chunk.Seq, "reset_seq", s.resetSeq)
		return
	}

	now := s.clock.Now()
	start := s.cursor
	if start.Before(now) {
		start = now
	}
	dur := audio.PCMDuration(len(chunk.PCM), chunk.Rate)
	s.cursor = start.Add(dur)
	s.scheduled++

	if err := s.sink.Write(chunk.PCM); err != nil {
		s.log.Warn("sink write failed", "error", err)
	}

	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}

	id := s.nextID
	s.nextID++
	epoch := s.epoch
	s.active[id] = s.clock.AfterFunc(s.cursor.Sub(now), func() {
		s.finishUnit(epoch, id)
	})

	wasIdle := !s.playing
	s.playing = true
	s.mu.Unlock()

	s.metrics.ScheduledChunks.Add(context.Background(), 1)

	if wasIdle && s.onActivity != nil {
		s.onActivity(true)
	}
}

// finishUnit retires one scheduled unit. When the schedule drains the settle
// timer starts; the idle notification only fires once it elapses with
// nothing new enqueued.
func (s *Scheduler) finishUnit(epoch, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || epoch != s.epoch {
		return
	}
	delete(s.active, id)
	if len(s.active) > 0 {
		return
	}

	settleEpoch := s.epoch
	s.settle = s.clock.AfterFunc(s.settleDelay, func() {
		s.settled(settleEpoch)
	})
}

func (s *Scheduler) settled(epoch uint64) {
	s.mu.Lock()
	if s.closed || epoch != s.epoch || len(s.active) > 0 || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	s.settle = nil
	s.mu.Unlock()

	if s.onActivity != nil {
		s.onActivity(false)
	}
}

// Interrupt atomically tears down the schedule: every pending unit is
// cancelled, the sink's buffer is emptied, and the cursor resets to now.
// seq is the inbound sequence of the interrupting message; chunks below it
// that arrive afterwards are discarded as stale, while the interrupting
// message's own audio (sharing its sequence) still schedules onto the
// cleared cursor. Already-played audio is unaffected.
func (s *Scheduler) Interrupt(seq uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	for id, t := range s.active {
		t.Stop()
		delete(s.active, id)
	}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.cursor = s.clock.Now()
	if seq > s.resetSeq {
		s.resetSeq = seq
	}
	s.interrupts++
	wasPlaying := s.playing
	s.playing = false
	s.mu.Unlock()

	s.sink.Reset()
	s.metrics.Interruptions.Add(context.Background(), 1)
	s.log.Info("playback interrupted", "reset_seq", seq, "was_playing", wasPlaying)

	if wasPlaying && s.onActivity != nil {
		s.onActivity(false)
	}
}

// Close stops all pending timers. The scheduler accepts no further chunks.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	for id, t := range s.active {
		t.Stop()
		delete(s.active, id)
	}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.mu.Unlock()
}

// Playing reports whether any response audio is scheduled or settling.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// ActiveUnits returns the number of units still scheduled.
func (s *Scheduler) ActiveUnits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the current playback cursor.
func (s *Scheduler) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Stats is a snapshot of the scheduler's counters.
type Stats struct {
	Scheduled        uint64
	DroppedMalformed uint64
	DroppedStale     uint64
	Interrupts       uint64
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Scheduled:        s.scheduled,
		DroppedMalformed: s.droppedMalformed,
		DroppedStale:     s.droppedStale,
		Interrupts:       s.interrupts,
	}
}
