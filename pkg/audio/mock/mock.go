// Package mock provides scripted audio test doubles: a [Source] fed by the
// test, a [FrameProducer] returning a fixed still, and a recording playback
// sink. All types are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/audio"
)

// Compile-time assertion that Source satisfies audio.Source.
var _ audio.Source = (*Source)(nil)

// Source is a scripted [audio.Source]. Tests push blocks with [Source.Push];
// Stop closes the channel.
type Source struct {
	// StartErr, when non-nil, is returned by Start (e.g. to simulate
	// audio.ErrCaptureDenied).
	StartErr error

	mu      sync.Mutex
	blocks  chan audio.Block
	started bool
	stopped bool
}

// NewSource creates a scripted source with the given channel depth.
func NewSource(buffer int) *Source {
	return &Source{blocks: make(chan audio.Block, buffer)}
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) (<-chan audio.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	s.started = true
	return s.blocks, nil
}

// Push delivers one block to the consumer. Push after Stop is a no-op.
func (s *Source) Push(b audio.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.blocks <- b
}

// Stop implements [audio.Source]. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.blocks)
	return nil
}

// Started reports whether Start was called.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StillProducer is an [audio.FrameProducer] returning a fixed JPEG payload.
// Setting Paused makes NextFrame report ok=false, like a paused video track.
type StillProducer struct {
	mu     sync.Mutex
	frame  []byte
	paused bool
	calls  int
}

// NewStillProducer creates a producer that always yields frame.
func NewStillProducer(frame []byte) *StillProducer {
	return &StillProducer{frame: frame}
}

// NextFrame implements [audio.FrameProducer].
func (p *StillProducer) NextFrame() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.paused {
		return nil, false
	}
	return p.frame, true
}

// SetPaused toggles the paused state.
func (p *StillProducer) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

// Calls returns how many times NextFrame was invoked.
func (p *StillProducer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Sink records every Write and Reset for assertions. It satisfies the
// playback scheduler's sink contract.
type Sink struct {
	mu     sync.Mutex
	writes [][]byte
	resets int
}

// NewSink creates an empty recording sink.
func NewSink() *Sink { return &Sink{} }

// Write records pcm.
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.writes = append(s.writes, cp)
	return nil
}

// Reset records a buffer reset.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Writes returns a snapshot of all recorded writes.
func (s *Sink) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// Resets returns how many times Reset was called.
func (s *Sink) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}
