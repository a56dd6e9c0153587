// Package dispatch demultiplexes inbound channel messages onto their
// consumers: audio to the playback scheduler, transcripts to the transcript
// callback, and tool calls to registered handlers.
//
// Slot ordering within one message is fixed. The interruption signal is
// applied before the message's own audio, so a message that both interrupts
// and carries the first chunk of the new response schedules that chunk onto
// the already-cleared cursor. Tool calls run asynchronously; exactly one
// result is sent per received call ID, synthesised from an error payload
// when the handler fails, is unknown, or exceeds the call timeout.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/playback"
	"github.com/voicewire/voicewire/pkg/channel"
)

// DefaultCallTimeout bounds a single tool handler execution. A handler still
// running at the deadline gets its context cancelled and an error result is
// sent on its behalf.
const DefaultCallTimeout = 30 * time.Second

// ToolFunc executes one tool invocation. args is the JSON-encoded argument
// object; the returned string is the JSON-encoded result. The context is
// cancelled when the call times out or the session closes.
type ToolFunc func(ctx context.Context, args string) (string, error)

// Config configures a [Dispatcher].
type Config struct {
	Channel   channel.Channel
	Scheduler *playback.Scheduler

	// Tools maps tool names to their handlers. Calls for unregistered
	// names are answered with an error result.
	Tools map[string]ToolFunc

	// CallTimeout defaults to [DefaultCallTimeout].
	CallTimeout time.Duration

	// OnTranscript receives every transcript fragment in arrival order.
	// May be nil.
	OnTranscript func(channel.Transcript)

	// OnToolActivity is invoked with true when the first concurrent tool
	// call starts and with false when the last one finishes. May be nil.
	OnToolActivity func(active bool)

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Dispatcher consumes one channel's message stream. Run until the stream
// ends; a Dispatcher is single-use.
type Dispatcher struct {
	ch          channel.Channel
	sched       *playback.Scheduler
	tools       map[string]ToolFunc
	callTimeout time.Duration
	onTrans     func(channel.Transcript)
	onToolAct   func(bool)
	metrics     *observe.Metrics
	log         *slog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	answered map[string]struct{}
	inFlight int
}

// New creates a dispatcher. Zero config fields take defaults.
func New(cfg Config) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		ch:          cfg.Channel,
		sched:       cfg.Scheduler,
		tools:       cfg.Tools,
		callTimeout: cfg.CallTimeout,
		onTrans:     cfg.OnTranscript,
		onToolAct:   cfg.OnToolActivity,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		answered:    make(map[string]struct{}),
	}
}

// Run consumes the channel's message stream until it ends or ctx is
// cancelled, then waits for in-flight tool calls to finish. It returns the
// channel's terminal error, or nil when the stream ended cleanly.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-d.ch.Messages():
			if !ok {
				err := d.ch.Err()
				if err != nil {
					d.metrics.ChannelErrors.Add(context.Background(), 1)
				}
				return err
			}
			d.handle(ctx, msg)
		}
	}
}

// handle applies one message's slots in order: interruption, audio,
// transcripts, tool calls.
func (d *Dispatcher) handle(ctx context.Context, msg channel.Message) {
	if msg.Interrupted {
		d.sched.Interrupt(msg.Seq)
	}

	if msg.Audio != nil {
		d.sched.Enqueue(*msg.Audio)
	}

	if d.onTrans != nil {
		if t := msg.InputTranscript; t != nil {
			d.onTrans(*t)
		}
		if t := msg.OutputTranscript; t != nil {
			d.onTrans(*t)
		}
	}

	for _, call := range msg.ToolCalls {
		d.startToolCall(ctx, call)
	}
}

// startToolCall launches one tool execution. Duplicate call IDs are ignored
// so at most one result is ever sent per ID.
func (d *Dispatcher) startToolCall(ctx context.Context, call channel.ToolCall) {
	d.mu.Lock()
	if _, dup := d.answered[call.ID]; dup {
		d.mu.Unlock()
		d.log.Warn("duplicate tool call ignored", "id", call.ID, "tool", call.Name)
		return
	}
	d.answered[call.ID] = struct{}{}
	d.inFlight++
	first := d.inFlight == 1
	d.mu.Unlock()

	if first && d.onToolAct != nil {
		d.onToolAct(true)
	}

	d.wg.Add(1)
	go func() {
		defer d.finishToolCall()
		d.runToolCall(ctx, call)
	}()
}

func (d *Dispatcher) finishToolCall() {
	defer d.wg.Done()
	d.mu.Lock()
	d.inFlight--
	last := d.inFlight == 0
	d.mu.Unlock()

	if last && d.onToolAct != nil {
		d.onToolAct(false)
	}
}

// runToolCall executes the handler under the call timeout and sends the
// single result for this call ID.
func (d *Dispatcher) runToolCall(ctx context.Context, call channel.ToolCall) {
	start := time.Now()
	status := "ok"
	var result string

	fn, known := d.tools[call.Name]
	if !known {
		status = "unknown"
		result = fmt.Sprintf(`{"error": %q}`, "unknown tool: "+call.Name)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()

		type outcome struct {
			res string
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := fn(callCtx, call.Args)
			done <- outcome{res, err}
		}()

		select {
		case out := <-done:
			if out.err != nil {
				status = "error"
				result = fmt.Sprintf(`{"error": %q}`, out.err.Error())
			} else {
				result = out.res
			}
		case <-callCtx.Done():
			status = "timeout"
			result = fmt.Sprintf(`{"error": %q}`, "tool call timed out: "+call.Name)
		}
	}

	elapsed := time.Since(start)
	d.metrics.RecordToolCall(context.Background(), call.Name, status, elapsed)
	d.log.Info("tool call completed",
		"id", call.ID, "tool", call.Name, "status", status, "elapsed", elapsed)

	err := d.ch.SendToolResult(channel.ToolResult{
		ID:     call.ID,
		Name:   call.Name,
		Result: result,
	})
	if err != nil {
		d.log.Warn("tool result not delivered", "id", call.ID, "error", err)
	}
}
