// Package mock provides a scripted channel implementation for tests: the
// test pushes inbound messages and inspects everything the code under test
// sent. All types are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/channel"
)

// Compile-time assertions against the channel interfaces.
var _ channel.Channel = (*Channel)(nil)
var _ channel.Provider = (*Provider)(nil)

// Channel is a scripted [channel.Channel]. Tests deliver inbound messages
// with [Channel.Push] and read outbound traffic with [Channel.Sent] and
// [Channel.ToolResults].
type Channel struct {
	// SendErr, when non-nil, is returned by Send and SendToolResult. Use it
	// to simulate a closed transport.
	SendErr error

	mu          sync.Mutex
	messages    chan channel.Message
	sent        []channel.MediaFrame
	toolResults []channel.ToolResult
	errVal      error
	closed      bool
	nextSeq     uint64
}

// NewChannel creates a scripted channel with the given inbound buffer depth.
func NewChannel(buffer int) *Channel {
	return &Channel{messages: make(chan channel.Message, buffer)}
}

// Push delivers one inbound message, assigning the next sequence number.
// Push after Close is a no-op.
func (c *Channel) Push(msg channel.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.nextSeq++
	msg.Seq = c.nextSeq
	if msg.Audio != nil {
		msg.Audio.Seq = c.nextSeq
	}
	c.messages <- msg
}

// Fail records err as the terminal error and ends the message stream.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.errVal = err
	close(c.messages)
}

// Send implements [channel.Channel].
func (c *Channel) Send(frame channel.MediaFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.closed {
		return channel.ErrClosed
	}
	cp := channel.MediaFrame{Data: make([]byte, len(frame.Data)), MIMEType: frame.MIMEType}
	copy(cp.Data, frame.Data)
	c.sent = append(c.sent, cp)
	return nil
}

// SendToolResult implements [channel.Channel].
func (c *Channel) SendToolResult(res channel.ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.closed {
		return channel.ErrClosed
	}
	c.toolResults = append(c.toolResults, res)
	return nil
}

// Messages implements [channel.Channel].
func (c *Channel) Messages() <-chan channel.Message { return c.messages }

// Err implements [channel.Channel].
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close implements [channel.Channel]. Idempotent; ends the message stream
// with a nil terminal error.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.messages)
	return nil
}

// Closed reports whether the channel was closed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns a snapshot of all outbound media frames.
func (c *Channel) Sent() []channel.MediaFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]channel.MediaFrame, len(c.sent))
	copy(out, c.sent)
	return out
}

// ToolResults returns a snapshot of all sent tool results.
func (c *Channel) ToolResults() []channel.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]channel.ToolResult, len(c.toolResults))
	copy(out, c.toolResults)
	return out
}

// Provider is a scripted [channel.Provider] that hands out a prepared
// channel, or fails the handshake.
type Provider struct {
	// Ch is the channel Connect returns.
	Ch *Channel

	// ConnectErr, when non-nil, is returned by Connect (e.g. to simulate
	// channel.ErrHandshakeFailed).
	ConnectErr error

	mu       sync.Mutex
	connects int
	lastCfg  channel.Config
}

// Connect implements [channel.Provider].
func (p *Provider) Connect(_ context.Context, cfg channel.Config) (channel.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	p.lastCfg = cfg
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	return p.Ch, nil
}

// Connects returns how many times Connect was called.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// LastConfig returns the configuration passed to the most recent Connect.
func (p *Provider) LastConfig() channel.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCfg
}
