// Package channel defines the bidirectional message transport between a
// voice session and the remote speech-capable model service.
//
// A [Channel] carries uplink media frames and tool results outbound, and
// emits demultiplexable [Message] values inbound: any combination of audio,
// transcript fragments, tool calls, and an interruption signal may arrive on
// one message. The concrete wire protocol lives in implementation packages
// (channel/gemini); a scripted implementation for tests lives in
// channel/mock.
//
// All implementations must be safe for concurrent use.
package channel

import (
	"context"
	"errors"
)

// MIME types for uplink media frames.
const (
	// MIMEAudioPCM16k tags a gated voice block: mono PCM16 at 16 kHz.
	MIMEAudioPCM16k = "audio/pcm;rate=16000"

	// MIMEImageJPEG tags a sampled video still frame.
	MIMEImageJPEG = "image/jpeg"
)

// ErrHandshakeFailed is returned by Connect when the transport dials but the
// protocol handshake does not complete. Fatal: the session never opens.
var ErrHandshakeFailed = errors.New("channel: handshake failed")

// ErrClosed is returned by send operations on a closed channel. Terminal:
// the session stops transmitting, surfaces the error once, and tears down.
var ErrClosed = errors.New("channel: closed")

// MediaFrame is one uplink payload: a raw byte payload plus its MIME tag.
// The wire codec applies transfer encoding (base64); callers hand over raw
// PCM or JPEG bytes.
type MediaFrame struct {
	Data     []byte
	MIMEType string
}

// ToolSpec declares one tool offered to the remote model at session setup.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a single remote-requested invocation. Exactly one
// [ToolResult] must eventually be sent per received ID.
type ToolCall struct {
	ID   string
	Name string

	// Args is the JSON-encoded argument object.
	Args string
}

// ToolResult answers one ToolCall. Result is a JSON-encoded value; wire
// codecs that require an object wrap non-object results.
type ToolResult struct {
	ID     string
	Name   string
	Result string
}

// Speaker identifies which side of the conversation a transcript fragment
// belongs to.
type Speaker int

const (
	// SpeakerLocal is the user's recognised speech (input transcription).
	SpeakerLocal Speaker = iota

	// SpeakerRemote is the model's spoken output (output transcription).
	SpeakerRemote
)

// String returns the human-readable speaker name.
func (s Speaker) String() string {
	switch s {
	case SpeakerLocal:
		return "local"
	case SpeakerRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Transcript is one incremental transcript fragment. Fragments of an
// utterance arrive in order and are forwarded as-is; consumers concatenate.
type Transcript struct {
	Speaker Speaker
	Text    string
}

// AudioChunk is decoded downlink audio: mono PCM16 at the service's output
// rate, tagged with the inbound message sequence that produced it. Ownership
// transfers from the dispatcher to the playback scheduler.
type AudioChunk struct {
	PCM  []byte
	Rate int
	Seq  uint64
}

// Message is one demultiplexed inbound channel message. The slots are
// independent — any combination may be present. Slice and pointer fields are
// nil when the corresponding slot is absent.
type Message struct {
	// Seq is a monotonically increasing per-session sequence number
	// assigned in arrival order.
	Seq uint64

	ToolCalls        []ToolCall
	InputTranscript  *Transcript
	OutputTranscript *Transcript
	Audio            *AudioChunk
	Interrupted      bool
}

// Config is the session open configuration handed to Connect.
type Config struct {
	// SystemInstruction is the system-level prompt for the session.
	SystemInstruction string

	// Tools is the tool manifest offered to the model.
	Tools []ToolSpec

	// PriorTurns is earlier conversation context. Implementations seed it
	// into the model's context at session start; it is never replayed as
	// inbound messages.
	PriorTurns []Transcript

	// VoiceProfile selects the remote synthesis voice.
	VoiceProfile string
}

// Channel is an open bidirectional session transport.
//
// Messages returns a channel that is closed when the session ends; callers
// then check Err for the terminal cause (nil on clean close). Send
// operations on a closed channel return an error wrapping [ErrClosed].
type Channel interface {
	// Send transmits one uplink media frame. Must not block on the remote;
	// returns promptly with an error if the channel is closed.
	Send(frame MediaFrame) error

	// SendToolResult transmits one tool-call response.
	SendToolResult(res ToolResult) error

	// Messages returns the inbound message stream. The channel is closed
	// when the session ends or a terminal error occurs.
	Messages() <-chan Message

	// Err returns the error that terminated the message stream, or nil if
	// the session ended cleanly or is still open.
	Err() error

	// Close terminates the session and releases transport resources.
	// Idempotent.
	Close() error
}

// Provider dials and configures new channel sessions.
type Provider interface {
	// Connect establishes a session and completes the protocol handshake
	// before returning; the returned Channel is ready for media
	// immediately. Handshake failures wrap [ErrHandshakeFailed].
	Connect(ctx context.Context, cfg Config) (Channel, error)
}
