// Package gemini implements the channel.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM in both directions; the
// handshake is complete once the service acknowledges the setup message, and
// Connect does not return a channel before that acknowledgement arrives.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/pkg/channel"
)

// Compile-time assertions that Provider and session satisfy the channel
// interfaces.
var _ channel.Provider = (*Provider)(nil)
var _ channel.Channel = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// DefaultOutputRate is the PCM sample rate of Gemini Live synthesised
	// audio in Hz.
	DefaultOutputRate = 24000

	handshakeTimeout  = 10 * time.Second
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	messageBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements channel.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint, sends the setup message, and waits
// for the service's setupComplete acknowledgement before returning. A dial or
// acknowledgement failure wraps [channel.ErrHandshakeFailed]; the returned
// channel is ready for media immediately.
func (p *Provider) Connect(ctx context.Context, cfg channel.Config) (channel.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %v", channel.ErrHandshakeFailed, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		messages: make(chan channel.Message, messageBuffer),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %v", channel.ErrHandshakeFailed, err)
	}

	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}

	if len(cfg.PriorTurns) > 0 {
		if err := sess.seedPriorTurns(cfg.PriorTurns); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "context seed failed")
			return nil, fmt.Errorf("gemini: seed prior turns: %w: %v", channel.ErrHandshakeFailed, err)
		}
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan channel.Message

	seq            uint64
	decodeFailures atomic.Uint64

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg channel.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}

	if cfg.VoiceProfile != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.VoiceProfile},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// awaitSetupComplete blocks until the service acknowledges the setup message.
// Any other outcome, including a service error or a read failure, wraps
// [channel.ErrHandshakeFailed].
func (s *session) awaitSetupComplete(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	for {
		_, data, err := s.conn.Read(readCtx)
		if err != nil {
			return fmt.Errorf("gemini: awaiting setup acknowledgement: %w: %v", channel.ErrHandshakeFailed, err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("gemini: setup rejected: %w: %s", channel.ErrHandshakeFailed, msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// seedPriorTurns inserts earlier conversation context as clientContent turns.
// TurnComplete stays false so the model holds for live input instead of
// responding to the seeded history.
func (s *session) seedPriorTurns(turns []channel.Transcript) error {
	contentTurns := make([]contentTurn, len(turns))
	for i, t := range turns {
		role := "user"
		if t.Speaker == channel.SpeakerRemote {
			role = "model"
		}
		contentTurns[i] = contentTurn{
			Role:  role,
			Parts: []part{{Text: t.Text}},
		}
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        contentTurns,
			TurnComplete: false,
		},
	}
	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads server messages, converts them to channel messages, and
// delivers them in arrival order. It owns the message channel and closes it
// when it exits.
func (s *session) receiveLoop() {
	defer s.closeMessages()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A cancelled session context means Close ran; exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			errMsg := "unknown error"
			if msg.Error.Message != "" {
				errMsg = msg.Error.Message
			}
			s.setErr(fmt.Errorf("gemini: service error: %s", errMsg))
			return
		}

		if out, ok := s.convert(&msg); ok {
			select {
			case s.messages <- out:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// convert maps one server message onto the channel message shape. It reports
// ok=false when the message carries nothing a consumer acts on, such as a
// bare turnComplete.
func (s *session) convert(msg *serverMessage) (channel.Message, bool) {
	var out channel.Message
	populated := false

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			out.Interrupted = true
			populated = true
		}
		if sc.ModelTurn != nil {
			if pcm := s.decodeModelAudio(sc.ModelTurn.Parts); len(pcm) > 0 {
				out.Audio = &channel.AudioChunk{PCM: pcm, Rate: DefaultOutputRate}
				populated = true
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out.InputTranscript = &channel.Transcript{
				Speaker: channel.SpeakerLocal,
				Text:    sc.InputTranscription.Text,
			}
			populated = true
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out.OutputTranscript = &channel.Transcript{
				Speaker: channel.SpeakerRemote,
				Text:    sc.OutputTranscription.Text,
			}
			populated = true
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]channel.ToolCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			argsJSON, err := json.Marshal(fc.Args)
			if err != nil {
				continue
			}
			calls = append(calls, channel.ToolCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: string(argsJSON),
			})
		}
		if len(calls) > 0 {
			out.ToolCalls = calls
			populated = true
		}
	}

	if !populated {
		return channel.Message{}, false
	}

	s.seq++
	out.Seq = s.seq
	if out.Audio != nil {
		out.Audio.Seq = s.seq
	}
	return out, true
}

// decodeModelAudio concatenates the decoded inline audio of a model turn.
// Parts that fail to decode are dropped and counted; the turn's remaining
// audio still plays.
func (s *session) decodeModelAudio(parts []part) []byte {
	var pcm []byte
	for _, p := range parts {
		if p.InlineData == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil || len(data) == 0 {
			if err != nil {
				s.decodeFailures.Add(1)
			}
			continue
		}
		pcm = append(pcm, data...)
	}
	return pcm
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection
// alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeMessages() {
	s.closeOnce.Do(func() {
		close(s.messages)
	})
}

// ── Channel methods ────────────────────────────────────────────────────────────

// Send transmits one media frame as a realtimeInput message. The payload is
// base64-encoded on the wire.
func (s *session) Send(frame channel.MediaFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: send: %w", channel.ErrClosed)
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(frame.Data)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: frame.MIMEType, Data: encoded},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("gemini: send: %w: %v", channel.ErrClosed, err)
	}
	return nil
}

// SendToolResult answers one tool call with a toolResponse message. A result
// that is not a JSON object is wrapped in {"output": ...}.
func (s *session) SendToolResult(res channel.ToolResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: tool result: %w", channel.ErrClosed)
	}
	s.mu.Unlock()

	var respObj map[string]any
	if err := json.Unmarshal([]byte(res.Result), &respObj); err != nil {
		respObj = map[string]any{"output": res.Result}
	}

	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{
					ID:       res.ID,
					Name:     res.Name,
					Response: respObj,
				},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("gemini: tool result: %w: %v", channel.ErrClosed, err)
	}
	return nil
}

// Messages returns the inbound message stream.
func (s *session) Messages() <-chan channel.Message { return s.messages }

// Err returns the error that terminated the message stream, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// DecodeFailures returns how many inline audio parts failed to decode and
// were dropped.
func (s *session) DecodeFailures() uint64 { return s.decodeFailures.Load() }

// Close terminates the session and releases the connection. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
