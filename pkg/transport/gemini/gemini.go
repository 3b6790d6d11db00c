// Package gemini implements the transport.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions. Connect
// returns only after the server acknowledged the setup message.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/transport"
)

// Compile-time assertions that Provider and stream satisfy the transport interfaces.
var _ transport.Provider = (*Provider)(nil)
var _ transport.Stream = (*stream)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
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

// WithKeepalive sets the ping interval. Zero disables keepalive pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements transport.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for setupComplete. ctx bounds the whole handshake.
func (p *Provider) Connect(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", transport.ErrConnectionFailure, err)
	}
	// Inbound audio turns easily exceed the library's 32 KiB default.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &stream{
		conn:       conn,
		events:     make(chan transport.Event, eventBuffer),
		done:       make(chan struct{}),
		remoteDone: make(chan struct{}),
		ctx:        sessCtx,
		cancel:     sessCancel,
	}

	if err := s.writeJSON(ctx, newSetupMessage(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", transport.ErrConnectionFailure, err)
	}

	if err := s.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}

	go s.receiveLoop()
	if p.keepalive > 0 {
		go s.keepaliveLoop(p.keepalive)
	}

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
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

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

func newSetupMessage(model string, cfg transport.Config) setupMessage {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = "AUDIO"
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{modality},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

func (ge *geminiError) remoteError() *transport.RemoteError {
	msg := ge.Message
	if msg == "" {
		msg = "unknown error"
	}
	return &transport.RemoteError{Code: ge.Code, Status: ge.Status, Message: msg}
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn   *websocket.Conn
	events chan transport.Event

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	remoteDone chan struct{} // closed when receiveLoop exits

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSetupComplete reads until the server acknowledges the setup message.
// Any other message before the acknowledgement is ignored.
func (s *stream) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("gemini: handshake: %w: %w", transport.ErrConnectionFailure, ctxErr)
			}
			return fmt.Errorf("gemini: handshake: %w", errors.Join(transport.ErrConnectionFailure, classifyReadError(err)))
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed handshake message", "err", err)
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("gemini: handshake: %w", errors.Join(transport.ErrConnectionFailure, msg.Error.remoteError()))
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (s *stream) receiveLoop() {
	defer close(s.events)
	defer close(s.remoteDone)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.emit(terminalEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed server message", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events carried by msg. It returns false once
// the stream has terminated.
func (s *stream) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.emit(transport.ErrorEvent(msg.Error.remoteError()))
		return false
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *stream) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			data, err := audio.DecodeText(p.InlineData.Data)
			if err != nil {
				slog.Warn("gemini: skipping undecodable audio part", "mime_type", p.InlineData.MIMEType, "err", err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			chunk := audio.EncodedChunk{Data: data, MIMEType: p.InlineData.MIMEType}
			if !s.emit(transport.AudioEvent(chunk)) {
				return false
			}
		}
	}
	if sc.Interrupted {
		return s.emit(transport.InterruptedEvent())
	}
	return true
}

// emit delivers ev, blocking while the consumer is behind. It returns false
// if the stream was closed locally before delivery.
func (s *stream) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// terminalEvent maps a read failure to the stream's terminal event: a normal
// or going-away close frame is a clean close, any other close status is a
// remote error and everything else is a broken connection.
func terminalEvent(err error) transport.Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return transport.ClosedEvent(ce.Reason)
		}
	}
	return transport.ErrorEvent(classifyReadError(err))
}

func classifyReadError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &transport.RemoteError{Code: int(ce.Code), Status: ce.Code.String(), Message: ce.Reason}
	}
	return fmt.Errorf("%w: %w", transport.ErrConnectionFailure, err)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *stream) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.remoteDone:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── transport.Stream methods ───────────────────────────────────────────────────

// Send delivers an encoded microphone chunk to the model.
func (s *stream) Send(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	select {
	case <-s.remoteDone:
		return transport.ErrClosed
	default:
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: chunk.MIMEType, Data: audio.EncodeText(chunk.Data)},
			},
		},
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
			return transport.ErrClosed
		}
		return fmt.Errorf("gemini: send: %w: %w", transport.ErrConnectionFailure, err)
	}
	return nil
}

// Events returns the inbound event channel.
func (s *stream) Events() <-chan transport.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *stream) Close() error {
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
