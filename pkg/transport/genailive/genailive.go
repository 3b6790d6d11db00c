// Package genailive implements the transport.Provider interface on top of the
// official Google Gen AI SDK's Live client.
//
// It speaks the same BidiGenerateContent protocol as the gemini package but
// delegates framing and message conversion to google.golang.org/genai. The
// SDK dials without a context, so Connect enforces the handshake deadline
// itself by closing the half-open session when ctx expires.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/transport"
)

// Compile-time assertions that Provider and stream satisfy the transport interfaces.
var _ transport.Provider = (*Provider)(nil)
var _ transport.Stream = (*stream)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	apiVersion  = "v1beta"
	eventBuffer = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. A ws:// or wss:// scheme is kept
// as-is; anything else is dialled over wss.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements transport.Provider with the Gen AI SDK.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect opens a Live session and waits for the setup acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    p.baseURL,
			APIVersion: apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genailive: client: %w: %w", transport.ErrConnectionFailure, err)
	}

	h := &handshake{done: make(chan struct{})}
	go h.run(client, p.model, liveConfig(cfg))

	select {
	case <-h.done:
		if h.err != nil {
			return nil, h.err
		}
	case <-ctx.Done():
		h.abandon()
		return nil, fmt.Errorf("genailive: handshake: %w: %w", transport.ErrConnectionFailure, ctx.Err())
	}

	s := &stream{
		sess:       h.sess,
		events:     make(chan transport.Event, eventBuffer),
		done:       make(chan struct{}),
		remoteDone: make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

func liveConfig(cfg transport.Config) *genai.LiveConnectConfig {
	modality := genai.ModalityAudio
	if cfg.ResponseModality != "" {
		modality = genai.Modality(cfg.ResponseModality)
	}
	conf := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality},
	}
	if cfg.Instructions != "" {
		conf.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		conf.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return conf
}

// ── handshake ──────────────────────────────────────────────────────────────────

// handshake runs the blocking SDK dial and setup exchange so Connect can give
// up on it when its context expires.
type handshake struct {
	done chan struct{}
	sess *genai.Session
	err  error

	mu        sync.Mutex
	pending   *genai.Session
	abandoned bool
}

func (h *handshake) run(client *genai.Client, model string, conf *genai.LiveConnectConfig) {
	defer close(h.done)

	sess, err := client.Live.Connect(context.Background(), model, conf)
	if err != nil {
		h.err = fmt.Errorf("genailive: dial: %w: %w", transport.ErrConnectionFailure, err)
		return
	}

	h.mu.Lock()
	if h.abandoned {
		h.mu.Unlock()
		_ = sess.Close()
		h.err = transport.ErrClosed
		return
	}
	h.pending = sess
	h.mu.Unlock()

	for {
		msg, err := sess.Receive()
		if err != nil {
			_ = sess.Close()
			h.err = fmt.Errorf("genailive: handshake: %w", classifyReadError(err))
			return
		}
		if msg.SetupComplete != nil {
			h.sess = sess
			return
		}
	}
}

// abandon closes a half-open session so run returns promptly.
func (h *handshake) abandon() {
	h.mu.Lock()
	h.abandoned = true
	sess := h.pending
	h.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	go func() {
		<-h.done
		if h.sess != nil {
			_ = h.sess.Close()
		}
	}()
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	sess   *genai.Session
	events chan transport.Event

	// sendMu serialises writes; the underlying connection allows one writer.
	sendMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	remoteDone chan struct{}
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// receiveLoop translates SDK messages into events. It owns the events channel
// and closes it when it exits.
func (s *stream) receiveLoop() {
	defer close(s.events)
	defer close(s.remoteDone)

	for {
		msg, err := s.sess.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.emit(terminalEvent(err))
			return
		}
		for _, ev := range translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// translate maps one server message to the events it carries.
func translate(msg *genai.LiveServerMessage) []transport.Event {
	if msg.GoAway != nil {
		slog.Info("genailive: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	var events []transport.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			events = append(events, transport.AudioEvent(audio.EncodedChunk{
				Data:     p.InlineData.Data,
				MIMEType: p.InlineData.MIMEType,
			}))
		}
	}
	if sc.Interrupted {
		events = append(events, transport.InterruptedEvent())
	}
	return events
}

func (s *stream) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// terminalEvent maps a receive failure to the stream's terminal event.
func terminalEvent(err error) transport.Event {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		var ce *websocket.CloseError
		errors.As(err, &ce)
		return transport.ClosedEvent(ce.Text)
	}
	return transport.ErrorEvent(classifyReadError(err))
}

func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return errors.Join(transport.ErrConnectionFailure, &transport.RemoteError{Code: ce.Code, Message: ce.Text})
	}
	return fmt.Errorf("%w: %w", transport.ErrConnectionFailure, err)
}

// Send delivers an encoded microphone chunk as realtime audio input.
func (s *stream) Send(chunk audio.EncodedChunk) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	select {
	case <-s.remoteDone:
		return transport.ErrClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk.Data, MIMEType: chunk.MIMEType},
	})
	if err != nil {
		if s.isClosed() || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
			return transport.ErrClosed
		}
		return fmt.Errorf("genailive: send: %w: %w", transport.ErrConnectionFailure, err)
	}
	return nil
}

// Events returns the inbound event channel.
func (s *stream) Events() <-chan transport.Event { return s.events }

// Close terminates the session. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	if err := s.sess.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("genailive: close: %w", err)
	}
	return nil
}
