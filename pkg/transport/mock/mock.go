// Package mock provides test doubles for the transport package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled streams.
// Use Stream to script inbound events and inspect the chunks the session sent.
//
// Example:
//
//	stream := mock.NewStream()
//	p := &mock.Provider{Stream: stream}
//	s, _ := p.Connect(ctx, cfg)
//	stream.Emit(transport.AudioEvent(chunk))
//	stream.Finish(transport.ClosedEvent("bye"))
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/transport"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg transport.Config
}

// Provider is a mock implementation of transport.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by Connect. If nil, Connect returns a new Stream.
	Stream *Stream

	// Fresh makes every Connect return a new Stream, replacing Stream.
	Fresh bool

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block makes Connect wait for its context to be done and then fail with
	// an error wrapping transport.ErrConnectionFailure. Use it to simulate a
	// handshake that never completes.
	Block bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

var _ transport.Provider = (*Provider)(nil)

// Connect records the call and returns Stream, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block, connectErr := p.Block, p.ConnectErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("mock: %w: %w", transport.ErrConnectionFailure, ctx.Err())
	}
	if connectErr != nil {
		return nil, connectErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Stream == nil || p.Fresh {
		p.Stream = NewStream()
	}
	return p.Stream, nil
}

// Last returns the stream handed out by the most recent successful Connect.
func (p *Provider) Last() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Stream
}

// Calls returns the number of Connect invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Stream is a mock implementation of transport.Stream.
type Stream struct {
	mu sync.Mutex

	events  chan transport.Event
	sent    []audio.EncodedChunk
	sentSig chan struct{}
	closed  bool
	ended   bool

	// SendErr, if non-nil, is returned by Send instead of recording the chunk.
	SendErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

var _ transport.Stream = (*Stream)(nil)

// NewStream creates a Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{
		events:  make(chan transport.Event, 64),
		sentSig: make(chan struct{}, 1),
	}
}

// Send records chunk.
func (s *Stream) Send(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		return transport.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, chunk)
	select {
	case s.sentSig <- struct{}{}:
	default:
	}
	return nil
}

// Events returns the scripted event channel.
func (s *Stream) Events() <-chan transport.Event { return s.events }

// Close marks the stream closed and closes the event channel without a
// terminal event.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return nil
}

// Emit delivers ev to the consumer. It reports false if the stream already
// ended. Emit must not be used for more events than the buffer holds while
// nobody is reading.
func (s *Stream) Emit(ev transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// Finish emits a terminal event and closes the event channel, as a real
// transport does when the remote ends the session.
func (s *Stream) Finish(ev transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	s.ended = true
	close(s.events)
	return true
}

// Sent returns a copy of every chunk sent so far.
func (s *Stream) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentSignal returns a channel that receives a value after each successful
// Send. Signals coalesce when nobody is listening.
func (s *Stream) SentSignal() <-chan struct{} { return s.sentSig }

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
