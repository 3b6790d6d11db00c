// Package transport defines the bidirectional streaming connection to the
// remote voice model.
//
// A [Provider] dials the remote endpoint and completes its handshake; the
// resulting [Stream] carries encoded microphone chunks out via [Stream.Send]
// and delivers everything the remote says as [Event] values on
// [Stream.Events].
//
// Event delivery contract:
//   - Events arrive in the order the remote sent them.
//   - At most one terminal event ([EventClosed] or [EventError]) is emitted;
//     the channel is closed right after it.
//   - After a local [Stream.Close] the channel is closed without a terminal
//     event.
//
// Implementations must be safe for concurrent use: Send is called from the
// capture pipeline while Events is drained by the receive pipeline.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

var (
	// ErrConnectionFailure indicates the endpoint could not be reached, the
	// handshake was rejected or did not complete in time, or the connection
	// broke without a clean close.
	ErrConnectionFailure = errors.New("transport: connection failure")

	// ErrClosed is returned by [Stream.Send] once the stream has been closed,
	// locally or by the remote.
	ErrClosed = errors.New("transport: stream closed")
)

// RemoteError is a failure reported by the remote endpoint, either as an
// error message or as a close frame with an error status.
type RemoteError struct {
	// Code is the endpoint's numeric error code or the WebSocket close status.
	Code int

	// Status is the endpoint's symbolic status, e.g. "INVALID_ARGUMENT".
	Status string

	// Message is the human-readable description.
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	switch {
	case e.Status != "" && e.Message != "":
		return fmt.Sprintf("transport: remote error %d (%s): %s", e.Code, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("transport: remote error %d: %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("transport: remote error %d", e.Code)
	}
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventAudio carries one chunk of synthesised speech.
	EventAudio EventKind = iota + 1

	// EventInterrupted signals that the user barged in and any speech still
	// queued for playback is obsolete.
	EventInterrupted

	// EventClosed is the terminal event for a clean remote close.
	EventClosed

	// EventError is the terminal event for a failed connection.
	EventError
)

// String returns the kind's name.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single inbound notification from the remote endpoint.
type Event struct {
	Kind EventKind

	// Chunk is set for [EventAudio].
	Chunk audio.EncodedChunk

	// Reason is the close reason for [EventClosed], if the remote gave one.
	Reason string

	// Err is set for [EventError].
	Err error
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventClosed || e.Kind == EventError
}

// AudioEvent returns an [EventAudio] carrying chunk.
func AudioEvent(chunk audio.EncodedChunk) Event {
	return Event{Kind: EventAudio, Chunk: chunk}
}

// InterruptedEvent returns an [EventInterrupted].
func InterruptedEvent() Event { return Event{Kind: EventInterrupted} }

// ClosedEvent returns an [EventClosed] with the given reason.
func ClosedEvent(reason string) Event { return Event{Kind: EventClosed, Reason: reason} }

// ErrorEvent returns an [EventError] wrapping err.
func ErrorEvent(err error) Event { return Event{Kind: EventError, Err: err} }

// Config holds the per-session parameters sent in the handshake.
type Config struct {
	// Instructions is the system instruction that frames the assistant's role.
	Instructions string

	// Voice is the name of the prebuilt voice for synthesised speech.
	Voice string

	// ResponseModality is the kind of response requested, e.g. "AUDIO".
	// Empty selects audio.
	ResponseModality string
}

// Provider opens streams to a remote voice model.
type Provider interface {
	// Connect dials the endpoint and completes the handshake. It returns only
	// once the remote has acknowledged the session, so the stream is ready to
	// accept audio. Failures wrap [ErrConnectionFailure], possibly joined
	// with a [*RemoteError]. ctx bounds the dial and handshake only; the
	// stream outlives it.
	Connect(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is an open session with the remote voice model.
type Stream interface {
	// Send transmits one encoded microphone chunk. Chunks are delivered in
	// call order. Returns [ErrClosed] after the stream was closed.
	Send(chunk audio.EncodedChunk) error

	// Events returns the inbound event channel. The same channel is
	// returned on every call.
	Events() <-chan Event

	// Close terminates the session. Close is idempotent.
	Close() error
}
