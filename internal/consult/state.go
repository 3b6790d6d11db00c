package consult

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/transport"
)

// ErrState is returned when an operation is not valid in the session's
// current state, e.g. opening a session twice.
var ErrState = errors.New("consult: invalid session state")

// State is the lifecycle stage of a [Session].
type State int

const (
	// StateIdle is a session that has not been opened.
	StateIdle State = iota

	// StateConnecting covers the transport handshake and device acquisition.
	StateConnecting

	// StateListening is a fully wired session streaming in both directions.
	StateListening

	// StateClosed is a session ended by the caller or by a clean remote close.
	StateClosed

	// StateError is a session ended by a failure. [Session.Err] holds the cause.
	StateError
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// ErrorKind classifies the cause of a session failure.
type ErrorKind string

const (
	// KindDevice means the microphone or speaker could not be acquired.
	KindDevice ErrorKind = "device"

	// KindConnection means the endpoint was unreachable, the handshake did
	// not complete in time, or the connection broke.
	KindConnection ErrorKind = "connection"

	// KindRemote means the endpoint reported a fault.
	KindRemote ErrorKind = "remote"

	// KindMalformedAudio means inbound audio kept failing to decode.
	KindMalformedAudio ErrorKind = "malformed_audio"

	// KindInternal covers anything else.
	KindInternal ErrorKind = "internal"
)

// Classify maps an error returned by the pipeline to its [ErrorKind].
func Classify(err error) ErrorKind {
	var remote *transport.RemoteError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return KindDevice
	case errors.As(err, &remote):
		return KindRemote
	case errors.Is(err, audio.ErrMalformedAudio):
		return KindMalformedAudio
	case errors.Is(err, transport.ErrConnectionFailure),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return KindConnection
	default:
		return KindInternal
	}
}

// StatusText holds the user-facing status strings shown for each state.
type StatusText struct {
	Connecting  string
	Listening   string
	Closed      string
	DeviceError string
	Error       string
}

// DefaultStatusText returns the Spanish status strings of the consultation
// panel.
func DefaultStatusText() StatusText {
	return StatusText{
		Connecting:  "Conectando...",
		Listening:   "Escuchando...",
		Closed:      "Desconectado",
		DeviceError: "Error accediendo al micrófono",
		Error:       "Error de conexión",
	}
}

// withDefaults fills empty strings from [DefaultStatusText].
func (t StatusText) withDefaults() StatusText {
	d := DefaultStatusText()
	if t.Connecting == "" {
		t.Connecting = d.Connecting
	}
	if t.Listening == "" {
		t.Listening = d.Listening
	}
	if t.Closed == "" {
		t.Closed = d.Closed
	}
	if t.DeviceError == "" {
		t.DeviceError = d.DeviceError
	}
	if t.Error == "" {
		t.Error = d.Error
	}
	return t
}

// forError picks the status string for a failure of the given kind.
func (t StatusText) forError(kind ErrorKind) string {
	if kind == KindDevice {
		return t.DeviceError
	}
	return t.Error
}

// Update is a snapshot of the session published to the UI on every state or
// speaking-indicator change.
type Update struct {
	State  State
	Status string

	// Err is the failure cause when State is [StateError].
	Err error

	// Speaking is true while synthesised speech is scheduled or sounding.
	Speaking bool
}

// remoteClosed ends the receive pipeline when the endpoint closes cleanly.
type remoteClosed struct {
	reason string
}

func (e remoteClosed) Error() string {
	if e.reason == "" {
		return "consult: remote closed the session"
	}
	return "consult: remote closed the session: " + e.reason
}
