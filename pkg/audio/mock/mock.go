// Package mock provides in-memory implementations of [capture.Device] and
// [playback.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	out := mock.NewOutput(24000)
//	src, err := capture.Open(mic.Opener(), capture.Config{})
//	mic.Emit(make([]float32, 4096))
//	frame := <-src.Frames()
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/audio/capture"
	"github.com/MrWong99/liveconsult/pkg/audio/playback"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [capture.Device]. Samples are pushed
// into the registered callback with [Microphone.Emit].
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by the opener from [Microphone.Opener].
	OpenError error

	// StartError is returned by [Microphone.Start].
	StartError error

	// CloseError is returned by [Microphone.Close].
	CloseError error

	// OpenedFormat and OpenedFrameSize record the arguments of the last open.
	OpenedFormat    audio.Format
	OpenedFrameSize int

	// CallCountOpen records how many times the opener was invoked.
	CallCountOpen int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
}

var _ capture.Device = (*Microphone)(nil)

// Opener returns a [capture.Opener] handing out this microphone.
func (m *Microphone) Opener() capture.Opener {
	return func(format audio.Format, frameSize int) (capture.Device, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.CallCountOpen++
		m.OpenedFormat = format
		m.OpenedFrameSize = frameSize
		if m.OpenError != nil {
			return nil, m.OpenError
		}
		return m, nil
	}
}

// Start implements [capture.Device].
func (m *Microphone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStart++
	if m.StartError != nil {
		return m.StartError
	}
	m.onSamples = onSamples
	return nil
}

// Close implements [capture.Device]. After Close, Emit is a no-op.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	m.onSamples = nil
	return m.CloseError
}

// Emit delivers samples as if the driver produced them. It reports whether a
// callback was registered.
func (m *Microphone) Emit(samples []float32) bool {
	m.mu.Lock()
	cb := m.onSamples
	m.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// Closed reports whether Close has been called at least once.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose > 0
}

// ─── Output ──────────────────────────────────────────────────────────────────

// StartCall records the arguments of a single [Output.Start] invocation.
type StartCall struct {
	Samples []float32
	At      time.Duration
}

// Output is a mock implementation of [playback.Sink] with a manually driven
// clock. Voices never finish on their own; call [Voice.Finish] to simulate
// natural completion.
type Output struct {
	mu sync.Mutex

	rate int
	now  time.Duration

	// CloseError is returned by [Output.Close].
	CloseError error

	// StartCalls records every call to Start, in order.
	StartCalls []StartCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	voices []*Voice
}

var _ playback.Sink = (*Output)(nil)

// NewOutput creates an [Output] playing at sampleRate with its clock at zero.
func NewOutput(sampleRate int) *Output {
	return &Output{rate: sampleRate}
}

// Opener returns a [playback.SinkOpener] handing out this output. A non-nil
// err is returned instead.
func (o *Output) Opener(err error) playback.SinkOpener {
	return func(int) (playback.Sink, error) {
		if err != nil {
			return nil, err
		}
		return o, nil
	}
}

// SetNow moves the output clock to d.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the output clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SampleRate implements [playback.Output].
func (o *Output) SampleRate() int { return o.rate }

// Start implements [playback.Output].
func (o *Output) Start(samples []float32, at time.Duration) playback.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.StartCalls = append(o.StartCalls, StartCall{Samples: samples, At: at})
	v := &Voice{At: at, Samples: len(samples), done: make(chan struct{})}
	o.voices = append(o.voices, v)
	return v
}

// Close implements [playback.Sink].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// Voices returns a snapshot of every voice started so far.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// Voice is a mock [playback.Voice].
type Voice struct {
	// At is the output time the voice was scheduled for.
	At time.Duration

	// Samples is the buffer length.
	Samples int

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

// Stop implements [playback.Voice]. Stopping a finished voice is a no-op.
func (v *Voice) Stop() {
	v.once.Do(func() {
		v.mu.Lock()
		v.stopped = true
		v.mu.Unlock()
		close(v.done)
	})
}

// Done implements [playback.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Finish marks the voice as having played to completion.
func (v *Voice) Finish() {
	v.once.Do(func() { close(v.done) })
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
