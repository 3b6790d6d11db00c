// Package playback schedules decoded speech for gapless output and tracks
// which voices are currently sounding so they can be cut off on barge-in.
//
// A [Scheduler] keeps a committed timeline: every buffer starts exactly where
// the previous one ends, or "now" if the timeline has fallen behind the
// output clock. Late delivery never causes skip-ahead. [Scheduler.Interrupt]
// stops every live voice and restarts the timeline at the output's current
// time.
//
// The timeline is meant to have a single writer (the receive pipeline and its
// interrupt handler). The live-voice set is additionally updated from the
// output when voices finish naturally, so all exported methods are safe for
// concurrent use.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Voice is one buffer bound to a start time on an [Output].
type Voice interface {
	// Stop silences the voice immediately. Stopping a finished voice is a no-op.
	Stop()

	// Done is closed when the voice finished playing or was stopped.
	Done() <-chan struct{}
}

// Output is the audio output sink the scheduler places voices on.
type Output interface {
	// Now returns the output clock: how much audio has been rendered so far.
	Now() time.Duration

	// SampleRate is the rate at which samples passed to Start are played.
	SampleRate() int

	// Start schedules mono samples to begin sounding at the given output time.
	Start(samples []float32, at time.Duration) Voice
}

// Sink is an [Output] backed by a device handle that must be released.
type Sink interface {
	Output
	Close() error
}

// SinkOpener acquires an output sink playing at sampleRate.
type SinkOpener func(sampleRate int) (Sink, error)

// Placement describes where a buffer landed on the timeline.
type Placement struct {
	// Start is the output time the voice begins sounding.
	Start time.Duration

	// Duration is the length of the buffer at the output rate.
	Duration time.Duration

	// Lead is how far ahead of the output clock the voice was placed.
	Lead time.Duration
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnChange registers fn to be called whenever the live set switches
// between empty and non-empty. fn is called without any scheduler lock held
// and may query the scheduler.
func WithOnChange(fn func()) Option {
	return func(s *Scheduler) { s.onChange = fn }
}

// WithOnCount registers fn to receive the size of the live set after every
// change, including voices that finish on their own. fn is called with the
// scheduler lock held and must not call back into the scheduler.
func WithOnCount(fn func(live int)) Option {
	return func(s *Scheduler) { s.onCount = fn }
}

type liveVoice struct {
	voice Voice
	start time.Duration
	end   time.Duration
}

// Scheduler queues decoded buffers on an [Output] in arrival order.
type Scheduler struct {
	out      Output
	format   audio.Format
	onChange func()
	onCount  func(int)

	mu     sync.Mutex
	conv   audio.Converter
	next   time.Duration
	live   map[uint64]liveVoice
	seq    uint64
	idle   chan struct{} // closed while the live set is empty
	closed bool
}

// New creates a [Scheduler] whose timeline starts at out's current time.
func New(out Output, opts ...Option) *Scheduler {
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		out:    out,
		format: audio.Format{SampleRate: out.SampleRate(), Channels: 1},
		conv:   audio.Converter{SampleRate: out.SampleRate()},
		next:   out.Now(),
		live:   make(map[uint64]liveVoice),
		idle:   idle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places f on the timeline at max(nextStart, now) and advances
// nextStart by the buffer's duration. Frames at a different rate or channel
// count are converted to the output format first. Empty frames are accepted
// and occupy no time.
func (s *Scheduler) Schedule(f audio.Frame) (Placement, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Placement{}, ErrClosed
	}

	samples := s.conv.Convert(f)
	now := s.out.Now()
	start := max(s.next, now)
	if len(samples) == 0 {
		s.mu.Unlock()
		return Placement{Start: start, Lead: start - now}, nil
	}

	dur := s.format.Duration(len(samples))
	v := s.out.Start(samples, start)
	s.next = start + dur

	s.seq++
	id := s.seq
	wasEmpty := len(s.live) == 0
	s.live[id] = liveVoice{voice: v, start: start, end: start + dur}
	if wasEmpty {
		s.idle = make(chan struct{})
	}
	s.countLocked()
	s.mu.Unlock()

	go s.watch(id, v)
	if wasEmpty {
		s.notify()
	}
	return Placement{Start: start, Duration: dur, Lead: start - now}, nil
}

// Interrupt stops every live voice, clears the live set and resets the
// timeline to the output's current time. It returns the number of voices
// that were stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	n := s.stopLocked(func(liveVoice) bool { return true })
	s.next = s.out.Now()
	s.mu.Unlock()

	if n > 0 {
		s.notify()
	}
	return n
}

// CancelPending stops voices that have not started sounding yet and rewinds
// the timeline to the end of the voices still playing, or to now when none
// are. It returns the number of voices cancelled.
func (s *Scheduler) CancelPending() int {
	s.mu.Lock()
	now := s.out.Now()
	n := s.stopLocked(func(lv liveVoice) bool { return lv.start > now })
	if n > 0 {
		s.next = now
		for _, lv := range s.live {
			s.next = max(s.next, lv.end)
		}
	}
	empty := n > 0 && len(s.live) == 0
	s.mu.Unlock()

	if empty {
		s.notify()
	}
	return n
}

// Drain blocks until the live set is empty or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all live voices and rejects further buffers. Close is
// idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := s.stopLocked(func(liveVoice) bool { return true })
	s.mu.Unlock()

	if n > 0 {
		s.notify()
	}
	return nil
}

// Live returns the number of voices scheduled or sounding.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Speaking reports whether any voice is scheduled or sounding.
func (s *Scheduler) Speaking() bool {
	return s.Live() > 0
}

// NextStart returns the committed end of the timeline.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// stopLocked stops and removes the live voices matching pred. Must be called
// with s.mu held.
func (s *Scheduler) stopLocked(pred func(liveVoice) bool) int {
	n := 0
	for id, lv := range s.live {
		if !pred(lv) {
			continue
		}
		lv.voice.Stop()
		delete(s.live, id)
		n++
	}
	if n > 0 {
		if len(s.live) == 0 {
			close(s.idle)
		}
		s.countLocked()
	}
	return n
}

// watch removes a voice from the live set once it is done. Voices that were
// already removed by Interrupt or Close are ignored.
func (s *Scheduler) watch(id uint64, v Voice) {
	<-v.Done()

	s.mu.Lock()
	_, ok := s.live[id]
	if ok {
		delete(s.live, id)
		s.countLocked()
	}
	empty := ok && len(s.live) == 0
	if empty {
		close(s.idle)
	}
	s.mu.Unlock()

	if empty {
		s.notify()
	}
}

// countLocked reports the live set size. Must be called with s.mu held.
func (s *Scheduler) countLocked() {
	if s.onCount != nil {
		s.onCount(len(s.live))
	}
}

func (s *Scheduler) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
