// Package consult runs a live voice consultation: it streams the microphone
// to a remote voice model and plays the model's spoken answers back without
// gaps, cutting playback off when the user barges in.
//
// A [Session] moves through Idle → Connecting → Listening and ends in either
// Closed or Error. [Session.Open] completes the transport handshake first and
// only then acquires the speaker and microphone. Two pipelines then run
// side by side:
//
//   - capture: microphone frames → PCM16 → [transport.Stream.Send]
//   - receive: transport events → decode → [playback.Scheduler]
//
// Every exit path (explicit [Session.Close], remote close, transport error,
// device failure, handshake timeout) runs the same teardown, which releases
// each owned resource exactly once.
//
// This package is internal because it encapsulates application-private
// session logic and is not intended for import by external code.
package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/audio/capture"
	"github.com/MrWong99/liveconsult/pkg/audio/playback"
	"github.com/MrWong99/liveconsult/pkg/transport"
)

const (
	// DefaultHandshakeTimeout bounds the transport handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultMaxConsecutiveDecodeErrors is how many malformed inbound chunks
	// in a row are tolerated before the session fails.
	DefaultMaxConsecutiveDecodeErrors = 8
)

// Config holds the per-session parameters.
type Config struct {
	// Transport is sent to the remote endpoint in the handshake.
	Transport transport.Config

	// Capture selects the microphone format and frame size.
	Capture capture.Config

	// PlaybackRate is the speaker sample rate. Defaults to 24000.
	PlaybackRate int

	// HandshakeTimeout bounds Connecting. Defaults to
	// [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration

	// MaxConsecutiveDecodeErrors is the number of malformed chunks in a row
	// that are dropped with a warning. One more fails the session. Defaults to
	// [DefaultMaxConsecutiveDecodeErrors].
	MaxConsecutiveDecodeErrors int

	// CloseDrain lets voices that already started finish on an explicit
	// [Session.Close], for at most this long. Zero stops them immediately.
	CloseDrain time.Duration

	// Status holds the user-facing status strings. Empty fields use
	// [DefaultStatusText].
	Status StatusText
}

func (c Config) withDefaults() Config {
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = audio.PlaybackFormat.SampleRate
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxConsecutiveDecodeErrors <= 0 {
		c.MaxConsecutiveDecodeErrors = DefaultMaxConsecutiveDecodeErrors
	}
	c.Status = c.Status.withDefaults()
	return c
}

// Devices are the audio device openers a session acquires its microphone and
// speaker from.
type Devices struct {
	Microphone capture.Opener
	Speaker    playback.SinkOpener
}

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithOnUpdate registers fn to receive every state, status and speaking
// change. Calls are serialised. fn must not call back into the session's
// [Session.Open] or [Session.Close].
func WithOnUpdate(fn func(Update)) Option {
	return func(s *Session) { s.onUpdate = fn }
}

// WithMetrics overrides the metrics instance. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one live consultation. It is safe for concurrent use.
type Session struct {
	provider transport.Provider
	devices  Devices
	cfg      Config
	onUpdate func(Update)
	metrics  *observe.Metrics

	mu      sync.Mutex
	state   State
	status  string
	err     error
	opened  bool
	cancel  context.CancelFunc
	stream  transport.Stream
	sink    playback.Sink
	sched   *playback.Scheduler
	src     *capture.Source
	pumps   *errgroup.Group
	drainOK bool

	updMu sync.Mutex
	last  *Update

	teardownOnce sync.Once
	closeErr     error
	done         chan struct{}
}

// New creates an idle session. Nothing is acquired until [Session.Open].
func New(provider transport.Provider, devices Devices, cfg Config, opts ...Option) *Session {
	s := &Session{
		provider: provider,
		devices:  devices,
		cfg:      cfg.withDefaults(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Open connects the transport, acquires the speaker and microphone and
// starts both pipelines. It returns once the session is Listening.
//
// Any failure moves the session to [StateError] with a status string, tears
// down whatever was acquired and is returned. Open on a session that is not
// Idle returns an error wrapping [ErrState]. ctx bounds the handshake and
// device acquisition; the running session outlives it.
func (s *Session) Open(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("consult: open: %w: session is %s", ErrState, st)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.opened = true
	s.state = StateConnecting
	s.status = s.cfg.Status.Connecting
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.publish()

	ctx, span := observe.StartSpan(ctx, "consult.open")
	defer span.End()
	defer func() { observe.RecordError(span, err) }()
	log := observe.Logger(ctx, "voice", s.cfg.Transport.Voice)

	stream, err := s.connect(ctx, runCtx)
	if err != nil {
		return s.fail(fmt.Errorf("consult: connect: %w", err))
	}
	if !s.adopt(func() { s.stream = stream }) {
		_ = stream.Close()
		return s.abandoned()
	}

	sink, err := s.devices.Speaker(s.cfg.PlaybackRate)
	if err != nil {
		return s.fail(fmt.Errorf("consult: open speaker: %w", deviceErr(err)))
	}
	sched := playback.New(sink,
		playback.WithOnChange(s.publish),
		playback.WithOnCount(func(n int) {
			s.metrics.ActiveVoices.Record(context.Background(), int64(n))
		}),
	)
	if !s.adopt(func() { s.sink, s.sched = sink, sched }) {
		_ = sched.Close()
		_ = sink.Close()
		return s.abandoned()
	}

	src, err := capture.Open(s.devices.Microphone, s.cfg.Capture, capture.WithOnDrop(func() {
		s.metrics.FramesDropped.Add(runCtx, 1)
	}))
	if err != nil {
		return s.fail(fmt.Errorf("consult: open microphone: %w", err))
	}
	if !s.adopt(func() { s.src = src }) {
		_ = src.Close()
		return s.abandoned()
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return s.abandoned()
	}
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.pumpCapture(gctx, src, stream) })
	g.Go(func() error { return s.pumpEvents(gctx, stream, sched) })
	s.pumps = g
	s.state = StateListening
	s.status = s.cfg.Status.Listening
	s.mu.Unlock()

	go s.supervise(g)

	log.Info("consultation listening",
		"capture", src.Format().String(),
		"playback_rate", sink.SampleRate(),
	)
	s.publish()
	return nil
}

// connect dials the transport within the handshake timeout. A Close while
// connecting aborts the dial through runCtx.
func (s *Session) connect(ctx, runCtx context.Context) (transport.Stream, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer dialCancel()
	stop := context.AfterFunc(runCtx, dialCancel)
	defer stop()

	start := time.Now()
	stream, err := s.provider.Connect(dialCtx, s.cfg.Transport)
	s.metrics.RecordConnect(ctx, time.Since(start), err)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: handshake timed out after %s: %w", transport.ErrConnectionFailure, s.cfg.HandshakeTimeout, err)
		}
		return nil, err
	}
	return stream, nil
}

// Close stops capture, flushes playback, closes the transport and releases
// both devices, then moves the session to [StateClosed]. Closing a session
// that already ended only waits for its teardown to finish. Close is
// idempotent and may be called from any state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		<-s.done
		return s.closeErr
	}
	prev := s.state
	s.state = StateClosed
	s.status = s.cfg.Status.Closed
	s.drainOK = prev == StateListening
	s.mu.Unlock()

	s.teardown()
	slog.Info("consultation closed", "from", prev.String())
	s.publish()
	return s.closeErr
}

// Interrupt cuts off local playback as if the remote had signalled a
// barge-in. It returns the number of voices stopped, or an error wrapping
// [ErrState] unless the session is Listening.
func (s *Session) Interrupt() (int, error) {
	s.mu.Lock()
	st, sched := s.state, s.sched
	s.mu.Unlock()
	if st != StateListening || sched == nil {
		return 0, fmt.Errorf("consult: interrupt: %w: session is %s", ErrState, st)
	}
	n := sched.Interrupt()
	s.metrics.Interruptions.Add(context.Background(), 1)
	return n, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current user-facing status string.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the failure cause once the session is in [StateError].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Speaking reports whether synthesised speech is scheduled or sounding.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	return sched != nil && sched.Speaking()
}

// Snapshot returns the current [Update].
func (s *Session) Snapshot() Update {
	s.mu.Lock()
	u := Update{State: s.state, Status: s.status, Err: s.err}
	sched := s.sched
	s.mu.Unlock()
	u.Speaking = sched != nil && sched.Speaking() && !u.State.Terminal()
	return u
}

// Done is closed once the session ended and every resource was released.
func (s *Session) Done() <-chan struct{} { return s.done }

// adopt registers freshly acquired resources while the session is still
// Connecting. It returns false when a Close or failure raced the open; the
// caller then owns the resources and must release them.
func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	fn()
	return true
}

// abandoned is Open's result when the session ended while it was connecting.
func (s *Session) abandoned() error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	return fmt.Errorf("consult: open: %w: session %s while connecting", ErrState, st)
}

// fail moves a connecting session to Error, tears it down and returns err.
func (s *Session) fail(err error) error {
	s.finish(StateError, err)
	return err
}

// supervise waits for the pipelines and ends the session with their outcome.
func (s *Session) supervise(g *errgroup.Group) {
	err := g.Wait()
	var rc remoteClosed
	switch {
	case err == nil:
		s.finish(StateClosed, nil)
	case errors.As(err, &rc):
		slog.Info("remote ended the consultation", "reason", rc.reason)
		s.finish(StateClosed, nil)
	default:
		s.finish(StateError, err)
	}
}

// finish performs the transition into a terminal state unless one was
// already reached, then tears down.
func (s *Session) finish(target State, cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		s.teardown()
		return
	}
	s.state = target
	if target == StateError {
		kind := Classify(cause)
		s.err = cause
		s.status = s.cfg.Status.forError(kind)
		s.mu.Unlock()
		slog.Error("consultation failed", "kind", string(kind), "err", cause)
		s.metrics.RecordSessionError(context.Background(), string(kind))
	} else {
		s.status = s.cfg.Status.Closed
		s.mu.Unlock()
	}

	s.teardown()
	s.publish()
}

// teardown releases every acquired resource exactly once. Concurrent callers
// block until the first call completed.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		cancel, src, stream, sched, sink, pumps := s.cancel, s.src, s.stream, s.sched, s.sink, s.pumps
		drain := s.drainOK && s.cfg.CloseDrain > 0
		opened := s.opened
		s.mu.Unlock()

		var errs []error
		if cancel != nil {
			cancel()
		}
		if src != nil {
			errs = append(errs, src.Close())
		}
		if stream != nil {
			errs = append(errs, stream.Close())
		}
		if pumps != nil {
			_ = pumps.Wait()
		}
		if stream != nil {
			// Nothing reads events once the pumps are gone.
			go audio.Drain(stream.Events())
		}
		if sched != nil {
			sched.CancelPending()
			if drain {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseDrain)
				if err := sched.Drain(ctx); err != nil {
					slog.Debug("close drain cut short", "err", err)
				}
				cancel()
			}
			_ = sched.Close()
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("consult: close speaker: %w", err))
			}
		}
		if opened {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.closeErr = errors.Join(errs...)
		close(s.done)
	})
	<-s.done
}

// pumpCapture encodes microphone frames and sends them in capture order. It
// stops quietly when the stream is gone so that the receive pipeline can
// report why.
func (s *Session) pumpCapture(ctx context.Context, src *capture.Source, stream transport.Stream) error {
	defer slog.Debug("capture pump stopped")
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := stream.Send(audio.EncodeFrame(f)); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return nil
				}
				return fmt.Errorf("consult: send: %w", err)
			}
			s.metrics.ChunksSent.Add(ctx, 1)
		}
	}
}

// pumpEvents applies inbound events in arrival order. It returns a
// remoteClosed on a clean remote close and an error for everything that must
// fail the session.
func (s *Session) pumpEvents(ctx context.Context, stream transport.Stream, sched *playback.Scheduler) error {
	defer slog.Debug("receive pump stopped")
	events := stream.Events()
	malformed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return remoteClosed{}
			}
			switch ev.Kind {
			case transport.EventAudio:
				s.metrics.ChunksReceived.Add(ctx, 1)
				if err := s.play(ctx, sched, ev.Chunk); err != nil {
					if !errors.Is(err, audio.ErrMalformedAudio) {
						return err
					}
					malformed++
					s.metrics.DecodeErrors.Add(ctx, 1)
					slog.Warn("dropping malformed audio chunk", "consecutive", malformed, "err", err)
					if malformed > s.cfg.MaxConsecutiveDecodeErrors {
						return fmt.Errorf("consult: %d consecutive malformed chunks: %w", malformed, err)
					}
					continue
				}
				malformed = 0
			case transport.EventInterrupted:
				n := sched.Interrupt()
				s.metrics.Interruptions.Add(ctx, 1)
				slog.Debug("playback interrupted", "voices", n)
			case transport.EventClosed:
				return remoteClosed{reason: ev.Reason}
			case transport.EventError:
				return fmt.Errorf("consult: remote: %w", ev.Err)
			}
		}
	}
}

// play decodes one chunk and schedules it. Chunks whose tag names another
// sample rate are resampled by the scheduler; missing or unreadable tags are
// taken as the playback format.
func (s *Session) play(ctx context.Context, sched *playback.Scheduler, chunk audio.EncodedChunk) error {
	format := audio.PlaybackFormat
	if chunk.MIMEType != "" {
		f, err := audio.ParseMIMEType(chunk.MIMEType, audio.PlaybackFormat)
		if err != nil {
			slog.Debug("unrecognised audio format tag, assuming playback format", "err", err)
		}
		format = f
	}
	frame, err := audio.DecodeChunk(chunk, format.SampleRate, format.Channels)
	if err != nil {
		return err
	}
	p, err := sched.Schedule(frame)
	if err != nil {
		if errors.Is(err, playback.ErrClosed) {
			return nil
		}
		return fmt.Errorf("consult: schedule: %w", err)
	}
	s.metrics.RecordPlaybackLead(ctx, p.Lead)
	return nil
}

// publish sends the current snapshot to the update callback unless it equals
// the previous one.
func (s *Session) publish() {
	s.updMu.Lock()
	defer s.updMu.Unlock()
	u := s.Snapshot()
	if s.last != nil && s.last.State == u.State && s.last.Status == u.Status && s.last.Speaking == u.Speaking {
		return
	}
	s.last = &u
	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}

func deviceErr(err error) error {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
}
