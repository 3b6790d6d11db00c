package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/internal/config"
	"github.com/MrWong99/liveconsult/internal/consult"
	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/audio/capture"
	"github.com/MrWong99/liveconsult/pkg/transport"
)

// ErrNoSession is returned by [SessionManager.Close] and
// [SessionManager.Interrupt] when no consultation is running.
var ErrNoSession = errors.New("app: no active consultation")

// ErrSessionActive is returned by [SessionManager.Open] while a consultation
// is already running.
var ErrSessionActive = errors.New("app: a consultation is already active")

// ErrShutdown is returned by [SessionManager.Open] after
// [SessionManager.Shutdown].
var ErrShutdown = errors.New("app: session manager is shut down")

// SessionInfo holds metadata about the current or most recent consultation.
type SessionInfo struct {
	// SessionID is the unique identifier for this consultation.
	SessionID string

	// StartedAt is when the consultation was opened.
	StartedAt time.Time

	// Transport and Model name the remote endpoint in use.
	Transport string
	Model     string
}

// SessionManager manages the lifecycle of consultations. Only one can be
// active at a time; opening the panel opens one and closing the panel closes
// it. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu   sync.Mutex
	sess *consult.Session
	info SessionInfo
	cfg  *config.Config
	seq  int
	shut bool

	// Dependencies injected at construction.
	provider transport.Provider
	devices  consult.Devices
	metrics  *observe.Metrics
	onUpdate func(SessionInfo, consult.Update)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Provider transport.Provider
	Devices  consult.Devices

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnUpdate receives every state, status and speaking change of every
	// consultation. Optional.
	OnUpdate func(SessionInfo, consult.Update)
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg.Config,
		provider: cfg.Provider,
		devices:  cfg.Devices,
		metrics:  cfg.Metrics,
		onUpdate: cfg.OnUpdate,
	}
}

// Open starts a new consultation and blocks until it is listening or has
// failed. A concurrent [SessionManager.Close] aborts a pending Open.
//
// Returns [ErrSessionActive] if a consultation is already running.
func (sm *SessionManager) Open(ctx context.Context) error {
	sm.mu.Lock()
	if sm.shut {
		sm.mu.Unlock()
		return ErrShutdown
	}
	if sm.activeLocked() {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}

	sm.seq++
	now := time.Now().UTC()
	info := SessionInfo{
		SessionID: fmt.Sprintf("consult-%s-%d", now.Format("20060102T150405Z"), sm.seq),
		StartedAt: now,
		Transport: sm.cfg.Transport.Name,
		Model:     sm.cfg.Transport.Model,
	}

	opts := []consult.Option{consult.WithOnUpdate(func(u consult.Update) {
		if sm.onUpdate != nil {
			sm.onUpdate(info, u)
		}
	})}
	if sm.metrics != nil {
		opts = append(opts, consult.WithMetrics(sm.metrics))
	}
	sess := consult.New(sm.provider, sm.devices, ConsultConfig(sm.cfg), opts...)
	sm.sess = sess
	sm.info = info
	sm.mu.Unlock()

	if err := sess.Open(ctx); err != nil {
		slog.Warn("consultation failed to open",
			"session_id", info.SessionID,
			"kind", consult.Classify(err),
			"err", err,
		)
		return err
	}

	slog.Info("consultation started",
		"session_id", info.SessionID,
		"transport", info.Transport,
		"model", info.Model,
	)
	return nil
}

// Close ends the active consultation. Returns [ErrNoSession] if none is
// running.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	sess, id := sm.sess, sm.info.SessionID
	active := sm.activeLocked()
	sm.mu.Unlock()

	if !active {
		return ErrNoSession
	}
	err := sess.Close()
	slog.Info("consultation stopped", "session_id", id)
	return err
}

// Toggle closes the active consultation or opens a new one. It mirrors the
// panel being closed or opened.
func (sm *SessionManager) Toggle(ctx context.Context) error {
	if sm.IsActive() {
		return sm.Close()
	}
	return sm.Open(ctx)
}

// Interrupt cuts off the assistant's current answer locally.
func (sm *SessionManager) Interrupt() (int, error) {
	sm.mu.Lock()
	sess := sm.sess
	sm.mu.Unlock()
	if sess == nil {
		return 0, ErrNoSession
	}
	return sess.Interrupt()
}

// IsActive reports whether a consultation is connecting or listening.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.activeLocked()
}

func (sm *SessionManager) activeLocked() bool {
	return sm.sess != nil && !sm.sess.State().Terminal()
}

// Info returns metadata about the current or most recent consultation.
// Returns the zero value if none was ever opened.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Snapshot returns the state of the current or most recent consultation, or
// an Idle update if none was ever opened.
func (sm *SessionManager) Snapshot() consult.Update {
	sm.mu.Lock()
	sess := sm.sess
	sm.mu.Unlock()
	if sess == nil {
		return consult.Update{State: consult.StateIdle}
	}
	return sess.Snapshot()
}

// Ready fails while the most recent consultation ended in an error. Opening
// a new consultation clears it.
func (sm *SessionManager) Ready() error {
	u := sm.Snapshot()
	if u.State != consult.StateError {
		return nil
	}
	if u.Err != nil {
		return fmt.Errorf("%s: %w", u.Status, u.Err)
	}
	return errors.New(u.Status)
}

// SetConfig replaces the config used for the next consultation. The running
// one keeps its settings.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Shutdown closes the active consultation, if any, and waits until its
// resources are released or ctx is done. Later opens fail with [ErrShutdown].
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.shut = true
	sess := sm.sess
	sm.mu.Unlock()
	if sess == nil {
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- sess.Close() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("app: close consultation: %w", ctx.Err())
	}
}

// ConsultConfig maps the file config onto the parameters of one consultation.
func ConsultConfig(cfg *config.Config) consult.Config {
	s, a := cfg.Session, cfg.Audio
	drain := s.CloseDrain
	if drain < 0 {
		drain = 0
	}
	var format audio.Format
	if a.CaptureSampleRate > 0 {
		format = audio.Format{SampleRate: a.CaptureSampleRate, Channels: 1}
	}
	return consult.Config{
		Transport: transport.Config{
			Instructions:     s.SystemInstruction,
			Voice:            s.Voice,
			ResponseModality: string(s.ResponseModality),
		},
		Capture: capture.Config{
			Format:    format,
			FrameSize: a.CaptureFrameSize,
		},
		PlaybackRate:               a.PlaybackSampleRate,
		HandshakeTimeout:           s.HandshakeTimeout,
		MaxConsecutiveDecodeErrors: s.MaxConsecutiveDecodeErrors,
		CloseDrain:                 drain,
		Status: consult.StatusText{
			Connecting:  s.Status.Connecting,
			Listening:   s.Status.Listening,
			Closed:      s.Status.Closed,
			DeviceError: s.Status.DeviceError,
			Error:       s.Status.Error,
		},
	}
}
