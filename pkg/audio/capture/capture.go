// Package capture turns a push-based microphone device into a bounded stream
// of fixed-size [audio.Frame] values.
//
// Devices deliver samples from a driver callback that must never block. The
// [Source] therefore re-blocks whatever the device hands it into frames of
// exactly [Config.FrameSize] samples and buffers at most one frame. When the
// consumer falls behind, the oldest unread frame is dropped in favour of the
// new one, so latency stays bounded and a slow network never stalls the
// driver.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

// DefaultFrameSize is the number of samples per capture frame (256 ms at
// 16 kHz).
const DefaultFrameSize = 4096

// Device is a microphone that pushes mono float32 samples to a callback.
// Implementations call onSamples from their own goroutine; the slice is only
// valid for the duration of the call.
type Device interface {
	// Start begins delivering samples. It is called at most once.
	Start(onSamples func([]float32)) error

	// Close stops delivery and releases the hardware. Close is called at most
	// once by [Source].
	Close() error
}

// Opener acquires a [Device] recording in format with the requested number of
// samples per callback. It is the seam where permission and hardware failures
// surface.
type Opener func(format audio.Format, frameSize int) (Device, error)

// Config holds the capture parameters.
type Config struct {
	// Format must be mono. Defaults to [audio.CaptureFormat].
	Format audio.Format

	// FrameSize is the number of samples per emitted frame. Defaults to
	// [DefaultFrameSize].
	FrameSize int
}

// Option configures a [Source].
type Option func(*Source)

// WithOnDrop registers fn to be called each time a buffered frame is
// discarded because the consumer was too slow. fn runs on the device
// callback and must not block.
func WithOnDrop(fn func()) Option {
	return func(s *Source) { s.onDrop = fn }
}

// Source is an open microphone producing frames on [Source.Frames].
type Source struct {
	device Device
	cfg    Config
	onDrop func()
	frames chan audio.Frame

	mu      sync.Mutex
	pending []float32
	seq     int64
	closed  bool

	dropped   atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// Open acquires a device via open and starts capturing. Any failure to
// acquire or start the device is returned wrapped in
// [audio.ErrDeviceUnavailable]; a device that was acquired is released again
// before returning.
func Open(open Opener, cfg Config, opts ...Option) (*Source, error) {
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.CaptureFormat
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.Format.Channels != 1 || cfg.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("capture: unsupported format %s: must be mono", cfg.Format)
	}

	dev, err := open(cfg.Format, cfg.FrameSize)
	if err != nil {
		return nil, deviceErr("open", err)
	}

	s := &Source{
		device:  dev,
		cfg:     cfg,
		frames:  make(chan audio.Frame, 1),
		pending: make([]float32, 0, cfg.FrameSize),
	}
	for _, o := range opts {
		o(s)
	}

	if err := dev.Start(s.offer); err != nil {
		s.closeOnce.Do(func() {
			s.markClosed()
			_ = dev.Close()
		})
		return nil, deviceErr("start", err)
	}
	return s, nil
}

// Frames returns the capture stream. It holds at most one frame and is closed
// by [Source.Close].
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Dropped returns how many frames were discarded under backpressure.
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Format returns the capture format.
func (s *Source) Format() audio.Format { return s.cfg.Format }

// Close stops capture, closes the frame stream and releases the device.
// Close is idempotent; later calls return the first call's result.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.markClosed()
		if err := s.device.Close(); err != nil {
			s.closeErr = fmt.Errorf("capture: close device: %w", err)
		}
	})
	return s.closeErr
}

func (s *Source) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.frames)
}

// offer is the device callback. It copies samples out of the driver buffer
// and emits every complete frame.
func (s *Source) offer(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for len(samples) > 0 {
		n := min(s.cfg.FrameSize-len(s.pending), len(samples))
		s.pending = append(s.pending, samples[:n]...)
		samples = samples[n:]
		if len(s.pending) < s.cfg.FrameSize {
			return
		}
		frame := audio.MonoFrame(s.pending, s.cfg.Format.SampleRate)
		frame.Timestamp = s.cfg.Format.Duration(int(s.seq) * s.cfg.FrameSize)
		s.seq++
		s.pending = make([]float32, 0, s.cfg.FrameSize)
		s.push(frame)
	}
}

// push delivers frame without blocking, replacing an unread frame if the
// buffer is full. Must be called with s.mu held; the lock makes the
// drop-and-retry sequence atomic with respect to Close.
func (s *Source) push(frame audio.Frame) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
			s.dropped.Add(1)
			if s.onDrop != nil {
				s.onDrop()
			}
		default:
		}
	}
}

func deviceErr(op string, err error) error {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return fmt.Errorf("capture: %s device: %w", op, err)
	}
	return fmt.Errorf("capture: %s device: %w: %w", op, audio.ErrDeviceUnavailable, err)
}
