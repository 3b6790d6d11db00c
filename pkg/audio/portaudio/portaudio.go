// Package portaudio binds the capture and playback pipelines to the system's
// default audio devices through PortAudio.
//
// Both devices run PortAudio in callback mode: the microphone pushes each
// driver buffer into the [capture.Source], and the speaker pulls mixed
// samples from a [playback.Renderer]. Every open device holds its own
// PortAudio initialisation, which the library reference-counts, so microphone
// and speaker can be opened and closed independently.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/audio/capture"
	"github.com/MrWong99/liveconsult/pkg/audio/playback"
)

// DefaultSpeakerBuffer is the number of frames per output callback (about
// 21 ms at 24 kHz).
const DefaultSpeakerBuffer = 512

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is the default input device.
type Microphone struct {
	stream    *pa.Stream
	onSamples func([]float32)

	closeOnce sync.Once
	closeErr  error
}

var _ capture.Device = (*Microphone)(nil)

// OpenMicrophone opens the default input device in format with frameSize
// samples per callback. It satisfies [capture.Opener].
func OpenMicrophone(format audio.Format, frameSize int) (capture.Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	m := &Microphone{}
	stream, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frameSize, m.process)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open input stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	m.stream = stream
	return m, nil
}

// Start implements [capture.Device].
func (m *Microphone) Start(onSamples func([]float32)) error {
	m.onSamples = onSamples
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return nil
}

// Close implements [capture.Device].
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = closeStream(m.stream)
	})
	return m.closeErr
}

func (m *Microphone) process(in []float32) {
	if m.onSamples != nil {
		m.onSamples(in)
	}
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is the default output device, rendering voices scheduled on its
// embedded [playback.Renderer].
type Speaker struct {
	*playback.Renderer
	stream *pa.Stream

	closeOnce sync.Once
	closeErr  error
}

var _ playback.Sink = (*Speaker)(nil)

// OpenSpeaker opens and starts the default output device as a mono stream
// at sampleRate with bufferFrames frames per callback. A non-positive
// bufferFrames selects [DefaultSpeakerBuffer].
func OpenSpeaker(sampleRate, bufferFrames int) (*Speaker, error) {
	if bufferFrames <= 0 {
		bufferFrames = DefaultSpeakerBuffer
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	s := &Speaker{Renderer: playback.NewRenderer(sampleRate)}
	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), bufferFrames, s.Render)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	s.stream = stream
	return s, nil
}

// SpeakerOpener returns a [playback.SinkOpener] for the default output device.
func SpeakerOpener(bufferFrames int) playback.SinkOpener {
	return func(sampleRate int) (playback.Sink, error) {
		return OpenSpeaker(sampleRate, bufferFrames)
	}
}

// Close stops the output stream, finishes every voice and releases the device.
// Close is idempotent.
func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = closeStream(s.stream)
		_ = s.Renderer.Close()
	})
	return s.closeErr
}

// closeStream stops and closes stream and drops this device's PortAudio
// initialisation. The first error encountered is returned.
func closeStream(stream *pa.Stream) error {
	var err error
	if stopErr := stream.Stop(); stopErr != nil {
		err = fmt.Errorf("portaudio: stop stream: %w", stopErr)
	}
	if closeErr := stream.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("portaudio: close stream: %w", closeErr)
	}
	if termErr := pa.Terminate(); termErr != nil && err == nil {
		err = fmt.Errorf("portaudio: terminate: %w", termErr)
	}
	return err
}
