package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the fixed microphone format streamed to the remote
	// endpoint: mono 16 kHz.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format of synthesised speech returned by the
	// remote endpoint: mono 24 kHz.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// Duration returns the playback length of n sample frames (one sample per
// channel) in this format. A zero or negative sample rate yields zero.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate))
}

// MIMEType returns the wire format tag for PCM16 audio in this format,
// e.g. "audio/pcm;rate=16000". The channel count is only spelled out for
// multi-channel formats.
func (f Format) MIMEType() string {
	if f.Channels > 1 {
		return fmt.Sprintf("audio/pcm;rate=%d;channels=%d", f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// String returns a human-readable description such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a block of floating-point samples in [-1, 1]. Samples are stored
// planar: Planes holds one slice per channel and all planes share a length.
type Frame struct {
	// Planes holds the per-channel sample data.
	Planes [][]float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Timestamp marks the frame's position relative to stream start.
	Timestamp time.Duration
}

// MonoFrame wraps a single-channel sample slice in a [Frame].
func MonoFrame(samples []float32, sampleRate int) Frame {
	return Frame{Planes: [][]float32{samples}, SampleRate: sampleRate}
}

// Channels returns the number of planes in the frame.
func (f Frame) Channels() int { return len(f.Planes) }

// Len returns the number of sample frames (samples per channel).
func (f Frame) Len() int {
	if len(f.Planes) == 0 {
		return 0
	}
	return len(f.Planes[0])
}

// Format returns the frame's sample rate and channel count as a [Format].
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels()}
}

// Duration returns how long the frame sounds when played at its sample rate.
func (f Frame) Duration() time.Duration {
	return f.Format().Duration(f.Len())
}

// Mono returns the frame as a single channel. Mono frames are returned
// without copying; multi-channel frames are averaged.
func (f Frame) Mono() []float32 {
	switch len(f.Planes) {
	case 0:
		return nil
	case 1:
		return f.Planes[0]
	}
	n := f.Len()
	out := make([]float32, n)
	scale := 1 / float32(len(f.Planes))
	for _, p := range f.Planes {
		for i := 0; i < n && i < len(p); i++ {
			out[i] += p[i] * scale
		}
	}
	return out
}

// EncodedChunk is the unit exchanged over the transport: an opaque PCM16
// payload plus the MIME tag declaring its format.
type EncodedChunk struct {
	// Data is little-endian signed 16-bit PCM, channels interleaved.
	Data []byte

	// MIMEType identifies the payload format, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
