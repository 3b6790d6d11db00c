// Package audio defines the sample and wire types of the live consultation
// pipeline and the codec that moves audio between them.
//
// Microphone frames are floating-point samples in [-1, 1]. On the wire they
// travel as little-endian signed 16-bit PCM ([EncodedChunk]), which transports
// that only carry text additionally wrap in standard base64
// ([EncodeText]/[DecodeText]).
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
)

// ErrMalformedAudio is returned when a payload cannot be decoded: its length
// is not a whole number of PCM16 sample frames, or its text encoding is invalid.
var ErrMalformedAudio = errors.New("audio: malformed payload")

// ErrDeviceUnavailable is returned when a capture or output device cannot be
// acquired: permission denied, no hardware, or the driver failed to open it.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

const (
	bytesPerSample = 2
	pcmScale       = 32768.0
)

// EncodeFrame converts f to PCM16 wire bytes. Each sample s becomes
// round(s·32768) clamped to the int16 range, so that [DecodeChunk] is its
// exact inverse to within one quantisation step. Planes are interleaved and
// the chunk is tagged with the frame's format.
func EncodeFrame(f Frame) EncodedChunk {
	channels := f.Channels()
	n := f.Len()
	out := make([]byte, n*channels*bytesPerSample)
	for i := range n {
		for ch, plane := range f.Planes {
			var s float32
			if i < len(plane) {
				s = plane[i]
			}
			off := (i*channels + ch) * bytesPerSample
			binary.LittleEndian.PutUint16(out[off:], uint16(quantize(s)))
		}
	}
	return EncodedChunk{Data: out, MIMEType: f.Format().MIMEType()}
}

// DecodeChunk unpacks a PCM16 payload into a [Frame] at the given sample
// rate, dividing each value by 32768 and de-interleaving by channel count.
// It returns an error wrapping [ErrMalformedAudio] when the payload length is
// not a multiple of 2·channels bytes; there is no other failure mode.
func DecodeChunk(chunk EncodedChunk, sampleRate, channels int) (Frame, error) {
	if channels <= 0 {
		channels = 1
	}
	stride := bytesPerSample * channels
	if len(chunk.Data)%stride != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudio, len(chunk.Data), stride)
	}
	n := len(chunk.Data) / stride
	planes := make([][]float32, channels)
	for ch := range planes {
		planes[ch] = make([]float32, n)
	}
	for i := range n {
		for ch := range channels {
			off := i*stride + ch*bytesPerSample
			v := int16(binary.LittleEndian.Uint16(chunk.Data[off:]))
			planes[ch][i] = float32(v) / pcmScale
		}
	}
	return Frame{Planes: planes, SampleRate: sampleRate}, nil
}

// EncodeText renders raw bytes in the transport-safe text encoding.
func EncodeText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeText reverses [EncodeText]. Invalid input yields an error wrapping
// [ErrMalformedAudio].
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	return b, nil
}

// ParseMIMEType extracts the format from a tag such as
// "audio/pcm;rate=24000". Missing parameters are filled from fallback.
func ParseMIMEType(tag string, fallback Format) (Format, error) {
	mediaType, params, err := mime.ParseMediaType(tag)
	if err != nil {
		return fallback, fmt.Errorf("audio: parse format tag %q: %w", tag, err)
	}
	if mediaType != "audio/pcm" && mediaType != "audio/l16" {
		return fallback, fmt.Errorf("audio: unsupported media type %q", mediaType)
	}
	f := fallback
	if v, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return fallback, fmt.Errorf("audio: invalid rate %q in %q", v, tag)
		}
		f.SampleRate = rate
	}
	if v, ok := params["channels"]; ok {
		ch, err := strconv.Atoi(v)
		if err != nil || ch <= 0 {
			return fallback, fmt.Errorf("audio: invalid channels %q in %q", v, tag)
		}
		f.Channels = ch
	}
	return f, nil
}

// quantize maps a float sample to int16 with rounding and clamping.
func quantize(s float32) int16 {
	v := math.Round(float64(s) * pcmScale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	if math.IsNaN(v) {
		return 0
	}
	return int16(v)
}
