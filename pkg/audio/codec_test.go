package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestEncodeFrame_TagAndLength(t *testing.T) {
	t.Parallel()
	frame := audio.MonoFrame(make([]float32, 4096), 16000)
	chunk := audio.EncodeFrame(frame)
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want audio/pcm;rate=16000", chunk.MIMEType)
	}
	if len(chunk.Data) != 8192 {
		t.Errorf("len(Data) = %d, want 8192", len(chunk.Data))
	}
}

func TestEncodeFrame_ClampsAndRounds(t *testing.T) {
	t.Parallel()
	frame := audio.MonoFrame([]float32{0, 1, -1, 1.5, -2, 0.5, float32(math.NaN())}, 16000)
	got := bytesToSamples(audio.EncodeFrame(frame).Data)
	want := []int16{0, 32767, -32768, 32767, -32768, 16384, 0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRoundTrip_ErrorBound(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	samples := make([]float32, 10000)
	for i := range samples {
		samples[i] = rng.Float32()*2 - 1
	}
	samples[0], samples[1], samples[2] = 1, -1, 0

	chunk := audio.EncodeFrame(audio.MonoFrame(samples, 16000))
	frame, err := audio.DecodeChunk(chunk, 16000, 1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	got := frame.Mono()
	if len(got) != len(samples) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(samples))
	}
	const bound = 1.0 / 32768
	for i := range samples {
		if d := math.Abs(float64(got[i] - samples[i])); d > bound+1e-9 {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds %v", i, got[i], samples[i], d, bound)
		}
	}
}

func TestDecodeChunk_Deinterleaves(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=16384,R=-16384 and L=0,R=32767.
	data := make([]byte, 8)
	for i, v := range []int16{16384, -16384, 0, 32767} {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	frame, err := audio.DecodeChunk(audio.EncodedChunk{Data: data}, 24000, 2)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if frame.Channels() != 2 || frame.Len() != 2 {
		t.Fatalf("got %dch x %d, want 2ch x 2", frame.Channels(), frame.Len())
	}
	if frame.Planes[0][0] != 0.5 || frame.Planes[1][0] != -0.5 {
		t.Errorf("first frame = (%v, %v), want (0.5, -0.5)", frame.Planes[0][0], frame.Planes[1][0])
	}
	if frame.Planes[0][1] != 0 || frame.Planes[1][1] != 32767.0/32768 {
		t.Errorf("second frame = (%v, %v)", frame.Planes[0][1], frame.Planes[1][1])
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		size     int
		channels int
	}{
		{"odd bytes mono", 3, 1},
		{"half frame stereo", 6, 2},
		{"single byte", 1, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodeChunk(audio.EncodedChunk{Data: make([]byte, tc.size)}, 24000, tc.channels)
			if !errors.Is(err, audio.ErrMalformedAudio) {
				t.Fatalf("err = %v, want ErrMalformedAudio", err)
			}
		})
	}
}

func TestDecodeChunk_Empty(t *testing.T) {
	t.Parallel()
	frame, err := audio.DecodeChunk(audio.EncodedChunk{}, 24000, 1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if frame.Len() != 0 {
		t.Errorf("Len = %d, want 0", frame.Len())
	}
}

func TestText_RoundTrip(t *testing.T) {
	t.Parallel()
	want := []byte{0x00, 0xFF, 0x10, 0x80}
	got, err := audio.DecodeText(audio.EncodeText(want))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := audio.DecodeText("not base64!"); !errors.Is(err, audio.ErrMalformedAudio) {
		t.Errorf("err = %v, want ErrMalformedAudio", err)
	}
}

func TestParseMIMEType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tag     string
		want    audio.Format
		wantErr bool
	}{
		{"audio/pcm;rate=24000", audio.Format{SampleRate: 24000, Channels: 1}, false},
		{"audio/pcm;rate=16000;channels=2", audio.Format{SampleRate: 16000, Channels: 2}, false},
		{"audio/pcm", audio.PlaybackFormat, false},
		{"audio/pcm;rate=abc", audio.PlaybackFormat, true},
		{"audio/mpeg", audio.PlaybackFormat, true},
		{"", audio.PlaybackFormat, true},
	}
	for _, tc := range tests {
		t.Run(tc.tag, func(t *testing.T) {
			t.Parallel()
			got, err := audio.ParseMIMEType(tc.tag, audio.PlaybackFormat)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestFormat_Duration(t *testing.T) {
	t.Parallel()
	if got := audio.PlaybackFormat.Duration(12000); got.Seconds() != 0.5 {
		t.Errorf("12000 samples @24kHz = %v, want 500ms", got)
	}
	if got := audio.CaptureFormat.Duration(4096); got.Milliseconds() != 256 {
		t.Errorf("4096 samples @16kHz = %v, want 256ms", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("zero rate duration = %v, want 0", got)
	}
}

func TestFrame_Mono(t *testing.T) {
	t.Parallel()
	f := audio.Frame{Planes: [][]float32{{1, 0}, {0, -1}}, SampleRate: 24000}
	got := f.Mono()
	if got[0] != 0.5 || got[1] != -0.5 {
		t.Errorf("Mono = %v, want [0.5 -0.5]", got)
	}
}
