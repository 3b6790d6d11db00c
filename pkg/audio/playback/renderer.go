package playback

import (
	"math"
	"sync"
	"time"
)

// Renderer is a sample-accurate software [Output]. Voices are mixed into the
// buffers handed to [Renderer.Render], which a device callback drives at the
// hardware rate. The output clock is the number of frames rendered so far.
//
// A voice started exactly at the end time of the previously started voice is
// placed on the frame immediately after it, so nanosecond truncation in the
// scheduler's durations never opens a gap or overlap between back-to-back
// buffers.
type Renderer struct {
	rate int

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	voices []*renderVoice
	closed bool

	lastEnd      time.Duration
	lastEndFrame int64
	hasLast      bool
}

var _ Output = (*Renderer)(nil)

// NewRenderer creates a [Renderer] playing mono audio at sampleRate.
func NewRenderer(sampleRate int) *Renderer {
	return &Renderer{rate: sampleRate}
}

// SampleRate implements [Output].
func (r *Renderer) SampleRate() int { return r.rate }

// Now implements [Output].
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameTime(r.pos)
}

// Start implements [Output]. A start time that already passed begins at the
// next rendered frame.
func (r *Renderer) Start(samples []float32, at time.Duration) Voice {
	v := &renderVoice{r: r, samples: samples, done: make(chan struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(samples) == 0 {
		v.finish()
		return v
	}

	start := r.frameAt(at)
	if r.hasLast && at == r.lastEnd {
		start = r.lastEndFrame
	}
	start = max(start, r.pos)
	v.start = start

	r.lastEnd = at + time.Duration(int64(len(samples))*int64(time.Second)/int64(r.rate))
	r.lastEndFrame = start + int64(len(samples))
	r.hasLast = true

	r.voices = append(r.voices, v)
	return v
}

// Render mixes every active voice into out and advances the clock by
// len(out) frames. Mixed samples are clamped to [-1, 1]. Its signature fits
// a device output callback.
func (r *Renderer) Render(out []float32) {
	clear(out)

	r.mu.Lock()
	defer r.mu.Unlock()

	begin := r.pos
	end := begin + int64(len(out))
	kept := r.voices[:0]
	for _, v := range r.voices {
		vEnd := v.start + int64(len(v.samples))
		from := max(v.start, begin)
		to := min(vEnd, end)
		for f := from; f < to; f++ {
			out[f-begin] += v.samples[f-v.start]
		}
		if vEnd <= end {
			v.finish()
			continue
		}
		kept = append(kept, v)
	}
	clear(r.voices[len(kept):])
	r.voices = kept

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
	r.pos = end
}

// Active returns the number of voices that have not finished.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voices)
}

// Close stops all voices. Later voices finish immediately without sounding.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, v := range r.voices {
		v.finish()
	}
	clear(r.voices)
	r.voices = nil
	return nil
}

func (r *Renderer) frameAt(d time.Duration) int64 {
	return int64(math.Round(d.Seconds() * float64(r.rate)))
}

func (r *Renderer) frameTime(frame int64) time.Duration {
	return time.Duration(frame * int64(time.Second) / int64(r.rate))
}

func (r *Renderer) remove(v *renderVoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, other := range r.voices {
		if other == v {
			r.voices = append(r.voices[:i], r.voices[i+1:]...)
			break
		}
	}
	v.finish()
}

type renderVoice struct {
	r       *Renderer
	samples []float32
	start   int64
	done    chan struct{}
	once    sync.Once
}

func (v *renderVoice) Stop() { v.r.remove(v) }

func (v *renderVoice) Done() <-chan struct{} { return v.done }

func (v *renderVoice) finish() {
	v.once.Do(func() { close(v.done) })
}
