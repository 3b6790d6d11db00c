package audio

import (
	"log/slog"
	"sync"
)

// Converter conforms decoded frames to a fixed mono output rate. It logs a
// warning on the first rate mismatch so a misbehaving endpoint is visible
// without flooding the log on every chunk.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	// SampleRate is the target output rate in Hz.
	SampleRate int

	warnedMismatch sync.Once
}

// Convert returns f's samples as a single channel at c.SampleRate.
// Multi-channel frames are averaged first, then resampled. A mono frame that
// already matches the target is returned without allocation.
func (c *Converter) Convert(f Frame) []float32 {
	mono := f.Mono()
	if f.SampleRate == c.SampleRate || f.SampleRate <= 0 {
		return mono
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: resampling",
			"from", formatString(f.SampleRate, f.Channels()),
			"to", formatString(c.SampleRate, 1),
		)
	})
	return Resample(mono, f.SampleRate, c.SampleRate)
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If either rate is not positive, or the rates are equal, the
// input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := len(samples)
	dstN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]float32, dstN)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < n {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
