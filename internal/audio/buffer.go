// Package audio provides the in-memory mono PCM buffer that every DSP stage operates on,
// along with WAV file I/O, downmixing, and sample-rate conversion.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Default audio settings for all pipeline artifacts.
const (
	DefaultSampleRate = 44100
	DefaultBitDepth   = 16
	MaxSampleRate     = 192000
)

// Common errors for the audio package.
var (
	ErrEmptyBuffer       = errors.New("audio buffer is empty")
	ErrInvalidSampleRate = errors.New("invalid sample rate")
	ErrRateMismatch      = errors.New("sample rate mismatch")
)

// Buffer is a mono PCM sample sequence in [-1, 1] at a fixed sample rate.
type Buffer struct {
	Samples    []float64
	SampleRate int
}

// NewBuffer wraps samples in a Buffer. The slice is not copied.
func NewBuffer(samples []float64, sampleRate int) Buffer {
	return Buffer{Samples: samples, SampleRate: sampleRate}
}

// Len returns the number of samples.
func (b Buffer) Len() int {
	return len(b.Samples)
}

// Duration returns the playing time of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}

	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// Clone returns a deep copy.
func (b Buffer) Clone() Buffer {
	samples := make([]float64, len(b.Samples))
	copy(samples, b.Samples)

	return Buffer{Samples: samples, SampleRate: b.SampleRate}
}

// Peak returns the largest absolute sample value, or 0 for an empty buffer.
func (b Buffer) Peak() float64 {
	if len(b.Samples) == 0 {
		return 0
	}

	return math.Max(floats.Max(b.Samples), -floats.Min(b.Samples))
}

// Validate checks the invariants every DSP stage relies on.
func (b Buffer) Validate() error {
	if b.SampleRate <= 0 || b.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: %d Hz (must be between 1 and %d)", ErrInvalidSampleRate, b.SampleRate, MaxSampleRate)
	}

	if len(b.Samples) == 0 {
		return ErrEmptyBuffer
	}

	return nil
}

// Truncate returns the first n samples, sharing the underlying array.
func (b Buffer) Truncate(n int) Buffer {
	if n >= len(b.Samples) {
		return b
	}

	return Buffer{Samples: b.Samples[:n], SampleRate: b.SampleRate}
}
