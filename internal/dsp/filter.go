// Package dsp implements the signal-conditioning and mixing engine: a zero-phase
// low-pass filter, a spectral-subtraction denoiser, a compressor with attack/release
// smoothing, a peak normalizer with a soft limiter, and a clip-safe two-source mixer.
//
// Every operation takes an audio.Buffer and returns a new one; inputs are never modified.
package dsp

import (
	"fmt"
	"math"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
)

// Default low-pass settings.
const (
	DefaultCutoffHz    = 12000.0
	DefaultFilterOrder = 4
	maxFilterOrder     = 16
)

// ErrInvalidFilter indicates a FilterSpec that cannot be realised at the buffer's sample rate.
var ErrInvalidFilter = fmt.Errorf("%w: invalid filter", core.ErrConfiguration)

// FilterSpec configures the Butterworth low-pass.
type FilterSpec struct {
	CutoffHz float64 `toml:"cutoff_hz"`
	Order    int     `toml:"order"`
}

// DefaultFilterSpec returns the default low-pass configuration.
func DefaultFilterSpec() FilterSpec {
	return FilterSpec{CutoffHz: DefaultCutoffHz, Order: DefaultFilterOrder}
}

// Validate checks the spec against the Nyquist limit of sampleRate.
func (s FilterSpec) Validate(sampleRate int) error {
	if s.Order < 1 || s.Order > maxFilterOrder {
		return fmt.Errorf("%w: order must be between 1 and %d, got %d", ErrInvalidFilter, maxFilterOrder, s.Order)
	}

	nyquist := float64(sampleRate) / 2
	if s.CutoffHz <= 0 || s.CutoffHz >= nyquist {
		return fmt.Errorf("%w: cutoff %.1f Hz must be in (0, %.1f)", ErrInvalidFilter, s.CutoffHz, nyquist)
	}

	return nil
}

// section is one transposed direct form II biquad, normalised so a0 == 1.
// First-order sections leave b2 and a2 at zero.
type section struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// dcGain returns H(z=1).
func (s section) dcGain() float64 {
	return (s.b0 + s.b1 + s.b2) / (1 + s.a1 + s.a2)
}

// run filters x in place starting from the steady state for an input held at x[0].
func (s section) run(x []float64) {
	if len(x) == 0 {
		return
	}

	y0 := s.dcGain() * x[0]
	z1 := y0 - s.b0*x[0]
	z2 := s.b2*x[0] - s.a2*y0

	for i, in := range x {
		out := s.b0*in + z1
		z1 = s.b1*in - s.a1*out + z2
		z2 = s.b2*in - s.a2*out
		x[i] = out
	}
}

// butterworth designs a low-pass of the given order as cascaded sections using the
// bilinear transform with the cutoff prewarped.
func butterworth(spec FilterSpec, sampleRate int) []section {
	w0 := 2 * math.Pi * spec.CutoffHz / float64(sampleRate)
	cosW0 := math.Cos(w0)
	sinW0 := math.Sin(w0)

	sections := make([]section, 0, spec.Order/2+1)

	for k := range spec.Order / 2 {
		q := 1 / (2 * math.Sin(math.Pi*float64(2*k+1)/float64(2*spec.Order)))
		alpha := sinW0 / (2 * q)
		a0 := 1 + alpha

		sections = append(sections, section{
			b0: (1 - cosW0) / 2 / a0,
			b1: (1 - cosW0) / a0,
			b2: (1 - cosW0) / 2 / a0,
			a1: -2 * cosW0 / a0,
			a2: (1 - alpha) / a0,
		})
	}

	if spec.Order%2 == 1 {
		k := math.Tan(w0 / 2)
		sections = append(sections, section{
			b0: k / (1 + k),
			b1: k / (1 + k),
			b2: 0,
			a1: (k - 1) / (k + 1),
			a2: 0,
		})
	}

	return sections
}

// LowPass applies the Butterworth low-pass forward and then backward, cancelling the
// phase response so the output stays sample-aligned with the input.
func LowPass(buf audio.Buffer, spec FilterSpec) (audio.Buffer, error) {
	validateErr := buf.Validate()
	if validateErr != nil {
		return audio.Buffer{}, validateErr
	}

	specErr := spec.Validate(buf.SampleRate)
	if specErr != nil {
		return audio.Buffer{}, specErr
	}

	sections := butterworth(spec, buf.SampleRate)
	padLen := min(3*(spec.Order+1), buf.Len()-1)

	ext := oddExtend(buf.Samples, padLen)

	for _, sec := range sections {
		sec.run(ext)
	}

	reverse(ext)

	for _, sec := range sections {
		sec.run(ext)
	}

	reverse(ext)

	out := make([]float64, buf.Len())
	copy(out, ext[padLen:padLen+buf.Len()])

	return audio.NewBuffer(out, buf.SampleRate), nil
}

// oddExtend reflects padLen samples through each end point.
func oddExtend(x []float64, padLen int) []float64 {
	n := len(x)
	ext := make([]float64, n+2*padLen)

	for i := range padLen {
		ext[i] = 2*x[0] - x[padLen-i]
		ext[padLen+n+i] = 2*x[n-1] - x[n-2-i]
	}

	copy(ext[padLen:], x)

	return ext
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
