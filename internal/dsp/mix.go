package dsp

import (
	"fmt"
	"math"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"gonum.org/v1/gonum/floats"
)

// mixPeakFloor is the smallest divisor applied to the summed signal.
const mixPeakFloor = 1.01

// MixSpec holds the per-source gains applied before summation.
type MixSpec struct {
	VocalGain        float64 `toml:"vocal_gain"`
	InstrumentalGain float64 `toml:"instrumental_gain"`
}

// DefaultMixSpec returns unity gains.
func DefaultMixSpec() MixSpec {
	return MixSpec{VocalGain: 1.0, InstrumentalGain: 1.0}
}

// Mix sums vocal and instrumental into one buffer at the vocal's sample rate. The
// instrumental is resampled first if needed; both are truncated to the shorter length,
// so trailing audio of the longer source is dropped. The sum is divided by
// max(1.01, peak).
func Mix(vocal, instrumental audio.Buffer, spec MixSpec) (audio.Buffer, error) {
	vocalErr := vocal.Validate()
	if vocalErr != nil {
		return audio.Buffer{}, fmt.Errorf("vocal: %w", vocalErr)
	}

	instErr := instrumental.Validate()
	if instErr != nil {
		return audio.Buffer{}, fmt.Errorf("instrumental: %w", instErr)
	}

	instrumental, err := audio.Resample(instrumental, vocal.SampleRate)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("failed to resample instrumental: %w", err)
	}

	n := min(vocal.Len(), instrumental.Len())
	if n == 0 {
		return audio.Buffer{}, fmt.Errorf("%w: sources do not overlap after resampling", audio.ErrEmptyBuffer)
	}

	mixed := make([]float64, n)

	floats.AddScaledTo(mixed, mixed, spec.VocalGain, vocal.Samples[:n])
	floats.AddScaled(mixed, spec.InstrumentalGain, instrumental.Samples[:n])

	out := audio.NewBuffer(mixed, vocal.SampleRate)
	floats.Scale(1/math.Max(mixPeakFloor, out.Peak()), out.Samples)

	return out, nil
}
