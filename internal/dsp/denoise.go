package dsp

import (
	"fmt"
	"slices"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
)

// Default denoiser settings.
const (
	DefaultDenoiseAmount     = 0.1
	DefaultNoiseBandFraction = 0.2
	DefaultFrameSize         = 2048
	DefaultHopSize           = 512
)

// ErrInvalidDenoise indicates an out-of-range DenoiseConfig.
var ErrInvalidDenoise = fmt.Errorf("%w: invalid denoiser settings", core.ErrConfiguration)

// DenoiseConfig configures spectral subtraction.
type DenoiseConfig struct {
	// Amount scales the subtracted noise floor, in [0, 1].
	Amount float64 `toml:"amount"`
	// NoiseBandFraction is the share of the highest-frequency bins used to estimate the floor.
	NoiseBandFraction float64 `toml:"noise_band_fraction"`
	FrameSize         int     `toml:"frame_size"`
	HopSize           int     `toml:"hop_size"`
}

// DefaultDenoiseConfig returns the default denoiser configuration.
func DefaultDenoiseConfig() DenoiseConfig {
	return DenoiseConfig{
		Amount:            DefaultDenoiseAmount,
		NoiseBandFraction: DefaultNoiseBandFraction,
		FrameSize:         DefaultFrameSize,
		HopSize:           DefaultHopSize,
	}
}

// Validate checks the ranges of every field.
func (c DenoiseConfig) Validate() error {
	if c.Amount < 0 || c.Amount > 1 {
		return fmt.Errorf("%w: amount must be in [0, 1], got %f", ErrInvalidDenoise, c.Amount)
	}

	if c.NoiseBandFraction <= 0 || c.NoiseBandFraction > 1 {
		return fmt.Errorf("%w: noise band fraction must be in (0, 1], got %f", ErrInvalidDenoise, c.NoiseBandFraction)
	}

	if c.FrameSize < 4 || c.FrameSize%2 != 0 {
		return fmt.Errorf("%w: frame size must be an even number >= 4, got %d", ErrInvalidDenoise, c.FrameSize)
	}

	if c.HopSize <= 0 || c.HopSize > c.FrameSize/2 {
		return fmt.Errorf("%w: hop size must be in (0, %d], got %d", ErrInvalidDenoise, c.FrameSize/2, c.HopSize)
	}

	return nil
}

// Denoise attenuates broadband noise by magnitude subtraction. For every frame the noise
// floor is the median magnitude of the top NoiseBandFraction of bins; Amount times that
// floor is subtracted from each bin (clamped at zero) and the frame is rebuilt with its
// original phase.
func Denoise(buf audio.Buffer, cfg DenoiseConfig) (audio.Buffer, error) {
	validateErr := buf.Validate()
	if validateErr != nil {
		return audio.Buffer{}, validateErr
	}

	cfgErr := cfg.Validate()
	if cfgErr != nil {
		return audio.Buffer{}, cfgErr
	}

	if cfg.Amount == 0 || buf.Peak() == 0 {
		return buf.Clone(), nil
	}

	transform := newSTFT(cfg.FrameSize, cfg.HopSize)
	spec := transform.forward(buf.Samples)

	bins := cfg.FrameSize/2 + 1
	bandSize := max(1, int(float64(bins)*cfg.NoiseBandFraction))
	band := make([]float64, bandSize)

	for t, frame := range spec.frames {
		mags, phases := magnitudePhase(frame)

		copy(band, mags[bins-bandSize:])
		floor := cfg.Amount * median(band)

		if floor == 0 {
			continue
		}

		for k := range frame {
			spec.frames[t][k] = phases[k] * complex(max(mags[k]-floor, 0), 0)
		}
	}

	return audio.NewBuffer(transform.inverse(spec), buf.SampleRate), nil
}

// median sorts values in place and returns their median.
func median(values []float64) float64 {
	slices.Sort(values)

	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}

	return (values[n/2-1] + values[n/2]) / 2
}
