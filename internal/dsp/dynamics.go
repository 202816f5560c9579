package dsp

import (
	"fmt"
	"math"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
	"gonum.org/v1/gonum/floats"
)

// Default compressor and normalizer settings.
const (
	DefaultThresholdDB = -20.0
	DefaultRatio       = 4.0
	DefaultAttack      = 0.005
	DefaultRelease     = 0.1

	DefaultHeadroom         = 0.95
	DefaultLimiterThreshold = 0.6
	DefaultLimiterRatio     = 0.8

	// amplitudeFloor and dynamicRangeDB bound the dB conversion of near-silent samples.
	amplitudeFloor = 1e-5
	dynamicRangeDB = 80.0
)

// Dynamics configuration errors.
var (
	ErrInvalidCompressor = fmt.Errorf("%w: invalid compressor settings", core.ErrConfiguration)
	ErrInvalidNormalizer = fmt.Errorf("%w: invalid normalizer settings", core.ErrConfiguration)
)

// CompressorConfig configures the downward compressor.
//
// Attack and Release are per-sample smoothing weights. When AttackMs or ReleaseMs is
// positive it replaces the matching weight with one derived from the buffer's sample
// rate, so the perceived timing no longer depends on the rate.
type CompressorConfig struct {
	ThresholdDB float64 `toml:"threshold_db"`
	Ratio       float64 `toml:"ratio"`
	Attack      float64 `toml:"attack"`
	Release     float64 `toml:"release"`
	AttackMs    float64 `toml:"attack_ms"`
	ReleaseMs   float64 `toml:"release_ms"`
}

// DefaultCompressorConfig returns the default compressor configuration.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		ThresholdDB: DefaultThresholdDB,
		Ratio:       DefaultRatio,
		Attack:      DefaultAttack,
		Release:     DefaultRelease,
		AttackMs:    0,
		ReleaseMs:   0,
	}
}

// Validate checks the ranges of every field.
func (c CompressorConfig) Validate() error {
	if math.IsNaN(c.ThresholdDB) || c.ThresholdDB > 0 {
		return fmt.Errorf("%w: threshold must be <= 0 dBFS, got %f", ErrInvalidCompressor, c.ThresholdDB)
	}

	if c.Ratio < 1 {
		return fmt.Errorf("%w: ratio must be >= 1, got %f", ErrInvalidCompressor, c.Ratio)
	}

	if c.AttackMs < 0 || c.ReleaseMs < 0 {
		return fmt.Errorf("%w: attack/release times must be non-negative", ErrInvalidCompressor)
	}

	if c.AttackMs == 0 && (c.Attack <= 0 || c.Attack > 1) {
		return fmt.Errorf("%w: attack must be in (0, 1], got %f", ErrInvalidCompressor, c.Attack)
	}

	if c.ReleaseMs == 0 && (c.Release <= 0 || c.Release > 1) {
		return fmt.Errorf("%w: release must be in (0, 1], got %f", ErrInvalidCompressor, c.Release)
	}

	return nil
}

// coefficients returns the attack and release weights for sampleRate.
func (c CompressorConfig) coefficients(sampleRate int) (float64, float64) {
	attack, release := c.Attack, c.Release

	if c.AttackMs > 0 {
		attack = TimeConstantToCoefficient(c.AttackMs, sampleRate)
	}

	if c.ReleaseMs > 0 {
		release = TimeConstantToCoefficient(c.ReleaseMs, sampleRate)
	}

	return attack, release
}

// TimeConstantToCoefficient converts a time constant in milliseconds into the per-sample
// weight of a one-pole follower at sampleRate.
func TimeConstantToCoefficient(ms float64, sampleRate int) float64 {
	return 1 - math.Exp(-1/(ms/1000*float64(sampleRate)))
}

// Compress applies out_db = threshold + (in_db - threshold) / ratio above the threshold.
// The per-sample gain is smoothed by an asymmetric follower that starts at 0 dB.
func Compress(buf audio.Buffer, cfg CompressorConfig) (audio.Buffer, error) {
	validateErr := buf.Validate()
	if validateErr != nil {
		return audio.Buffer{}, validateErr
	}

	cfgErr := cfg.Validate()
	if cfgErr != nil {
		return audio.Buffer{}, cfgErr
	}

	attack, release := cfg.coefficients(buf.SampleRate)
	levels := amplitudeToDB(buf.Samples)
	out := make([]float64, buf.Len())

	smoothed := 0.0

	for i, level := range levels {
		target := 0.0
		if level > cfg.ThresholdDB {
			target = cfg.ThresholdDB + (level-cfg.ThresholdDB)/cfg.Ratio - level
		}

		if i > 0 {
			weight := release
			if target < smoothed {
				weight = attack
			}

			smoothed = weight*target + (1-weight)*smoothed
		}

		out[i] = buf.Samples[i] * dbToAmplitude(smoothed)
	}

	return audio.NewBuffer(out, buf.SampleRate), nil
}

// amplitudeToDB converts |x| to dBFS with a floor of amplitudeFloor, then clips
// everything more than dynamicRangeDB below the loudest sample.
func amplitudeToDB(samples []float64) []float64 {
	levels := make([]float64, len(samples))
	for i, s := range samples {
		levels[i] = 20 * math.Log10(math.Max(math.Abs(s), amplitudeFloor))
	}

	floor := floats.Max(levels) - dynamicRangeDB
	for i, level := range levels {
		levels[i] = math.Max(level, floor)
	}

	return levels
}

func dbToAmplitude(db float64) float64 {
	return math.Pow(10, db/20)
}

// NormalizerConfig configures peak normalization and the soft limiter that follows it.
type NormalizerConfig struct {
	Headroom         float64 `toml:"headroom"`
	LimiterThreshold float64 `toml:"limiter_threshold"`
	LimiterRatio     float64 `toml:"limiter_ratio"`
}

// DefaultNormalizerConfig returns the default normalizer configuration.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		Headroom:         DefaultHeadroom,
		LimiterThreshold: DefaultLimiterThreshold,
		LimiterRatio:     DefaultLimiterRatio,
	}
}

// Validate checks the ranges of every field.
func (c NormalizerConfig) Validate() error {
	if c.Headroom <= 0 || c.Headroom > 1 {
		return fmt.Errorf("%w: headroom must be in (0, 1], got %f", ErrInvalidNormalizer, c.Headroom)
	}

	if c.LimiterThreshold <= 0 || c.LimiterThreshold > 1 {
		return fmt.Errorf("%w: limiter threshold must be in (0, 1], got %f", ErrInvalidNormalizer, c.LimiterThreshold)
	}

	if c.LimiterRatio < 0 || c.LimiterRatio > 1 {
		return fmt.Errorf("%w: limiter ratio must be in [0, 1], got %f", ErrInvalidNormalizer, c.LimiterRatio)
	}

	return nil
}

// Normalize scales the buffer so its peak equals Headroom. A silent buffer is returned unchanged.
func Normalize(buf audio.Buffer, cfg NormalizerConfig) (audio.Buffer, error) {
	validateErr := buf.Validate()
	if validateErr != nil {
		return audio.Buffer{}, validateErr
	}

	cfgErr := cfg.Validate()
	if cfgErr != nil {
		return audio.Buffer{}, cfgErr
	}

	out := buf.Clone()

	peak := out.Peak()
	if peak > 0 {
		floats.Scale(cfg.Headroom/peak, out.Samples)
	}

	return out, nil
}

// SoftLimit compresses the part of each sample's magnitude above threshold by ratio.
func SoftLimit(buf audio.Buffer, threshold, ratio float64) audio.Buffer {
	out := buf.Clone()

	for i, s := range out.Samples {
		switch {
		case s > threshold:
			out.Samples[i] = threshold + (s-threshold)*ratio
		case s < -threshold:
			out.Samples[i] = -threshold + (s+threshold)*ratio
		}
	}

	return out
}

// NormalizeAndLimit runs Normalize followed by the soft limiter.
func NormalizeAndLimit(buf audio.Buffer, cfg NormalizerConfig) (audio.Buffer, error) {
	normalized, err := Normalize(buf, cfg)
	if err != nil {
		return audio.Buffer{}, err
	}

	return SoftLimit(normalized, cfg.LimiterThreshold, cfg.LimiterRatio), nil
}
