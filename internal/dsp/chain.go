package dsp

import (
	"fmt"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
)

// Enhancement steps accepted in ChainConfig.Steps.
const (
	StepLowPass  = "lowpass"
	StepDenoise  = "denoise"
	StepDynamics = "dynamics"
)

// ErrInvalidChain indicates an unknown or repeated enhancement step.
var ErrInvalidChain = fmt.Errorf("%w: invalid enhancement chain", core.ErrConfiguration)

// ChainConfig selects, orders, and parameterises the enhancement steps.
type ChainConfig struct {
	Steps []string `toml:"steps"`

	LowPassEnabled bool       `toml:"lowpass_enabled"`
	LowPass        FilterSpec `toml:"lowpass"`

	DenoiseEnabled bool          `toml:"denoise_enabled"`
	Denoise        DenoiseConfig `toml:"denoise"`

	DynamicsEnabled  bool             `toml:"dynamics_enabled"`
	CompressEnabled  bool             `toml:"compress_enabled"`
	Compressor       CompressorConfig `toml:"compressor"`
	NormalizeEnabled bool             `toml:"normalize_enabled"`
	Normalizer       NormalizerConfig `toml:"normalizer"`
}

// DefaultChainConfig runs low-pass, denoise, and dynamics in that order.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		Steps:            []string{StepLowPass, StepDenoise, StepDynamics},
		LowPassEnabled:   true,
		LowPass:          DefaultFilterSpec(),
		DenoiseEnabled:   true,
		Denoise:          DefaultDenoiseConfig(),
		DynamicsEnabled:  true,
		CompressEnabled:  true,
		Compressor:       DefaultCompressorConfig(),
		NormalizeEnabled: true,
		Normalizer:       DefaultNormalizerConfig(),
	}
}

// Validate checks the step list and every enabled step's settings against sampleRate.
func (c ChainConfig) Validate(sampleRate int) error {
	seen := make(map[string]bool, len(c.Steps))

	for _, step := range c.Steps {
		switch step {
		case StepLowPass, StepDenoise, StepDynamics:
		default:
			return fmt.Errorf("%w: unknown step %q", ErrInvalidChain, step)
		}

		if seen[step] {
			return fmt.Errorf("%w: step %q listed twice", ErrInvalidChain, step)
		}

		seen[step] = true
	}

	if c.LowPassEnabled {
		err := c.LowPass.Validate(sampleRate)
		if err != nil {
			return err
		}
	}

	if c.DenoiseEnabled {
		err := c.Denoise.Validate()
		if err != nil {
			return err
		}
	}

	if c.DynamicsEnabled {
		if c.CompressEnabled {
			err := c.Compressor.Validate()
			if err != nil {
				return err
			}
		}

		err := c.Normalizer.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// Chain composes the enhancement steps applied to converted vocals.
type Chain struct {
	config ChainConfig
}

// NewChain creates a Chain. Settings are validated against each buffer's rate in Process.
func NewChain(cfg ChainConfig) *Chain {
	return &Chain{config: cfg}
}

// Config returns the chain configuration.
func (c *Chain) Config() ChainConfig {
	return c.config
}

// Process runs every enabled step in the configured order.
func (c *Chain) Process(buf audio.Buffer) (audio.Buffer, error) {
	validateErr := buf.Validate()
	if validateErr != nil {
		return audio.Buffer{}, validateErr
	}

	cfgErr := c.config.Validate(buf.SampleRate)
	if cfgErr != nil {
		return audio.Buffer{}, cfgErr
	}

	out := buf

	for _, step := range c.config.Steps {
		var err error

		switch step {
		case StepLowPass:
			if c.config.LowPassEnabled {
				out, err = LowPass(out, c.config.LowPass)
			}
		case StepDenoise:
			if c.config.DenoiseEnabled {
				out, err = Denoise(out, c.config.Denoise)
			}
		case StepDynamics:
			if c.config.DynamicsEnabled {
				out, err = c.dynamics(out)
			}
		}

		if err != nil {
			return audio.Buffer{}, fmt.Errorf("enhancement step %s failed: %w", step, err)
		}
	}

	return out, nil
}

// dynamics runs the compressor and normalizer if enabled, then the soft limiter always.
func (c *Chain) dynamics(buf audio.Buffer) (audio.Buffer, error) {
	out := buf

	var err error

	if c.config.CompressEnabled {
		out, err = Compress(out, c.config.Compressor)
		if err != nil {
			return audio.Buffer{}, err
		}
	}

	if c.config.NormalizeEnabled {
		out, err = Normalize(out, c.config.Normalizer)
		if err != nil {
			return audio.Buffer{}, err
		}
	}

	return SoftLimit(out, c.config.Normalizer.LimiterThreshold, c.config.Normalizer.LimiterRatio), nil
}
