// Package config provides the configuration structure for the voice-swap service.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/dsp"
	"github.com/pelletier/go-toml/v2"
)

// Results store backends.
const (
	ResultsStoreLocal = "local"
	ResultsStoreNATS  = "nats"
)

// Formatting modes.
const (
	FormattingInternal = "internal"
	FormattingCommand  = "command"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = fmt.Errorf("%w: invalid configuration", core.ErrConfiguration)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                       string `toml:"url"`
	VoiceSwapRequestedSubject string `toml:"voice_swap_requested_subject"`
	VoiceSwapCompletedSubject string `toml:"voice_swap_completed_subject"`
	QueueGroup                string `toml:"queue_group"`
	InputBucket               string `toml:"input_bucket"`
	ResultsBucket             string `toml:"results_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir   string `toml:"base_logs_dir"`
	WorkspaceRoot string `toml:"workspace_root"`
	ResultsDir    string `toml:"results_dir"`
}

// PipelineConfig holds job-level settings.
type PipelineConfig struct {
	Workers           int    `toml:"workers"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
	ResultsStore      string `toml:"results_store"`
	PruneAfterHours   int    `toml:"prune_after_hours"`
	SampleRate        int    `toml:"sample_rate"`
}

// StageConfig is the command template of an external stage.
type StageConfig struct {
	Command        []string `toml:"command"`
	Dir            string   `toml:"dir"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// FormattingConfig selects the in-process formatter or an external transcoder.
type FormattingConfig struct {
	Mode           string   `toml:"mode"`
	Command        []string `toml:"command"`
	Dir            string   `toml:"dir"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// VoiceConversionConfig adds the shared input and output directories of the
// voice-conversion tool.
type VoiceConversionConfig struct {
	Command        []string `toml:"command"`
	Dir            string   `toml:"dir"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	RawDir         string   `toml:"raw_dir"`
	ResultsDir     string   `toml:"results_dir"`
}

// StagesConfig groups the external stages.
type StagesConfig struct {
	Separation      StageConfig           `toml:"separation"`
	Formatting      FormattingConfig      `toml:"formatting"`
	VoiceConversion VoiceConversionConfig `toml:"voice_conversion"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig      `toml:"nats"`
	Paths    PathsConfig     `toml:"paths"`
	Pipeline PipelineConfig  `toml:"pipeline"`
	Stages   StagesConfig    `toml:"stages"`
	Enhance  dsp.ChainConfig `toml:"enhance"`
	Mix      dsp.MixSpec     `toml:"mix"`
}

// Default returns a configuration for a separate_vocals.py separator and a so-vits-svc
// checkout, with the in-process formatter between them.
func Default() Config {
	enhance := dsp.DefaultChainConfig()
	enhance.LowPass.CutoffHz = 14000

	return Config{
		NATS: NATSConfig{
			URL:                       "nats://127.0.0.1:4222",
			VoiceSwapRequestedSubject: "voice_swap.requested",
			VoiceSwapCompletedSubject: "voice_swap.completed",
			QueueGroup:                "voice-swap-workers",
			InputBucket:               "VOICE_SWAP_INPUTS",
			ResultsBucket:             "VOICE_SWAP_RESULTS",
		},
		Paths: PathsConfig{
			BaseLogsDir:   "logs",
			WorkspaceRoot: "work",
			ResultsDir:    "results",
		},
		Pipeline: PipelineConfig{
			Workers:           1,
			JobTimeoutSeconds: 3600,
			ResultsStore:      ResultsStoreLocal,
			PruneAfterHours:   24,
			SampleRate:        audio.DefaultSampleRate,
		},
		Stages: StagesConfig{
			Separation: StageConfig{
				Command: []string{
					"python", "separate_vocals.py",
					"--input", "{input}", "--vocals", "{vocals}", "--instrumental", "{instrumental}",
				},
				Dir:            "",
				TimeoutSeconds: 1800,
			},
			Formatting: FormattingConfig{
				Mode:           FormattingInternal,
				Command:        []string{"ffmpeg", "-y", "-i", "{input}", "-ac", "1", "-ar", "{rate}", "{output}"},
				Dir:            "",
				TimeoutSeconds: 300,
			},
			VoiceConversion: VoiceConversionConfig{
				Command: []string{
					"python", "inference_main.py",
					"-m", "logs/44k/model.pth", "-c", "configs/config.json", "-n", "{name}",
				},
				Dir:            "so-vits-svc",
				TimeoutSeconds: 1800,
				RawDir:         "so-vits-svc/raw",
				ResultsDir:     "so-vits-svc/results",
			},
		},
		Enhance: enhance,
		Mix:     dsp.DefaultMixSpec(),
	}
}

// Load loads the service configuration through configurator, on top of Default.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}

// LoadFile reads a TOML file on top of Default. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file '%s': %w", path, err)
	}

	cfg := Default()

	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	err = decoder.Decode(&cfg)
	if err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strictErr.String())
		}

		return nil, fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}

	return &cfg, nil
}

// Validate checks every setting the pipeline needs.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.WorkspaceRoot) == "" {
		problems = append(problems, "paths.workspace_root is empty")
	}

	if c.Pipeline.Workers < 1 {
		problems = append(problems, fmt.Sprintf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers))
	}

	if c.Pipeline.JobTimeoutSeconds <= 0 {
		problems = append(problems, "pipeline.job_timeout_seconds must be > 0")
	}

	switch c.Pipeline.ResultsStore {
	case ResultsStoreLocal:
		if strings.TrimSpace(c.Paths.ResultsDir) == "" {
			problems = append(problems, "paths.results_dir is empty")
		}
	case ResultsStoreNATS:
		if c.NATS.ResultsBucket == "" {
			problems = append(problems, "nats.results_bucket is empty")
		}
	default:
		problems = append(problems, fmt.Sprintf("pipeline.results_store must be %q or %q, got %q",
			ResultsStoreLocal, ResultsStoreNATS, c.Pipeline.ResultsStore))
	}

	if c.Pipeline.SampleRate <= 0 || c.Pipeline.SampleRate > audio.MaxSampleRate {
		problems = append(problems, fmt.Sprintf("pipeline.sample_rate out of range: %d", c.Pipeline.SampleRate))
	}

	problems = append(problems, c.validateStages()...)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	if c.Pipeline.SampleRate > 0 {
		err := c.Enhance.Validate(c.Pipeline.SampleRate)
		if err != nil {
			return err
		}
	}

	for _, gain := range []float64{c.Mix.VocalGain, c.Mix.InstrumentalGain} {
		if gain < 0 || math.IsNaN(gain) || math.IsInf(gain, 0) {
			return fmt.Errorf("%w: mix gains must be finite and >= 0", ErrInvalidConfig)
		}
	}

	return nil
}

// ValidateNATS checks the settings only the NATS-backed service needs.
func (c *Config) ValidateNATS() error {
	var problems []string

	if c.NATS.URL == "" {
		problems = append(problems, "nats.url is empty")
	}

	if c.NATS.VoiceSwapRequestedSubject == "" {
		problems = append(problems, "nats.voice_swap_requested_subject is empty")
	}

	if c.NATS.InputBucket == "" {
		problems = append(problems, "nats.input_bucket is empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

func (c *Config) validateStages() []string {
	var problems []string

	if len(c.Stages.Separation.Command) == 0 {
		problems = append(problems, "stages.separation.command is empty")
	}

	switch c.Stages.Formatting.Mode {
	case FormattingInternal, "":
	case FormattingCommand:
		if len(c.Stages.Formatting.Command) == 0 {
			problems = append(problems, "stages.formatting.command is empty")
		}
	default:
		problems = append(problems, fmt.Sprintf("stages.formatting.mode must be %q or %q, got %q",
			FormattingInternal, FormattingCommand, c.Stages.Formatting.Mode))
	}

	vc := c.Stages.VoiceConversion
	if len(vc.Command) == 0 {
		problems = append(problems, "stages.voice_conversion.command is empty")
	}

	if vc.RawDir == "" || vc.ResultsDir == "" {
		problems = append(problems, "stages.voice_conversion.raw_dir and results_dir are required")
	}

	for name, seconds := range map[string]int{
		"separation":       c.Stages.Separation.TimeoutSeconds,
		"formatting":       c.Stages.Formatting.TimeoutSeconds,
		"voice_conversion": vc.TimeoutSeconds,
	} {
		if seconds < 0 {
			problems = append(problems, fmt.Sprintf("stages.%s.timeout_seconds must be >= 0", name))
		}
	}

	return problems
}

// JobTimeout returns the per-job time budget.
func (c *Config) JobTimeout() time.Duration {
	return seconds(c.Pipeline.JobTimeoutSeconds)
}

// PruneAfter returns the age after which orphaned workspaces are removed.
func (c *Config) PruneAfter() time.Duration {
	return time.Duration(c.Pipeline.PruneAfterHours) * time.Hour
}

// Timeout returns the stage time budget. Zero means no stage-specific limit.
func (s StageConfig) Timeout() time.Duration {
	return seconds(s.TimeoutSeconds)
}

// Timeout returns the stage time budget. Zero means no stage-specific limit.
func (f FormattingConfig) Timeout() time.Duration {
	return seconds(f.TimeoutSeconds)
}

// Timeout returns the stage time budget. Zero means no stage-specific limit.
func (v VoiceConversionConfig) Timeout() time.Duration {
	return seconds(v.TimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
