// Command voice-swap runs the voice-swap pipeline and its DSP stages on local files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/config"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/dsp"
	"github.com/book-expert/voice-swap-service/internal/fsutil"
	"github.com/book-expert/voice-swap-service/internal/pipeline"
	"github.com/book-expert/voice-swap-service/internal/resultstore"
	"github.com/google/uuid"
)

var version = "0.1.0"

const logFileName = "voice-swap.log"

// ErrNotWAV indicates a DSP command was given a non-WAV file.
var ErrNotWAV = errors.New("only .wav files are supported")

// Globals are the flags shared by every command.
type Globals struct {
	Config  string `short:"c" type:"path" help:"Path to TOML config file (optional)"`
	LogsDir string `type:"path" default:"${logs_dir}" help:"Directory for the log file"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Version kong.VersionFlag `short:"v" help:"Show version information"`

	Run     RunCmd     `cmd:"" help:"Replace the vocals of a song with the converted voice"`
	Enhance EnhanceCmd `cmd:"" help:"Run the enhancement chain on a WAV file"`
	Mix     MixCmd     `cmd:"" help:"Mix a vocal and an instrumental WAV file"`
}

// RunCmd runs a song through the full pipeline.
type RunCmd struct {
	Song             string  `arg:"" name:"song" type:"existingfile" help:"Song to process"`
	Output           string  `short:"o" required:"" type:"path" help:"Output file path (.wav)"`
	JobID            string  `name:"job-id" help:"Job identifier (generated when empty)"`
	VocalGain        float64 `help:"Vocal gain (0 keeps the configured value)"`
	InstrumentalGain float64 `help:"Instrumental gain (0 keeps the configured value)"`
}

// EnhanceCmd runs the configured enhancement chain.
type EnhanceCmd struct {
	Input  string `arg:"" name:"input" type:"existingfile" help:"Vocal WAV file"`
	Output string `short:"o" required:"" type:"path" help:"Output file path (.wav)"`
}

// MixCmd mixes two WAV files.
type MixCmd struct {
	Vocals           string  `arg:"" name:"vocals" type:"existingfile" help:"Vocal WAV file"`
	Instrumental     string  `arg:"" name:"instrumental" type:"existingfile" help:"Instrumental WAV file"`
	Output           string  `short:"o" required:"" type:"path" help:"Output file path (.wav)"`
	VocalGain        float64 `help:"Vocal gain (0 keeps the configured value)"`
	InstrumentalGain float64 `help:"Instrumental gain (0 keeps the configured value)"`
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("voice-swap"),
		kong.Description("Swap the singing voice of a song using external separation and voice-conversion tools"),
		kong.UsageOnError(),
		kong.Vars{
			"version":  version,
			"logs_dir": filepath.Join(os.TempDir(), "voice-swap"),
		},
	)
}

func main() {
	cli := &CLI{}

	parser, err := newParser(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	err = ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the file configuration when one is given, otherwise the defaults.
func (g *Globals) loadConfig() (*config.Config, error) {
	if g.Config == "" {
		cfg := config.Default()

		return &cfg, nil
	}

	return config.LoadFile(g.Config)
}

func (g *Globals) openLogger() (*logger.Logger, error) {
	log, err := logger.New(g.LogsDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", g.LogsDir, err)
	}

	return log, nil
}

// Run executes the pipeline and copies the result to Output.
func (r *RunCmd) Run(globals *Globals) error {
	cfg, err := globals.loadConfig()
	if err != nil {
		return err
	}

	log, err := globals.openLogger()
	if err != nil {
		return err
	}

	defer func() { _ = log.Close() }()

	results, err := resultstore.NewLocal(cfg.Paths.ResultsDir, log)
	if err != nil {
		return err
	}

	orchestrator, _, err := pipeline.FromConfig(cfg, results, log)
	if err != nil {
		return err
	}

	song, err := os.ReadFile(r.Song)
	if err != nil {
		return fmt.Errorf("failed to read song '%s': %w", r.Song, err)
	}

	jobID := r.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()

	job := orchestrator.Run(ctx, core.Request{
		JobID:     jobID,
		InputName: filepath.Base(r.Song),
		Input:     song,
		Gains:     &core.MixGains{VocalGain: r.VocalGain, InstrumentalGain: r.InstrumentalGain},
	})
	if job.Err() != nil {
		return fmt.Errorf("job %s failed: %w", job.ID, job.Err())
	}

	data, err := results.Fetch(ctx, job.ResultKey)
	if err != nil {
		return err
	}

	err = writeOutput(r.Output, data)
	if err != nil {
		return err
	}

	fmt.Printf("Job %s finished in %s: %s (%s)\n", job.ID,
		fsutil.FormatDuration(time.Since(started).Seconds()), r.Output, fsutil.FormatFileSize(int64(len(data))))

	return nil
}

// Run enhances Input with the configured chain.
func (e *EnhanceCmd) Run(globals *Globals) error {
	cfg, err := globals.loadConfig()
	if err != nil {
		return err
	}

	err = requireWAV(e.Input, e.Output)
	if err != nil {
		return err
	}

	buf, err := audio.LoadWAV(e.Input)
	if err != nil {
		return err
	}

	err = cfg.Enhance.Validate(buf.SampleRate)
	if err != nil {
		return err
	}

	enhanced, err := dsp.NewChain(cfg.Enhance).Process(buf)
	if err != nil {
		return err
	}

	return saveOutput(e.Output, enhanced)
}

// Run mixes Vocals and Instrumental.
func (m *MixCmd) Run(globals *Globals) error {
	cfg, err := globals.loadConfig()
	if err != nil {
		return err
	}

	err = requireWAV(m.Vocals, m.Instrumental, m.Output)
	if err != nil {
		return err
	}

	if m.VocalGain < 0 || m.InstrumentalGain < 0 {
		return fmt.Errorf("%w: mix gains must be >= 0", core.ErrConfiguration)
	}

	spec := cfg.Mix
	if m.VocalGain > 0 {
		spec.VocalGain = m.VocalGain
	}

	if m.InstrumentalGain > 0 {
		spec.InstrumentalGain = m.InstrumentalGain
	}

	vocals, err := audio.LoadWAV(m.Vocals)
	if err != nil {
		return err
	}

	instrumental, err := audio.LoadWAV(m.Instrumental)
	if err != nil {
		return err
	}

	mixed, err := dsp.Mix(vocals, instrumental, spec)
	if err != nil {
		return err
	}

	return saveOutput(m.Output, mixed)
}

func requireWAV(paths ...string) error {
	for _, path := range paths {
		if filepath.Ext(path) != ".wav" {
			return fmt.Errorf("%w: '%s'", ErrNotWAV, path)
		}
	}

	return nil
}

func saveOutput(path string, buf audio.Buffer) error {
	err := fsutil.EnsureDir(filepath.Dir(path))
	if err != nil {
		return err
	}

	return audio.SaveWAV(path, buf)
}

func writeOutput(path string, data []byte) error {
	err := fsutil.EnsureDir(filepath.Dir(path))
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write output '%s': %w", path, err)
	}

	return nil
}
