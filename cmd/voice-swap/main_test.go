package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(sampleRate int, freq, seconds float64) audio.Buffer {
	samples := make([]float64, int(seconds*float64(sampleRate)))
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}

	return audio.NewBuffer(samples, sampleRate)
}

func writeTone(t *testing.T, dir, name string, sampleRate int, seconds float64) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, audio.SaveWAV(path, tone(sampleRate, 440, seconds)))

	return path
}

func TestParse_MixCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	vocals := writeTone(t, dir, "vocals.wav", 44100, 0.1)
	instrumental := writeTone(t, dir, "inst.wav", 44100, 0.1)

	cli := &CLI{}
	parser, err := newParser(cli)
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{
		"mix", vocals, instrumental, "-o", filepath.Join(dir, "out.wav"), "--vocal-gain", "1.5",
	})
	require.NoError(t, err)

	assert.Equal(t, "mix <vocals> <instrumental>", ctx.Command())
	assert.Equal(t, vocals, cli.Mix.Vocals)
	assert.InDelta(t, 1.5, cli.Mix.VocalGain, 1e-12)
	assert.Zero(t, cli.Mix.InstrumentalGain)
	assert.NotEmpty(t, cli.LogsDir)
}

func TestParse_RejectsMissingInput(t *testing.T) {
	t.Parallel()

	cli := &CLI{}
	parser, err := newParser(cli)
	require.NoError(t, err)

	_, err = parser.Parse([]string{"enhance", filepath.Join(t.TempDir(), "absent.wav"), "-o", "out.wav"})
	require.Error(t, err)
}

func TestEnhanceCmd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeTone(t, dir, "vocals.wav", 44100, 0.5)
	output := filepath.Join(dir, "nested", "enhanced.wav")

	cmd := &EnhanceCmd{Input: input, Output: output}
	require.NoError(t, cmd.Run(&Globals{Config: "", LogsDir: dir}))

	enhanced, err := audio.LoadWAV(output)
	require.NoError(t, err)
	assert.Equal(t, 44100, enhanced.SampleRate)
	assert.Equal(t, 22050, enhanced.Len())
	assert.LessOrEqual(t, enhanced.Peak(), 1.0)
}

func TestMixCmd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	vocals := writeTone(t, dir, "vocals.wav", 44100, 1.0)
	instrumental := writeTone(t, dir, "inst.wav", 22050, 0.5)
	output := filepath.Join(dir, "mixed.wav")

	cmd := &MixCmd{Vocals: vocals, Instrumental: instrumental, Output: output, VocalGain: 2, InstrumentalGain: 0}
	require.NoError(t, cmd.Run(&Globals{Config: "", LogsDir: dir}))

	mixed, err := audio.LoadWAV(output)
	require.NoError(t, err)
	assert.Equal(t, 44100, mixed.SampleRate)
	assert.InDelta(t, 22050, mixed.Len(), 2)
	assert.LessOrEqual(t, mixed.Peak(), 1.0)
}

func TestMixCmd_RejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	vocals := writeTone(t, dir, "vocals.wav", 44100, 0.1)

	err := (&MixCmd{Vocals: vocals, Instrumental: vocals, Output: filepath.Join(dir, "out.mp3")}).Run(&Globals{})
	assert.True(t, errors.Is(err, ErrNotWAV))

	err = (&MixCmd{
		Vocals: vocals, Instrumental: vocals, Output: filepath.Join(dir, "out.wav"), VocalGain: -1,
	}).Run(&Globals{})
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestRunCmd_EndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	song := writeTone(t, dir, "song.wav", 44100, 0.5)
	output := filepath.Join(dir, "out", "swapped.wav")
	configPath := filepath.Join(dir, "voice-swap.toml")

	configData := fmt.Sprintf(`
[paths]
workspace_root = %q
results_dir = %q

[stages.separation]
command = ["sh", "-c", 'cp "$0" "$1" && cp "$0" "$2"', "{input}", "{vocals}", "{instrumental}"]

[stages.voice_conversion]
command = ["sh", "-c", 'cp "$0" "$1/{stem}.out.wav"', "{input}", "{results_dir}"]
dir = ""
raw_dir = %q
results_dir = %q
`, filepath.Join(dir, "work"), filepath.Join(dir, "results"),
		filepath.Join(dir, "svc", "raw"), filepath.Join(dir, "svc", "results"))
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0o600))

	cmd := &RunCmd{Song: song, Output: output, JobID: "cli-job", VocalGain: 0, InstrumentalGain: 0}
	require.NoError(t, cmd.Run(&Globals{Config: configPath, LogsDir: dir}))

	result, err := audio.LoadWAV(output)
	require.NoError(t, err)
	assert.Equal(t, 44100, result.SampleRate)
	assert.LessOrEqual(t, result.Peak(), 1.0)
	assert.FileExists(t, filepath.Join(dir, "results", core.ResultKey("cli-job")))

	workspaces, err := os.ReadDir(filepath.Join(dir, "work"))
	require.NoError(t, err)
	assert.Empty(t, workspaces)

	err = cmd.Run(&Globals{Config: configPath, LogsDir: dir})
	assert.True(t, errors.Is(err, core.ErrArtifactExists))
}
