// Package dsp_test tests the signal-conditioning and mixing engine.
package dsp_test

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/book-expert/voice-swap-service/internal/audio"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/dsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRate = 44100

func tone(freq, amplitude float64, n int) []float64 {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/sampleRate)
	}

	return samples
}

func add(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}

	return out
}

func noise(seed uint64, amplitude float64, n int) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))

	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * (2*rng.Float64() - 1)
	}

	return samples
}

// toneEnergyDB projects samples[from:to] onto a complex exponential at freq.
func toneEnergyDB(samples []float64, freq float64, from, to int) float64 {
	var acc complex128

	for i := from; i < to; i++ {
		phase := -2 * math.Pi * freq * float64(i) / sampleRate
		acc += complex(samples[i], 0) * cmplx.Exp(complex(0, phase))
	}

	magnitude := cmplx.Abs(acc)

	return 20 * math.Log10(magnitude)
}

func crossCorrelation(a, b []float64, lag, from, to int) float64 {
	var sum float64
	for i := from; i < to; i++ {
		sum += a[i] * b[i+lag]
	}

	return sum
}

func energy(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}

	return sum
}

func TestLowPass_PreservesLengthAndRate(t *testing.T) {
	t.Parallel()

	for _, order := range []int{1, 2, 3, 4, 6} {
		buf := audio.NewBuffer(tone(440, 0.5, 5000), sampleRate)

		out, err := dsp.LowPass(buf, dsp.FilterSpec{CutoffHz: 12000, Order: order})
		require.NoError(t, err)
		assert.Equal(t, buf.Len(), out.Len(), "order %d", order)
		assert.Equal(t, sampleRate, out.SampleRate, "order %d", order)
	}
}

func TestLowPass_HasZeroPhase(t *testing.T) {
	t.Parallel()

	in := tone(440, 0.5, sampleRate)

	out, err := dsp.LowPass(audio.NewBuffer(in, sampleRate), dsp.FilterSpec{CutoffHz: 2000, Order: 4})
	require.NoError(t, err)

	const maxLag = 25

	bestLag := maxLag + 1
	best := math.Inf(-1)

	for lag := -maxLag; lag <= maxLag; lag++ {
		c := crossCorrelation(in, out.Samples, lag, 1000, len(in)-1000)
		if c > best {
			best = c
			bestLag = lag
		}
	}

	assert.Equal(t, 0, bestLag)
}

func TestLowPass_RemovesSquealAboveCutoff(t *testing.T) {
	t.Parallel()

	n := 10 * sampleRate
	in := add(tone(1000, 0.4, n), tone(15000, 0.4, n))

	out, err := dsp.LowPass(audio.NewBuffer(in, sampleRate), dsp.FilterSpec{CutoffHz: 12000, Order: 4})
	require.NoError(t, err)

	from, to := sampleRate, n-sampleRate

	squealDrop := toneEnergyDB(in, 15000, from, to) - toneEnergyDB(out.Samples, 15000, from, to)
	speechChange := toneEnergyDB(out.Samples, 1000, from, to) - toneEnergyDB(in, 1000, from, to)

	assert.GreaterOrEqual(t, squealDrop, 20.0)
	assert.Less(t, math.Abs(speechChange), 1.0)
}

func TestLowPass_RejectsInvalidSpec(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(tone(440, 0.5, 1000), sampleRate)

	tests := []struct {
		name string
		spec dsp.FilterSpec
	}{
		{name: "cutoff at nyquist", spec: dsp.FilterSpec{CutoffHz: sampleRate / 2, Order: 4}},
		{name: "negative cutoff", spec: dsp.FilterSpec{CutoffHz: -1, Order: 4}},
		{name: "zero order", spec: dsp.FilterSpec{CutoffHz: 12000, Order: 0}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := dsp.LowPass(buf, testCase.spec)
			require.ErrorIs(t, err, core.ErrConfiguration)
			require.ErrorIs(t, err, dsp.ErrInvalidFilter)
		})
	}
}

func TestLowPass_RejectsEmptyBuffer(t *testing.T) {
	t.Parallel()

	_, err := dsp.LowPass(audio.NewBuffer(nil, sampleRate), dsp.DefaultFilterSpec())
	require.ErrorIs(t, err, audio.ErrEmptyBuffer)
}

func TestDenoise_SilentBufferIsNoop(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(make([]float64, 10000), sampleRate)

	out, err := dsp.Denoise(buf, dsp.DenoiseConfig{Amount: 1, NoiseBandFraction: 0.2, FrameSize: 2048, HopSize: 512})
	require.NoError(t, err)
	require.Equal(t, buf.Len(), out.Len())

	for _, s := range out.Samples {
		assert.InDelta(t, 0.0, s, 1e-12)
	}
}

func TestDenoise_ZeroAmountIsNoop(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(add(tone(440, 0.3, 8000), noise(1, 0.05, 8000)), sampleRate)
	cfg := dsp.DefaultDenoiseConfig()
	cfg.Amount = 0

	out, err := dsp.Denoise(buf, cfg)
	require.NoError(t, err)
	assert.Equal(t, buf.Samples, out.Samples)
}

func TestDenoise_ReducesBroadbandNoise(t *testing.T) {
	t.Parallel()

	n := 2 * sampleRate
	noisy := noise(7, 0.1, n)
	buf := audio.NewBuffer(add(tone(300, 0.3, n), noisy), sampleRate)

	cfg := dsp.DefaultDenoiseConfig()
	cfg.Amount = 1

	out, err := dsp.Denoise(buf, cfg)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), out.Len())
	assert.Equal(t, sampleRate, out.SampleRate)

	assert.Less(t, energy(out.Samples), energy(buf.Samples))

	// the tone itself must survive
	inTone := toneEnergyDB(buf.Samples, 300, 4096, n-4096)
	outTone := toneEnergyDB(out.Samples, 300, 4096, n-4096)
	assert.Less(t, math.Abs(inTone-outTone), 3.0)
}

func TestDenoise_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(tone(440, 0.3, 4096), sampleRate)

	for _, cfg := range []dsp.DenoiseConfig{
		{Amount: 1.5, NoiseBandFraction: 0.2, FrameSize: 2048, HopSize: 512},
		{Amount: 0.5, NoiseBandFraction: 0, FrameSize: 2048, HopSize: 512},
		{Amount: 0.5, NoiseBandFraction: 0.2, FrameSize: 2047, HopSize: 512},
		{Amount: 0.5, NoiseBandFraction: 0.2, FrameSize: 2048, HopSize: 2048},
	} {
		_, err := dsp.Denoise(buf, cfg)
		require.ErrorIs(t, err, core.ErrConfiguration)
	}
}

func TestCompress_ConvergesToCompressionLaw(t *testing.T) {
	t.Parallel()

	const amplitude = 0.5

	samples := make([]float64, 20000)
	for i := range samples {
		samples[i] = amplitude
	}

	cfg := dsp.DefaultCompressorConfig()

	out, err := dsp.Compress(audio.NewBuffer(samples, sampleRate), cfg)
	require.NoError(t, err)

	inDB := 20 * math.Log10(amplitude)
	wantDB := cfg.ThresholdDB + (inDB-cfg.ThresholdDB)/cfg.Ratio
	want := math.Pow(10, wantDB/20)

	assert.InDelta(t, want, out.Samples[len(samples)-1], 1e-4)
	assert.InDelta(t, amplitude, out.Samples[0], 1e-12, "gain starts at 0 dB")
}

func TestCompress_BelowThresholdIsUnchanged(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(tone(440, 0.05, 10000), sampleRate)

	out, err := dsp.Compress(buf, dsp.DefaultCompressorConfig())
	require.NoError(t, err)

	for i := range buf.Samples {
		assert.InDelta(t, buf.Samples[i], out.Samples[i], 1e-12)
	}
}

func TestCompress_TimeConstantsUseSampleRate(t *testing.T) {
	t.Parallel()

	fast := dsp.TimeConstantToCoefficient(5, 8000)
	slow := dsp.TimeConstantToCoefficient(5, 48000)

	assert.Greater(t, fast, slow, "the same time constant needs a smaller weight at a higher rate")
	assert.Greater(t, slow, 0.0)
	assert.Less(t, fast, 1.0)

	cfg := dsp.DefaultCompressorConfig()
	cfg.AttackMs = 5
	cfg.ReleaseMs = 100
	cfg.Attack = 0
	cfg.Release = 0

	_, err := dsp.Compress(audio.NewBuffer(tone(440, 0.9, 4000), sampleRate), cfg)
	require.NoError(t, err)
}

func TestCompress_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(tone(440, 0.5, 100), sampleRate)

	for _, cfg := range []dsp.CompressorConfig{
		{ThresholdDB: -20, Ratio: 0.5, Attack: 0.1, Release: 0.1},
		{ThresholdDB: -20, Ratio: 4, Attack: 0, Release: 0.1},
		{ThresholdDB: -20, Ratio: 4, Attack: 0.1, Release: 1.5},
		{ThresholdDB: 3, Ratio: 4, Attack: 0.1, Release: 0.1},
	} {
		_, err := dsp.Compress(buf, cfg)
		require.ErrorIs(t, err, dsp.ErrInvalidCompressor)
	}
}

func TestNormalize_PeakNeverExceedsHeadroom(t *testing.T) {
	t.Parallel()

	cfg := dsp.DefaultNormalizerConfig()

	for _, samples := range [][]float64{
		{0.2, -0.4, 0.1},
		tone(440, 3.0, 2000),
		noise(3, 0.01, 2000),
	} {
		out, err := dsp.Normalize(audio.NewBuffer(samples, sampleRate), cfg)
		require.NoError(t, err)
		assert.InDelta(t, cfg.Headroom, out.Peak(), 1e-12)

		limited, err := dsp.NormalizeAndLimit(audio.NewBuffer(samples, sampleRate), cfg)
		require.NoError(t, err)
		assert.LessOrEqual(t, limited.Peak(), cfg.Headroom+1e-12)
	}
}

func TestNormalize_SilentBufferIsNoop(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(make([]float64, 512), sampleRate)

	out, err := dsp.NormalizeAndLimit(buf, dsp.DefaultNormalizerConfig())
	require.NoError(t, err)
	assert.Equal(t, buf.Samples, out.Samples)
}

func TestSoftLimit_CompressesExcessOnly(t *testing.T) {
	t.Parallel()

	out := dsp.SoftLimit(audio.NewBuffer([]float64{0.5, 0.8, -0.8, -0.2}, sampleRate), 0.6, 0.8)

	assert.InDelta(t, 0.5, out.Samples[0], 1e-12)
	assert.InDelta(t, 0.76, out.Samples[1], 1e-12)
	assert.InDelta(t, -0.76, out.Samples[2], 1e-12)
	assert.InDelta(t, -0.2, out.Samples[3], 1e-12)
}

func TestMix_PeakBoundedBySumOfPeaks(t *testing.T) {
	t.Parallel()

	for seed := range uint64(5) {
		a := audio.NewBuffer(noise(seed, 0.9, 3000), sampleRate)
		b := audio.NewBuffer(noise(seed+100, 0.6, 3000), sampleRate)

		out, err := dsp.Mix(a, b, dsp.DefaultMixSpec())
		require.NoError(t, err)
		assert.LessOrEqual(t, out.Peak(), (a.Peak()+b.Peak())/1.01+1e-12)
	}
}

func TestMix_AveragingWithItselfKeepsShape(t *testing.T) {
	t.Parallel()

	a := audio.NewBuffer(tone(440, 0.8, 4000), sampleRate)

	out, err := dsp.Mix(a, a, dsp.MixSpec{VocalGain: 0.5, InstrumentalGain: 0.5})
	require.NoError(t, err)
	require.Equal(t, a.Len(), out.Len())

	// the 1.01 divisor always applies, even below full scale
	for i := range a.Samples {
		assert.InDelta(t, a.Samples[i]/1.01, out.Samples[i], 1e-12)
	}
}

func TestMix_TwoFiveSecondSources(t *testing.T) {
	t.Parallel()

	n := 5 * sampleRate
	vocal := audio.NewBuffer(tone(220, 0.8, n), sampleRate)
	instrumental := audio.NewBuffer(tone(330, 0.8, n), sampleRate)

	out, err := dsp.Mix(vocal, instrumental, dsp.DefaultMixSpec())
	require.NoError(t, err)

	assert.Equal(t, n, out.Len())
	assert.LessOrEqual(t, out.Peak(), 1.0+1e-12)
	assert.Greater(t, crossCorrelation(out.Samples, vocal.Samples, 0, 0, n), 0.0)
	assert.Greater(t, crossCorrelation(out.Samples, instrumental.Samples, 0, 0, n), 0.0)
}

func TestMix_TruncatesToShorterSource(t *testing.T) {
	t.Parallel()

	vocal := audio.NewBuffer(tone(220, 0.3, 1000), sampleRate)
	instrumental := audio.NewBuffer(tone(330, 0.3, 1500), sampleRate)

	out, err := dsp.Mix(vocal, instrumental, dsp.DefaultMixSpec())
	require.NoError(t, err)
	assert.Equal(t, 1000, out.Len())
}

func TestMix_ResamplesInstrumentalToVocalRate(t *testing.T) {
	t.Parallel()

	vocal := audio.NewBuffer(tone(220, 0.3, sampleRate), sampleRate)
	instrumental := audio.NewBuffer(make([]float64, 22050), 22050)

	out, err := dsp.Mix(vocal, instrumental, dsp.DefaultMixSpec())
	require.NoError(t, err)
	assert.Equal(t, sampleRate, out.SampleRate)
	assert.Equal(t, sampleRate, out.Len())
}

func TestChain_DefaultOrder(t *testing.T) {
	t.Parallel()

	n := sampleRate
	buf := audio.NewBuffer(add(add(tone(500, 0.6, n), tone(15000, 0.3, n)), noise(9, 0.02, n)), sampleRate)
	cfg := dsp.DefaultChainConfig()

	out, err := dsp.NewChain(cfg).Process(buf)
	require.NoError(t, err)

	assert.Equal(t, buf.Len(), out.Len())
	assert.Equal(t, sampleRate, out.SampleRate)
	assert.LessOrEqual(t, out.Peak(), cfg.Normalizer.Headroom+1e-12)
}

func TestChain_DisabledStepsPassThrough(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(tone(500, 0.6, 2048), sampleRate)
	cfg := dsp.DefaultChainConfig()
	cfg.LowPassEnabled = false
	cfg.DenoiseEnabled = false
	cfg.DynamicsEnabled = false

	out, err := dsp.NewChain(cfg).Process(buf)
	require.NoError(t, err)
	assert.Equal(t, buf.Samples, out.Samples)
}

func TestChain_LimiterRunsWithoutCompressor(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(tone(500, 0.9, 2048), sampleRate)
	cfg := dsp.DefaultChainConfig()
	cfg.Steps = []string{dsp.StepDynamics}
	cfg.CompressEnabled = false
	cfg.NormalizeEnabled = false

	out, err := dsp.NewChain(cfg).Process(buf)
	require.NoError(t, err)

	want := cfg.Normalizer.LimiterThreshold + (0.9-cfg.Normalizer.LimiterThreshold)*cfg.Normalizer.LimiterRatio
	assert.InDelta(t, want, out.Peak(), 1e-3)
}

func TestChain_RejectsBadConfiguration(t *testing.T) {
	t.Parallel()

	buf := audio.NewBuffer(tone(500, 0.5, 1024), 16000)

	unknown := dsp.DefaultChainConfig()
	unknown.Steps = []string{"reverb"}

	repeated := dsp.DefaultChainConfig()
	repeated.Steps = []string{dsp.StepLowPass, dsp.StepLowPass}

	// 12 kHz is above Nyquist at 16 kHz
	aboveNyquist := dsp.DefaultChainConfig()

	for _, cfg := range []dsp.ChainConfig{unknown, repeated, aboveNyquist} {
		_, err := dsp.NewChain(cfg).Process(buf)
		require.ErrorIs(t, err, core.ErrConfiguration)
	}
}

func TestMix_RejectsSourcesWithoutOverlap(t *testing.T) {
	t.Parallel()

	vocal := audio.NewBuffer(tone(440, 0.5, 10), 8000)
	instrumental := audio.NewBuffer([]float64{0.5}, 192000)

	_, err := dsp.Mix(vocal, instrumental, dsp.DefaultMixSpec())
	require.ErrorIs(t, err, audio.ErrEmptyBuffer)
}
