package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// resamplerPadding is the minimum number of silent input samples placed before and
// after the signal so the resampler's filter delay swallows neither end.
const resamplerPadding = 8192

// alignmentSpan is the minimum input distance between the lead padding and the
// alignment marker.
const alignmentSpan = 256

// Resample converts the buffer to targetRate. A buffer already at targetRate is
// returned unchanged. The output length is round(len * targetRate / sourceRate) and
// input sample i lands on output sample i * targetRate / sourceRate.
func Resample(buf Buffer, targetRate int) (Buffer, error) {
	validateErr := buf.Validate()
	if validateErr != nil {
		return Buffer{}, validateErr
	}

	if targetRate <= 0 || targetRate > MaxSampleRate {
		return Buffer{}, fmt.Errorf("%w: target %d Hz", ErrInvalidSampleRate, targetRate)
	}

	if buf.SampleRate == targetRate {
		return buf, nil
	}

	grid := newRateGrid(buf.SampleRate, targetRate)
	lead := grid.inputMultiple(resamplerPadding)

	offset, err := alignmentOffset(grid, lead)
	if err != nil {
		return Buffer{}, err
	}

	input := make([]float64, lead+len(buf.Samples)+resamplerPadding)
	copy(input[lead:], buf.Samples)

	output, err := resampleAll(grid, input)
	if err != nil {
		return Buffer{}, err
	}

	want := int(float64(len(buf.Samples))*float64(targetRate)/float64(buf.SampleRate) + 0.5)
	samples := make([]float64, want)

	if offset < len(output) {
		copy(samples, output[offset:])
	}

	return NewBuffer(samples, targetRate), nil
}

// rateGrid holds the smallest input and output strides that map onto each other
// exactly: inStep input samples span outStep output samples.
type rateGrid struct {
	inRate, outRate int
	inStep, outStep int
}

func newRateGrid(inRate, outRate int) rateGrid {
	divisor := gcd(inRate, outRate)

	return rateGrid{
		inRate:  inRate,
		outRate: outRate,
		inStep:  inRate / divisor,
		outStep: outRate / divisor,
	}
}

// inputMultiple rounds n up to a whole number of input strides.
func (g rateGrid) inputMultiple(n int) int {
	return (n + g.inStep - 1) / g.inStep * g.inStep
}

// alignmentOffset returns the output index that corresponds to input index lead.
// It resamples a unit impulse placed a whole number of strides after lead and
// subtracts the impulse's exact output distance from its observed peak, so the
// resampler's own delay handling cancels out.
func alignmentOffset(g rateGrid, lead int) (int, error) {
	span := g.inputMultiple(alignmentSpan)

	marker := make([]float64, lead+span+resamplerPadding)
	marker[lead+span] = 1

	output, err := resampleAll(g, marker)
	if err != nil {
		return 0, err
	}

	if len(output) == 0 {
		return 0, fmt.Errorf("%w: resampler produced no output", ErrInvalidSampleRate)
	}

	peak := 0
	for i, v := range output {
		if math.Abs(v) > math.Abs(output[peak]) {
			peak = i
		}
	}

	offset := peak - span/g.inStep*g.outStep
	if offset < 0 || output[peak] == 0 {
		return 0, fmt.Errorf("%w: cannot align %d Hz to %d Hz", ErrInvalidSampleRate, g.inRate, g.outRate)
	}

	return offset, nil
}

// resampleAll runs input through a fresh resampler and flushes it.
func resampleAll(g rateGrid, input []float64) ([]float64, error) {
	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(g.inRate),
		OutputRate: float64(g.outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	output, err := resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	tail, err := resampler.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}

	return append(output, tail...), nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}

	return a
}

// Conform loads a WAV file as mono, resamples it to targetRate, and writes it back
// out as 16-bit PCM at outputPath.
func Conform(path, outputPath string, targetRate int) (Buffer, error) {
	buf, err := LoadWAV(path)
	if err != nil {
		return Buffer{}, err
	}

	resampled, err := Resample(buf, targetRate)
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to resample '%s' to %d Hz: %w", path, targetRate, err)
	}

	err = SaveWAV(outputPath, resampled)
	if err != nil {
		return Buffer{}, err
	}

	return resampled, nil
}
