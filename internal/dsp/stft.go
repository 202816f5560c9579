package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// spectrogram holds a centred short-time Fourier transform: frames[t][k] is bin k of frame t.
type spectrogram struct {
	frames    [][]complex128
	frameSize int
	hopSize   int
	length    int
}

// stft is a reusable real FFT plus Hann window for one frame size.
type stft struct {
	fft          *fourier.FFT
	window       []float64
	frameSize    int
	hopSize      int
	inverseScale float64
}

func newSTFT(frameSize, hopSize int) *stft {
	fft := fourier.NewFFT(frameSize)

	// gonum does not normalise the inverse transform; measure its gain once.
	impulse := make([]float64, frameSize)
	impulse[0] = 1
	roundTrip := fft.Sequence(nil, fft.Coefficients(nil, impulse))

	return &stft{
		fft:          fft,
		window:       hannWindow(frameSize),
		frameSize:    frameSize,
		hopSize:      hopSize,
		inverseScale: 1 / roundTrip[0],
	}
}

// hannWindow returns a periodic Hann window, the form that overlap-adds to a constant.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}

	return w
}

// forward pads x with frameSize/2 zeros on both sides and transforms each windowed frame.
func (s *stft) forward(x []float64) spectrogram {
	pad := s.frameSize / 2
	padded := make([]float64, len(x)+2*pad)
	copy(padded[pad:], x)

	numFrames := 1 + (len(padded)-s.frameSize)/s.hopSize
	frames := make([][]complex128, numFrames)
	segment := make([]float64, s.frameSize)

	for t := range numFrames {
		start := t * s.hopSize
		for i := range segment {
			segment[i] = padded[start+i] * s.window[i]
		}

		frames[t] = s.fft.Coefficients(nil, segment)
	}

	return spectrogram{frames: frames, frameSize: s.frameSize, hopSize: s.hopSize, length: len(x)}
}

// inverse reconstructs the time signal by windowed overlap-add, normalising by the
// accumulated squared window, and trims the centring pad.
func (s *stft) inverse(spec spectrogram) []float64 {
	pad := s.frameSize / 2
	total := s.frameSize + (len(spec.frames)-1)*s.hopSize
	signal := make([]float64, total)
	norm := make([]float64, total)

	for t, frame := range spec.frames {
		seq := s.fft.Sequence(nil, frame)
		start := t * s.hopSize

		for i, v := range seq {
			w := s.window[i]
			signal[start+i] += v * s.inverseScale * w
			norm[start+i] += w * w
		}
	}

	out := make([]float64, spec.length)

	for i := range out {
		j := i + pad
		if j >= total {
			break
		}

		if norm[j] > 1e-10 {
			out[i] = signal[j] / norm[j]
		}
	}

	return out
}

// magnitudePhase splits a frame into magnitudes and unit phasors.
func magnitudePhase(frame []complex128) ([]float64, []complex128) {
	mags := make([]float64, len(frame))
	phases := make([]complex128, len(frame))

	for k, c := range frame {
		mag := cmplx.Abs(c)
		mags[k] = mag

		if mag > 0 {
			phases[k] = c / complex(mag, 0)
		} else {
			phases[k] = 1
		}
	}

	return mags, phases
}
