package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM    = 1
	filePermissions = 0o600
)

// Errors returned while decoding WAV files.
var (
	ErrInvalidWAV        = errors.New("not a valid WAV file")
	ErrUnsupportedFormat = errors.New("unsupported WAV encoding")
)

// LoadWAV reads a PCM WAV file and downmixes it to mono.
func LoadWAV(path string) (Buffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to open WAV file '%s': %w", path, err)
	}
	defer file.Close()

	buf, err := DecodeWAV(file)
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to decode '%s': %w", path, err)
	}

	return buf, nil
}

// DecodeWAV decodes a PCM WAV stream into a mono Buffer.
func DecodeWAV(r io.ReadSeeker) (Buffer, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return Buffer{}, ErrInvalidWAV
	}

	if decoder.WavAudioFormat != wavFormatPCM {
		return Buffer{}, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, decoder.WavAudioFormat)
	}

	pcm, err := decoder.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to read PCM data: %w", err)
	}

	channels := pcm.Format.NumChannels
	if channels <= 0 {
		return Buffer{}, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}

	bitDepth := int(decoder.BitDepth)
	interleaved := make([]float64, len(pcm.Data))

	for i, v := range pcm.Data {
		interleaved[i] = intToFloat(v, bitDepth)
	}

	return NewBuffer(Downmix(interleaved, channels), pcm.Format.SampleRate), nil
}

// SaveWAV writes the buffer as 16-bit mono PCM.
func SaveWAV(path string, buf Buffer) error {
	validateErr := buf.Validate()
	if validateErr != nil {
		return validateErr
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create WAV file '%s': %w", path, err)
	}

	encodeErr := EncodeWAV(file, buf)
	closeErr := file.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode '%s': %w", path, encodeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close '%s': %w", path, closeErr)
	}

	return nil
}

// EncodeWAV writes the buffer to w as 16-bit mono PCM. Samples outside [-1, 1] are clipped.
func EncodeWAV(w io.WriteSeeker, buf Buffer) error {
	encoder := wav.NewEncoder(w, buf.SampleRate, DefaultBitDepth, 1, wavFormatPCM)

	data := make([]int, len(buf.Samples))
	for i, s := range buf.Samples {
		data[i] = floatToInt16(s)
	}

	pcm := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: buf.SampleRate},
		Data:           data,
		SourceBitDepth: DefaultBitDepth,
	}

	err := encoder.Write(pcm)
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}

	err = encoder.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}

	return nil
}

// Downmix averages interleaved channels into a mono sequence.
func Downmix(interleaved []float64, channels int) []float64 {
	if channels == 1 {
		return interleaved
	}

	frames := len(interleaved) / channels
	mono := make([]float64, frames)

	for frame := range frames {
		var sum float64
		for ch := range channels {
			sum += interleaved[frame*channels+ch]
		}

		mono[frame] = sum / float64(channels)
	}

	return mono
}

func intToFloat(v, bitDepth int) float64 {
	if bitDepth == 8 {
		// 8-bit WAV is unsigned
		return float64(v-128) / 128.0
	}

	return float64(v) / float64(int64(1)<<(bitDepth-1))
}

func floatToInt16(s float64) int {
	scaled := math.Round(s * math.MaxInt16)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}

	if scaled < math.MinInt16 {
		return math.MinInt16
	}

	return int(scaled)
}
