package audio

import (
	"bytes"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

const wavFormatPCM = 1

func decodeWAV(raw []byte) (Waveform, error) {
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return Waveform{}, fmt.Errorf("%w: invalid wav header", voiceprint.ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return Waveform{}, fmt.Errorf("%w: wav encoding %d is not integer PCM", voiceprint.ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("%w: read wav data: %v", voiceprint.ErrUnsupportedFormat, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return Waveform{}, fmt.Errorf("%w: wav format missing", voiceprint.ErrUnsupportedFormat)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	scale, offset, err := sampleScale(bitDepth)
	if err != nil {
		return Waveform{}, err
	}
	interleaved := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		interleaved[i] = (float64(v) - offset) / scale
	}

	mono := downmix(interleaved, buf.Format.NumChannels)
	if buf.Format.SampleRate != SampleRate {
		mono, err = resample(mono, buf.Format.SampleRate, SampleRate)
		if err != nil {
			return Waveform{}, err
		}
	}

	samples := make([]float32, len(mono))
	for i, v := range mono {
		samples[i] = float32(clamp(v))
	}
	return Waveform{Samples: samples, SampleRate: SampleRate}, nil
}

// sampleScale returns the divisor and offset that map integer samples of the
// given bit depth into [-1, 1]. 8-bit WAV is unsigned.
func sampleScale(bitDepth int) (scale, offset float64, err error) {
	switch bitDepth {
	case 8:
		return 128, 128, nil
	case 16:
		return 1 << 15, 0, nil
	case 24:
		return 1 << 23, 0, nil
	case 32:
		return 1 << 31, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: unsupported bit depth %d", voiceprint.ErrUnsupportedFormat, bitDepth)
	}
}

func resample(in []float64, from, to int) ([]float64, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create resampler %d->%d: %v", voiceprint.ErrUnsupportedFormat, from, to, err)
	}
	out, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("%w: resample: %v", voiceprint.ErrUnsupportedFormat, err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("%w: flush resampler: %v", voiceprint.ErrUnsupportedFormat, err)
	}
	out = append(out, tail...)

	// The output keeps the source duration exactly.
	want := int(math.Round(float64(len(in)) * float64(to) / float64(from)))
	if len(out) > want {
		out = out[:want]
	}
	for len(out) < want {
		out = append(out, 0)
	}
	return out, nil
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// EncodeWAV writes wf as a 16-bit mono WAV file.
func EncodeWAV(w io.WriteSeeker, wf Waveform) error {
	rate := wf.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	data := make([]int, len(wf.Samples))
	for i, s := range wf.Samples {
		data[i] = int(floatToInt16(s))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, rate, 16, 1, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
