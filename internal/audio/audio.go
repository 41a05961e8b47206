// Package audio decodes uploaded samples into the mono 16 kHz waveform the
// embedding models consume, and writes waveforms back out as WAV for model
// backends that read files.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// SampleRate is the rate every decoded waveform is normalized to.
const SampleRate = 16000

// Waveform is mono PCM audio with samples in [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the waveform.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// PCM16 returns the waveform as signed 16-bit little-endian bytes.
func (w Waveform) PCM16() []byte {
	out := make([]byte, len(w.Samples)*2)
	for i, s := range w.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// Container formats understood by Decode.
const (
	FormatWAV = "wav"
	FormatPCM = "pcm"
)

// Decode converts raw bytes in the declared container format into a mono
// 16 kHz waveform. An empty format is inferred from the content. Unreadable
// input fails with voiceprint.ErrUnsupportedFormat.
func Decode(raw []byte, format string) (Waveform, error) {
	switch f := normalizeFormat(format); f {
	case "":
		if sniffWAV(raw) {
			return decodeWAV(raw)
		}
		return Waveform{}, fmt.Errorf("%w: cannot infer container", voiceprint.ErrUnsupportedFormat)
	case FormatWAV:
		return decodeWAV(raw)
	case FormatPCM:
		return decodePCM16(raw)
	default:
		return Waveform{}, fmt.Errorf("%w: %q", voiceprint.ErrUnsupportedFormat, f)
	}
}

// FormatFromFilename derives a declared format from an upload filename.
func FormatFromFilename(name string) string {
	return normalizeFormat(strings.TrimPrefix(filepath.Ext(name), "."))
}

// FormatFromContentType derives a declared format from a MIME type. Generic
// binary types map to "" so Decode sniffs the content.
func FormatFromContentType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mt {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return FormatWAV
	case "audio/l16", "audio/pcm":
		return FormatPCM
	default:
		return ""
	}
}

func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(format, ".")))
	switch f {
	case "wav", "wave":
		return FormatWAV
	case "pcm", "raw", "s16le", "l16":
		return FormatPCM
	}
	return f
}

func sniffWAV(raw []byte) bool {
	return len(raw) >= 12 && bytes.Equal(raw[0:4], []byte("RIFF")) && bytes.Equal(raw[8:12], []byte("WAVE"))
}

// decodePCM16 reads headerless PCM16LE mono audio at SampleRate.
func decodePCM16(raw []byte) (Waveform, error) {
	if len(raw)%2 != 0 {
		return Waveform{}, fmt.Errorf("%w: pcm payload not aligned", voiceprint.ErrUnsupportedFormat)
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return Waveform{Samples: samples, SampleRate: SampleRate}, nil
}

// downmix averages interleaved frames into one channel.
func downmix(interleaved []float64, channels int) []float64 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	}
	return int16(s * 32767)
}
