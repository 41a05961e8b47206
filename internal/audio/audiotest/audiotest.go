// Package audiotest builds synthetic voice samples for tests.
package audiotest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/voicelock/internal/audio"
)

// Tone returns a 16 kHz waveform summing equal-amplitude sines at freqs.
func Tone(seconds float64, freqs ...float64) audio.Waveform {
	n := int(seconds * audio.SampleRate)
	samples := make([]float32, n)
	amp := 0.8 / float64(max(len(freqs), 1))
	for i := range samples {
		t := float64(i) / audio.SampleRate
		var v float64
		for _, f := range freqs {
			v += amp * math.Sin(2*math.Pi*f*t)
		}
		samples[i] = float32(v)
	}
	return audio.Waveform{Samples: samples, SampleRate: audio.SampleRate}
}

// Voice approximates a voiced speaker: a fundamental f0 with decaying
// harmonics up to 4 kHz.
func Voice(seconds, f0 float64) audio.Waveform {
	var freqs []float64
	for f := f0; f < 4000; f += f0 {
		freqs = append(freqs, f)
	}
	n := int(seconds * audio.SampleRate)
	samples := make([]float32, n)
	for i := range samples {
		t := float64(i) / audio.SampleRate
		var v float64
		for k, f := range freqs {
			v += math.Sin(2*math.Pi*f*t) / float64(k+1)
		}
		samples[i] = float32(0.3 * v)
	}
	return audio.Waveform{Samples: samples, SampleRate: audio.SampleRate}
}

// WAV encodes wf as WAV bytes.
func WAV(t testing.TB, wf audio.Waveform) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	if err := audio.EncodeWAV(f, wf); err != nil {
		f.Close()
		t.Fatalf("encode wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}
