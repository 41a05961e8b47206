package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

const (
	spectralWindow   = 400 // 25 ms
	spectralHop      = 160 // 10 ms
	spectralFFT      = 512
	spectralLowFreq  = 60
	spectralHighFreq = 7600
	// Bands quieter than this fraction of the loudest band are clamped so
	// leakage and noise far below the signal do not shape the profile.
	spectralDynamicRange = 1e-4
)

// Spectral is a model-free backend: the embedding is the long-term average
// log mel spectrum of the sample, mean-centred and unit-normalized. It is
// deterministic and cheap, which makes it suitable for development and
// tests; it does not separate real speakers the way a trained network does.
type Spectral struct {
	bands  int
	window []float64
	bank   [][]float64
}

// NewSpectral returns a Spectral model with the given number of mel bands.
func NewSpectral(bands int) *Spectral {
	if bands <= 0 {
		bands = 64
	}
	return &Spectral{
		bands:  bands,
		window: hammingWindow(spectralWindow),
		bank:   melFilterBank(bands, spectralFFT, audio.SampleRate, spectralLowFreq, spectralHighFreq),
	}
}

func (s *Spectral) Dimension() int { return s.bands }

func (s *Spectral) ID() string { return fmt.Sprintf("spectral-ltas-v1/%d", s.bands) }

func (s *Spectral) Close() error { return nil }

func (s *Spectral) Embed(ctx context.Context, wf audio.Waveform) (voiceprint.Embedding, error) {
	if wf.SampleRate != audio.SampleRate {
		return nil, fmt.Errorf("%w: expected %d Hz, got %d", voiceprint.ErrInvalidAudio, audio.SampleRate, wf.SampleRate)
	}
	n := len(wf.Samples)
	if n < spectralWindow {
		return nil, fmt.Errorf("%w: %d samples is shorter than one analysis window", voiceprint.ErrInvalidAudio, n)
	}

	frames := (n-spectralWindow)/spectralHop + 1
	power := make([]float64, s.bands)
	re := make([]float64, spectralFFT)
	im := make([]float64, spectralFFT)
	half := spectralFFT/2 + 1

	for f := 0; f < frames; f++ {
		if f%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		start := f * spectralHop
		for i := range re {
			re[i], im[i] = 0, 0
		}
		for i := 0; i < spectralWindow; i++ {
			re[i] = float64(wf.Samples[start+i]) * s.window[i]
		}
		fft(re, im)
		for b, filter := range s.bank {
			var e float64
			for k := 0; k < half; k++ {
				if w := filter[k]; w != 0 {
					e += w * (re[k]*re[k] + im[k]*im[k])
				}
			}
			power[b] += e
		}
	}

	var peak float64
	for _, p := range power {
		peak = math.Max(peak, p)
	}
	if peak == 0 {
		return nil, fmt.Errorf("%w: sample contains no signal", voiceprint.ErrInvalidAudio)
	}
	floor := peak * spectralDynamicRange

	profile := make([]float64, s.bands)
	var mean float64
	for b, p := range power {
		profile[b] = math.Log(math.Max(p, floor))
		mean += profile[b]
	}
	mean /= float64(s.bands)

	var norm float64
	for b := range profile {
		profile[b] -= mean
		norm += profile[b] * profile[b]
	}
	norm = math.Sqrt(norm)

	out := make(voiceprint.Embedding, s.bands)
	if norm == 0 {
		return out, nil
	}
	for b, v := range profile {
		out[b] = float32(v / norm)
	}
	return out, nil
}

func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }

func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterBank returns numMels triangular filters over fftSize/2+1 bins.
func melFilterBank(numMels, fftSize, sampleRate int, lowHz, highHz float64) [][]float64 {
	half := fftSize/2 + 1
	lowMel, highMel := hzToMel(lowHz), hzToMel(highHz)
	step := (highMel - lowMel) / float64(numMels+1)

	bins := make([]int, numMels+2)
	for i := range bins {
		bin := int(math.Round(melToHz(lowMel+float64(i)*step) * float64(fftSize) / float64(sampleRate)))
		bins[i] = min(bin, half-1)
		if i > 0 && bins[i] <= bins[i-1] {
			bins[i] = bins[i-1] + 1
		}
	}

	bank := make([][]float64, numMels)
	for m := range bank {
		filter := make([]float64, half)
		left, center, right := bins[m], bins[m+1], bins[m+2]
		for k := left; k < center && k < half; k++ {
			filter[k] = float64(k-left) / float64(center-left)
		}
		for k := center; k <= right && k < half; k++ {
			filter[k] = float64(right-k) / float64(right-center)
		}
		bank[m] = filter
	}
	return bank
}

// fft is an in-place radix-2 Cooley-Tukey transform; len(re) must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 0, 0; i < n-1; i++ {
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
		k := n >> 1
		for k <= j {
			j -= k
			k >>= 1
		}
		j += k
	}
	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		angle := -2 * math.Pi / float64(size)
		wr, wi := math.Cos(angle), math.Sin(angle)
		for start := 0; start < n; start += size {
			tr, ti := 1.0, 0.0
			for k := 0; k < half; k++ {
				u, v := start+k, start+k+half
				xr := tr*re[v] - ti*im[v]
				xi := tr*im[v] + ti*re[v]
				re[v], im[v] = re[u]-xr, im[u]-xi
				re[u] += xr
				im[u] += xi
				tr, ti = tr*wr-ti*wi, tr*wi+ti*wr
			}
		}
	}
}
