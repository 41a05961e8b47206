package voiceprint

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// DefaultHashSeed keeps fingerprints stable across restarts.
const DefaultHashSeed uint64 = 0x766f6963656c6b

// Hasher maps embeddings to short hex fingerprints with random hyperplane
// LSH. Each of the bits hyperplanes contributes one bit: 1 when the dot
// product with the embedding is positive. Nearby embeddings share most bits,
// so the fingerprint identifies a voiceprint in logs and audit records
// without exposing the vector itself.
type Hasher struct {
	dim    int
	bits   int
	planes [][]float32
}

// NewHasher builds a Hasher for dim-dimensional embeddings producing bits-bit
// fingerprints. bits must be a positive multiple of 4.
func NewHasher(dim, bits int, seed uint64) (*Hasher, error) {
	if bits <= 0 || bits%4 != 0 {
		return nil, fmt.Errorf("voiceprint: hash bits must be a positive multiple of 4, got %d", bits)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("voiceprint: hash dimension must be positive, got %d", dim)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0xdeadbeef))
	planes := make([][]float32, bits)
	for i := range planes {
		plane := make([]float32, dim)
		var norm float64
		for j := range plane {
			v := rng.NormFloat64()
			plane[j] = float32(v)
			norm += v * v
		}
		if norm = math.Sqrt(norm); norm > 0 {
			for j := range plane {
				plane[j] = float32(float64(plane[j]) / norm)
			}
		}
		planes[i] = plane
	}
	return &Hasher{dim: dim, bits: bits, planes: planes}, nil
}

// Fingerprint returns the uppercase hex hash of e, bits/4 characters long.
func (h *Hasher) Fingerprint(e Embedding) (string, error) {
	if len(e) != h.dim {
		return "", fmt.Errorf("%w: fingerprint expects %d dimensions, got %d", ErrModelMismatch, h.dim, len(e))
	}
	buf := make([]byte, (h.bits+7)/8)
	for i, plane := range h.planes {
		var dot float32
		for j := range plane {
			dot += plane[j] * e[j]
		}
		if dot > 0 {
			buf[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return strings.ToUpper(hex.EncodeToString(buf)[:h.bits/4]), nil
}
