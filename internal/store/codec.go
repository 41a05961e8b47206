package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// EncodeEmbedding packs e as little-endian IEEE 754 float32 values. The
// length is implied by the blob size.
func EncodeEmbedding(e voiceprint.Embedding) []byte {
	b := make([]byte, len(e)*4)
	for i, v := range e {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeEmbedding reverses EncodeEmbedding.
func DecodeEmbedding(b []byte) (voiceprint.Embedding, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob length %d is not a multiple of 4", voiceprint.ErrStoreCorrupt, len(b))
	}
	e := make(voiceprint.Embedding, len(b)/4)
	for i := range e {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return e, nil
}
