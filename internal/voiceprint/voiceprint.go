// Package voiceprint holds the identity-matching core shared by every other
// package: the embedding type, cosine scoring, the match decision, the LSH
// fingerprint, and the error taxonomy callers classify with errors.Is.
package voiceprint

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Embedding is a fixed-length speaker embedding. All embeddings compared with
// each other must come from the same model.
type Embedding []float32

// Clone returns a copy that does not share backing storage with e.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// MaxIdentityLen bounds the identity key length in bytes.
const MaxIdentityLen = 128

var (
	// ErrInvalidAudio marks a sample that is too short or cannot be decoded.
	// Callers may resubmit.
	ErrInvalidAudio = errors.New("invalid audio")

	// ErrUnsupportedFormat is returned by decoders for unreadable input. It is
	// part of the invalid-audio class.
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrInvalidAudio)

	// ErrUnknownUser is returned when no voiceprint exists for an identity.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInvalidIdentity is returned for empty or malformed identity keys.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrStoreCorrupt is returned when persisted voiceprints cannot be decoded.
	// It is not recovered automatically.
	ErrStoreCorrupt = errors.New("voiceprint store corrupt")

	// ErrModelMismatch is returned when an embedding or a persisted store was
	// produced by a different model or dimensionality than the running one.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrExtraction wraps failures of the embedding model on valid audio.
	ErrExtraction = errors.New("embedding extraction failed")
)

// ValidateIdentity normalizes and checks an identity key.
func ValidateIdentity(identity string) (string, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(id) > MaxIdentityLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, MaxIdentityLen)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidIdentity)
		}
	}
	return id, nil
}
