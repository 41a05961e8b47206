package enroll

import (
	"context"
	"errors"

	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// Error codes shared by the HTTP and bus transports.
const (
	CodeUnsupportedFormat = "unsupported_format"
	CodeInvalidAudio      = "invalid_audio"
	CodeInvalidIdentity   = "invalid_identity"
	CodeUnknownUser       = "unknown_user"
	CodeModelMismatch     = "model_mismatch"
	CodeStoreCorrupt      = "store_corrupt"
	CodeExtractionFailed  = "extraction_failed"
	CodeCanceled          = "canceled"
	CodeInternal          = "internal"
)

// Code classifies err for transport responses.
func Code(err error) string {
	switch {
	case errors.Is(err, voiceprint.ErrUnsupportedFormat):
		return CodeUnsupportedFormat
	case errors.Is(err, voiceprint.ErrInvalidAudio):
		return CodeInvalidAudio
	case errors.Is(err, voiceprint.ErrInvalidIdentity):
		return CodeInvalidIdentity
	case errors.Is(err, voiceprint.ErrUnknownUser):
		return CodeUnknownUser
	case errors.Is(err, voiceprint.ErrModelMismatch):
		return CodeModelMismatch
	case errors.Is(err, voiceprint.ErrStoreCorrupt):
		return CodeStoreCorrupt
	case errors.Is(err, voiceprint.ErrExtraction):
		return CodeExtractionFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
