package protocol

import "time"

// RegisterRequest enrolls Audio under Identity. Audio is base64 in JSON.
type RegisterRequest struct {
	Identity string `json:"identity"`
	Format   string `json:"format,omitempty"`
	Audio    []byte `json:"audio"`
}

// RegisterReply mirrors the HTTP register response.
type RegisterReply struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Replaced    bool   `json:"replaced"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

// VerifyRequest scores Audio against the voiceprint enrolled under Identity.
type VerifyRequest struct {
	Identity string `json:"identity"`
	Format   string `json:"format,omitempty"`
	Audio    []byte `json:"audio"`
}

// VerifyReply mirrors the HTTP verify response. Error and Code are set
// instead of the score fields when verification could not run.
type VerifyReply struct {
	Match      bool    `json:"match"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Error      string  `json:"error,omitempty"`
	Code       string  `json:"code,omitempty"`
}

// VoiceEvent is broadcast after a successful enrollment, verification or
// deletion.
type VoiceEvent struct {
	RequestID   string    `json:"request_id"`
	Identity    string    `json:"identity"`
	Kind        string    `json:"kind"`
	Matched     bool      `json:"matched,omitempty"`
	Score       float64   `json:"score,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectRegister    = "voicelock.register"
	SubjectVerify      = "voicelock.verify"
	SubjectEventPrefix = "voicelock.event"

	EventEnrolled = "enrolled"
	EventVerified = "verified"
	EventDeleted  = "deleted"
)

// EventSubject returns the subject a VoiceEvent of kind is published on.
func EventSubject(kind string) string {
	return SubjectEventPrefix + "." + kind
}
