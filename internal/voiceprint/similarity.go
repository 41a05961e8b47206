package voiceprint

import "math"

const (
	// DefaultThreshold is the shipped decision threshold.
	DefaultThreshold = 0.45

	// RecommendedThreshold is the commonly cited same-speaker cutoff for
	// ECAPA-TDNN embeddings. Thresholds below it accept more impostors.
	RecommendedThreshold = 0.65
)

// Cosine returns dot(a,b) / (|a|*|b|) computed in float64. It returns 0 when
// either vector has zero norm or the lengths differ.
func Cosine(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na2, nb2 float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		na2 += va * va
		nb2 += vb * vb
	}
	if na2 == 0 || nb2 == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na2) * math.Sqrt(nb2))
	// Rounding can push parallel vectors slightly past 1.
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Matcher applies the decision threshold to a similarity score.
type Matcher struct {
	Threshold float64
}

// NewMatcher returns a Matcher for the given threshold.
func NewMatcher(threshold float64) Matcher {
	return Matcher{Threshold: threshold}
}

// IsMatch reports whether score is strictly above the threshold.
func (m Matcher) IsMatch(score float64) bool {
	return score > m.Threshold
}

// Score compares two embeddings and applies the threshold.
func (m Matcher) Score(a, b Embedding) (float64, bool) {
	s := Cosine(a, b)
	return s, m.IsMatch(s)
}
