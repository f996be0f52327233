package core

import "context"

// FaceSample is a face embedding vector captured and encoded by the client
// device. How embeddings are computed is the client's concern.
type FaceSample []float64

type MatchResult struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"` // in [0,1]

	// FirstEnrollment is set when the student had no enrolled template and
	// the sample was accepted to bootstrap enrollment.
	FirstEnrollment bool `json:"first_enrollment,omitempty"`
}

// FaceMatcher compares a captured sample against the student's enrolled
// template. Treated as a bounded call: implementations must honor ctx
// cancellation.
type FaceMatcher interface {
	Match(ctx context.Context, studentID string, sample FaceSample) (MatchResult, error)
}
