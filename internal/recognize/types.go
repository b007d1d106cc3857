// Package recognize holds the enrolled-identity store and the matcher that
// resolves observed face embeddings against it.
package recognize

import "time"

// Identity is one enrolled person with their reference embeddings.
// Identities are owned by the EncodingStore and only mutated by enrollment.
type Identity struct {
	ID          string
	DisplayName string
	Embeddings  [][]float32
}

// Observation is a single detected face in a single frame. It is ephemeral:
// created by the detector client, consumed by the matcher, then discarded.
type Observation struct {
	Embedding  []float32
	BBox       []float64 // [x1, y1, x2, y2] in pixel coordinates, may be nil
	DetScore   float64
	CapturedAt time.Time
}

// MatchResult is the matcher's decision for one observation. An empty
// IdentityID means the observation did not resolve to any enrolled person.
type MatchResult struct {
	IdentityID  string
	DisplayName string
	Distance    float64
	ObservedAt  time.Time
}

// Known reports whether the result resolved to an enrolled identity.
func (r MatchResult) Known() bool {
	return r.IdentityID != ""
}
