package domain

import "time"

// DetectorConfig defines an operator-configured signal detector.
// The expression is a CEL program evaluated against pre-computed window
// metrics for an entity; it must return bool (signal fires at full
// confidence) or double (the confidence itself). Adding a detector is a
// data change, not a code change.
type DetectorConfig struct {
	ID          string      `json:"id"`
	Class       EntityClass `json:"class"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Version     string      `json:"version"`

	// Kind tags the signals this detector produces.
	Kind SignalKind `json:"kind"`

	// Severity assigned to produced signals.
	Severity Severity `json:"severity"`

	// Expression is the CEL program over window metrics.
	Expression string `json:"expression"`

	// MinConfidence suppresses signals below this confidence.
	MinConfidence float64 `json:"minConfidence"`

	// Whether detector is active.
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
