// Package domain defines the core interfaces and types for Warden.
package domain

import (
	"time"
)

// Severity is the ordered severity of a detected signal.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the ordering of a severity, lowest first.
// Unknown severities rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether the severity is one of the known tiers.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Severities lists all known severities in ascending order.
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// SignalKind identifies the detector that produced a signal.
// Built-in collectors use the constants below; CEL detectors carry
// operator-defined kinds.
type SignalKind string

const (
	SignalReviewBombing    SignalKind = "review-bombing"
	SignalUniformSentiment SignalKind = "uniform-sentiment"
	SignalFakeInstalls     SignalKind = "fake-installs"
	SignalDuplicateDevices SignalKind = "duplicate-devices"
	SignalRecipientFanout  SignalKind = "recipient-fanout"
	SignalMessageBurst     SignalKind = "message-burst"
	SignalDuplicateContent SignalKind = "duplicate-content"
)

// Signal is a single detected indicator of risk or abuse.
// Signals are created fresh on every evaluation run and never mutated;
// the next run's signal set supersedes them for the same entity.
type Signal struct {
	Kind     SignalKind `json:"kind"`
	Severity Severity   `json:"severity"`

	// Confidence is how certain the detector is, in [0,1].
	Confidence float64 `json:"confidence"`

	// Evidence holds the record IDs supporting the signal, for audit replay.
	Evidence []string `json:"evidence,omitempty"`

	DetectedAt time.Time `json:"detectedAt"`
}
