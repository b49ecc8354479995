package domain

import (
	"time"
)

// EntityClass partitions scored entities. Each class carries its own
// configuration profile (signal thresholds, evaluation interval, operations).
type EntityClass string

const (
	ClassUser    EntityClass = "user"
	ClassStore   EntityClass = "store"
	ClassCountry EntityClass = "country"
)

// Valid reports whether the class is one of the known entity classes.
func (c EntityClass) Valid() bool {
	switch c {
	case ClassUser, ClassStore, ClassCountry:
		return true
	default:
		return false
	}
}

// EntityRef identifies one scored entity.
type EntityRef struct {
	Class EntityClass `json:"class"`
	ID    string      `json:"id"`
}

// State is the ordered classification of an entity.
type State string

const (
	StateSafe     State = "SAFE"
	StateWarning  State = "WARNING"
	StateCritical State = "CRITICAL"
)

// Rank returns the ordering of a state, safest first.
func (s State) Rank() int {
	switch s {
	case StateSafe:
		return 1
	case StateWarning:
		return 2
	case StateCritical:
		return 3
	default:
		return 0
	}
}

// ThreatState is the persisted, periodically-recomputed classification
// for one entity. The score is always re-derivable from the signal set
// via the scoring function; it is never hand-edited.
type ThreatState struct {
	Class    EntityClass `json:"class"`
	EntityID string      `json:"entityId"`

	// Score is the bounded aggregate score in [0,100].
	Score float64 `json:"score"`

	State State `json:"state"`

	// Signals is the ordered signal set that produced this score.
	Signals []Signal `json:"signals,omitempty"`

	LastEvaluatedAt  time.Time `json:"lastEvaluatedAt"`
	NextEvaluationAt time.Time `json:"nextEvaluationAt"`
}

// DominantSignal returns the signal with the highest severity, breaking
// ties by confidence. Returns nil when the state carries no signals.
func (t *ThreatState) DominantSignal() *Signal {
	var dominant *Signal
	for i := range t.Signals {
		s := &t.Signals[i]
		if dominant == nil ||
			s.Severity.Rank() > dominant.Severity.Rank() ||
			(s.Severity.Rank() == dominant.Severity.Rank() && s.Confidence > dominant.Confidence) {
			dominant = s
		}
	}
	return dominant
}

// GateDecision is the verdict returned from every gate check.
// It is ephemeral and not persisted as an entity.
type GateDecision struct {
	Allowed bool `json:"allowed"`

	// Reason is human-readable and always non-empty on denial.
	Reason string `json:"reason"`

	// State is the threat state the decision was based on.
	State State `json:"state,omitempty"`

	// ThrottleFactor, when set, is the factor applied to the operation's
	// capacity ceiling (e.g. 0.5 = half the normal limit).
	ThrottleFactor float64 `json:"throttleFactor,omitempty"`

	// Remaining is the capacity left in the current bucket after this
	// check, when capacity was consulted.
	Remaining int64 `json:"remaining,omitempty"`
}

// Audit record kinds.
const (
	AuditDenial     = "denial"
	AuditTransition = "transition"
	AuditIncident   = "incident"
)

// AuditRecord is persisted on every gate denial and on every state
// transition, and consumed by alerting collaborators.
type AuditRecord struct {
	ID        string      `json:"id"`
	Class     EntityClass `json:"class"`
	EntityID  string      `json:"entityId"`
	Kind      string      `json:"kind"`
	Operation string      `json:"operation,omitempty"`
	FromState State       `json:"fromState,omitempty"`
	ToState   State       `json:"toState,omitempty"`
	Score     float64     `json:"score"`
	Reason    string      `json:"reason"`
	CreatedAt time.Time   `json:"createdAt"`
}
