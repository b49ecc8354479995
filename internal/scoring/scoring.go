// Package scoring reduces signal sets to bounded scores and classifies
// them onto the ordered state set.
package scoring

import (
	"github.com/hearth-social/warden/internal/domain"
)

// MaxScore is the upper bound of the aggregate score.
const MaxScore = 100.0

// Score reduces an ordered sequence of signals into one bounded score.
// Each signal contributes its severity's base weight scaled by the
// detector's confidence; the sum is clamped to [0, MaxScore]. The
// function is deterministic and pure: the same signals and weights
// always produce the same score, and zero signals score exactly 0.
func Score(signals []domain.Signal, weights map[domain.Severity]float64) float64 {
	var total float64
	for _, s := range signals {
		w := weights[s.Severity]
		if w < 0 {
			continue
		}
		c := s.Confidence
		if c < 0 {
			c = 0
		} else if c > 1 {
			c = 1
		}
		total += w * c
	}
	if total < 0 {
		return 0
	}
	if total > MaxScore {
		return MaxScore
	}
	return total
}

// Classify maps a score plus the raw signal set onto a state.
//
// Trip-wire: any single CRITICAL signal forces StateCritical regardless
// of the aggregate score. One unambiguous critical finding must never
// be diluted by averaging with weak signals.
//
// Otherwise the state is a threshold band over the score, with a signal
// count floor for WARNING.
func Classify(score float64, signals []domain.Signal, bands domain.StateBands) domain.State {
	for _, s := range signals {
		if s.Severity == domain.SeverityCritical {
			return domain.StateCritical
		}
	}

	switch {
	case score >= bands.CriticalAt:
		return domain.StateCritical
	case score >= bands.WarningAt:
		return domain.StateWarning
	case len(signals) >= bands.WarningSignalCount:
		return domain.StateWarning
	default:
		return domain.StateSafe
	}
}
