// Package collector turns an entity's recent event history into signals.
//
// Collectors are pure reads: they never write to the store, they
// tolerate empty result sets (no signals, not an error), and they treat
// missing optional fields in source records as zero/false.
package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

// maxEvidence caps the evidence IDs carried on one signal.
const maxEvidence = 20

// Collector produces zero or more signals from an entity's events
// within the lookback window.
type Collector interface {
	// Name identifies the collector for profile toggles and logs.
	Name() string

	// Collect inspects the events within the lookback window and
	// returns detected signals.
	Collect(entity domain.EntityRef, events []*domain.Event, window time.Duration, now time.Time) ([]domain.Signal, error)
}

// Built-in collector names, referenced from profile configuration.
const (
	NameReviews  = "reviews"
	NameInstalls = "installs"
	NameMessages = "messages"
)

// Set runs a fixed, ordered collection of collectors against one event
// query per entity. The order is the profile's declaration order, which
// keeps repeated evaluations byte-identical for the same events.
type Set struct {
	repo       domain.Repository
	collectors []Collector
}

// NewSet builds the enabled built-in collectors for a profile and
// appends the given extra collectors (e.g. the CEL detector engine).
func NewSet(repo domain.Repository, profile *domain.Profile, extra ...Collector) (*Set, error) {
	s := &Set{repo: repo}
	for _, name := range profile.Collectors {
		switch name {
		case NameReviews:
			s.collectors = append(s.collectors, NewReviewCollector(profile.Thresholds))
		case NameInstalls:
			s.collectors = append(s.collectors, NewInstallCollector(profile.Thresholds))
		case NameMessages:
			s.collectors = append(s.collectors, NewMessageCollector(profile.Thresholds))
		default:
			return nil, fmt.Errorf("unknown collector %q", name)
		}
	}
	s.collectors = append(s.collectors, extra...)
	return s, nil
}

// Collect queries the event store once and runs every collector over
// the result. A failure from the store or any collector aborts this
// entity's evaluation; the caller keeps the previous threat state.
func (s *Set) Collect(ctx context.Context, entity domain.EntityRef, window time.Duration) ([]domain.Signal, error) {
	now := time.Now().UTC()
	since := now.Add(-window)

	events, err := s.repo.GetEventsByEntity(ctx, entity.Class, entity.ID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s/%s: %w", entity.Class, entity.ID, err)
	}

	var signals []domain.Signal
	for _, c := range s.collectors {
		out, err := c.Collect(entity, events, window, now)
		if err != nil {
			return nil, fmt.Errorf("collector %s: %w", c.Name(), err)
		}
		signals = append(signals, out...)
	}
	return signals, nil
}

// filterKind returns the events of one kind, preserving order.
func filterKind(events []*domain.Event, kind string) []*domain.Event {
	var out []*domain.Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// evidenceIDs collects up to maxEvidence event IDs for audit replay.
func evidenceIDs(events []*domain.Event) []string {
	n := len(events)
	if n > maxEvidence {
		n = maxEvidence
	}
	ids := make([]string, 0, n)
	for _, e := range events[:n] {
		ids = append(ids, e.ID)
	}
	return ids
}

// guardedRatio computes num/den, reporting ok=false when the
// denominator is below the minimum sample size. Skipping the check
// entirely beats signalling on a handful of events.
func guardedRatio(num, den, minSample int) (float64, bool) {
	if den <= 0 || den < minSample {
		return 0, false
	}
	return float64(num) / float64(den), true
}

// popStdDev computes the population standard deviation.
// Returns 0 for fewer than two values.
func popStdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}

// scaledConfidence maps an observed value against its trigger threshold
// to a confidence in [0,1]: 0.5 at the threshold, 1.0 at double it.
func scaledConfidence(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	c := value / (2 * threshold)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// clamp01 bounds a confidence to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
