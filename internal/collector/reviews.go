package collector

import (
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

// ReviewCollector detects review bombing: a one-star pile-on, and
// bot-like uniform sentiment where the rating variance is lower than
// organic human behavior ever is.
type ReviewCollector struct {
	thresholds domain.CollectorThresholds
}

// NewReviewCollector creates a review collector with the profile's thresholds.
func NewReviewCollector(t domain.CollectorThresholds) *ReviewCollector {
	return &ReviewCollector{thresholds: t}
}

func (c *ReviewCollector) Name() string { return NameReviews }

// Collect inspects review events. Ratings ride on Event.Value.
func (c *ReviewCollector) Collect(_ domain.EntityRef, events []*domain.Event, _ time.Duration, now time.Time) ([]domain.Signal, error) {
	reviews := filterKind(events, domain.EventReview)
	if len(reviews) == 0 {
		return nil, nil
	}

	var signals []domain.Signal

	if c.thresholds.OneStarRatio > 0 {
		oneStar := 0
		for _, r := range reviews {
			if r.Value <= 1 {
				oneStar++
			}
		}
		if ratio, ok := guardedRatio(oneStar, len(reviews), c.thresholds.MinSampleSize); ok && ratio >= c.thresholds.OneStarRatio {
			signals = append(signals, domain.Signal{
				Kind:       domain.SignalReviewBombing,
				Severity:   domain.SeverityHigh,
				Confidence: clamp01(ratio),
				Evidence:   evidenceIDs(reviews),
				DetectedAt: now,
			})
		}
	}

	if c.thresholds.LowVariance > 0 && len(reviews) >= c.thresholds.MinSampleSize {
		ratings := make([]float64, 0, len(reviews))
		for _, r := range reviews {
			ratings = append(ratings, r.Value)
		}
		if stddev := popStdDev(ratings); stddev < c.thresholds.LowVariance {
			signals = append(signals, domain.Signal{
				Kind:       domain.SignalUniformSentiment,
				Severity:   domain.SeverityMedium,
				Confidence: clamp01(1 - stddev/c.thresholds.LowVariance),
				Evidence:   evidenceIDs(reviews),
				DetectedAt: now,
			})
		}
	}

	return signals, nil
}
