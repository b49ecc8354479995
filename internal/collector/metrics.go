package collector

import (
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

// Metrics are the pre-computed window aggregates exposed to CEL
// detectors. Every field has a zero value, so expressions are safe to
// evaluate against entities with no events of a given kind.
type Metrics struct {
	EventCount int

	ReviewCount  int
	OneStarRatio float64
	RatingStdDev float64
	AvgRating    float64

	InstallCount         int
	EmulatedRatio        float64
	DuplicateDeviceRatio float64

	MessageCount          int
	UniqueRecipients      int
	MessagesPerMinute     float64
	DuplicateContentRatio float64

	TransactionCount  int
	RegistrationCount int

	WindowSecs int
}

// BuildMetrics aggregates an entity's events into detector inputs.
func BuildMetrics(events []*domain.Event, window time.Duration, now time.Time) *Metrics {
	m := &Metrics{
		EventCount: len(events),
		WindowSecs: int(window.Seconds()),
	}

	reviews := filterKind(events, domain.EventReview)
	m.ReviewCount = len(reviews)
	if len(reviews) > 0 {
		oneStar := 0
		ratings := make([]float64, 0, len(reviews))
		var sum float64
		for _, r := range reviews {
			if r.Value <= 1 {
				oneStar++
			}
			ratings = append(ratings, r.Value)
			sum += r.Value
		}
		m.OneStarRatio = float64(oneStar) / float64(len(reviews))
		m.AvgRating = sum / float64(len(reviews))
		m.RatingStdDev = popStdDev(ratings)
	}

	installs := filterKind(events, domain.EventInstall)
	m.InstallCount = len(installs)
	if len(installs) > 0 {
		emulated := 0
		devices := make(map[string]struct{}, len(installs))
		known := 0
		for _, e := range installs {
			if e.BoolAttr(attrEmulated) {
				emulated++
			}
			if e.ActorID != "" {
				known++
				devices[e.ActorID] = struct{}{}
			}
		}
		m.EmulatedRatio = float64(emulated) / float64(len(installs))
		if known > 0 {
			m.DuplicateDeviceRatio = float64(known-len(devices)) / float64(known)
		}
	}

	msgs := filterKind(events, domain.EventMessage)
	m.MessageCount = len(msgs)
	if len(msgs) > 0 {
		recipients := make(map[string]struct{}, len(msgs))
		prints := make(map[string]struct{}, len(msgs))
		withPrint := 0
		for _, e := range msgs {
			if e.TargetID != "" {
				recipients[e.TargetID] = struct{}{}
			}
			if fp := e.StringAttr(attrFingerprint); fp != "" {
				withPrint++
				prints[fp] = struct{}{}
			}
		}
		m.UniqueRecipients = len(recipients)
		m.MessagesPerMinute = float64(len(msgs)) / spanMinutes(msgs, now)
		if withPrint > 0 {
			m.DuplicateContentRatio = float64(withPrint-len(prints)) / float64(withPrint)
		}
	}

	m.TransactionCount = len(filterKind(events, domain.EventTransaction))
	m.RegistrationCount = len(filterKind(events, domain.EventRegistration))

	return m
}

// activation exposes the metrics to a CEL program.
func (m *Metrics) activation(entity domain.EntityRef) map[string]any {
	return map[string]any{
		"entity_id":               entity.ID,
		"class":                   string(entity.Class),
		"event_count":             m.EventCount,
		"review_count":            m.ReviewCount,
		"one_star_ratio":          m.OneStarRatio,
		"rating_stddev":           m.RatingStdDev,
		"avg_rating":              m.AvgRating,
		"install_count":           m.InstallCount,
		"emulated_ratio":          m.EmulatedRatio,
		"duplicate_device_ratio":  m.DuplicateDeviceRatio,
		"message_count":           m.MessageCount,
		"unique_recipients":       m.UniqueRecipients,
		"messages_per_minute":     m.MessagesPerMinute,
		"duplicate_content_ratio": m.DuplicateContentRatio,
		"transaction_count":       m.TransactionCount,
		"registration_count":      m.RegistrationCount,
		"window_secs":             m.WindowSecs,
	}
}
