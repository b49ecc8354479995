package collector

import (
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

// Message event attribute keys.
const (
	attrFingerprint = "fingerprint"
)

// MessageCollector detects messaging abuse: fan-out to many unique
// recipients, sustained burst rates, and copy-paste content. The
// recipient rides on Event.TargetID, a content fingerprint on attrs.
type MessageCollector struct {
	thresholds domain.CollectorThresholds
}

// NewMessageCollector creates a message collector with the profile's thresholds.
func NewMessageCollector(t domain.CollectorThresholds) *MessageCollector {
	return &MessageCollector{thresholds: t}
}

func (c *MessageCollector) Name() string { return NameMessages }

func (c *MessageCollector) Collect(_ domain.EntityRef, events []*domain.Event, _ time.Duration, now time.Time) ([]domain.Signal, error) {
	msgs := filterKind(events, domain.EventMessage)
	if len(msgs) == 0 || len(msgs) < c.thresholds.MinSampleSize {
		return nil, nil
	}

	var signals []domain.Signal

	if c.thresholds.UniqueRecipients > 0 {
		recipients := make(map[string]struct{}, len(msgs))
		for _, m := range msgs {
			if m.TargetID != "" {
				recipients[m.TargetID] = struct{}{}
			}
		}
		if len(recipients) >= c.thresholds.UniqueRecipients {
			signals = append(signals, domain.Signal{
				Kind:       domain.SignalRecipientFanout,
				Severity:   domain.SeverityHigh,
				Confidence: scaledConfidence(float64(len(recipients)), float64(c.thresholds.UniqueRecipients)),
				Evidence:   evidenceIDs(msgs),
				DetectedAt: now,
			})
		}
	}

	if c.thresholds.BurstPerMinute > 0 {
		span := spanMinutes(msgs, now)
		rate := float64(len(msgs)) / span
		if rate >= c.thresholds.BurstPerMinute {
			signals = append(signals, domain.Signal{
				Kind:       domain.SignalMessageBurst,
				Severity:   domain.SeverityMedium,
				Confidence: scaledConfidence(rate, c.thresholds.BurstPerMinute),
				Evidence:   evidenceIDs(msgs),
				DetectedAt: now,
			})
		}
	}

	if c.thresholds.DuplicateContentRatio > 0 {
		prints := make(map[string]struct{}, len(msgs))
		known := 0
		for _, m := range msgs {
			if fp := m.StringAttr(attrFingerprint); fp != "" {
				known++
				prints[fp] = struct{}{}
			}
		}
		dup := known - len(prints)
		if ratio, ok := guardedRatio(dup, known, c.thresholds.MinSampleSize); ok && ratio >= c.thresholds.DuplicateContentRatio {
			signals = append(signals, domain.Signal{
				Kind:       domain.SignalDuplicateContent,
				Severity:   domain.SeverityHigh,
				Confidence: clamp01(ratio),
				Evidence:   evidenceIDs(msgs),
				DetectedAt: now,
			})
		}
	}

	return signals, nil
}

// spanMinutes is the elapsed minutes from the oldest message to now,
// floored at one minute so tiny windows do not explode the rate.
func spanMinutes(msgs []*domain.Event, now time.Time) float64 {
	oldest := now
	for _, m := range msgs {
		if m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
	}
	span := now.Sub(oldest).Minutes()
	if span < 1 {
		span = 1
	}
	return span
}
