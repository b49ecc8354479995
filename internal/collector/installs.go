package collector

import (
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

// Install event attribute keys.
const (
	attrEmulated = "emulated"
)

// InstallCollector detects fake-install campaigns: a high share of
// emulated devices, or many installs funneled through few device IDs.
// The installing device rides on Event.ActorID.
type InstallCollector struct {
	thresholds domain.CollectorThresholds
}

// NewInstallCollector creates an install collector with the profile's thresholds.
func NewInstallCollector(t domain.CollectorThresholds) *InstallCollector {
	return &InstallCollector{thresholds: t}
}

func (c *InstallCollector) Name() string { return NameInstalls }

func (c *InstallCollector) Collect(_ domain.EntityRef, events []*domain.Event, _ time.Duration, now time.Time) ([]domain.Signal, error) {
	installs := filterKind(events, domain.EventInstall)
	if len(installs) == 0 {
		return nil, nil
	}

	var signals []domain.Signal

	if c.thresholds.EmulatedRatio > 0 {
		emulated := 0
		for _, e := range installs {
			if e.BoolAttr(attrEmulated) {
				emulated++
			}
		}
		if ratio, ok := guardedRatio(emulated, len(installs), c.thresholds.MinSampleSize); ok && ratio >= c.thresholds.EmulatedRatio {
			signals = append(signals, domain.Signal{
				Kind:       domain.SignalFakeInstalls,
				Severity:   domain.SeverityHigh,
				Confidence: clamp01(ratio),
				Evidence:   evidenceIDs(installs),
				DetectedAt: now,
			})
		}
	}

	if c.thresholds.DuplicateDeviceRatio > 0 {
		devices := make(map[string]struct{}, len(installs))
		known := 0
		for _, e := range installs {
			if e.ActorID == "" {
				continue
			}
			known++
			devices[e.ActorID] = struct{}{}
		}
		dup := known - len(devices)
		if ratio, ok := guardedRatio(dup, known, c.thresholds.MinSampleSize); ok && ratio >= c.thresholds.DuplicateDeviceRatio {
			signals = append(signals, domain.Signal{
				Kind:       domain.SignalDuplicateDevices,
				Severity:   domain.SeverityMedium,
				Confidence: clamp01(ratio),
				Evidence:   evidenceIDs(installs),
				DetectedAt: now,
			})
		}
	}

	return signals, nil
}
