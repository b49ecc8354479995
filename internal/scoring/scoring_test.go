package scoring

import (
	"math/rand"
	"testing"
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

func testWeights() map[domain.Severity]float64 {
	return map[domain.Severity]float64{
		domain.SeverityLow:      10,
		domain.SeverityMedium:   25,
		domain.SeverityHigh:     50,
		domain.SeverityCritical: 100,
	}
}

func testBands() domain.StateBands {
	return domain.StateBands{
		CriticalAt:         70,
		WarningAt:          40,
		WarningSignalCount: 2,
	}
}

func sig(sev domain.Severity, confidence float64) domain.Signal {
	return domain.Signal{
		Kind:       "test-signal",
		Severity:   sev,
		Confidence: confidence,
		DetectedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		signals []domain.Signal
		want    float64
	}{
		{
			name:    "zero signals scores exactly zero",
			signals: nil,
			want:    0,
		},
		{
			name:    "single high signal",
			signals: []domain.Signal{sig(domain.SeverityHigh, 0.8)},
			want:    40, // 50 * 0.8
		},
		{
			name:    "low-confidence critical",
			signals: []domain.Signal{sig(domain.SeverityCritical, 0.3)},
			want:    30, // 100 * 0.3
		},
		{
			name: "sum across signals",
			signals: []domain.Signal{
				sig(domain.SeverityLow, 1.0),
				sig(domain.SeverityMedium, 0.4),
			},
			want: 20, // 10 + 10
		},
		{
			name: "clamped to 100",
			signals: []domain.Signal{
				sig(domain.SeverityCritical, 1.0),
				sig(domain.SeverityCritical, 1.0),
			},
			want: 100,
		},
		{
			name:    "confidence above one is capped",
			signals: []domain.Signal{sig(domain.SeverityLow, 3.0)},
			want:    10,
		},
		{
			name:    "negative confidence contributes nothing",
			signals: []domain.Signal{sig(domain.SeverityLow, -0.5)},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.signals, testWeights())
			if got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreDeterminism(t *testing.T) {
	signals := []domain.Signal{
		sig(domain.SeverityLow, 0.2),
		sig(domain.SeverityHigh, 0.7),
		sig(domain.SeverityMedium, 0.55),
	}

	first := Score(signals, testWeights())
	for i := 0; i < 100; i++ {
		if got := Score(signals, testWeights()); got != first {
			t.Fatalf("Score() not deterministic: got %v, want %v", got, first)
		}
	}
}

func TestScoreBoundedAndMonotonic(t *testing.T) {
	// Randomized signal sets: score stays in [0,100] and appending a
	// signal never decreases the score.
	rng := rand.New(rand.NewSource(42))
	severities := domain.Severities()

	for i := 0; i < 500; i++ {
		n := rng.Intn(10)
		signals := make([]domain.Signal, 0, n)
		for j := 0; j < n; j++ {
			signals = append(signals, sig(severities[rng.Intn(len(severities))], rng.Float64()))
		}

		score := Score(signals, testWeights())
		if score < 0 || score > MaxScore {
			t.Fatalf("score %v out of bounds for %d signals", score, n)
		}

		extended := append(append([]domain.Signal{}, signals...), sig(domain.SeverityLow, rng.Float64()))
		if got := Score(extended, testWeights()); got < score {
			t.Fatalf("adding a signal decreased score: %v -> %v", score, got)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		score   float64
		signals []domain.Signal
		want    domain.State
	}{
		{
			name:  "zero score no signals is safe",
			score: 0,
			want:  domain.StateSafe,
		},
		{
			name:    "warning band",
			score:   40,
			signals: []domain.Signal{sig(domain.SeverityHigh, 0.8)},
			want:    domain.StateWarning,
		},
		{
			name:  "critical band",
			score: 70,
			signals: []domain.Signal{
				sig(domain.SeverityHigh, 1.0),
				sig(domain.SeverityMedium, 0.8),
			},
			want: domain.StateCritical,
		},
		{
			name:  "two weak signals reach warning via count floor",
			score: 12,
			signals: []domain.Signal{
				sig(domain.SeverityLow, 0.6),
				sig(domain.SeverityLow, 0.6),
			},
			want: domain.StateWarning,
		},
		{
			name:    "single weak signal below all bands is safe",
			score:   6,
			signals: []domain.Signal{sig(domain.SeverityLow, 0.6)},
			want:    domain.StateSafe,
		},
		{
			name:    "trip-wire forces critical despite low score",
			score:   30,
			signals: []domain.Signal{sig(domain.SeverityCritical, 0.3)},
			want:    domain.StateCritical,
		},
		{
			name:  "trip-wire not diluted by weak companions",
			score: 35,
			signals: []domain.Signal{
				sig(domain.SeverityLow, 0.1),
				sig(domain.SeverityCritical, 0.25),
				sig(domain.SeverityLow, 0.1),
			},
			want: domain.StateCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.score, tt.signals, testBands())
			if got != tt.want {
				t.Errorf("Classify(%v, %d signals) = %v, want %v", tt.score, len(tt.signals), got, tt.want)
			}
		})
	}
}

func TestClassifyTripWireProperty(t *testing.T) {
	// Any signal set containing a CRITICAL signal classifies CRITICAL,
	// no matter how low the aggregate score.
	rng := rand.New(rand.NewSource(7))
	severities := domain.Severities()

	for i := 0; i < 200; i++ {
		signals := []domain.Signal{sig(domain.SeverityCritical, rng.Float64()*0.1)}
		for j := 0; j < rng.Intn(6); j++ {
			signals = append(signals, sig(severities[rng.Intn(len(severities))], rng.Float64()*0.2))
		}
		score := Score(signals, testWeights())
		if got := Classify(score, signals, testBands()); got != domain.StateCritical {
			t.Fatalf("trip-wire violated: score=%v state=%v", score, got)
		}
	}
}
