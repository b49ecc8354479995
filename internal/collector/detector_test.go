package collector

import (
	"testing"
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

func newTestEngine(t *testing.T) *DetectorEngine {
	t.Helper()
	engine, err := NewDetectorEngine()
	if err != nil {
		t.Fatalf("NewDetectorEngine() error = %v", err)
	}
	return engine
}

func detectorCfg(id, expr string) *domain.DetectorConfig {
	return &domain.DetectorConfig{
		ID:         id,
		Class:      domain.ClassUser,
		Name:       id,
		Version:    "1.0.0",
		Kind:       domain.SignalKind("custom-" + id),
		Severity:   domain.SeverityHigh,
		Expression: expr,
		Enabled:    true,
	}
}

func TestDetectorEngineLoad(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		cfg     *domain.DetectorConfig
		wantErr bool
	}{
		{
			name: "bool expression",
			cfg:  detectorCfg("d1", "message_count > 100"),
		},
		{
			name: "double expression",
			cfg:  detectorCfg("d2", "emulated_ratio"),
		},
		{
			name:    "string expression rejected",
			cfg:     detectorCfg("d3", "entity_id"),
			wantErr: true,
		},
		{
			name:    "syntax error rejected",
			cfg:     detectorCfg("d4", "message_count >"),
			wantErr: true,
		},
		{
			name:    "unknown variable rejected",
			cfg:     detectorCfg("d5", "no_such_metric > 1"),
			wantErr: true,
		},
		{
			name: "invalid severity rejected",
			cfg: &domain.DetectorConfig{
				ID: "d6", Kind: "k", Severity: "EXTREME",
				Expression: "true", Enabled: true,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.LoadDetector(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadDetector() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetectorEngineCollect(t *testing.T) {
	engine := newTestEngine(t)
	entity := domain.EntityRef{Class: domain.ClassUser, ID: "user-1"}

	boolDet := detectorCfg("fanout", "unique_recipients >= 3")
	ratioDet := detectorCfg("emulated", "emulated_ratio")
	ratioDet.Severity = domain.SeverityCritical
	ratioDet.MinConfidence = 0.5
	quietDet := detectorCfg("quiet", "transaction_count > 1000")

	for _, cfg := range []*domain.DetectorConfig{boolDet, ratioDet, quietDet} {
		if err := engine.LoadDetector(cfg); err != nil {
			t.Fatalf("LoadDetector(%s) error = %v", cfg.ID, err)
		}
	}

	events := []*domain.Event{
		messageEvent("m1", "r1", "", time.Hour),
		messageEvent("m2", "r2", "", time.Hour),
		messageEvent("m3", "r3", "", time.Hour),
		installEvent("i1", "d1", true),
		installEvent("i2", "d2", true),
		installEvent("i3", "d3", false),
	}

	signals, err := engine.Collect(entity, events, time.Hour, testNow)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if len(signals) != 2 {
		t.Fatalf("got %d signals, want 2: %+v", len(signals), signals)
	}

	fired := findSignal(signals, "custom-emulated")
	if fired == nil {
		t.Fatal("expected custom-emulated signal")
	}
	if fired.Severity != domain.SeverityCritical {
		t.Errorf("severity = %v, want CRITICAL", fired.Severity)
	}
	// 2 of 3 installs emulated
	if fired.Confidence < 0.66 || fired.Confidence > 0.67 {
		t.Errorf("confidence = %v, want ~0.667", fired.Confidence)
	}

	if findSignal(signals, "custom-fanout") == nil {
		t.Error("expected custom-fanout signal")
	}
	if findSignal(signals, "custom-quiet") != nil {
		t.Error("quiet detector should not fire")
	}
}

func TestDetectorEngineCollectDeterministicOrder(t *testing.T) {
	engine := newTestEngine(t)
	entity := domain.EntityRef{Class: domain.ClassUser, ID: "user-1"}

	for _, id := range []string{"z-last", "a-first", "m-middle"} {
		if err := engine.LoadDetector(detectorCfg(id, "event_count >= 0")); err != nil {
			t.Fatalf("LoadDetector(%s) error = %v", id, err)
		}
	}

	first, err := engine.Collect(entity, nil, time.Hour, testNow)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	wantOrder := []domain.SignalKind{"custom-a-first", "custom-m-middle", "custom-z-last"}
	for i, kind := range wantOrder {
		if first[i].Kind != kind {
			t.Fatalf("signal %d = %s, want %s", i, first[i].Kind, kind)
		}
	}

	for i := 0; i < 20; i++ {
		again, err := engine.Collect(entity, nil, time.Hour, testNow)
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		for j := range again {
			if again[j].Kind != first[j].Kind {
				t.Fatal("detector order not deterministic across runs")
			}
		}
	}
}

func TestDetectorEngineReload(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.LoadDetectors([]*domain.DetectorConfig{
		detectorCfg("d1", "true"),
		detectorCfg("d2", "true"),
	}); err != nil {
		t.Fatalf("LoadDetectors() error = %v", err)
	}
	if engine.DetectorCount() != 2 {
		t.Fatalf("count = %d, want 2", engine.DetectorCount())
	}

	disabled := detectorCfg("d2", "true")
	disabled.Enabled = false
	if err := engine.ReloadDetectors([]*domain.DetectorConfig{
		detectorCfg("d1", "false"),
		disabled,
		detectorCfg("d3", "true"),
	}); err != nil {
		t.Fatalf("ReloadDetectors() error = %v", err)
	}

	loaded := engine.GetLoadedDetectors()
	if len(loaded) != 2 {
		t.Fatalf("loaded = %d, want 2", len(loaded))
	}
	if loaded[0].ID != "d1" || loaded[1].ID != "d3" {
		t.Errorf("loaded IDs = %s,%s, want d1,d3", loaded[0].ID, loaded[1].ID)
	}
}

func TestBuildMetrics(t *testing.T) {
	events := []*domain.Event{
		reviewEvent("r1", 1, time.Hour),
		reviewEvent("r2", 5, time.Hour),
		installEvent("i1", "d1", true),
		installEvent("i2", "d1", false),
		messageEvent("m1", "rcpt1", "fp", time.Minute),
		messageEvent("m2", "rcpt1", "fp", time.Minute),
	}

	m := BuildMetrics(events, time.Hour, testNow)

	if m.EventCount != 6 {
		t.Errorf("EventCount = %d, want 6", m.EventCount)
	}
	if m.ReviewCount != 2 || m.OneStarRatio != 0.5 || m.AvgRating != 3 {
		t.Errorf("review metrics = %+v", m)
	}
	if m.RatingStdDev != 2 {
		t.Errorf("RatingStdDev = %v, want 2", m.RatingStdDev)
	}
	if m.InstallCount != 2 || m.EmulatedRatio != 0.5 || m.DuplicateDeviceRatio != 0.5 {
		t.Errorf("install metrics = %+v", m)
	}
	if m.MessageCount != 2 || m.UniqueRecipients != 1 || m.DuplicateContentRatio != 0.5 {
		t.Errorf("message metrics = %+v", m)
	}
	if m.WindowSecs != 3600 {
		t.Errorf("WindowSecs = %d, want 3600", m.WindowSecs)
	}
}
