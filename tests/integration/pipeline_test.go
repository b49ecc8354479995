//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Warden scoring
// and gating engine.
//
// These tests verify the COMPLETE pipeline:
//
//	Events → Collectors → Score → Classify → Persist → Gate
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
//  1. EVENT: An append-only platform occurrence (a review, an install,
//     a message). Events are raw material; they carry no judgment.
//
//  2. COLLECTOR: Reads an entity's events inside a lookback window and
//     emits SIGNALS (kind, severity, confidence) when a pattern trips,
//     e.g. a one-star review flood from distinct actors.
//
//  3. SCORE: Signals aggregate into a bounded [0,100] score via
//     per-severity weights and confidence scaling.
//
//  4. STATE: Score bands classify the entity SAFE / WARNING / CRITICAL.
//     Any CRITICAL signal trips CRITICAL regardless of score.
//
//  5. GATE: Every operation check consults the persisted state first.
//     CRITICAL denies outright (and consumes no capacity), WARNING
//     throttles the capacity ceiling, SAFE gets the full ceiling.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hearth-social/warden/internal/api"
	"github.com/hearth-social/warden/internal/bus"
	"github.com/hearth-social/warden/internal/cache"
	"github.com/hearth-social/warden/internal/collector"
	"github.com/hearth-social/warden/internal/domain"
	"github.com/hearth-social/warden/internal/evaluator"
	"github.com/hearth-social/warden/internal/gate"
	"github.com/hearth-social/warden/internal/repository"
)

// testEnv wires the full engine against a temp SQLite database, an
// in-process cache, and a channel bus, exposed through a real HTTP
// listener.
type testEnv struct {
	server *httptest.Server
	repo   domain.Repository
	bus    *bus.ChannelBus
	eval   *evaluator.Evaluator
	client *http.Client
}

func storeProfile() *domain.Profile {
	return &domain.Profile{
		Class: domain.ClassStore,
		SeverityWeights: map[domain.Severity]float64{
			domain.SeverityLow:      10,
			domain.SeverityMedium:   25,
			domain.SeverityHigh:     60,
			domain.SeverityCritical: 100,
		},
		Bands: domain.StateBands{
			CriticalAt:         80,
			WarningAt:          40,
			WarningSignalCount: 3,
		},
		ThrottleFactor:         0.5,
		EvaluationIntervalSecs: 300,
		LookbackWindowSecs:     86400,
		MaxConcurrency:         4,
		RunBudgetSecs:          60,
		Collectors:             []string{collector.NameReviews},
		Thresholds: domain.CollectorThresholds{
			MinSampleSize: 5,
			OneStarRatio:  0.6,
			LowVariance:   0.2,
		},
		Operations: map[string]domain.OperationPolicy{
			"post_review": {Ceiling: 100, BucketSecs: 3600},
			"checkout":    {Ceiling: 3, BucketSecs: 3600, FailClosed: true},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "warden-integration-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	profile := storeProfile()
	profiles := map[domain.EntityClass]*domain.Profile{domain.ClassStore: profile}

	engine, err := collector.NewDetectorEngine()
	if err != nil {
		t.Fatalf("failed to create detector engine: %v", err)
	}
	set, err := collector.NewSet(repo, profile, engine)
	if err != nil {
		t.Fatalf("failed to create collector set: %v", err)
	}

	lru := cache.NewLRUCache(1000)
	channelBus := bus.NewChannelBus(1000)
	t.Cleanup(func() { channelBus.Close() })

	dispatcher := gate.NewDispatcher(repo, lru, channelBus, profiles)

	eval, err := evaluator.New(repo, lru, channelBus, profiles,
		map[domain.EntityClass]*collector.Set{domain.ClassStore: set})
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 0, ReadTimeout: 30, WriteTimeout: 30}
	detectors := map[domain.EntityClass]*collector.DetectorEngine{domain.ClassStore: engine}
	srv := api.NewServer(cfg, repo, lru, channelBus, dispatcher, eval, detectors, "integration-test")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{
		server: ts,
		repo:   repo,
		bus:    channelBus,
		eval:   eval,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	resp, err := e.client.Post(e.server.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response from %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) get(t *testing.T, path string, out interface{}) int {
	t.Helper()

	resp, err := e.client.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response from %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// ingestReviews posts n review events with the given star rating, each
// from a distinct actor.
func (e *testEnv) ingestReviews(t *testing.T, entityID string, n int, stars float64) {
	t.Helper()

	for i := 0; i < n; i++ {
		code := e.post(t, "/events", domain.EventRequest{
			Class:    domain.ClassStore,
			EntityID: entityID,
			Kind:     domain.EventReview,
			ActorID:  fmt.Sprintf("reviewer-%s-%d", entityID, i),
			Value:    stars,
		}, nil)
		if code != http.StatusAccepted {
			t.Fatalf("expected 202 ingesting event, got %d", code)
		}
	}
}

// SCENARIO 1: A store with ordinary mixed reviews stays SAFE and passes
// the gate with its full capacity ceiling.
func TestCleanStoreStaysSafe(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		env.ingestReviews(t, "store-clean", 1, float64(3+i%3)) // 3-5 stars
	}

	var state domain.ThreatState
	code := env.post(t, "/classes/store/entities/store-clean/evaluate", nil, &state)
	if code != http.StatusOK {
		t.Fatalf("expected 200 evaluating, got %d", code)
	}
	if state.State != domain.StateSafe {
		t.Errorf("expected SAFE, got %s (score %.1f)", state.State, state.Score)
	}

	var decision domain.GateDecision
	code = env.post(t, "/check", map[string]string{
		"class": "store", "entityId": "store-clean", "operation": "post_review",
	}, &decision)
	if code != http.StatusOK {
		t.Fatalf("expected 200 from check, got %d", code)
	}
	if !decision.Allowed {
		t.Errorf("expected clean store to be allowed, got denied: %s", decision.Reason)
	}
	if decision.Remaining != 99 {
		t.Errorf("expected 99 remaining of 100, got %d", decision.Remaining)
	}
}

// SCENARIO 2: A one-star flood drives the store CRITICAL through the
// scheduled run; the gate then denies without consuming capacity, an
// incident fires exactly once, and the denial is audited.
func TestReviewFloodPipeline(t *testing.T) {
	env := newTestEnv(t)

	// Count incidents published on the bus.
	var mu sync.Mutex
	incidents := 0
	sub, err := env.bus.Subscribe(context.Background(), domain.TopicIncident, func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		incidents++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	env.ingestReviews(t, "store-flooded", 10, 1)

	// The scheduled path, not the on-demand endpoint.
	summary, err := env.eval.RunOnce(context.Background(), domain.ClassStore)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Failed != 0 {
		t.Errorf("expected no failed entities, got %d", summary.Failed)
	}

	var state domain.ThreatState
	if code := env.get(t, "/classes/store/entities/store-flooded/threat", &state); code != http.StatusOK {
		t.Fatalf("expected 200 fetching threat state, got %d", code)
	}
	if state.State != domain.StateCritical {
		t.Fatalf("expected CRITICAL after flood, got %s (score %.1f)", state.State, state.Score)
	}

	var decision domain.GateDecision
	env.post(t, "/check", map[string]string{
		"class": "store", "entityId": "store-flooded", "operation": "post_review",
	}, &decision)
	if decision.Allowed {
		t.Error("expected CRITICAL store to be denied")
	}
	if decision.State != domain.StateCritical {
		t.Errorf("expected decision state CRITICAL, got %s", decision.State)
	}

	// A second run must not fire a second incident.
	if _, err := env.eval.RunOnce(context.Background(), domain.ClassStore); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}

	// Channel bus delivery is asynchronous.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	got := incidents
	mu.Unlock()
	if got != 1 {
		t.Errorf("expected exactly 1 incident, got %d", got)
	}

	var audits struct {
		Audits []*domain.AuditRecord `json:"audits"`
	}
	if code := env.get(t, "/classes/store/entities/store-flooded/audits", &audits); code != http.StatusOK {
		t.Fatalf("expected 200 listing audits, got %d", code)
	}
	var denials, transitions int
	for _, rec := range audits.Audits {
		switch rec.Kind {
		case domain.AuditDenial:
			denials++
		case domain.AuditTransition:
			transitions++
		}
	}
	if denials != 1 {
		t.Errorf("expected 1 denial audit, got %d", denials)
	}
	if transitions != 1 {
		t.Errorf("expected 1 transition audit, got %d", transitions)
	}
}

// SCENARIO 3: A SAFE store exhausts a small capacity ceiling; denials
// past the ceiling are audited and the bucket counter holds across
// repeated checks.
func TestCapacityCeiling(t *testing.T) {
	env := newTestEnv(t)

	allowed, denied := 0, 0
	for i := 0; i < 5; i++ {
		var decision domain.GateDecision
		env.post(t, "/check", map[string]string{
			"class": "store", "entityId": "store-busy", "operation": "checkout",
		}, &decision)
		if decision.Allowed {
			allowed++
		} else {
			denied++
		}
	}

	if allowed != 3 {
		t.Errorf("expected 3 allowed of 5 with ceiling 3, got %d", allowed)
	}
	if denied != 2 {
		t.Errorf("expected 2 denied, got %d", denied)
	}

	var audits struct {
		Count int `json:"count"`
	}
	env.get(t, "/classes/store/entities/store-busy/audits", &audits)
	if audits.Count != 2 {
		t.Errorf("expected 2 denial audits, got %d", audits.Count)
	}
}

// SCENARIO 4: Recovery. After the flood ages out of the lookback window
// the next evaluation reclassifies the store SAFE and the gate admits
// it again.
func TestRecoveryAfterFloodExpires(t *testing.T) {
	env := newTestEnv(t)

	// Seed an old flood directly so the events sit outside the window.
	old := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 10; i++ {
		ev := &domain.Event{
			ID:        fmt.Sprintf("old-ev-%d", i),
			Class:     domain.ClassStore,
			EntityID:  "store-recovered",
			Kind:      domain.EventReview,
			ActorID:   fmt.Sprintf("reviewer-%d", i),
			Value:     1,
			Timestamp: old.Add(time.Duration(i) * time.Minute),
			CreatedAt: old,
		}
		if err := env.repo.SaveEvent(context.Background(), ev); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}
	// Persist the CRITICAL state the old flood would have produced.
	if err := env.repo.SaveThreatState(context.Background(), &domain.ThreatState{
		Class:           domain.ClassStore,
		EntityID:        "store-recovered",
		Score:           85,
		State:           domain.StateCritical,
		LastEvaluatedAt: old,
	}); err != nil {
		t.Fatalf("SaveThreatState failed: %v", err)
	}

	var state domain.ThreatState
	code := env.post(t, "/classes/store/entities/store-recovered/evaluate", nil, &state)
	if code != http.StatusOK {
		t.Fatalf("expected 200 evaluating, got %d", code)
	}
	if state.State != domain.StateSafe {
		t.Errorf("expected SAFE after flood expired, got %s (score %.1f)", state.State, state.Score)
	}

	var decision domain.GateDecision
	env.post(t, "/check", map[string]string{
		"class": "store", "entityId": "store-recovered", "operation": "post_review",
	}, &decision)
	if !decision.Allowed {
		t.Errorf("expected recovered store to be allowed, got: %s", decision.Reason)
	}
}
