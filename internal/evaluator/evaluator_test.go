package evaluator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearth-social/warden/internal/bus"
	"github.com/hearth-social/warden/internal/cache"
	"github.com/hearth-social/warden/internal/collector"
	"github.com/hearth-social/warden/internal/domain"
	"github.com/hearth-social/warden/internal/repository"
)

func testProfile() *domain.Profile {
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
			MinSampleSize:         5,
			OneStarRatio:          0.6,
			LowVariance:           0.2,
			EmulatedRatio:         0.3,
			DuplicateDeviceRatio:  0.5,
			UniqueRecipients:      10,
			BurstPerMinute:        5,
			DuplicateContentRatio: 0.5,
		},
	}
}

func newTestEvaluator(t *testing.T, repo domain.Repository) (*Evaluator, *bus.ChannelBus) {
	t.Helper()

	profile := testProfile()
	set, err := collector.NewSet(repo, profile)
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}

	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })

	ev, err := New(repo, cache.NewLRUCache(100), channelBus,
		map[domain.EntityClass]*domain.Profile{domain.ClassStore: profile},
		map[domain.EntityClass]*collector.Set{domain.ClassStore: set},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ev, channelBus
}

func newSQLiteRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "warden-eval-*.db")
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

	return repo
}

// seedOneStarReviews writes enough one-star reviews to trip both the
// review-bombing and uniform-sentiment collectors.
func seedOneStarReviews(t *testing.T, repo domain.Repository, entityID string, n int) {
	t.Helper()

	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		ev := &domain.Event{
			ID:        fmt.Sprintf("ev-%s-%d", entityID, i),
			Class:     domain.ClassStore,
			EntityID:  entityID,
			Kind:      domain.EventReview,
			ActorID:   fmt.Sprintf("user-%d", i),
			Value:     1,
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
			CreatedAt: now,
		}
		if err := repo.SaveEvent(context.Background(), ev); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}
}

func TestEvaluateEntityTransitionAndIncident(t *testing.T) {
	repo := newSQLiteRepo(t)
	ev, channelBus := newTestEvaluator(t, repo)
	ctx := context.Background()

	var incidents atomic.Int32
	var lastIncident atomic.Value
	channelBus.Subscribe(ctx, domain.TopicIncident, func(ctx context.Context, msg *domain.Message) error {
		incidents.Add(1)
		lastIncident.Store(string(msg.Payload))
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	seedOneStarReviews(t, repo, "store-bombed", 10)

	// First evaluation: SAFE -> CRITICAL fires the incident.
	if err := ev.EvaluateEntity(ctx, domain.ClassStore, "store-bombed"); err != nil {
		t.Fatalf("EvaluateEntity failed: %v", err)
	}

	state, err := repo.GetThreatState(ctx, domain.ClassStore, "store-bombed")
	if err != nil {
		t.Fatalf("GetThreatState failed: %v", err)
	}
	if state.State != domain.StateCritical {
		t.Fatalf("expected CRITICAL, got %s (score %.1f)", state.State, state.Score)
	}
	if len(state.Signals) == 0 {
		t.Fatal("expected attached signals")
	}

	time.Sleep(50 * time.Millisecond)
	if incidents.Load() != 1 {
		t.Fatalf("expected exactly 1 incident, got %d", incidents.Load())
	}

	audits, err := repo.ListAuditRecords(ctx, domain.ClassStore, "store-bombed", 10)
	if err != nil {
		t.Fatalf("ListAuditRecords failed: %v", err)
	}
	if len(audits) != 1 || audits[0].Kind != domain.AuditTransition {
		t.Fatalf("expected 1 transition audit, got %+v", audits)
	}
	if audits[0].FromState != domain.StateSafe || audits[0].ToState != domain.StateCritical {
		t.Errorf("transition audit should record SAFE -> CRITICAL, got %s -> %s",
			audits[0].FromState, audits[0].ToState)
	}

	// Second evaluation stays CRITICAL: no new incident, no new audit.
	if err := ev.EvaluateEntity(ctx, domain.ClassStore, "store-bombed"); err != nil {
		t.Fatalf("EvaluateEntity failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if incidents.Load() != 1 {
		t.Errorf("repeated CRITICAL evaluations must not re-fire, got %d incidents", incidents.Load())
	}
	audits, _ = repo.ListAuditRecords(ctx, domain.ClassStore, "store-bombed", 10)
	if len(audits) != 1 {
		t.Errorf("expected still 1 audit record, got %d", len(audits))
	}
}

func TestEvaluateEntityIdempotent(t *testing.T) {
	repo := newSQLiteRepo(t)
	ev, _ := newTestEvaluator(t, repo)
	ctx := context.Background()

	seedOneStarReviews(t, repo, "store-stable", 8)

	if err := ev.EvaluateEntity(ctx, domain.ClassStore, "store-stable"); err != nil {
		t.Fatalf("EvaluateEntity failed: %v", err)
	}
	first, err := repo.GetThreatState(ctx, domain.ClassStore, "store-stable")
	if err != nil {
		t.Fatalf("GetThreatState failed: %v", err)
	}

	if err := ev.EvaluateEntity(ctx, domain.ClassStore, "store-stable"); err != nil {
		t.Fatalf("EvaluateEntity failed: %v", err)
	}
	second, err := repo.GetThreatState(ctx, domain.ClassStore, "store-stable")
	if err != nil {
		t.Fatalf("GetThreatState failed: %v", err)
	}

	if first.Score != second.Score {
		t.Errorf("re-evaluation over same events changed score: %.2f -> %.2f", first.Score, second.Score)
	}
	if first.State != second.State {
		t.Errorf("re-evaluation over same events changed state: %s -> %s", first.State, second.State)
	}
}

func TestEvaluateQuietEntityIsSafe(t *testing.T) {
	repo := newSQLiteRepo(t)
	ev, _ := newTestEvaluator(t, repo)
	ctx := context.Background()

	// Two reviews is below the minimum sample size for any collector.
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		repo.SaveEvent(ctx, &domain.Event{
			ID:        fmt.Sprintf("ev-quiet-%d", i),
			Class:     domain.ClassStore,
			EntityID:  "store-quiet",
			Kind:      domain.EventReview,
			Value:     1,
			Timestamp: now,
			CreatedAt: now,
		})
	}

	if err := ev.EvaluateEntity(ctx, domain.ClassStore, "store-quiet"); err != nil {
		t.Fatalf("EvaluateEntity failed: %v", err)
	}

	state, err := repo.GetThreatState(ctx, domain.ClassStore, "store-quiet")
	if err != nil {
		t.Fatalf("GetThreatState failed: %v", err)
	}
	if state.State != domain.StateSafe {
		t.Errorf("expected SAFE with too few events, got %s", state.State)
	}
	if state.Score != 0 {
		t.Errorf("zero signals must score exactly 0, got %.2f", state.Score)
	}
}

func TestRunOnce(t *testing.T) {
	repo := newSQLiteRepo(t)
	ev, _ := newTestEvaluator(t, repo)
	ctx := context.Background()

	for _, id := range []string{"store-a", "store-b", "store-c"} {
		seedOneStarReviews(t, repo, id, 6)
	}

	summary, err := ev.RunOnce(ctx, domain.ClassStore)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if summary.Processed != 3 {
		t.Errorf("expected 3 processed, got %d", summary.Processed)
	}
	if summary.Failed != 0 {
		t.Errorf("expected 0 failed, got %d", summary.Failed)
	}
	if !summary.Completed {
		t.Error("expected run to complete within budget")
	}

	for _, id := range []string{"store-a", "store-b", "store-c"} {
		if _, err := repo.GetThreatState(ctx, domain.ClassStore, id); err != nil {
			t.Errorf("entity %s has no threat state after run: %v", id, err)
		}
	}

	if _, err := repo.GetCheckpoint(ctx, domain.ClassStore); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("completed run must clear its checkpoint, got: %v", err)
	}
}

// rosterFailRepo fails roster enumeration but delegates everything else.
type rosterFailRepo struct {
	domain.Repository
}

func (r *rosterFailRepo) ListActiveEntities(ctx context.Context, class domain.EntityClass, since time.Time) ([]string, error) {
	return nil, errors.New("db down")
}

func TestRunOnceRosterFailure(t *testing.T) {
	repo := &rosterFailRepo{Repository: newSQLiteRepo(t)}
	ev, _ := newTestEvaluator(t, repo)

	if _, err := ev.RunOnce(context.Background(), domain.ClassStore); err == nil {
		t.Error("roster enumeration failure must fail the run")
	}
}

// entityFailRepo fails event reads for one entity so its evaluation
// errors while others proceed.
type entityFailRepo struct {
	domain.Repository
	badID string
}

func (r *entityFailRepo) GetEventsByEntity(ctx context.Context, class domain.EntityClass, entityID string, since time.Time) ([]*domain.Event, error) {
	if entityID == r.badID {
		return nil, errors.New("read timeout")
	}
	return r.Repository.GetEventsByEntity(ctx, class, entityID, since)
}

func TestRunOnceEntityIsolation(t *testing.T) {
	inner := newSQLiteRepo(t)
	repo := &entityFailRepo{Repository: inner, badID: "store-b"}
	ev, _ := newTestEvaluator(t, repo)
	ctx := context.Background()

	for _, id := range []string{"store-a", "store-b", "store-c"} {
		seedOneStarReviews(t, repo, id, 6)
	}

	summary, err := ev.RunOnce(ctx, domain.ClassStore)
	if err != nil {
		t.Fatalf("one failing entity must not fail the run: %v", err)
	}

	if summary.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", summary.Processed)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", summary.Failed)
	}

	// The failing entity keeps no (new) state; the others were scored.
	if _, err := repo.GetThreatState(ctx, domain.ClassStore, "store-b"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("failed entity should keep its previous (absent) state, got: %v", err)
	}
	if _, err := repo.GetThreatState(ctx, domain.ClassStore, "store-a"); err != nil {
		t.Errorf("healthy entity should have a state: %v", err)
	}
}

func TestRunOnceResumesFromCheckpoint(t *testing.T) {
	repo := newSQLiteRepo(t)
	ev, _ := newTestEvaluator(t, repo)
	ctx := context.Background()

	for _, id := range []string{"store-a", "store-b", "store-c"} {
		seedOneStarReviews(t, repo, id, 6)
	}

	// Simulate an interrupted run that stopped after store-b.
	cp := &domain.Checkpoint{
		Class:         domain.ClassStore,
		TickStartedAt: time.Now().UTC().Add(-time.Minute),
		Cursor:        "store-b",
		Processed:     2,
		Failed:        0,
	}
	if err := repo.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	summary, err := ev.RunOnce(ctx, domain.ClassStore)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if !summary.Resumed {
		t.Error("expected run to resume from checkpoint")
	}
	if summary.Processed != 3 {
		t.Errorf("expected carried count 2 + 1 new = 3, got %d", summary.Processed)
	}

	// Only the entity past the cursor was evaluated in this run.
	if _, err := repo.GetThreatState(ctx, domain.ClassStore, "store-a"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("entity before cursor must be skipped, got: %v", err)
	}
	if _, err := repo.GetThreatState(ctx, domain.ClassStore, "store-c"); err != nil {
		t.Errorf("entity after cursor should be evaluated: %v", err)
	}

	if _, err := repo.GetCheckpoint(ctx, domain.ClassStore); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("completed resume must clear the checkpoint, got: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	repo := newSQLiteRepo(t)
	ev, _ := newTestEvaluator(t, repo)

	ev.Start()
	time.Sleep(20 * time.Millisecond)
	ev.Stop()
}
