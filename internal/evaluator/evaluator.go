// Package evaluator drives the scheduled re-evaluation loop.
//
// One loop runs per entity class on that class's interval. Each run
// enumerates the roster, re-collects signals for every entity with a
// bounded fan-out, and persists the resulting threat state. Entities
// are isolated: one entity failing leaves its previous state
// authoritative and never aborts the run.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-social/warden/internal/collector"
	"github.com/hearth-social/warden/internal/domain"
	"github.com/hearth-social/warden/internal/repository"
	"github.com/hearth-social/warden/internal/scoring"
)

// Evaluator owns the per-class evaluation loops.
type Evaluator struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	profiles map[domain.EntityClass]*domain.Profile
	sets     map[domain.EntityClass]*collector.Set

	stateTTL time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// RunSummary reports one completed (or budget-exhausted) run.
type RunSummary struct {
	Class     domain.EntityClass `json:"class"`
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Completed bool               `json:"completed"`
	Resumed   bool               `json:"resumed"`
	Duration  time.Duration      `json:"duration"`
}

// New creates an evaluator. Each class in profiles must have a
// collector set.
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, profiles map[domain.EntityClass]*domain.Profile, sets map[domain.EntityClass]*collector.Set) (*Evaluator, error) {
	for class := range profiles {
		if _, ok := sets[class]; !ok {
			return nil, fmt.Errorf("no collector set for class %q", class)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Evaluator{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		profiles: profiles,
		sets:     sets,
		stateTTL: 15 * time.Minute,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches one loop goroutine per class.
func (e *Evaluator) Start() {
	for class, profile := range e.profiles {
		e.wg.Add(1)
		go e.loop(class, profile)
	}
	slog.Info("evaluator started", "classes", len(e.profiles))
}

// Stop cancels all loops and waits for in-flight evaluations.
func (e *Evaluator) Stop() {
	e.cancel()
	e.wg.Wait()
	slog.Info("evaluator stopped")
}

func (e *Evaluator) loop(class domain.EntityClass, profile *domain.Profile) {
	defer e.wg.Done()

	interval := time.Duration(profile.EvaluationIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// A leftover checkpoint means the previous process died or ran out
	// of budget mid-run; resume right away instead of waiting a tick.
	if _, err := e.repo.GetCheckpoint(e.ctx, class); err == nil {
		e.runAndLog(class)
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runAndLog(class)
		}
	}
}

func (e *Evaluator) runAndLog(class domain.EntityClass) {
	summary, err := e.RunOnce(e.ctx, class)
	if err != nil {
		slog.Error("evaluation run failed", "class", class, "error", err)
		return
	}
	slog.Info("evaluation run finished",
		"class", class,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"completed", summary.Completed,
		"resumed", summary.Resumed,
		"duration_ms", summary.Duration.Milliseconds(),
	)
}

// RunOnce executes a single evaluation run for one class. Roster
// enumeration failure fails the whole run; per-entity failures are
// counted and skipped. When the run budget is exhausted a checkpoint is
// saved so the next run resumes after the last completed entity.
func (e *Evaluator) RunOnce(ctx context.Context, class domain.EntityClass) (*RunSummary, error) {
	profile, ok := e.profiles[class]
	if !ok {
		return nil, fmt.Errorf("no profile for entity class %q", class)
	}

	start := time.Now().UTC()
	lookback := time.Duration(profile.LookbackWindowSecs) * time.Second

	roster, err := e.repo.ListActiveEntities(ctx, class, start.Add(-lookback))
	if err != nil {
		return nil, fmt.Errorf("roster enumeration failed: %w", err)
	}

	summary := &RunSummary{Class: class}

	// Resume from a prior budget-exhausted run. The roster is sorted,
	// so skipping everything at or before the cursor continues where
	// that run stopped.
	cursor := ""
	if cp, err := e.repo.GetCheckpoint(ctx, class); err == nil {
		cursor = cp.Cursor
		summary.Processed = cp.Processed
		summary.Failed = cp.Failed
		summary.Resumed = true
		slog.Info("resuming evaluation run from checkpoint",
			"class", class,
			"cursor", cursor,
		)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("checkpoint read failed: %w", err)
	}

	maxConcurrency := profile.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	budget := time.Duration(profile.RunBudgetSecs) * time.Second
	deadline := start.Add(budget)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	dispatched := ""
	exhausted := false

	for _, entityID := range roster {
		if cursor != "" && entityID <= cursor {
			continue
		}
		if budget > 0 && time.Now().After(deadline) {
			exhausted = true
			break
		}
		if ctx.Err() != nil {
			exhausted = true
			break
		}

		dispatched = entityID

		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := e.EvaluateEntity(ctx, class, id)
			mu.Lock()
			if err != nil {
				summary.Failed++
				slog.Warn("entity evaluation failed",
					"class", class,
					"entity_id", id,
					"error", err,
				)
			} else {
				summary.Processed++
			}
			mu.Unlock()
		}(entityID)
	}

	wg.Wait()

	summary.Completed = !exhausted
	summary.Duration = time.Since(start)

	if exhausted {
		cp := &domain.Checkpoint{
			Class:         class,
			TickStartedAt: start,
			Cursor:        dispatched,
			Processed:     summary.Processed,
			Failed:        summary.Failed,
		}
		if err := e.repo.SaveCheckpoint(ctx, cp); err != nil {
			slog.Error("failed to save checkpoint", "class", class, "error", err)
		}
		return summary, nil
	}

	if err := e.repo.ClearCheckpoint(ctx, class); err != nil {
		slog.Error("failed to clear checkpoint", "class", class, "error", err)
	}
	return summary, nil
}

// EvaluateEntity re-scores a single entity and persists the result.
// Evaluation is idempotent: the same events and detectors produce the
// same score and state.
func (e *Evaluator) EvaluateEntity(ctx context.Context, class domain.EntityClass, entityID string) error {
	profile, ok := e.profiles[class]
	if !ok {
		return fmt.Errorf("no profile for entity class %q", class)
	}
	set := e.sets[class]

	now := time.Now().UTC()
	lookback := time.Duration(profile.LookbackWindowSecs) * time.Second
	interval := time.Duration(profile.EvaluationIntervalSecs) * time.Second

	signals, err := set.Collect(ctx, domain.EntityRef{Class: class, ID: entityID}, lookback)
	if err != nil {
		return fmt.Errorf("signal collection: %w", err)
	}

	score := scoring.Score(signals, profile.SeverityWeights)
	state := scoring.Classify(score, signals, profile.Bands)

	prev, err := e.repo.GetThreatState(ctx, class, entityID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("previous state read: %w", err)
	}
	prevState := domain.StateSafe
	if prev != nil {
		prevState = prev.State
	}

	next := &domain.ThreatState{
		Class:            class,
		EntityID:         entityID,
		Score:            score,
		State:            state,
		Signals:          signals,
		LastEvaluatedAt:  now,
		NextEvaluationAt: now.Add(interval),
	}

	if err := e.repo.SaveThreatState(ctx, next); err != nil {
		return fmt.Errorf("state persist: %w", err)
	}

	if e.cache != nil {
		if err := e.cache.SetThreatState(ctx, next, e.stateTTL); err != nil {
			slog.Warn("failed to cache threat state", "entity_id", entityID, "error", err)
		}
	}

	if e.bus != nil {
		payload, _ := json.Marshal(next)
		if err := e.bus.Publish(ctx, domain.TopicThreatUpdated, payload); err != nil {
			slog.Warn("failed to publish threat update", "entity_id", entityID, "error", err)
		}
	}

	if state != prevState {
		e.recordTransition(ctx, next, prevState)
	}

	// The incident fires on the upward transition only; staying
	// CRITICAL across evaluations does not re-fire.
	if state == domain.StateCritical && prevState != domain.StateCritical {
		e.fireIncident(ctx, next, prevState)
	}

	return nil
}

func (e *Evaluator) recordTransition(ctx context.Context, state *domain.ThreatState, from domain.State) {
	rec := &domain.AuditRecord{
		ID:        uuid.New().String(),
		Class:     state.Class,
		EntityID:  state.EntityID,
		Kind:      domain.AuditTransition,
		FromState: from,
		ToState:   state.State,
		Score:     state.Score,
		Reason:    fmt.Sprintf("state transition %s -> %s (score %.1f)", from, state.State, state.Score),
		CreatedAt: time.Now().UTC(),
	}

	if err := e.repo.SaveAuditRecord(ctx, rec); err != nil {
		slog.Error("failed to save transition audit record",
			"class", state.Class,
			"entity_id", state.EntityID,
			"error", err,
		)
	}

	slog.Info("threat state transition",
		"class", state.Class,
		"entity_id", state.EntityID,
		"from", from,
		"to", state.State,
		"score", state.Score,
	)
}

func (e *Evaluator) fireIncident(ctx context.Context, state *domain.ThreatState, from domain.State) {
	incident := &domain.Incident{
		ID:         uuid.New().String(),
		Class:      state.Class,
		EntityID:   state.EntityID,
		FromState:  from,
		Score:      state.Score,
		Signals:    state.Signals,
		OccurredAt: time.Now().UnixNano(),
	}
	if dom := state.DominantSignal(); dom != nil {
		incident.DominantSignal = dom.Kind
	}

	if e.bus != nil {
		payload, _ := json.Marshal(incident)
		if err := e.bus.Publish(ctx, domain.TopicIncident, payload); err != nil {
			slog.Error("failed to publish incident",
				"class", state.Class,
				"entity_id", state.EntityID,
				"error", err,
			)
		}
	}

	slog.Warn("incident fired",
		"class", state.Class,
		"entity_id", state.EntityID,
		"score", state.Score,
		"dominant_signal", incident.DominantSignal,
	)
}
