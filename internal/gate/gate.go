// Package gate answers "is operation X allowed for entity Y right now?".
//
// The dispatcher combines an entity's already-computed threat state with
// the operation's capacity counter. It is safe on the hot path: checks
// are O(1) reads plus one atomic counter increment, and never trigger a
// scoring pass synchronously — scoring is always out-of-band via the
// scheduled evaluator.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-social/warden/internal/domain"
	"github.com/hearth-social/warden/internal/repository"
)

// Dispatcher evaluates gate checks against persisted threat state and
// capacity counters.
type Dispatcher struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	profiles map[domain.EntityClass]*domain.Profile

	// stateTTL bounds how long a cached threat state is served before
	// falling back to the repository.
	stateTTL time.Duration
}

// NewDispatcher creates a gate dispatcher.
func NewDispatcher(repo domain.Repository, cache domain.Cache, bus domain.EventBus, profiles map[domain.EntityClass]*domain.Profile) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		profiles: profiles,
		stateTTL: 15 * time.Minute,
	}
}

// Check returns the gate decision for one operation on one entity.
// An error is returned only for configuration problems (unknown class
// or operation); store failures are folded into the decision according
// to the operation's fail-open/fail-closed policy.
func (d *Dispatcher) Check(ctx context.Context, class domain.EntityClass, entityID, operation string) (*domain.GateDecision, error) {
	profile, ok := d.profiles[class]
	if !ok {
		return nil, fmt.Errorf("no profile for entity class %q", class)
	}
	policy, ok := profile.Operations[operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q for class %q", operation, class)
	}

	state, err := d.loadState(ctx, class, entityID)
	if err != nil {
		return d.onReadFailure(ctx, class, entityID, operation, policy, err), nil
	}

	decision := &domain.GateDecision{Allowed: true, Reason: "allowed"}
	if state != nil {
		decision.State = state.State
	} else {
		// Entity with no history: SAFE by definition.
		decision.State = domain.StateSafe
		slog.Debug("gate check for entity with no threat state",
			"class", class,
			"entity_id", entityID,
			"operation", operation,
		)
	}

	if decision.State == domain.StateCritical {
		reason := "entity is classified CRITICAL"
		if dom := state.DominantSignal(); dom != nil {
			reason = fmt.Sprintf("entity is classified CRITICAL: dominant signal %s", dom.Kind)
		}
		d.deny(ctx, decision, class, entityID, operation, state, reason)
		return decision, nil
	}

	// Capacity is enforced regardless of threat state; a SAFE entity
	// can still be denied for exceeding the flat limit.
	ceiling := policy.Ceiling
	if decision.State == domain.StateWarning {
		decision.ThrottleFactor = profile.ThrottleFactor
		ceiling = int64(float64(ceiling) * profile.ThrottleFactor)
		if ceiling < 1 {
			ceiling = 1
		}
	}

	bucket := time.Duration(policy.BucketSecs) * time.Second
	now := time.Now().UTC()
	bucketStart := now.Truncate(bucket)
	key := domain.CapacityKey(class, entityID, operation, bucketStart)

	count, err := d.cache.IncrementCounter(ctx, key, bucketStart.Add(bucket).Sub(now))
	if err != nil {
		failed := d.onReadFailure(ctx, class, entityID, operation, policy, fmt.Errorf("capacity counter: %w", err))
		failed.State = decision.State
		failed.ThrottleFactor = decision.ThrottleFactor
		return failed, nil
	}

	if count > ceiling {
		reason := fmt.Sprintf("rate limit exceeded: %d of %d allowed in current bucket", count, ceiling)
		if decision.ThrottleFactor > 0 {
			reason += fmt.Sprintf(" (throttled to %.0f%%)", decision.ThrottleFactor*100)
		}
		d.deny(ctx, decision, class, entityID, operation, state, reason)
		return decision, nil
	}

	decision.Remaining = ceiling - count
	return decision, nil
}

// loadState reads the threat state, cache first, repository fallback.
// Returns nil, nil for entities with no history.
func (d *Dispatcher) loadState(ctx context.Context, class domain.EntityClass, entityID string) (*domain.ThreatState, error) {
	if d.cache != nil {
		state, err := d.cache.GetThreatState(ctx, class, entityID)
		if err == nil && state != nil {
			return state, nil
		}
		if err != nil {
			slog.Warn("threat state cache read failed, falling back to repository",
				"class", class,
				"entity_id", entityID,
				"error", err,
			)
		}
	}

	state, err := d.repo.GetThreatState(ctx, class, entityID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		if err := d.cache.SetThreatState(ctx, state, d.stateTTL); err != nil {
			slog.Warn("failed to cache threat state", "entity_id", entityID, "error", err)
		}
	}
	return state, nil
}

// onReadFailure applies the per-operation fail-open/fail-closed policy.
func (d *Dispatcher) onReadFailure(ctx context.Context, class domain.EntityClass, entityID, operation string, policy domain.OperationPolicy, readErr error) *domain.GateDecision {
	if policy.FailClosed {
		decision := &domain.GateDecision{}
		reason := fmt.Sprintf("threat state unavailable (%v); operation %s fails closed", readErr, operation)
		d.deny(ctx, decision, class, entityID, operation, nil, reason)
		return decision
	}

	slog.Warn("gate check failing open",
		"class", class,
		"entity_id", entityID,
		"operation", operation,
		"error", readErr,
	)
	return &domain.GateDecision{
		Allowed: true,
		Reason:  fmt.Sprintf("threat state unavailable; operation %s fails open", operation),
	}
}

// deny marks the decision denied and writes the audit record. A denied
// decision always carries a non-empty reason.
func (d *Dispatcher) deny(ctx context.Context, decision *domain.GateDecision, class domain.EntityClass, entityID, operation string, state *domain.ThreatState, reason string) {
	decision.Allowed = false
	decision.Reason = reason

	rec := &domain.AuditRecord{
		ID:        uuid.New().String(),
		Class:     class,
		EntityID:  entityID,
		Kind:      domain.AuditDenial,
		Operation: operation,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if state != nil {
		rec.ToState = state.State
		rec.Score = state.Score
	}

	if err := d.repo.SaveAuditRecord(ctx, rec); err != nil {
		slog.Error("failed to save denial audit record",
			"class", class,
			"entity_id", entityID,
			"operation", operation,
			"error", err,
		)
	}

	if d.bus != nil {
		payload, _ := json.Marshal(rec)
		if err := d.bus.Publish(ctx, domain.TopicAudit, payload); err != nil {
			slog.Error("failed to publish audit record", "entity_id", entityID, "error", err)
		}
	}

	slog.Info("gate denied",
		"class", class,
		"entity_id", entityID,
		"operation", operation,
		"reason", reason,
	)
}
