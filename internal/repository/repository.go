// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hearth-social/warden/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent appends a behavioral event. Events are immutable once
// written.
func (r *SQLRepository) SaveEvent(ctx context.Context, event *domain.Event) error {
	if event.ID == "" || event.EntityID == "" {
		return fmt.Errorf("%w: event id and entity id are required", ErrInvalidInput)
	}
	if !event.Class.Valid() {
		return fmt.Errorf("%w: unknown entity class %q", ErrInvalidInput, event.Class)
	}

	attrs, _ := json.Marshal(event.Attrs)

	query := `
		INSERT INTO events (
			id, class, entity_id, kind, actor_id, target_id,
			value, attrs, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.Class, event.EntityID, event.Kind,
		event.ActorID, event.TargetID,
		event.Value, string(attrs),
		event.Timestamp, event.CreatedAt,
	)
	return err
}

// GetEventsByEntity retrieves events for one entity since the given
// time, oldest first.
func (r *SQLRepository) GetEventsByEntity(ctx context.Context, class domain.EntityClass, entityID string, since time.Time) ([]*domain.Event, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, class, entity_id, kind, actor_id, target_id,
			   value, attrs, timestamp, created_at
		FROM events
		WHERE class = ? AND entity_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), class, entityID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var attrs string

		if err := rows.Scan(
			&ev.ID, &ev.Class, &ev.EntityID, &ev.Kind,
			&ev.ActorID, &ev.TargetID,
			&ev.Value, &attrs,
			&ev.Timestamp, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}

		if attrs != "" {
			json.Unmarshal([]byte(attrs), &ev.Attrs)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// ListActiveEntities enumerates the evaluation roster for a class:
// entities with events in the window, plus any entity that already has
// a persisted threat state. Sorted so evaluator runs have a stable
// cursor order.
func (r *SQLRepository) ListActiveEntities(ctx context.Context, class domain.EntityClass, since time.Time) ([]string, error) {
	query := `
		SELECT entity_id FROM events WHERE class = ? AND timestamp >= ?
		UNION
		SELECT entity_id FROM threat_states WHERE class = ?
		ORDER BY entity_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), class, since, class)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// SaveThreatState upserts the single threat state row for an entity.
func (r *SQLRepository) SaveThreatState(ctx context.Context, state *domain.ThreatState) error {
	if state.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}

	signals, _ := json.Marshal(state.Signals)

	query := `
		INSERT INTO threat_states (
			class, entity_id, score, state, signals,
			last_evaluated_at, next_evaluation_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(class, entity_id) DO UPDATE SET
			score = excluded.score,
			state = excluded.state,
			signals = excluded.signals,
			last_evaluated_at = excluded.last_evaluated_at,
			next_evaluation_at = excluded.next_evaluation_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		state.Class, state.EntityID, state.Score, state.State,
		string(signals), state.LastEvaluatedAt, state.NextEvaluationAt,
	)
	return err
}

// GetThreatState retrieves the threat state for one entity.
func (r *SQLRepository) GetThreatState(ctx context.Context, class domain.EntityClass, entityID string) (*domain.ThreatState, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}

	query := `
		SELECT class, entity_id, score, state, signals,
			   last_evaluated_at, next_evaluation_at
		FROM threat_states
		WHERE class = ? AND entity_id = ?
	`

	var st domain.ThreatState
	var signals string

	err := r.db.QueryRowContext(ctx, r.rebind(query), class, entityID).Scan(
		&st.Class, &st.EntityID, &st.Score, &st.State,
		&signals, &st.LastEvaluatedAt, &st.NextEvaluationAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(signals), &st.Signals)

	return &st, nil
}

// SaveDetectorConfig upserts a detector configuration.
func (r *SQLRepository) SaveDetectorConfig(ctx context.Context, cfg *domain.DetectorConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: detector id is required", ErrInvalidInput)
	}
	if !cfg.Class.Valid() {
		return fmt.Errorf("%w: unknown entity class %q", ErrInvalidInput, cfg.Class)
	}

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO detector_configs (
			id, class, name, description, version, kind, severity,
			expression, min_confidence, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, class) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			kind = excluded.kind,
			severity = excluded.severity,
			expression = excluded.expression,
			min_confidence = excluded.min_confidence,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cfg.ID, cfg.Class, cfg.Name, cfg.Description, cfg.Version,
		cfg.Kind, cfg.Severity, cfg.Expression, cfg.MinConfidence,
		enabled, createdAt, now,
	)
	return err
}

// GetDetectorConfig retrieves one detector configuration.
func (r *SQLRepository) GetDetectorConfig(ctx context.Context, class domain.EntityClass, detectorID string) (*domain.DetectorConfig, error) {
	if detectorID == "" {
		return nil, fmt.Errorf("%w: detector id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, class, name, description, version, kind, severity,
			   expression, min_confidence, enabled, created_at, updated_at
		FROM detector_configs
		WHERE class = ? AND id = ?
	`

	var cfg domain.DetectorConfig
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), class, detectorID).Scan(
		&cfg.ID, &cfg.Class, &cfg.Name, &cfg.Description, &cfg.Version,
		&cfg.Kind, &cfg.Severity, &cfg.Expression, &cfg.MinConfidence,
		&enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// ListDetectorConfigs retrieves all enabled detector configurations for
// a class, ordered by ID.
func (r *SQLRepository) ListDetectorConfigs(ctx context.Context, class domain.EntityClass) ([]*domain.DetectorConfig, error) {
	query := `
		SELECT id, class, name, description, version, kind, severity,
			   expression, min_confidence, enabled, created_at, updated_at
		FROM detector_configs
		WHERE class = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), class)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.DetectorConfig
	for rows.Next() {
		var cfg domain.DetectorConfig
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Class, &cfg.Name, &cfg.Description, &cfg.Version,
			&cfg.Kind, &cfg.Severity, &cfg.Expression, &cfg.MinConfidence,
			&enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DeleteDetectorConfig soft-deletes a detector by setting enabled = 0.
func (r *SQLRepository) DeleteDetectorConfig(ctx context.Context, class domain.EntityClass, detectorID string) error {
	if detectorID == "" {
		return fmt.Errorf("%w: detector id is required", ErrInvalidInput)
	}

	query := `
		UPDATE detector_configs
		SET enabled = 0, updated_at = ?
		WHERE class = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), class, detectorID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveAuditRecord appends an audit record.
func (r *SQLRepository) SaveAuditRecord(ctx context.Context, rec *domain.AuditRecord) error {
	if rec.ID == "" || rec.EntityID == "" {
		return fmt.Errorf("%w: audit id and entity id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_records (
			id, class, entity_id, kind, operation,
			from_state, to_state, score, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.Class, rec.EntityID, rec.Kind, rec.Operation,
		rec.FromState, rec.ToState, rec.Score, rec.Reason, rec.CreatedAt,
	)
	return err
}

// ListAuditRecords retrieves the newest audit records for one entity.
func (r *SQLRepository) ListAuditRecords(ctx context.Context, class domain.EntityClass, entityID string, limit int) ([]*domain.AuditRecord, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, class, entity_id, kind, operation,
			   from_state, to_state, score, reason, created_at
		FROM audit_records
		WHERE class = ? AND entity_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), class, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord

		if err := rows.Scan(
			&rec.ID, &rec.Class, &rec.EntityID, &rec.Kind, &rec.Operation,
			&rec.FromState, &rec.ToState, &rec.Score, &rec.Reason, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveCheckpoint upserts the evaluator checkpoint for a class.
func (r *SQLRepository) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	if !cp.Class.Valid() {
		return fmt.Errorf("%w: unknown entity class %q", ErrInvalidInput, cp.Class)
	}

	query := `
		INSERT INTO evaluator_checkpoints (
			class, tick_started_at, cursor, processed, failed, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(class) DO UPDATE SET
			tick_started_at = excluded.tick_started_at,
			cursor = excluded.cursor,
			processed = excluded.processed,
			failed = excluded.failed,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cp.Class, cp.TickStartedAt, cp.Cursor,
		cp.Processed, cp.Failed, time.Now().UTC(),
	)
	return err
}

// GetCheckpoint retrieves the evaluator checkpoint for a class.
func (r *SQLRepository) GetCheckpoint(ctx context.Context, class domain.EntityClass) (*domain.Checkpoint, error) {
	query := `
		SELECT class, tick_started_at, cursor, processed, failed, updated_at
		FROM evaluator_checkpoints
		WHERE class = ?
	`

	var cp domain.Checkpoint
	err := r.db.QueryRowContext(ctx, r.rebind(query), class).Scan(
		&cp.Class, &cp.TickStartedAt, &cp.Cursor,
		&cp.Processed, &cp.Failed, &cp.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &cp, nil
}

// ClearCheckpoint removes the checkpoint after a completed run.
func (r *SQLRepository) ClearCheckpoint(ctx context.Context, class domain.EntityClass) error {
	query := `DELETE FROM evaluator_checkpoints WHERE class = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), class)
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
