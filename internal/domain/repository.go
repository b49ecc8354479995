package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Event collections are append-only; ThreatState rows are single-row
// upserts with the evaluator as the sole writer.
type Repository interface {
	// Event operations
	SaveEvent(ctx context.Context, event *Event) error
	GetEventsByEntity(ctx context.Context, class EntityClass, entityID string, since time.Time) ([]*Event, error)

	// ListActiveEntities enumerates the roster: entities of a class
	// with at least one event since the given time, plus any entity
	// that already has a persisted threat state.
	ListActiveEntities(ctx context.Context, class EntityClass, since time.Time) ([]string, error)

	// Threat state operations
	SaveThreatState(ctx context.Context, state *ThreatState) error
	GetThreatState(ctx context.Context, class EntityClass, entityID string) (*ThreatState, error)

	// Detector configuration operations
	SaveDetectorConfig(ctx context.Context, cfg *DetectorConfig) error
	GetDetectorConfig(ctx context.Context, class EntityClass, detectorID string) (*DetectorConfig, error)
	ListDetectorConfigs(ctx context.Context, class EntityClass) ([]*DetectorConfig, error)
	DeleteDetectorConfig(ctx context.Context, class EntityClass, detectorID string) error

	// Audit records
	SaveAuditRecord(ctx context.Context, rec *AuditRecord) error
	ListAuditRecords(ctx context.Context, class EntityClass, entityID string, limit int) ([]*AuditRecord, error)

	// Evaluator checkpoints, one per class.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, class EntityClass) (*Checkpoint, error)
	ClearCheckpoint(ctx context.Context, class EntityClass) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Checkpoint records evaluator progress within one scheduled run so a
// budget-exhausted run resumes instead of restarting.
type Checkpoint struct {
	Class         EntityClass `json:"class"`
	TickStartedAt time.Time   `json:"tickStartedAt"`

	// Cursor is the last entity ID completed; entities sort
	// lexicographically within a run.
	Cursor string `json:"cursor"`

	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updatedAt"`
}
