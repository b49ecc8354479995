package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hearth-social/warden/internal/collector"
	"github.com/hearth-social/warden/internal/domain"
	"github.com/hearth-social/warden/internal/evaluator"
	"github.com/hearth-social/warden/internal/gate"
	"github.com/hearth-social/warden/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	dispatcher *gate.Dispatcher
	evaluator  *evaluator.Evaluator
	detectors  map[domain.EntityClass]*collector.DetectorEngine
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, dispatcher *gate.Dispatcher, eval *evaluator.Evaluator, detectors map[domain.EntityClass]*collector.DetectorEngine, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		dispatcher: dispatcher,
		evaluator:  eval,
		detectors:  detectors,
		version:    version,
	}
}

// classParam extracts and validates the entity class URL parameter.
func classParam(r *http.Request) (domain.EntityClass, bool) {
	class := domain.EntityClass(chi.URLParam(r, "class"))
	return class, class.Valid()
}

// IngestEvent handles POST /events. Events are append-only; ingestion
// never triggers scoring synchronously.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if !req.Class.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}
	if req.EntityID == "" || req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "entityId and kind are required",
		})
		return
	}

	event := req.ToEvent(uuid.New().String())

	if err := h.repo.SaveEvent(ctx, event); err != nil {
		slog.Error("failed to save event", "entity_id", event.EntityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save event",
		})
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(event)
		if err := h.bus.Publish(ctx, domain.TopicEventIngested, payload); err != nil {
			slog.Warn("failed to publish ingested event", "event_id", event.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"eventId": event.ID,
	})
}

// CheckRequest is the request body for POST /check.
type CheckRequest struct {
	Class     domain.EntityClass `json:"class"`
	EntityID  string             `json:"entityId"`
	Operation string             `json:"operation"`
}

// Check handles POST /check requests: the gate hot path.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if !req.Class.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}
	if req.EntityID == "" || req.Operation == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "entityId and operation are required",
		})
		return
	}

	decision, err := h.dispatcher.Check(ctx, req.Class, req.EntityID, req.Operation)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// EvaluateEntity handles POST /classes/{class}/entities/{id}/evaluate:
// an on-demand scoring pass outside the scheduled loop.
func (h *Handler) EvaluateEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}
	entityID := chi.URLParam(r, "id")

	if err := h.evaluator.EvaluateEntity(ctx, class, entityID); err != nil {
		slog.Error("on-demand evaluation failed",
			"class", class,
			"entity_id", entityID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	state, err := h.repo.GetThreatState(ctx, class, entityID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to read evaluated state",
		})
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// GetThreatState handles GET /classes/{class}/entities/{id}/threat.
func (h *Handler) GetThreatState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}
	entityID := chi.URLParam(r, "id")

	state, err := h.repo.GetThreatState(ctx, class, entityID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "threat state not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get threat state", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get threat state",
		})
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// ListAudits handles GET /classes/{class}/entities/{id}/audits.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}
	entityID := chi.URLParam(r, "id")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}

	records, err := h.repo.ListAuditRecords(ctx, class, entityID, limit)
	if err != nil {
		slog.Error("failed to list audit records", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list audit records",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"audits": records,
		"count":  len(records),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// engineFor returns the detector engine for a class.
func (h *Handler) engineFor(class domain.EntityClass) *collector.DetectorEngine {
	if h.detectors == nil {
		return nil
	}
	return h.detectors[class]
}

// ListDetectors returns the detectors currently loaded for a class.
// Detectors load from the database at startup and reload via POST
// /classes/{class}/detectors/reload.
func (h *Handler) ListDetectors(w http.ResponseWriter, r *http.Request) {
	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}

	engine := h.engineFor(class)
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "detector engine not available",
		})
		return
	}

	loaded := engine.GetLoadedDetectors()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detectors": loaded,
		"count":     len(loaded),
		"source":    "database",
	})
}

// GetDetector retrieves a loaded detector by ID.
func (h *Handler) GetDetector(w http.ResponseWriter, r *http.Request) {
	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}
	detectorID := chi.URLParam(r, "id")

	engine := h.engineFor(class)
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "detector engine not available",
		})
		return
	}

	for _, cfg := range engine.GetLoadedDetectors() {
		if cfg.ID == detectorID {
			writeJSON(w, http.StatusOK, cfg)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "detector not found",
	})
}

// CreateDetectorRequest is the request body for creating a detector.
type CreateDetectorRequest struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Kind          domain.SignalKind `json:"kind"`
	Severity      domain.Severity   `json:"severity"`
	Expression    string            `json:"expression"`
	MinConfidence float64           `json:"minConfidence"`
	Enabled       bool              `json:"enabled"`
}

// CreateDetector validates and persists a detector configuration.
// After saving, call POST /classes/{class}/detectors/reload to apply.
func (h *Handler) CreateDetector(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}

	var req CreateDetectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	cfg := &domain.DetectorConfig{
		ID:            req.ID,
		Class:         class,
		Name:          req.Name,
		Description:   req.Description,
		Version:       "1",
		Kind:          req.Kind,
		Severity:      req.Severity,
		Expression:    req.Expression,
		MinConfidence: req.MinConfidence,
		Enabled:       req.Enabled,
	}

	engine := h.engineFor(class)
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "detector engine not available",
		})
		return
	}

	if err := engine.ValidateDetector(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid detector: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveDetectorConfig(ctx, cfg); err != nil {
		slog.Error("failed to save detector config", "id", cfg.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save detector",
		})
		return
	}

	slog.Info("detector created", "class", class, "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"detector": cfg,
		"message":  "Detector created. Call POST /classes/{class}/detectors/reload to apply changes.",
	})
}

// DeleteDetector disables a detector and auto-reloads the engine.
func (h *Handler) DeleteDetector(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}
	detectorID := chi.URLParam(r, "id")

	if err := h.repo.DeleteDetectorConfig(ctx, class, detectorID); err != nil {
		slog.Error("failed to delete detector", "id", detectorID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "detector not found",
		})
		return
	}

	if engine := h.engineFor(class); engine != nil {
		configs, err := h.repo.ListDetectorConfigs(ctx, class)
		if err != nil {
			slog.Error("failed to reload detectors after delete", "error", err)
		} else if err := engine.ReloadDetectors(configs); err != nil {
			slog.Error("failed to reload detectors after delete", "error", err)
		} else {
			slog.Info("detectors auto-reloaded after delete", "class", class, "count", len(configs))
		}
	}

	slog.Info("detector deleted", "class", class, "id", detectorID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Detector deleted and engine reloaded.",
	})
}

// ReloadDetectors reloads all detectors for a class from the database.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadDetectors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	class, ok := classParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown entity class",
		})
		return
	}

	engine := h.engineFor(class)
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "detector engine not available",
		})
		return
	}

	configs, err := h.repo.ListDetectorConfigs(ctx, class)
	if err != nil {
		slog.Error("failed to list detector configs", "class", class, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load detectors from database",
		})
		return
	}

	if err := engine.ReloadDetectors(configs); err != nil {
		slog.Error("failed to reload detectors", "class", class, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload detectors: " + err.Error(),
		})
		return
	}

	slog.Info("detectors reloaded from database", "class", class, "count", len(configs))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "detectors reloaded successfully",
		"count":   len(configs),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
