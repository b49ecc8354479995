package domain

import (
	"time"
)

// Event kinds recorded by the platform's feature packs.
const (
	EventReview       = "review"
	EventInstall      = "install"
	EventMessage      = "message"
	EventTransaction  = "transaction"
	EventRegistration = "registration"
)

// Event is one append-only domain event. Collectors read events within
// a lookback window; they never write them.
type Event struct {
	ID       string      `json:"id"`
	Class    EntityClass `json:"class"`
	EntityID string      `json:"entityId"`
	Kind     string      `json:"kind"`

	// ActorID is the author, sender, or device that produced the event.
	ActorID string `json:"actorId,omitempty"`

	// TargetID is the counterparty (e.g. a message recipient).
	TargetID string `json:"targetId,omitempty"`

	// Value is the kind-specific numeric payload: a review rating,
	// a transaction amount. Zero when absent.
	Value float64 `json:"value,omitempty"`

	// Attrs holds optional kind-specific fields. Collectors treat
	// missing attrs as zero/false, never as errors.
	Attrs map[string]any `json:"attrs,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// BoolAttr reads an optional boolean attribute, defaulting to false.
func (e *Event) BoolAttr(key string) bool {
	if e.Attrs == nil {
		return false
	}
	v, ok := e.Attrs[key].(bool)
	return ok && v
}

// StringAttr reads an optional string attribute, defaulting to "".
func (e *Event) StringAttr(key string) string {
	if e.Attrs == nil {
		return ""
	}
	v, _ := e.Attrs[key].(string)
	return v
}

// EventRequest is the API request payload for event ingestion.
type EventRequest struct {
	Class    EntityClass    `json:"class"`
	EntityID string         `json:"entityId"`
	Kind     string         `json:"kind"`
	ActorID  string         `json:"actorId,omitempty"`
	TargetID string         `json:"targetId,omitempty"`
	Value    float64        `json:"value,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// ToEvent converts a request to an Event domain object.
func (r *EventRequest) ToEvent(id string) *Event {
	now := time.Now().UTC()
	return &Event{
		ID:        id,
		Class:     r.Class,
		EntityID:  r.EntityID,
		Kind:      r.Kind,
		ActorID:   r.ActorID,
		TargetID:  r.TargetID,
		Value:     r.Value,
		Attrs:     r.Attrs,
		Timestamp: now,
		CreatedAt: now,
	}
}
