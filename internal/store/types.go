package store

import (
	"encoding/json"
	"time"

	"github.com/meridian-run/meridian/pkg/model"
)

// InstanceRecord is the persisted instance layout: everything needed to
// resume after a process restart without replaying completed tasks.
type InstanceRecord struct {
	ID          string               `json:"id"`
	Definition  model.DefinitionRef  `json:"definition"`
	Status      model.InstanceStatus `json:"status"`
	Position    string               `json:"position,omitempty"`
	Input       json.RawMessage      `json:"input,omitempty"`
	Context     json.RawMessage      `json:"context,omitempty"`
	Output      json.RawMessage      `json:"output,omitempty"`
	LastError   json.RawMessage      `json:"last_error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// InstanceUpdate specifies the mutable fields of an instance record. Only
// the instance state machine writes Status and Position.
type InstanceUpdate struct {
	Status      *model.InstanceStatus `json:"status,omitempty"`
	Position    *string               `json:"position,omitempty"`
	Context     json.RawMessage       `json:"context,omitempty"`
	Output      json.RawMessage       `json:"output,omitempty"`
	LastError   json.RawMessage       `json:"last_error,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status    *model.InstanceStatus `json:"status,omitempty"`
	Namespace string                `json:"namespace,omitempty"`
	Name      string                `json:"name,omitempty"`
	Since     *time.Time            `json:"since,omitempty"`
	Limit     int                   `json:"limit,omitempty"`
	Offset    int                   `json:"offset,omitempty"`
}

// Event is an immutable entry in the per-instance lifecycle event log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Position   string          `json:"position,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// EventFilter specifies criteria for listing lifecycle events.
type EventFilter struct {
	InstanceID string     `json:"instance_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// CorrelationRecord is the persisted form of a pending Listen correlation,
// kept so correlations survive process restarts.
type CorrelationRecord struct {
	ID         string            `json:"id"`
	InstanceID string            `json:"instance_id"`
	Position   string            `json:"position"`
	EventType  string            `json:"event_type"`
	Keys       map[string]string `json:"keys,omitempty"`
	Deadline   *time.Time        `json:"deadline,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
