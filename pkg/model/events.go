package model

import "time"

// Lifecycle event types recorded in the per-instance event log.
const (
	EventInstanceCreated    = "instance.created"
	EventInstanceStarted    = "instance.started"
	EventInstanceSuspended  = "instance.suspended"
	EventInstanceResumed    = "instance.resumed"
	EventInstanceCompleted  = "instance.completed"
	EventInstanceFailed     = "instance.failed"
	EventInstanceTerminated = "instance.terminated"

	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskRetried   = "task.retried"
	EventTaskSuspended = "task.suspended"

	EventCorrelationRegistered = "correlation.registered"
	EventCorrelationMatched    = "correlation.matched"
	EventCorrelationTimedOut   = "correlation.timeout"

	EventEmitted = "event.emitted"
)

// Event is the inbound/outbound event envelope accepted from any external
// producer and produced by Emit tasks.
type Event struct {
	ID         string            `json:"id,omitempty"`
	Type       string            `json:"type"`
	Source     string            `json:"source,omitempty"`
	Time       time.Time         `json:"time,omitempty"`
	Data       any               `json:"data,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AsMap renders the event envelope as bindable expression data.
func (e *Event) AsMap() map[string]any {
	m := map[string]any{
		"type": e.Type,
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	if !e.Time.IsZero() {
		m["time"] = e.Time.UTC().Format(time.RFC3339)
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if len(e.Attributes) > 0 {
		attrs := make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		m["attributes"] = attrs
	}
	return m
}
