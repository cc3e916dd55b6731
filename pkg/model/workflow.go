package model

import (
	"fmt"
	"strings"
	"time"
)

// Definition is an immutable, versioned workflow definition. Identity is
// (Namespace, Name, Version); once published it is append-only.
type Definition struct {
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Input       *InputContract  `json:"input,omitempty"`
	Output      *OutputContract `json:"output,omitempty"`
	Schedule    []Schedule      `json:"schedule,omitempty"`
	Timeout     string          `json:"timeout,omitempty"`
	Do          []Task          `json:"do"`
}

// Ref returns the definition's identity reference.
func (d *Definition) Ref() DefinitionRef {
	return DefinitionRef{Namespace: d.Namespace, Name: d.Name, Version: d.Version}
}

// DefinitionRef identifies a published definition.
type DefinitionRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

func (r DefinitionRef) String() string {
	return fmt.Sprintf("%s/%s@%s", r.Namespace, r.Name, r.Version)
}

// Schedule is a cron trigger that starts instances of a definition.
type Schedule struct {
	Cron  string         `json:"cron"`
	Input map[string]any `json:"input,omitempty"`
}

// InstanceStatus enumerates the workflow instance lifecycle.
type InstanceStatus string

const (
	StatusCreated    InstanceStatus = "created"
	StatusRunning    InstanceStatus = "running"
	StatusSuspended  InstanceStatus = "suspended"
	StatusCompleted  InstanceStatus = "completed"
	StatusFailed     InstanceStatus = "failed"
	StatusTerminated InstanceStatus = "terminated"
)

// Terminal reports whether the status is terminal; a terminal instance is
// immutable thereafter.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// Instance is the persisted representation of one workflow execution.
// Status and Position are written only by the instance state machine.
type Instance struct {
	ID          string         `json:"id"`
	Definition  DefinitionRef  `json:"definition"`
	Status      InstanceStatus `json:"status"`
	Position    string         `json:"position,omitempty"`
	Input       any            `json:"input,omitempty"`
	Context     any            `json:"context,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       *Error         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Position is a path into the task graph, supporting nested scopes for
// Fork/For/Try. Segments are task names or branch/iteration markers.
type Position []string

// Push returns a child position extended with the given segment.
func (p Position) Push(segment string) Position {
	child := make(Position, len(p), len(p)+1)
	copy(child, p)
	return append(child, segment)
}

func (p Position) String() string {
	if len(p) == 0 {
		return "/"
	}
	return "/" + strings.Join(p, "/")
}

// ParsePosition parses a position path back into segments.
func ParsePosition(s string) Position {
	s = strings.Trim(s, "/")
	if s == "" {
		return Position{}
	}
	return Position(strings.Split(s, "/"))
}
