package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/pkg/model"
)

// TransitionHook is called before or after an instance state transition.
type TransitionHook func(from, to model.InstanceStatus) error

// EventAppender is satisfied by the Store; FSM transitions record lifecycle
// events through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// validTransitions is the instance lifecycle:
// created -> running <-> suspended -> completed|failed|terminated.
// Terminated is reachable from any non-terminal state via external
// cancellation; completed only from running.
var validTransitions = map[model.InstanceStatus][]model.InstanceStatus{
	model.StatusCreated:    {model.StatusRunning, model.StatusTerminated},
	model.StatusRunning:    {model.StatusSuspended, model.StatusCompleted, model.StatusFailed, model.StatusTerminated},
	model.StatusSuspended:  {model.StatusRunning, model.StatusFailed, model.StatusTerminated},
	model.StatusCompleted:  {},
	model.StatusFailed:     {},
	model.StatusTerminated: {},
}

type hookKey struct {
	from, to model.InstanceStatus
}

// InstanceFSM validates and applies workflow instance lifecycle transitions.
// It is the sole writer of instance status and position; other components
// request transitions, they never mutate the record directly.
type InstanceFSM struct {
	mu       sync.Mutex
	backend  store.Store
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewInstanceFSM creates an InstanceFSM persisting through the given store.
func NewInstanceFSM(backend store.Store) *InstanceFSM {
	return &InstanceFSM{
		backend:  backend,
		appender: backend,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is applied.
func (f *InstanceFSM) OnBefore(from, to model.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is applied.
func (f *InstanceFSM) OnAfter(from, to model.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates the requested transition, persists the new status
// together with any extra record fields in update, and records the lifecycle
// event. Transitions on terminal instances fail.
func (f *InstanceFSM) Transition(ctx context.Context, instanceID string, from, to model.InstanceStatus, update store.InstanceUpdate) error {
	if !ValidTransition(from, to) {
		return model.NewErrorf(model.ErrTypeRuntime,
			"invalid instance transition: %s -> %s", from, to).WithInstance(instanceID)
	}

	f.mu.Lock()
	key := hookKey{from, to}
	before := f.before[key]
	after := f.after[key]
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	update.Status = &to
	if err := f.backend.UpdateInstance(ctx, instanceID, update); err != nil {
		return err
	}

	if eventType := lifecycleEventType(from, to); eventType != "" {
		event := &store.Event{
			InstanceID: instanceID,
			Type:       eventType,
		}
		if update.Position != nil {
			event.Position = *update.Position
		}
		if update.LastError != nil {
			event.Payload = update.LastError
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return model.NewErrorf(model.ErrTypeRuntime, "record lifecycle event: %v", err).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

// SetPosition persists a position advance without a status change and is
// only called while the instance is running.
func (f *InstanceFSM) SetPosition(ctx context.Context, instanceID string, pos model.Position) error {
	p := pos.String()
	return f.backend.UpdateInstance(ctx, instanceID, store.InstanceUpdate{Position: &p})
}

// RecordTaskEvent appends a task-level lifecycle event at a position.
func (f *InstanceFSM) RecordTaskEvent(ctx context.Context, instanceID string, pos model.Position, eventType string, payload any) error {
	event := &store.Event{
		InstanceID: instanceID,
		Position:   pos.String(),
		Type:       eventType,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	return f.appender.AppendEvent(ctx, event)
}

// ValidTransition reports whether from -> to is an allowed lifecycle move.
func ValidTransition(from, to model.InstanceStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func lifecycleEventType(from, to model.InstanceStatus) string {
	switch to {
	case model.StatusRunning:
		if from == model.StatusSuspended {
			return model.EventInstanceResumed
		}
		return model.EventInstanceStarted
	case model.StatusSuspended:
		return model.EventInstanceSuspended
	case model.StatusCompleted:
		return model.EventInstanceCompleted
	case model.StatusFailed:
		return model.EventInstanceFailed
	case model.StatusTerminated:
		return model.EventInstanceTerminated
	default:
		return ""
	}
}
