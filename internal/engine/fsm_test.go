package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/pkg/model"
)

func newInstanceRecord(t *testing.T, backend *store.MemoryStore, status model.InstanceStatus) string {
	t.Helper()
	rec := &store.InstanceRecord{
		ID:         "inst-1",
		Definition: model.DefinitionRef{Namespace: "ns", Name: "wf", Version: "1.0.0"},
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, backend.CreateInstance(context.Background(), rec))
	return rec.ID
}

func TestValidTransitionTable(t *testing.T) {
	tests := []struct {
		from, to model.InstanceStatus
		ok       bool
	}{
		{model.StatusCreated, model.StatusRunning, true},
		{model.StatusCreated, model.StatusTerminated, true},
		{model.StatusCreated, model.StatusCompleted, false},
		{model.StatusRunning, model.StatusSuspended, true},
		{model.StatusRunning, model.StatusCompleted, true},
		{model.StatusRunning, model.StatusFailed, true},
		{model.StatusRunning, model.StatusTerminated, true},
		{model.StatusSuspended, model.StatusRunning, true},
		{model.StatusSuspended, model.StatusCompleted, false},
		{model.StatusSuspended, model.StatusTerminated, true},
		{model.StatusCompleted, model.StatusRunning, false},
		{model.StatusFailed, model.StatusRunning, false},
		{model.StatusTerminated, model.StatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ValidTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionPersistsAndRecordsEvent(t *testing.T) {
	backend := store.NewMemoryStore()
	fsm := NewInstanceFSM(backend)
	id := newInstanceRecord(t, backend, model.StatusCreated)

	err := fsm.Transition(context.Background(), id, model.StatusCreated, model.StatusRunning, store.InstanceUpdate{})
	require.NoError(t, err)

	rec, err := backend.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, rec.Status)

	events, err := backend.GetEvents(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventInstanceStarted, events[0].Type)
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	backend := store.NewMemoryStore()
	fsm := NewInstanceFSM(backend)
	id := newInstanceRecord(t, backend, model.StatusCreated)

	err := fsm.Transition(context.Background(), id, model.StatusCreated, model.StatusCompleted, store.InstanceUpdate{})
	require.Error(t, err)

	rec, err := backend.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, rec.Status, "rejected transition must not persist")
}

func TestResumeEmitsResumedNotStarted(t *testing.T) {
	backend := store.NewMemoryStore()
	fsm := NewInstanceFSM(backend)
	id := newInstanceRecord(t, backend, model.StatusSuspended)

	err := fsm.Transition(context.Background(), id, model.StatusSuspended, model.StatusRunning, store.InstanceUpdate{})
	require.NoError(t, err)

	events, err := backend.GetEvents(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventInstanceResumed, events[0].Type)
}

func TestTransitionHooksRun(t *testing.T) {
	backend := store.NewMemoryStore()
	fsm := NewInstanceFSM(backend)
	id := newInstanceRecord(t, backend, model.StatusCreated)

	var order []string
	fsm.OnBefore(model.StatusCreated, model.StatusRunning, func(from, to model.InstanceStatus) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(model.StatusCreated, model.StatusRunning, func(from, to model.InstanceStatus) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), id, model.StatusCreated, model.StatusRunning, store.InstanceUpdate{}))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestBeforeHookAbortsTransition(t *testing.T) {
	backend := store.NewMemoryStore()
	fsm := NewInstanceFSM(backend)
	id := newInstanceRecord(t, backend, model.StatusCreated)

	fsm.OnBefore(model.StatusCreated, model.StatusRunning, func(from, to model.InstanceStatus) error {
		return assert.AnError
	})

	err := fsm.Transition(context.Background(), id, model.StatusCreated, model.StatusRunning, store.InstanceUpdate{})
	require.Error(t, err)

	rec, err := backend.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, rec.Status)
}

func TestSetPosition(t *testing.T) {
	backend := store.NewMemoryStore()
	fsm := NewInstanceFSM(backend)
	id := newInstanceRecord(t, backend, model.StatusRunning)

	require.NoError(t, fsm.SetPosition(context.Background(), id, model.Position{"fetch", "0"}))

	rec, err := backend.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "/fetch/0", rec.Position)
}
