package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/pkg/model"
)

type stubStarter struct {
	mu     sync.Mutex
	starts []model.DefinitionRef
	inputs []any
}

func (s *stubStarter) Start(ctx context.Context, ref model.DefinitionRef, input any) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, ref)
	s.inputs = append(s.inputs, input)
	return &model.Instance{ID: "inst-stub", Definition: ref}, nil
}

func (s *stubStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func scheduledDefinition(cronExpr string) *model.Definition {
	return &model.Definition{
		Namespace: "test",
		Name:      "nightly",
		Version:   "1.0.0",
		Schedule: []model.Schedule{
			{Cron: cronExpr, Input: map[string]any{"trigger": "cron"}},
		},
		Do: []model.Task{
			{Name: "noop", Set: map[string]any{"ok": true}},
		},
	}
}

func TestFirstSightingArmsWithoutFiring(t *testing.T) {
	backend := store.NewMemoryStore()
	require.NoError(t, backend.PublishDefinition(context.Background(), scheduledDefinition("0 3 * * *")))

	starter := &stubStarter{}
	s := New(backend, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.tick(context.Background())

	assert.Equal(t, 0, starter.count())
	_, armed := s.lookupNext("test/nightly@1.0.0#0")
	assert.True(t, armed)
}

func TestDueTriggerFiresAndRearms(t *testing.T) {
	backend := store.NewMemoryStore()
	require.NoError(t, backend.PublishDefinition(context.Background(), scheduledDefinition("0 3 * * *")))

	starter := &stubStarter{}
	s := New(backend, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	key := "test/nightly@1.0.0#0"
	s.storeNext(key, time.Now().Add(-time.Minute))

	s.tick(context.Background())

	require.Equal(t, 1, starter.count())
	assert.Equal(t, model.DefinitionRef{Namespace: "test", Name: "nightly", Version: "1.0.0"}, starter.starts[0])
	assert.Equal(t, map[string]any{"trigger": "cron"}, starter.inputs[0])

	next, armed := s.lookupNext(key)
	require.True(t, armed)
	assert.True(t, next.After(time.Now()), "trigger must re-arm for the future")

	// Not due again until the re-armed time passes.
	s.tick(context.Background())
	assert.Equal(t, 1, starter.count())
}

func TestInvalidCronIsSkipped(t *testing.T) {
	backend := store.NewMemoryStore()
	def := scheduledDefinition("not a cron")
	// Bypass publish-time validation to exercise the scheduler's own guard.
	require.NoError(t, backend.PublishDefinition(context.Background(), def))

	starter := &stubStarter{}
	s := New(backend, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.tick(context.Background())
	assert.Equal(t, 0, starter.count())
}

func TestStartStopLifecycle(t *testing.T) {
	backend := store.NewMemoryStore()
	starter := &stubStarter{}
	s := New(backend, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "double start is rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
