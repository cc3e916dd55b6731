package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/pkg/model"
)

func validDefinition() *model.Definition {
	return &model.Definition{
		Namespace: "orders",
		Name:      "fulfil",
		Version:   "1.0.0",
		Do: []model.Task{
			{Name: "prepare", Set: map[string]any{"ok": true}},
			{Name: "finish", Set: map[string]any{"done": true}, Then: model.FlowEnd},
		},
	}
}

func requireConfigError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var typed *model.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, model.ErrTypeConfiguration, typed.Type)
}

func TestValidateDefinitionAccepts(t *testing.T) {
	require.NoError(t, ValidateDefinition(validDefinition()))
}

func TestValidateDefinitionIdentity(t *testing.T) {
	def := validDefinition()
	def.Version = ""
	requireConfigError(t, ValidateDefinition(def))
}

func TestValidateDefinitionEmptyBody(t *testing.T) {
	def := validDefinition()
	def.Do = nil
	requireConfigError(t, ValidateDefinition(def))
}

func TestValidateDefinitionBadCron(t *testing.T) {
	def := validDefinition()
	def.Schedule = []model.Schedule{{Cron: "not a cron"}}
	requireConfigError(t, ValidateDefinition(def))
}

func TestDuplicateTaskNames(t *testing.T) {
	def := validDefinition()
	def.Do[1].Name = "prepare"
	requireConfigError(t, ValidateDefinition(def))
}

func TestDanglingThenReference(t *testing.T) {
	def := validDefinition()
	def.Do[0].Then = "missing"
	requireConfigError(t, ValidateDefinition(def))
}

func TestThenEndIsAlwaysResolvable(t *testing.T) {
	def := validDefinition()
	def.Do[0].Then = model.FlowEnd
	require.NoError(t, ValidateDefinition(def))
}

func TestTaskWithNoKind(t *testing.T) {
	def := validDefinition()
	def.Do[0].Set = nil
	requireConfigError(t, ValidateDefinition(def))
}

func TestTaskWithTwoKinds(t *testing.T) {
	def := validDefinition()
	def.Do[0].Wait = &model.WaitTask{Duration: "1s"}
	requireConfigError(t, ValidateDefinition(def))
}

func TestSwitchRequiresDefault(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "route",
		Switch: []model.SwitchCase{
			{When: ".x > 1", Then: "finish"},
		},
	}
	requireConfigError(t, ValidateDefinition(def))
}

func TestSwitchWithDefaultAccepted(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "route",
		Switch: []model.SwitchCase{
			{When: ".x > 1", Then: "finish"},
			{Then: "finish"},
		},
	}
	require.NoError(t, ValidateDefinition(def))
}

func TestSwitchRejectsMultipleDefaults(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "route",
		Switch: []model.SwitchCase{
			{Then: "finish"},
			{Then: "finish"},
		},
	}
	requireConfigError(t, ValidateDefinition(def))
}

func TestSwitchTargetMustResolve(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "route",
		Switch: []model.SwitchCase{
			{When: ".x", Then: "nowhere"},
			{Then: "finish"},
		},
	}
	requireConfigError(t, ValidateDefinition(def))
}

func TestWaitRequiresExactlyOneForm(t *testing.T) {
	tests := []struct {
		name    string
		wait    *model.WaitTask
		wantErr bool
	}{
		{name: "duration only", wait: &model.WaitTask{Duration: "5s"}},
		{name: "until only", wait: &model.WaitTask{Until: "2026-10-01T00:00:00Z"}},
		{name: "neither", wait: &model.WaitTask{}, wantErr: true},
		{name: "both", wait: &model.WaitTask{Duration: "5s", Until: "2026-10-01T00:00:00Z"}, wantErr: true},
		{name: "bad duration", wait: &model.WaitTask{Duration: "5 parsecs"}, wantErr: true},
		{name: "bad until", wait: &model.WaitTask{Until: "tomorrow"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			def.Do[0] = model.Task{Name: "pause", Wait: tt.wait}
			err := ValidateDefinition(def)
			if tt.wantErr {
				requireConfigError(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestForkValidation(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "parallel",
		Fork: &model.ForkTask{
			Branches: []model.ForkBranch{
				{Name: "a", Do: []model.Task{{Name: "s", Set: map[string]any{"v": 1}}}},
				{Name: "a", Do: []model.Task{{Name: "s", Set: map[string]any{"v": 2}}}},
			},
		},
	}
	requireConfigError(t, ValidateDefinition(def))
}

func TestNestedScopeValidated(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "group",
		Do: []model.Task{
			{Name: "inner", Set: map[string]any{"v": 1}, Then: "missing"},
		},
	}
	requireConfigError(t, ValidateDefinition(def))
}

func TestRetryPolicyValidation(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "guarded",
		Try: &model.TryTask{
			Do: []model.Task{{Name: "attempt", Set: map[string]any{"v": 1}}},
			Retry: &model.RetryPolicy{
				Strategy:     "jittered",
				InitialDelay: "1s",
			},
		},
	}
	requireConfigError(t, ValidateDefinition(def))
}

func TestListenValidation(t *testing.T) {
	def := validDefinition()
	def.Do[0] = model.Task{
		Name: "await-payment",
		Listen: &model.ListenTask{
			To:   model.EventConsumer{Type: "payment.received"},
			Read: "headers",
		},
	}
	requireConfigError(t, ValidateDefinition(def))
}
