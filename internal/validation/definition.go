package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridian-run/meridian/pkg/model"
)

// ValidateDefinition runs all publish-time checks on a workflow definition.
// Every defect it reports is a Configuration error: dangling then references,
// duplicate task names, ambiguous task kinds, Switch cases without a default,
// malformed retry policies, unparseable durations and cron expressions.
// Definitions that pass are guaranteed to resolve every execution position to
// a unique task at run time.
func ValidateDefinition(def *model.Definition) error {
	if def == nil {
		return model.NewError(model.ErrTypeConfiguration, "definition is nil")
	}
	if def.Namespace == "" || def.Name == "" || def.Version == "" {
		return model.NewError(model.ErrTypeConfiguration,
			"definition identity requires namespace, name and version")
	}
	if len(def.Do) == 0 {
		return model.NewError(model.ErrTypeConfiguration, "definition has no tasks")
	}
	if def.Timeout != "" {
		if _, err := time.ParseDuration(def.Timeout); err != nil {
			return model.NewErrorf(model.ErrTypeConfiguration,
				"invalid workflow timeout %q: %s", def.Timeout, err.Error())
		}
	}
	for i, s := range def.Schedule {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return model.NewErrorf(model.ErrTypeConfiguration,
				"schedule[%d]: invalid cron expression %q: %s", i, s.Cron, err.Error())
		}
	}
	return validateTaskList(model.Position{"do"}, def.Do)
}

// validateTaskList checks one task scope: name uniqueness, kind tagging,
// then-reference resolvability, and kind-specific configuration, recursing
// into nested scopes.
func validateTaskList(pos model.Position, tasks []model.Task) error {
	names := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.Name == "" {
			return model.NewErrorf(model.ErrTypeConfiguration,
				"task at %s[%d] has no name", pos, i)
		}
		if _, dup := names[t.Name]; dup {
			return model.NewErrorf(model.ErrTypeConfiguration,
				"duplicate task name %q in scope %s", t.Name, pos)
		}
		names[t.Name] = struct{}{}
	}

	for i := range tasks {
		t := &tasks[i]
		taskPos := pos.Push(t.Name)

		switch n := t.KindCount(); {
		case n == 0:
			return model.NewErrorf(model.ErrTypeConfiguration,
				"task %s declares no kind", taskPos)
		case n > 1:
			return model.NewErrorf(model.ErrTypeConfiguration,
				"task %s declares %d kinds; exactly one is required", taskPos, n)
		}

		if err := checkThen(taskPos, t.Then, names); err != nil {
			return err
		}
		if err := validateKind(taskPos, t, names); err != nil {
			return err
		}
	}
	return nil
}

func checkThen(pos model.Position, then string, scope map[string]struct{}) error {
	if then == "" || then == model.FlowEnd {
		return nil
	}
	if _, ok := scope[then]; !ok {
		return model.NewErrorf(model.ErrTypeConfiguration,
			"task %s: then %q does not name a task in its scope", pos, then)
	}
	return nil
}

func validateKind(pos model.Position, t *model.Task, scope map[string]struct{}) error {
	switch t.Kind() {
	case model.KindCall:
		if t.Call.Executor == "" {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: call has no executor", pos)
		}
		if err := checkDuration(pos, "timeout", t.Call.Timeout); err != nil {
			return err
		}

	case model.KindRun:
		if t.Run.Runner == "" {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: run has no runner", pos)
		}
		if err := checkDuration(pos, "timeout", t.Run.Timeout); err != nil {
			return err
		}

	case model.KindSwitch:
		hasDefault := false
		for j, c := range t.Switch {
			if c.When == "" {
				if hasDefault {
					return model.NewErrorf(model.ErrTypeConfiguration,
						"task %s: switch declares multiple default cases", pos)
				}
				hasDefault = true
			}
			if c.Then == "" {
				return model.NewErrorf(model.ErrTypeConfiguration,
					"task %s: switch case %d has no target", pos, j)
			}
			if err := checkThen(pos, c.Then, scope); err != nil {
				return err
			}
		}
		// An unmatched switch with no default is a fault; require the
		// default up front rather than at run time.
		if !hasDefault {
			return model.NewErrorf(model.ErrTypeConfiguration,
				"task %s: switch requires a default case (empty when)", pos)
		}

	case model.KindFor:
		if t.For.In == "" {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: for has no collection expression", pos)
		}
		if len(t.For.Do) == 0 {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: for has an empty body", pos)
		}
		if err := validateTaskList(pos.Push("do"), t.For.Do); err != nil {
			return err
		}

	case model.KindFork:
		if len(t.Fork.Branches) == 0 {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: fork has no branches", pos)
		}
		if err := checkDuration(pos, "timeout", t.Fork.Timeout); err != nil {
			return err
		}
		branchNames := make(map[string]struct{}, len(t.Fork.Branches))
		for _, b := range t.Fork.Branches {
			if b.Name == "" {
				return model.NewErrorf(model.ErrTypeConfiguration, "task %s: fork branch has no name", pos)
			}
			if _, dup := branchNames[b.Name]; dup {
				return model.NewErrorf(model.ErrTypeConfiguration,
					"task %s: duplicate fork branch %q", pos, b.Name)
			}
			branchNames[b.Name] = struct{}{}
			if len(b.Do) == 0 {
				return model.NewErrorf(model.ErrTypeConfiguration,
					"task %s: fork branch %q is empty", pos, b.Name)
			}
			if err := validateTaskList(pos.Push(b.Name), b.Do); err != nil {
				return err
			}
		}

	case model.KindTry:
		if len(t.Try.Do) == 0 {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: try has an empty body", pos)
		}
		if err := validateTaskList(pos.Push("do"), t.Try.Do); err != nil {
			return err
		}
		if err := validateRetryPolicy(pos, t.Try.Retry); err != nil {
			return err
		}
		for j, c := range t.Try.Catch {
			if len(c.Do) > 0 {
				if err := validateTaskList(pos.Push(fmt.Sprintf("catch-%d", j)), c.Do); err != nil {
					return err
				}
			}
			if err := checkThen(pos, c.Then, scope); err != nil {
				return err
			}
		}

	case model.KindRaise:
		if t.Raise.Error.Type == "" {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: raise has no error type", pos)
		}

	case model.KindWait:
		hasDur := t.Wait.Duration != ""
		hasUntil := t.Wait.Until != ""
		if hasDur == hasUntil {
			return model.NewErrorf(model.ErrTypeConfiguration,
				"task %s: wait requires exactly one of duration or until", pos)
		}
		if err := checkDuration(pos, "duration", t.Wait.Duration); err != nil {
			return err
		}
		if hasUntil {
			if _, err := time.Parse(time.RFC3339, t.Wait.Until); err != nil {
				return model.NewErrorf(model.ErrTypeConfiguration,
					"task %s: invalid until timestamp %q: %s", pos, t.Wait.Until, err.Error())
			}
		}

	case model.KindListen:
		if t.Listen.To.Type == "" {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: listen has no event type", pos)
		}
		if err := checkDuration(pos, "timeout", t.Listen.Timeout); err != nil {
			return err
		}
		if err := checkThen(pos, t.Listen.TimeoutThen, scope); err != nil {
			return err
		}
		for key, c := range t.Listen.To.Correlate {
			if c.From == "" {
				return model.NewErrorf(model.ErrTypeConfiguration,
					"task %s: correlation key %q has no expression", pos, key)
			}
		}
		switch t.Listen.Read {
		case "", "data", "envelope":
		default:
			return model.NewErrorf(model.ErrTypeConfiguration,
				"task %s: listen read must be data or envelope, got %q", pos, t.Listen.Read)
		}

	case model.KindEmit:
		if t.Emit.Event.Type == "" {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: emit has no event type", pos)
		}

	case model.KindDo:
		if len(t.Do) == 0 {
			return model.NewErrorf(model.ErrTypeConfiguration, "task %s: do group is empty", pos)
		}
		if err := validateTaskList(pos.Push("do"), t.Do); err != nil {
			return err
		}
	}
	return nil
}

func validateRetryPolicy(pos model.Position, p *model.RetryPolicy) error {
	if p == nil {
		return nil
	}
	switch p.Strategy {
	case "", model.RetryNone, model.RetryFixed, model.RetryBackoff:
	default:
		return model.NewErrorf(model.ErrTypeConfiguration,
			"task %s: unknown retry strategy %q", pos, p.Strategy)
	}
	if err := checkDuration(pos, "initialDelay", p.InitialDelay); err != nil {
		return err
	}
	if err := checkDuration(pos, "maxDelay", p.MaxDelay); err != nil {
		return err
	}
	if err := checkDuration(pos, "maxDuration", p.MaxDuration); err != nil {
		return err
	}
	if p.Multiplier < 0 {
		return model.NewErrorf(model.ErrTypeConfiguration,
			"task %s: retry multiplier must be non-negative", pos)
	}
	if p.MaxAttempts < 0 {
		return model.NewErrorf(model.ErrTypeConfiguration,
			"task %s: retry maxAttempts must be non-negative", pos)
	}
	return nil
}

func checkDuration(pos model.Position, field, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.ParseDuration(v); err != nil {
		return model.NewErrorf(model.ErrTypeConfiguration,
			"task %s: invalid %s %q: %s", pos, field, v, err.Error())
	}
	return nil
}
