package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-run/meridian/internal/correlation"
	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/internal/logging"
	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/pkg/model"
)

// execution is the transient run state of one workflow instance (or one fork
// branch of it). Between suspension points a single execution advances
// strictly sequentially; fork branches get child executions with a private
// context copy so concurrent branches never write the shared context.
type execution struct {
	eng        *Engine
	instanceID string
	def        *model.Definition

	mu        sync.Mutex
	wfContext any

	status      model.InstanceStatus
	branchDepth int32
	resume      model.Position
}

func (x *execution) contextSnapshot() any {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.wfContext
}

func (x *execution) setContext(v any) {
	x.mu.Lock()
	x.wfContext = v
	x.mu.Unlock()
}

func (x *execution) inBranch() bool {
	return atomic.LoadInt32(&x.branchDepth) > 0
}

// branchChild derives an isolated execution for one fork branch. The branch
// owns a deep copy of the context; its exports never reach the parent.
func (x *execution) branchChild() *execution {
	return &execution{
		eng:         x.eng,
		instanceID:  x.instanceID,
		def:         x.def,
		wfContext:   cloneValue(x.contextSnapshot()),
		status:      model.StatusRunning,
		branchDepth: atomic.LoadInt32(&x.branchDepth) + 1,
	}
}

// baseVars builds the binding set shared by every expression evaluation in
// this execution. extra holds scope-local bindings (loop variables, caught
// errors).
func (x *execution) baseVars(extra map[string]any) map[string]any {
	vars := map[string]any{
		expressions.VarContext: x.contextSnapshot(),
		expressions.VarSecrets: x.eng.secrets,
		expressions.VarWorkflow: map[string]any{
			"id":        x.instanceID,
			"namespace": x.def.Namespace,
			"name":      x.def.Name,
			"version":   x.def.Version,
		},
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// runScope executes a task list with then-jump resolution. current threads
// task to task: each task's transformed output is the next task's raw input.
// The returned bool reports an explicit `end`, which terminates the whole
// workflow, not just the scope.
func (x *execution) runScope(ctx context.Context, tasks []model.Task, current any, scope model.Position, extra map[string]any) (any, bool, error) {
	index := make(map[string]int, len(tasks))
	for i := range tasks {
		index[tasks[i].Name] = i
	}

	i := 0
	for i < len(tasks) {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		// On restart, fast-forward to the persisted position before
		// executing anything in the top-level scope.
		if len(x.resume) > 0 && len(scope) == 0 {
			j, ok := index[x.resume[0]]
			if !ok {
				return nil, false, model.NewErrorf(model.ErrTypeRuntime,
					"cannot resume: task %q no longer at top level", x.resume[0])
			}
			i = j
			x.resume = nil
			current = x.contextSnapshot()
		}

		task := &tasks[i]
		out, next, err := x.runTask(ctx, task, current, scope, extra)
		if err != nil {
			return nil, false, err
		}
		current = out

		switch next {
		case "":
			i++
		case model.FlowEnd:
			return current, true, nil
		default:
			j, ok := index[next]
			if !ok {
				return nil, false, model.NewErrorf(model.ErrTypeConfiguration,
					"task %q names unknown successor %q", task.Name, next).
					WithInstance(scope.Push(task.Name).String())
			}
			i = j
		}
	}
	return current, false, nil
}

// runTask drives one task through the full pipeline: validate+transform
// input, execute the kind, transform+validate output, export into context,
// then resolve the flow directive. A directive produced by the kind itself
// (a matched switch case, a catch handler, a listen timeout path) wins over
// the task-level then.
func (x *execution) runTask(ctx context.Context, task *model.Task, raw any, scope model.Position, extra map[string]any) (any, string, error) {
	pos := scope.Push(task.Name)
	path := pos.String()
	ctx = logging.WithTaskPath(ctx, path)

	if !x.inBranch() {
		if err := x.eng.fsm.SetPosition(ctx, x.instanceID, pos); err != nil {
			return nil, "", err
		}
	}
	x.recordTaskEvent(ctx, pos, model.EventTaskStarted, nil)

	vars := x.baseVars(extra)
	vars[expressions.VarTask] = map[string]any{
		"name":     task.Name,
		"position": path,
	}

	input, err := x.eng.flow.ProcessInput(ctx, raw, task.Input, vars)
	if err != nil {
		return nil, "", x.taskFailure(ctx, pos, err)
	}
	vars[expressions.VarInput] = input

	rawOut, next, err := x.execKind(ctx, task, input, pos, vars, extra)
	if err != nil {
		return nil, "", x.taskFailure(ctx, pos, err)
	}

	output, err := x.eng.flow.ProcessOutput(ctx, rawOut, task.Output, vars)
	if err != nil {
		return nil, "", x.taskFailure(ctx, pos, err)
	}
	vars[expressions.VarOutput] = output

	newContext, err := x.eng.flow.ProcessExport(ctx, output, x.contextSnapshot(), task.Export, vars)
	if err != nil {
		return nil, "", x.taskFailure(ctx, pos, err)
	}
	x.setContext(newContext)

	x.recordTaskEvent(ctx, pos, model.EventTaskCompleted, nil)

	if next == "" {
		next = task.Then
	}
	return output, next, nil
}

func (x *execution) taskFailure(ctx context.Context, pos model.Position, err error) error {
	if ctx.Err() != nil {
		// Cancellation is not a task fault; the instance is shutting down.
		return ctx.Err()
	}
	typed := AsModelError(err)
	if typed.Instance == "" {
		typed.WithInstance(pos.String())
	}
	x.recordTaskEvent(ctx, pos, model.EventTaskFailed, typed.AsMap())
	return typed
}

func (x *execution) recordTaskEvent(ctx context.Context, pos model.Position, eventType string, payload any) {
	if err := x.eng.fsm.RecordTaskEvent(ctx, x.instanceID, pos, eventType, payload); err != nil {
		x.eng.logger.WarnContext(ctx, "failed to record task event",
			slog.String("instance_id", x.instanceID),
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}

// execKind dispatches on the task union tag. Returns the raw output and an
// optional flow directive overriding the task-level then.
func (x *execution) execKind(ctx context.Context, task *model.Task, input any, pos model.Position, vars, extra map[string]any) (any, string, error) {
	switch task.Kind() {
	case model.KindSet:
		return x.execSet(ctx, task, input, vars)
	case model.KindCall:
		return x.execCall(ctx, task.Call.Executor, task.Call.With, task.Call.Await, task.Call.Timeout, input, pos, vars)
	case model.KindRun:
		return x.execCall(ctx, task.Run.Runner, task.Run.With, task.Run.Await, task.Run.Timeout, input, pos, vars)
	case model.KindSwitch:
		return x.execSwitch(ctx, task, input, pos, vars)
	case model.KindFor:
		return x.execFor(ctx, task, input, pos, vars, extra)
	case model.KindFork:
		return x.execFork(ctx, task, input, pos)
	case model.KindTry:
		return x.execTry(ctx, task, input, pos, vars, extra)
	case model.KindRaise:
		return x.execRaise(ctx, task, input, pos, vars)
	case model.KindWait:
		return x.execWait(ctx, task, input, pos)
	case model.KindListen:
		return x.execListen(ctx, task, input, pos, vars)
	case model.KindEmit:
		return x.execEmit(ctx, task, input, pos, vars)
	case model.KindDo:
		out, ended, err := x.runScope(ctx, task.Do, input, pos, extra)
		if err != nil {
			return nil, "", err
		}
		if ended {
			return out, model.FlowEnd, nil
		}
		return out, "", nil
	default:
		return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
			"task %q has no recognizable kind", task.Name)
	}
}

func (x *execution) execSet(ctx context.Context, task *model.Task, input any, vars map[string]any) (any, string, error) {
	resolved, err := expressions.Resolve(ctx, x.eng.exprs, map[string]any(task.Set), input, vars)
	if err != nil {
		return nil, "", err
	}
	return resolved, "", nil
}

func (x *execution) execCall(ctx context.Context, name string, with map[string]any, await *bool, timeout string, input any, pos model.Position, vars map[string]any) (any, string, error) {
	ex, err := x.eng.registry.Get(name)
	if err != nil {
		return nil, "", err
	}

	resolved, err := expressions.Resolve(ctx, x.eng.exprs, with, input, vars)
	if err != nil {
		return nil, "", err
	}
	args, _ := resolved.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout != "" {
		d, parseErr := time.ParseDuration(timeout)
		if parseErr != nil {
			return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
				"invalid call timeout %q", timeout).WithCause(parseErr)
		}
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// Fire-and-forget: the task completes immediately with its input passed
	// through; the call runs detached and only logs its failure.
	if await != nil && !*await {
		detached := context.WithoutCancel(ctx)
		if err := x.eng.pool.Submit(detached, func(c context.Context) error {
			if _, execErr := ex.Execute(c, args); execErr != nil {
				x.eng.logger.WarnContext(c, "detached call failed",
					slog.String("instance_id", x.instanceID),
					slog.String("executor", name),
					slog.String("position", pos.String()),
					slog.Any("error", execErr))
				return execErr
			}
			return nil
		}); err != nil {
			return nil, "", AsModelError(err)
		}
		return input, "", nil
	}

	out, err := ex.Execute(callCtx, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, "", model.NewErrorf(model.ErrTypeTimeout,
				"call %q timed out after %s", name, timeout).WithCause(err)
		}
		return nil, "", err
	}
	return out, "", nil
}

func (x *execution) execSwitch(ctx context.Context, task *model.Task, input any, pos model.Position, vars map[string]any) (any, string, error) {
	defaultThen := ""
	hasDefault := false
	for i := range task.Switch {
		c := &task.Switch[i]
		if c.When == "" {
			// Default case: taken only after every guard has failed.
			defaultThen = c.Then
			hasDefault = true
			continue
		}
		result, err := x.eng.exprs.Evaluate(ctx, expressions.Normalize(c.When), input, vars)
		if err != nil {
			return nil, "", model.NewErrorf(model.ErrTypeExpression,
				"switch case %d predicate failed: %v", i, err).WithCause(err)
		}
		if expressions.Truthy(result) {
			return input, c.Then, nil
		}
	}
	if hasDefault {
		return input, defaultThen, nil
	}
	return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
		"switch exhausted with no matching case and no default").WithInstance(pos.String())
}

func (x *execution) execFor(ctx context.Context, task *model.Task, input any, pos model.Position, vars, extra map[string]any) (any, string, error) {
	f := task.For
	collection, err := x.eng.exprs.Evaluate(ctx, expressions.Normalize(f.In), input, vars)
	if err != nil {
		return nil, "", model.NewErrorf(model.ErrTypeExpression,
			"for collection expression failed: %v", err).WithCause(err)
	}
	items, ok := collection.([]any)
	if !ok {
		return nil, "", model.NewErrorf(model.ErrTypeRuntime,
			"for collection evaluated to %T, want array", collection)
	}

	eachName := f.Each
	if eachName == "" {
		eachName = "item"
	}
	atName := f.At
	if atName == "" {
		atName = "index"
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		loopVars := make(map[string]any, len(extra)+2)
		for k, v := range extra {
			loopVars[k] = v
		}
		loopVars[eachName] = item
		loopVars[atName] = i

		// The while guard is re-evaluated before every iteration, with the
		// loop variables already bound.
		if f.While != "" {
			guardVars := x.baseVars(loopVars)
			guardVars[expressions.VarInput] = input
			keep, err := x.eng.exprs.Evaluate(ctx, expressions.Normalize(f.While), input, guardVars)
			if err != nil {
				return nil, "", model.NewErrorf(model.ErrTypeExpression,
					"for while guard failed: %v", err).WithCause(err)
			}
			if !expressions.Truthy(keep) {
				break
			}
		}

		out, ended, err := x.runScope(ctx, f.Do, item, pos.Push(strconv.Itoa(i)), loopVars)
		if err != nil {
			return nil, "", err
		}
		results = append(results, out)
		if ended {
			return results, model.FlowEnd, nil
		}
	}
	return results, "", nil
}

// execFork fans out one branch per entry, all starting from the same input
// snapshot, and joins on all of them. When the fork-level timeout fires
// first, still-running branches are cancelled and the join completes with
// the partial results collected so far.
func (x *execution) execFork(ctx context.Context, task *model.Task, input any, pos model.Position) (any, string, error) {
	f := task.Fork

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timeoutCh <-chan time.Time
	if f.Timeout != "" {
		d, err := time.ParseDuration(f.Timeout)
		if err != nil {
			return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
				"invalid fork timeout %q", f.Timeout).WithCause(err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	type branchResult struct {
		name string
		out  any
		err  error
	}
	results := make(chan branchResult, len(f.Branches))

	// Branches run on their own goroutines. The parent instance already
	// holds a worker slot, so joining on pool submissions here can deadlock
	// once active instances reach the pool bound.
	var wg sync.WaitGroup
	for i := range f.Branches {
		branch := &f.Branches[i]
		child := x.branchChild()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- branchResult{name: branch.Name, err: model.NewErrorf(model.ErrTypeRuntime,
						"fork branch %q panicked: %v", branch.Name, r)}
				}
			}()
			out, _, err := child.runScope(branchCtx, branch.Do, cloneValue(input), pos.Push(branch.Name), nil)
			results <- branchResult{name: branch.Name, out: out, err: err}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	aggregated := make(map[string]any, len(f.Branches))
	pending := len(f.Branches)
	timedOut := false

	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.err != nil {
				if branchCtx.Err() != nil && timedOut {
					// A branch cancelled by the fork timeout is not a fault.
					continue
				}
				cancel()
				<-done
				return nil, "", r.err
			}
			aggregated[r.name] = r.out
		case <-timeoutCh:
			timedOut = true
			cancel()
		case <-ctx.Done():
			cancel()
			<-done
			return nil, "", ctx.Err()
		}
		if timedOut {
			break
		}
	}

	if timedOut {
		// Drain whatever completed before the deadline; cancelled branches
		// are simply absent from the aggregate.
		<-done
		for {
			select {
			case r := <-results:
				if r.err == nil {
					aggregated[r.name] = r.out
				}
			default:
				x.recordTaskEvent(ctx, pos, model.EventTaskSuspended, map[string]any{
					"reason":    "fork timeout",
					"completed": len(aggregated),
					"branches":  len(f.Branches),
				})
				return aggregated, "", nil
			}
		}
	}

	<-done
	return aggregated, "", nil
}

func (x *execution) execTry(ctx context.Context, task *model.Task, input any, pos model.Position, vars, extra map[string]any) (any, string, error) {
	t := task.Try
	started := time.Now()

	var maxDuration time.Duration
	if t.Retry != nil && t.Retry.MaxDuration != "" {
		d, err := time.ParseDuration(t.Retry.MaxDuration)
		if err != nil {
			return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
				"invalid retry maxDuration %q", t.Retry.MaxDuration).WithCause(err)
		}
		maxDuration = d
	}

	// Retries re-execute the wrapped set from its start against the context
	// as of try entry, not the partial state of the failed attempt.
	entryContext := cloneValue(x.contextSnapshot())

	attempt := 1
	var raised *model.Error
	for {
		out, ended, err := x.runScope(ctx, t.Do, input, pos, extra)
		if err == nil {
			if ended {
				return out, model.FlowEnd, nil
			}
			return out, "", nil
		}
		if ctx.Err() != nil {
			// Cancellation abandons retries immediately.
			return nil, "", err
		}

		raised = AsModelError(err)

		if t.Retry != nil {
			if t.Retry.MaxAttempts > 0 && attempt >= t.Retry.MaxAttempts {
				break
			}
			if maxDuration > 0 && time.Since(started) >= maxDuration {
				break
			}
			eligible, evalErr := RetryEligible(ctx, x.eng.exprs, t.Retry, raised)
			if evalErr != nil {
				return nil, "", evalErr
			}
			if !eligible {
				break
			}

			delay := ComputeDelay(t.Retry, attempt)
			x.recordTaskEvent(ctx, pos, model.EventTaskRetried, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    raised.AsMap(),
			})
			if err := SleepFor(ctx, delay); err != nil {
				return nil, "", err
			}
			attempt++
			x.setContext(cloneValue(entryContext))
			continue
		}
		break
	}

	return x.runCatch(ctx, t.Catch, raised, input, pos, vars, extra)
}

// runCatch matches a raised error against the ordered catch clauses; the
// first clause whose filter and predicate accept the error handles it, with
// the error bound for the handler's expressions. An unmatched error
// propagates outward.
func (x *execution) runCatch(ctx context.Context, clauses []model.CatchClause, raised *model.Error, input any, pos model.Position, vars, extra map[string]any) (any, string, error) {
	errData := raised.AsMap()

	for i := range clauses {
		clause := &clauses[i]
		if !matchesFilter(clause.Errors, raised) {
			continue
		}
		if clause.When != "" {
			predVars := make(map[string]any, len(vars)+1)
			for k, v := range vars {
				predVars[k] = v
			}
			predVars[expressions.VarError] = errData
			result, err := x.eng.exprs.Evaluate(ctx, expressions.Normalize(clause.When), errData, predVars)
			if err != nil {
				return nil, "", model.NewErrorf(model.ErrTypeExpression,
					"catch predicate failed: %v", err).WithCause(err)
			}
			if !expressions.Truthy(result) {
				continue
			}
		}

		binding := clause.As
		if binding == "" {
			binding = expressions.VarError
		}
		handlerVars := make(map[string]any, len(extra)+1)
		for k, v := range extra {
			handlerVars[k] = v
		}
		handlerVars[binding] = errData

		out := input
		if len(clause.Do) > 0 {
			handled, ended, err := x.runScope(ctx, clause.Do, input, pos.Push(fmt.Sprintf("catch-%d", i)), handlerVars)
			if err != nil {
				return nil, "", err
			}
			if ended {
				return handled, model.FlowEnd, nil
			}
			out = handled
		}
		return out, clause.Then, nil
	}

	return nil, "", raised
}

func matchesFilter(filter *model.ErrorFilter, raised *model.Error) bool {
	if filter == nil {
		return true
	}
	if filter.Type != "" && filter.Type != raised.Type {
		return false
	}
	if filter.Status != 0 && filter.Status != raised.Status {
		return false
	}
	return true
}

func (x *execution) execRaise(ctx context.Context, task *model.Task, input any, pos model.Position, vars map[string]any) (any, string, error) {
	def := task.Raise.Error

	detail, err := expressions.Resolve(ctx, x.eng.exprs, def.Detail, input, vars)
	if err != nil {
		return nil, "", err
	}
	title, err := expressions.Resolve(ctx, x.eng.exprs, def.Title, input, vars)
	if err != nil {
		return nil, "", err
	}

	raised := &model.Error{
		Type:     def.Type,
		Status:   def.Status,
		Title:    stringOr(title, ""),
		Detail:   stringOr(detail, ""),
		Instance: pos.String(),
	}
	if raised.Status == 0 {
		raised.Status = model.DefaultStatus(def.Type)
	}
	if raised.Title == "" {
		raised.Title = "Error"
	}
	return nil, "", raised
}

func (x *execution) execWait(ctx context.Context, task *model.Task, input any, pos model.Position) (any, string, error) {
	w := task.Wait

	var delay time.Duration
	switch {
	case w.Duration != "":
		d, err := time.ParseDuration(w.Duration)
		if err != nil {
			return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
				"invalid wait duration %q", w.Duration).WithCause(err)
		}
		delay = d
	case w.Until != "":
		at, err := time.Parse(time.RFC3339, w.Until)
		if err != nil {
			return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
				"invalid wait until timestamp %q", w.Until).WithCause(err)
		}
		delay = time.Until(at)
	}

	if delay <= 0 {
		return input, "", nil
	}

	if err := x.suspend(ctx, pos); err != nil {
		return nil, "", err
	}
	if err := SleepFor(ctx, delay); err != nil {
		return nil, "", err
	}
	if err := x.resumeRunning(ctx); err != nil {
		return nil, "", err
	}
	return input, "", nil
}

func (x *execution) execListen(ctx context.Context, task *model.Task, input any, pos model.Position, vars map[string]any) (any, string, error) {
	l := task.Listen

	keys := make(map[string]string, len(l.To.Correlate))
	extract := make(map[string]string, len(l.To.Correlate))
	for name, def := range l.To.Correlate {
		withExpr := def.With
		if withExpr == "" {
			withExpr = def.From
		}
		value, err := x.eng.exprs.Evaluate(ctx, expressions.Normalize(withExpr), input, vars)
		if err != nil {
			return nil, "", model.NewErrorf(model.ErrTypeExpression,
				"correlation key %q evaluation failed: %v", name, err).WithCause(err)
		}
		keys[name] = correlation.KeyString(value)
		extract[name] = def.From
	}

	reg := correlation.Registration{
		InstanceID: x.instanceID,
		Position:   pos.String(),
		EventType:  l.To.Type,
		Keys:       keys,
		Extract:    extract,
	}
	if l.Timeout != "" {
		d, err := time.ParseDuration(l.Timeout)
		if err != nil {
			return nil, "", model.NewErrorf(model.ErrTypeConfiguration,
				"invalid listen timeout %q", l.Timeout).WithCause(err)
		}
		deadline := time.Now().Add(d)
		reg.Deadline = &deadline
	}

	outcomes, err := x.eng.correlations.Register(ctx, reg)
	if err != nil {
		return nil, "", err
	}
	x.recordTaskEvent(ctx, pos, model.EventCorrelationRegistered, map[string]any{
		"event_type": l.To.Type,
		"keys":       keys,
	})

	if err := x.suspend(ctx, pos); err != nil {
		return nil, "", err
	}

	select {
	case outcome := <-outcomes:
		if err := x.resumeRunning(ctx); err != nil {
			return nil, "", err
		}
		if outcome.TimedOut {
			x.recordTaskEvent(ctx, pos, model.EventCorrelationTimedOut, nil)
			if l.TimeoutThen != "" {
				return input, l.TimeoutThen, nil
			}
			return nil, "", model.NewErrorf(model.ErrTypeTimeout,
				"listen for %q timed out after %s", l.To.Type, l.Timeout)
		}
		x.recordTaskEvent(ctx, pos, model.EventCorrelationMatched, map[string]any{
			"event_id": outcome.Event.ID,
		})
		if l.Read == "envelope" {
			return outcome.Event.AsMap(), "", nil
		}
		return outcome.Event.Data, "", nil
	case <-ctx.Done():
		x.eng.correlations.Cancel(context.WithoutCancel(ctx), reg.ID())
		return nil, "", ctx.Err()
	}
}

func (x *execution) execEmit(ctx context.Context, task *model.Task, input any, pos model.Position, vars map[string]any) (any, string, error) {
	def := task.Emit.Event

	data, err := expressions.Resolve(ctx, x.eng.exprs, def.Data, input, vars)
	if err != nil {
		return nil, "", err
	}

	event := &model.Event{
		ID:         x.eng.newEventID(),
		Type:       def.Type,
		Source:     def.Source,
		Time:       time.Now().UTC(),
		Data:       data,
		Attributes: def.Attributes,
	}
	if event.Source == "" {
		event.Source = x.def.Ref().String()
	}

	if err := x.eng.PublishEvent(ctx, event); err != nil {
		return nil, "", err
	}
	x.recordTaskEvent(ctx, pos, model.EventEmitted, map[string]any{
		"event_type": event.Type,
		"event_id":   event.ID,
	})
	return input, "", nil
}

// suspend transitions the instance to suspended for a wait/listen pause.
// Fork branches pause without touching instance status; the instance as a
// whole stays in its current state while branches run.
func (x *execution) suspend(ctx context.Context, pos model.Position) error {
	if x.inBranch() {
		return nil
	}
	if err := x.eng.fsm.Transition(ctx, x.instanceID, x.status, model.StatusSuspended, x.snapshotUpdate(pos)); err != nil {
		return err
	}
	x.status = model.StatusSuspended
	return nil
}

func (x *execution) resumeRunning(ctx context.Context) error {
	if x.inBranch() || x.status != model.StatusSuspended {
		return nil
	}
	if err := x.eng.fsm.Transition(ctx, x.instanceID, x.status, model.StatusRunning, store.InstanceUpdate{}); err != nil {
		return err
	}
	x.status = model.StatusRunning
	return nil
}

// snapshotUpdate captures position and the current context so a suspended
// instance can resume from durable state after a process restart.
func (x *execution) snapshotUpdate(pos model.Position) store.InstanceUpdate {
	p := pos.String()
	update := store.InstanceUpdate{Position: &p}
	if raw, err := json.Marshal(x.contextSnapshot()); err == nil {
		update.Context = raw
	}
	return update
}

func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}
