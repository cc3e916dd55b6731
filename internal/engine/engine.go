// Package engine executes workflow instances: it drives each task through
// the data flow pipeline, resolves control flow across the task union,
// applies try/retry scoping, and owns the instance lifecycle state machine.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-run/meridian/internal/correlation"
	"github.com/meridian-run/meridian/internal/dataflow"
	"github.com/meridian-run/meridian/internal/executors"
	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/internal/logging"
	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/internal/validation"
	"github.com/meridian-run/meridian/pkg/model"
)

// Options configures an Engine.
type Options struct {
	Store          store.Store
	Registry       *executors.Registry
	Correlations   *correlation.CorrelationStore
	Expressions    expressions.Engine
	Validator      dataflow.Validator
	Logger         *slog.Logger
	Secrets        map[string]any
	MaxConcurrency int
}

// Engine runs workflow instances against published definitions.
type Engine struct {
	store        store.Store
	registry     *executors.Registry
	correlations *correlation.CorrelationStore
	exprs        expressions.Engine
	flow         *dataflow.Processor
	fsm          *InstanceFSM
	pool         *Pool
	logger       *slog.Logger
	secrets      map[string]any

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an Engine from options. Store, Registry, Correlations,
// Expressions, and Validator are required.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, model.NewError(model.ErrTypeConfiguration, "engine requires a store")
	}
	if opts.Registry == nil {
		return nil, model.NewError(model.ErrTypeConfiguration, "engine requires an executor registry")
	}
	if opts.Correlations == nil {
		return nil, model.NewError(model.ErrTypeConfiguration, "engine requires a correlation store")
	}
	if opts.Expressions == nil {
		return nil, model.NewError(model.ErrTypeConfiguration, "engine requires an expression engine")
	}
	if opts.Validator == nil {
		return nil, model.NewError(model.ErrTypeConfiguration, "engine requires a schema validator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 64
	}

	return &Engine{
		store:        opts.Store,
		registry:     opts.Registry,
		correlations: opts.Correlations,
		exprs:        opts.Expressions,
		flow:         dataflow.NewProcessor(opts.Expressions, opts.Validator),
		fsm:          NewInstanceFSM(opts.Store),
		pool:         NewPool(concurrency),
		logger:       logger,
		secrets:      opts.Secrets,
		active:       make(map[string]context.CancelFunc),
	}, nil
}

// FSM exposes the instance state machine, the sole writer of instance
// status and position.
func (e *Engine) FSM() *InstanceFSM { return e.fsm }

// Publish validates a definition and stores it append-only. Every static
// defect is reported before any instance can run.
func (e *Engine) Publish(ctx context.Context, def *model.Definition) error {
	if err := validation.ValidateDefinition(def); err != nil {
		return err
	}
	if err := e.store.PublishDefinition(ctx, def); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "definition published", slog.String("definition", def.Ref().String()))
	return nil
}

// GetDefinition reads a published definition.
func (e *Engine) GetDefinition(ctx context.Context, ref model.DefinitionRef) (*model.Definition, error) {
	def, err := e.store.GetDefinition(ctx, ref)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, model.NewErrorf(model.ErrTypeConfiguration, "definition %s is not published", ref)
	}
	return def, nil
}

// ListDefinitions lists published definitions matching the filter.
func (e *Engine) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*model.Definition, error) {
	return e.store.ListDefinitions(ctx, filter)
}

// Start instantiates a definition with the given raw input and begins
// asynchronous execution. The returned instance is in the created state;
// the runner transitions it to running.
func (e *Engine) Start(ctx context.Context, ref model.DefinitionRef, input any) (*model.Instance, error) {
	def, err := e.store.GetDefinition(ctx, ref)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, model.NewErrorf(model.ErrTypeConfiguration, "definition %s is not published", ref)
	}

	rec := &store.InstanceRecord{
		ID:         uuid.NewString(),
		Definition: ref,
		Status:     model.StatusCreated,
		CreatedAt:  time.Now().UTC(),
	}
	if raw, marshalErr := json.Marshal(input); marshalErr == nil {
		rec.Input = raw
	}
	if err := e.store.CreateInstance(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(ctx, &store.Event{
		InstanceID: rec.ID,
		Type:       model.EventInstanceCreated,
	}); err != nil {
		return nil, err
	}

	e.launch(rec.ID, def, input, model.StatusCreated, nil, nil)

	return &model.Instance{
		ID:         rec.ID,
		Definition: ref,
		Status:     model.StatusCreated,
		Input:      input,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// launch hands an instance to the worker pool under a cancellable context
// detached from the caller.
func (e *Engine) launch(instanceID string, def *model.Definition, input any, status model.InstanceStatus, resume model.Position, wfContext any) {
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.active[instanceID] = cancel
	e.mu.Unlock()

	err := e.pool.Submit(runCtx, func(ctx context.Context) error {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.active, instanceID)
			e.mu.Unlock()
		}()
		return e.runInstance(ctx, instanceID, def, input, status, resume, wfContext)
	})
	if err != nil {
		cancel()
		e.mu.Lock()
		delete(e.active, instanceID)
		e.mu.Unlock()
		e.logger.Error("failed to schedule instance",
			slog.String("instance_id", instanceID), slog.Any("error", err))
	}
}

func (e *Engine) runInstance(ctx context.Context, instanceID string, def *model.Definition, input any, status model.InstanceStatus, resume model.Position, wfContext any) error {
	ctx = logging.WithInstanceID(ctx, instanceID)
	logger := e.logger.With(slog.String("instance_id", instanceID))

	x := &execution{
		eng:        e,
		instanceID: instanceID,
		def:        def,
		status:     status,
		resume:     resume,
		wfContext:  wfContext,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("instance panicked", slog.Any("panic", r))
			raised := model.NewErrorf(model.ErrTypeRuntime, "instance panicked: %v", r)
			e.fault(context.WithoutCancel(ctx), x, raised)
		}
	}()

	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return e.fault(ctx, x, model.NewErrorf(model.ErrTypeConfiguration,
				"invalid workflow timeout %q", def.Timeout).WithCause(err))
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if x.status == model.StatusCreated {
		now := time.Now().UTC()
		if err := e.fsm.Transition(ctx, instanceID, model.StatusCreated, model.StatusRunning,
			store.InstanceUpdate{StartedAt: &now}); err != nil {
			logger.Error("failed to start instance", slog.Any("error", err))
			return err
		}
		x.status = model.StatusRunning
	}

	current := input
	if len(resume) == 0 && x.status == model.StatusRunning {
		transformed, err := e.flow.ProcessInput(ctx, input, def.Input, x.baseVars(nil))
		if err != nil {
			return e.fault(ctx, x, err)
		}
		current = transformed
	}

	out, _, err := x.runScope(ctx, def.Do, current, model.Position{}, nil)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = model.NewErrorf(model.ErrTypeTimeout,
				"workflow timed out after %s", def.Timeout)
		} else if ctx.Err() == context.Canceled {
			// Terminate already applied the terminal transition.
			logger.Info("instance cancelled")
			return nil
		}
		return e.fault(ctx, x, err)
	}

	finalVars := x.baseVars(nil)
	finalVars[expressions.VarOutput] = out
	final, err := e.flow.ProcessOutput(ctx, out, def.Output, finalVars)
	if err != nil {
		return e.fault(ctx, x, err)
	}

	now := time.Now().UTC()
	update := store.InstanceUpdate{CompletedAt: &now}
	if raw, marshalErr := json.Marshal(final); marshalErr == nil {
		update.Output = raw
	}
	if raw, marshalErr := json.Marshal(x.contextSnapshot()); marshalErr == nil {
		update.Context = raw
	}
	if err := e.fsm.Transition(ctx, instanceID, x.status, model.StatusCompleted, update); err != nil {
		logger.Error("failed to complete instance", slog.Any("error", err))
		return err
	}
	logger.Info("instance completed")
	return nil
}

// fault transitions an instance to failed. The recorded error is the
// innermost unmatched raise.
func (e *Engine) fault(ctx context.Context, x *execution, err error) error {
	raised := AsModelError(err)
	now := time.Now().UTC()
	update := store.InstanceUpdate{CompletedAt: &now}
	if raw, marshalErr := json.Marshal(raised); marshalErr == nil {
		update.LastError = raw
	}
	ctx = context.WithoutCancel(ctx)
	if ferr := e.fsm.Transition(ctx, x.instanceID, x.status, model.StatusFailed, update); ferr != nil {
		e.logger.ErrorContext(ctx, "failed to record instance fault",
			slog.String("instance_id", x.instanceID), slog.Any("error", ferr))
	}
	e.logger.WarnContext(ctx, "instance failed",
		slog.String("instance_id", x.instanceID),
		slog.String("error_type", raised.Type),
		slog.String("detail", raised.Detail))
	return raised
}

// Get reads an instance record.
func (e *Engine) Get(ctx context.Context, instanceID string) (*model.Instance, error) {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, model.NewErrorf(model.ErrTypeRuntime, "instance %q not found", instanceID)
	}
	return recordToInstance(rec), nil
}

// List reads instance records matching the filter.
func (e *Engine) List(ctx context.Context, filter store.InstanceFilter) ([]*model.Instance, error) {
	recs, err := e.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	instances := make([]*model.Instance, 0, len(recs))
	for _, rec := range recs {
		instances = append(instances, recordToInstance(rec))
	}
	return instances, nil
}

// Terminate cancels a running or suspended instance. Cancellation propagates
// to all active frames, fork branches, and pending correlations.
func (e *Engine) Terminate(ctx context.Context, instanceID string) error {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if rec == nil {
		return model.NewErrorf(model.ErrTypeRuntime, "instance %q not found", instanceID)
	}
	if rec.Status.Terminal() {
		return model.NewErrorf(model.ErrTypeRuntime,
			"instance %q already terminal (%s)", instanceID, rec.Status)
	}

	now := time.Now().UTC()
	if err := e.fsm.Transition(ctx, instanceID, rec.Status, model.StatusTerminated,
		store.InstanceUpdate{CompletedAt: &now}); err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.active[instanceID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, reg := range e.correlations.PendingFor(instanceID) {
		e.correlations.Cancel(ctx, reg.ID())
	}

	e.logger.InfoContext(ctx, "instance terminated", slog.String("instance_id", instanceID))
	return nil
}

// PublishEvent routes an inbound event to the correlation store. Any
// external producer may publish; Emit tasks go through here too.
func (e *Engine) PublishEvent(ctx context.Context, event *model.Event) error {
	if event.Type == "" {
		return model.NewError(model.ErrTypeValidation, "event type is required")
	}
	if event.ID == "" {
		event.ID = e.newEventID()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	_, err := e.correlations.OnEvent(ctx, event)
	return err
}

// Resume relaunches one suspended instance from its persisted position and
// context. Instances suspended on an in-process timer resume on their own;
// Resume is for instances orphaned by a crash or an operator hold.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	rec, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if rec == nil {
		return model.NewErrorf(model.ErrTypeRuntime, "instance %q not found", instanceID)
	}
	if rec.Status != model.StatusSuspended {
		return model.NewErrorf(model.ErrTypeRuntime,
			"instance %q is %s, not suspended", instanceID, rec.Status)
	}

	e.mu.Lock()
	_, live := e.active[instanceID]
	e.mu.Unlock()
	if live {
		return model.NewErrorf(model.ErrTypeRuntime,
			"instance %q has a live frame; it will resume on its own", instanceID)
	}

	def, err := e.store.GetDefinition(ctx, rec.Definition)
	if err != nil {
		return err
	}
	if def == nil {
		return model.NewErrorf(model.ErrTypeConfiguration,
			"definition %s is not published", rec.Definition)
	}

	var input any
	if len(rec.Input) > 0 {
		_ = json.Unmarshal(rec.Input, &input)
	}
	var wfContext any
	if len(rec.Context) > 0 {
		_ = json.Unmarshal(rec.Context, &wfContext)
	}

	if err := e.fsm.Transition(ctx, instanceID, model.StatusSuspended, model.StatusRunning, store.InstanceUpdate{}); err != nil {
		return err
	}
	e.launch(instanceID, def, input, model.StatusRunning, model.ParsePosition(rec.Position), wfContext)
	return nil
}

// Recover restarts instances left running or suspended by a previous
// process, resuming each from its persisted position and context. Completed
// tasks are not replayed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []model.InstanceStatus{model.StatusRunning, model.StatusSuspended} {
		s := status
		recs, err := e.store.ListInstances(ctx, store.InstanceFilter{Status: &s})
		if err != nil {
			return recovered, err
		}
		for _, rec := range recs {
			def, err := e.store.GetDefinition(ctx, rec.Definition)
			if err != nil || def == nil {
				e.logger.ErrorContext(ctx, "cannot recover instance: definition missing",
					slog.String("instance_id", rec.ID),
					slog.String("definition", rec.Definition.String()))
				continue
			}

			var input any
			if len(rec.Input) > 0 {
				_ = json.Unmarshal(rec.Input, &input)
			}
			var wfContext any
			if len(rec.Context) > 0 {
				_ = json.Unmarshal(rec.Context, &wfContext)
			}

			resume := model.ParsePosition(rec.Position)
			runStatus := rec.Status
			if runStatus == model.StatusSuspended {
				if err := e.fsm.Transition(ctx, rec.ID, model.StatusSuspended, model.StatusRunning, store.InstanceUpdate{}); err != nil {
					e.logger.ErrorContext(ctx, "cannot resume instance",
						slog.String("instance_id", rec.ID), slog.Any("error", err))
					continue
				}
				runStatus = model.StatusRunning
			}

			e.launch(rec.ID, def, input, runStatus, resume, wfContext)
			recovered++
			e.logger.InfoContext(ctx, "instance recovered",
				slog.String("instance_id", rec.ID),
				slog.String("position", rec.Position))
		}
	}
	return recovered, nil
}

// Shutdown stops accepting work and waits for in-flight instances to reach
// a suspension point or completion.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()
	e.pool.Shutdown()
}

func (e *Engine) newEventID() string {
	return uuid.NewString()
}

func recordToInstance(rec *store.InstanceRecord) *model.Instance {
	inst := &model.Instance{
		ID:          rec.ID,
		Definition:  rec.Definition,
		Status:      rec.Status,
		Position:    rec.Position,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	if len(rec.Input) > 0 {
		_ = json.Unmarshal(rec.Input, &inst.Input)
	}
	if len(rec.Context) > 0 {
		_ = json.Unmarshal(rec.Context, &inst.Context)
	}
	if len(rec.Output) > 0 {
		_ = json.Unmarshal(rec.Output, &inst.Output)
	}
	if len(rec.LastError) > 0 {
		var raised model.Error
		if err := json.Unmarshal(rec.LastError, &raised); err == nil {
			inst.Error = &raised
		}
	}
	return inst
}
