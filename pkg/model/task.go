package model

import "encoding/json"

// TaskKind discriminates the closed task union. Exactly one kind-specific
// field is set on a Task; Kind() resolves the tag.
type TaskKind string

const (
	KindSet    TaskKind = "set"
	KindCall   TaskKind = "call"
	KindRun    TaskKind = "run"
	KindSwitch TaskKind = "switch"
	KindFor    TaskKind = "for"
	KindFork   TaskKind = "fork"
	KindTry    TaskKind = "try"
	KindRaise  TaskKind = "raise"
	KindWait   TaskKind = "wait"
	KindListen TaskKind = "listen"
	KindEmit   TaskKind = "emit"
	KindDo     TaskKind = "do"
)

// FlowEnd is the explicit terminal value for a task's `then` directive.
const FlowEnd = "end"

// Task is one node of the workflow graph. Name is unique within its
// enclosing scope. Then names the next task, FlowEnd, or "" for implicit
// list-order continuation.
type Task struct {
	Name   string          `json:"name"`
	Input  *InputContract  `json:"input,omitempty"`
	Output *OutputContract `json:"output,omitempty"`
	Export *OutputContract `json:"export,omitempty"`
	Then   string          `json:"then,omitempty"`

	Set    map[string]any `json:"set,omitempty"`
	Call   *CallTask      `json:"call,omitempty"`
	Run    *RunTask       `json:"run,omitempty"`
	Switch []SwitchCase   `json:"switch,omitempty"`
	For    *ForTask       `json:"for,omitempty"`
	Fork   *ForkTask      `json:"fork,omitempty"`
	Try    *TryTask       `json:"try,omitempty"`
	Raise  *RaiseTask     `json:"raise,omitempty"`
	Wait   *WaitTask      `json:"wait,omitempty"`
	Listen *ListenTask    `json:"listen,omitempty"`
	Emit   *EmitTask      `json:"emit,omitempty"`
	Do     []Task         `json:"do,omitempty"`
}

// Kind resolves the union tag from the set field. Returns "" when no
// kind-specific field is set (a Configuration error at publish time).
func (t *Task) Kind() TaskKind {
	switch {
	case t.Set != nil:
		return KindSet
	case t.Call != nil:
		return KindCall
	case t.Run != nil:
		return KindRun
	case len(t.Switch) > 0:
		return KindSwitch
	case t.For != nil:
		return KindFor
	case t.Fork != nil:
		return KindFork
	case t.Try != nil:
		return KindTry
	case t.Raise != nil:
		return KindRaise
	case t.Wait != nil:
		return KindWait
	case t.Listen != nil:
		return KindListen
	case t.Emit != nil:
		return KindEmit
	case t.Do != nil:
		return KindDo
	default:
		return ""
	}
}

// KindCount counts how many kind-specific fields are set; publish-time
// validation requires exactly one.
func (t *Task) KindCount() int {
	n := 0
	for _, set := range []bool{
		t.Set != nil, t.Call != nil, t.Run != nil, len(t.Switch) > 0,
		t.For != nil, t.Fork != nil, t.Try != nil, t.Raise != nil,
		t.Wait != nil, t.Listen != nil, t.Emit != nil, t.Do != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// InputContract validates raw input against Schema, then evaluates From.
// Validation strictly precedes transformation.
type InputContract struct {
	Schema json.RawMessage `json:"schema,omitempty"`
	From   string          `json:"from,omitempty"`
}

// OutputContract evaluates As, then validates the result against Schema.
// Transformation strictly precedes validation (the inverse of input).
type OutputContract struct {
	As     string          `json:"as,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// CallTask delegates to a registered call executor (e.g. "http").
type CallTask struct {
	Executor string         `json:"executor"`
	With     map[string]any `json:"with,omitempty"`
	Await    *bool          `json:"await,omitempty"` // default true
	Timeout  string         `json:"timeout,omitempty"`
}

// RunTask delegates to a registered runner (script, container, subprocess).
type RunTask struct {
	Runner  string         `json:"runner"`
	With    map[string]any `json:"with,omitempty"`
	Await   *bool          `json:"await,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
}

// SwitchCase is one guard of a Switch task. An empty When marks the default
// case. First truthy When wins; evaluation order is list order.
type SwitchCase struct {
	Name string `json:"name,omitempty"`
	When string `json:"when,omitempty"`
	Then string `json:"then"`
}

// ForTask iterates a collection expression, binding the element and index
// variables into a child scope for each iteration.
type ForTask struct {
	Each  string `json:"each,omitempty"` // loop variable name, default "item"
	In    string `json:"in"`             // collection expression
	At    string `json:"at,omitempty"`   // index variable name, default "index"
	While string `json:"while,omitempty"`
	Do    []Task `json:"do"`
}

// ForkTask fans out one concurrent branch per entry; the join waits for all
// branches unless Timeout elapses first.
type ForkTask struct {
	Branches []ForkBranch `json:"branches"`
	Timeout  string       `json:"timeout,omitempty"`
}

// ForkBranch is a named concurrent branch of a Fork task.
type ForkBranch struct {
	Name string `json:"name"`
	Do   []Task `json:"do"`
}

// TryTask wraps a task set with an optional retry policy and an ordered
// list of catch clauses.
type TryTask struct {
	Do    []Task        `json:"do"`
	Retry *RetryPolicy  `json:"retry,omitempty"`
	Catch []CatchClause `json:"catch,omitempty"`
}

// CatchClause matches raised errors by type/status and an optional predicate
// over the error value. The matched error is bound under As (default
// "error") for the handler task set.
type CatchClause struct {
	Errors *ErrorFilter `json:"errors,omitempty"` // nil matches all
	When   string       `json:"when,omitempty"`
	As     string       `json:"as,omitempty"`
	Do     []Task       `json:"do,omitempty"`
	Then   string       `json:"then,omitempty"`
}

// ErrorFilter selects errors by type URI and optionally by status.
type ErrorFilter struct {
	Type   string `json:"type,omitempty"`
	Status int    `json:"status,omitempty"`
}

// RetryStrategy enumerates retry delay strategies.
type RetryStrategy string

const (
	RetryNone    RetryStrategy = "none"
	RetryFixed   RetryStrategy = "fixed"
	RetryBackoff RetryStrategy = "backoff"
)

// RetryPolicy drives re-execution of a Try-wrapped task set.
// delay = InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
type RetryPolicy struct {
	Strategy     RetryStrategy `json:"strategy,omitempty"` // default backoff
	InitialDelay string        `json:"initialDelay,omitempty"`
	Multiplier   float64       `json:"multiplier,omitempty"` // default 2
	MaxDelay     string        `json:"maxDelay,omitempty"`
	MaxAttempts  int           `json:"maxAttempts,omitempty"`
	MaxDuration  string        `json:"maxDuration,omitempty"`
	When         string        `json:"when,omitempty"` // predicate over $error; default match-all
}

// RaiseTask raises a typed error to be caught by an enclosing Try or to
// fault the instance.
type RaiseTask struct {
	Error ErrorDef `json:"error"`
}

// ErrorDef declares the error a Raise task produces. Custom types share the
// canonical shape; Status defaults by type.
type ErrorDef struct {
	Type   string `json:"type"`
	Status int    `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WaitTask suspends the frame for a duration or until a timestamp.
type WaitTask struct {
	Duration string `json:"duration,omitempty"`
	Until    string `json:"until,omitempty"` // RFC 3339
}

// ListenTask suspends the frame until a correlated event arrives or Timeout
// elapses. On timeout, control resumes at TimeoutThen when set, otherwise
// the task raises a Timeout error.
type ListenTask struct {
	To          EventConsumer `json:"to"`
	Timeout     string        `json:"timeout,omitempty"`
	TimeoutThen string        `json:"timeoutThen,omitempty"`
	Read        string        `json:"read,omitempty"` // data | envelope (default data)
}

// EventConsumer filters inbound events by type and correlation keys.
// Each correlation key expression is evaluated twice: against the task's
// transformed input at registration, and against the event at delivery;
// both values must be equal for a match.
type EventConsumer struct {
	Type      string                    `json:"type"`
	Correlate map[string]CorrelationDef `json:"correlate,omitempty"`
}

// CorrelationDef declares one correlation key.
type CorrelationDef struct {
	From string `json:"from"` // expression over the event
	With string `json:"with,omitempty"` // expression over task input; default same as From
}

// EmitTask publishes an event without altering control flow.
type EmitTask struct {
	Event EventDef `json:"event"`
}

// EventDef is the declarative shape of an emitted event. Data values that
// are runtime expressions are evaluated before publication.
type EventDef struct {
	Type       string            `json:"type"`
	Source     string            `json:"source,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
