package executors

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/meridian-run/meridian/pkg/model"
)

// Executor performs the side effect behind a Call task. Implementations must
// be safe for concurrent use: one executor instance serves every workflow
// instance in the process.
type Executor interface {
	// Name is the identifier Call tasks reference via their executor field.
	Name() string
	// Describe returns the executor's metadata and argument schema.
	Describe() Schema
	// Execute runs the call with the task's resolved arguments. The returned
	// value becomes the task's raw output.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Schema documents an executor for discovery and argument validation.
type Schema struct {
	Description string          `json:"description,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// Info is the listing form of a registered executor.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe executor registry.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry. Returns error on duplicate name.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return model.NewError(model.ErrTypeConfiguration, "executor is nil")
	}
	name := ex.Name()
	if name == "" {
		return model.NewError(model.ErrTypeConfiguration, "executor name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[name]; exists {
		return model.NewErrorf(model.ErrTypeConfiguration, "executor %q already registered", name)
	}

	r.executors[name] = ex
	return nil
}

// Get retrieves an executor by name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[name]
	if !ok {
		return nil, model.NewErrorf(model.ErrTypeConfiguration, "executor %q not registered", name)
	}
	return ex, nil
}

// Has checks if an executor is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// List returns info for all registered executors, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for _, ex := range r.executors {
		infos = append(infos, Info{
			Name:        ex.Name(),
			Description: ex.Describe().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// Func adapts a plain function into an Executor for tests and embedders.
type Func struct {
	ExecutorName string
	Doc          Schema
	Fn           func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string     { return f.ExecutorName }
func (f *Func) Describe() Schema { return f.Doc }

func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}
