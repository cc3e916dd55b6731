package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/pkg/model"
)

// Registration is a pending subscription for one Listen task. Keys holds the
// expected correlation values, already evaluated against the workflow context
// at registration time. Extract maps each key name to the expression that
// pulls the candidate value out of an incoming event.
type Registration struct {
	InstanceID string
	Position   string
	EventType  string
	Keys       map[string]string
	Extract    map[string]string
	Deadline   *time.Time
}

// ID is deterministic so that re-registering after a restart replaces the
// persisted record instead of duplicating it.
func (r Registration) ID() string {
	return r.InstanceID + ":" + r.Position
}

// Outcome is delivered exactly once per registration: either the matched
// event or a timeout, never both.
type Outcome struct {
	Event    *model.Event
	TimedOut bool
}

type pending struct {
	reg     Registration
	outcome chan Outcome
	once    sync.Once
}

func (p *pending) resolve(o Outcome) bool {
	delivered := false
	p.once.Do(func() {
		p.outcome <- o
		delivered = true
	})
	return delivered
}

// CorrelationStore matches incoming events against pending registrations and
// races each registration's deadline against event arrival. An event that
// arrives before the deadline fires wins; a deadline that fires first wins.
type CorrelationStore struct {
	engine  expressions.Engine
	backend store.Store
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	timers  *ttlcache.Cache[string, string]
}

// New creates a CorrelationStore. The backend may be nil for ephemeral use;
// registrations are then held in memory only.
func New(engine expressions.Engine, backend store.Store, logger *slog.Logger) *CorrelationStore {
	if logger == nil {
		logger = slog.Default()
	}
	cs := &CorrelationStore{
		engine:  engine,
		backend: backend,
		logger:  logger,
		pending: make(map[string]*pending),
		timers:  ttlcache.New[string, string](),
	}
	cs.timers.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		cs.expire(ctx, item.Key())
	})
	return cs
}

// Start runs deadline expiration until ctx is cancelled.
func (cs *CorrelationStore) Start(ctx context.Context) {
	go cs.timers.Start()
	<-ctx.Done()
	cs.timers.Stop()
}

// Register adds a pending correlation and returns the channel its single
// outcome will be delivered on. A deadline already in the past times out
// immediately.
func (cs *CorrelationStore) Register(ctx context.Context, reg Registration) (<-chan Outcome, error) {
	p := &pending{
		reg:     reg,
		outcome: make(chan Outcome, 1),
	}

	cs.mu.Lock()
	if _, exists := cs.pending[reg.ID()]; exists {
		cs.mu.Unlock()
		return nil, model.NewErrorf(model.ErrTypeRuntime,
			"correlation %s already registered", reg.ID())
	}
	cs.pending[reg.ID()] = p
	if reg.Deadline != nil {
		ttl := time.Until(*reg.Deadline)
		if ttl <= 0 {
			ttl = time.Nanosecond
		}
		cs.timers.Set(reg.ID(), reg.EventType, ttl)
	}
	cs.mu.Unlock()

	if cs.backend != nil {
		rec := &store.CorrelationRecord{
			ID:         reg.ID(),
			InstanceID: reg.InstanceID,
			Position:   reg.Position,
			EventType:  reg.EventType,
			Keys:       reg.Keys,
			Deadline:   reg.Deadline,
		}
		if err := cs.backend.SaveCorrelation(ctx, rec); err != nil {
			cs.remove(reg.ID())
			return nil, err
		}
	}

	cs.logger.DebugContext(ctx, "correlation registered",
		slog.String("instance_id", reg.InstanceID),
		slog.String("position", reg.Position),
		slog.String("event_type", reg.EventType))

	return p.outcome, nil
}

// Cancel removes a registration without delivering an outcome. Used when an
// instance is terminated while listening.
func (cs *CorrelationStore) Cancel(ctx context.Context, id string) {
	cs.remove(id)
	if cs.backend != nil {
		if err := cs.backend.DeleteCorrelation(ctx, id); err != nil {
			cs.logger.WarnContext(ctx, "failed to delete correlation record",
				slog.String("correlation_id", id), slog.Any("error", err))
		}
	}
}

// OnEvent offers an incoming event to all pending registrations. The first
// registration whose type and every correlation key match consumes the event.
// Returns the IDs of the registrations the event resolved.
func (cs *CorrelationStore) OnEvent(ctx context.Context, event *model.Event) ([]string, error) {
	cs.mu.Lock()
	var candidates []*pending
	for _, p := range cs.pending {
		if p.reg.EventType == event.Type {
			candidates = append(candidates, p)
		}
	}
	cs.mu.Unlock()

	var resolved []string
	for _, p := range candidates {
		ok, err := cs.matches(ctx, p.reg, event)
		if err != nil {
			cs.logger.WarnContext(ctx, "correlation key evaluation failed",
				slog.String("correlation_id", p.reg.ID()), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		if p.resolve(Outcome{Event: event}) {
			cs.remove(p.reg.ID())
			if cs.backend != nil {
				if err := cs.backend.DeleteCorrelation(ctx, p.reg.ID()); err != nil {
					cs.logger.WarnContext(ctx, "failed to delete correlation record",
						slog.String("correlation_id", p.reg.ID()), slog.Any("error", err))
				}
			}
			resolved = append(resolved, p.reg.ID())
		}
	}
	return resolved, nil
}

// PendingFor lists the pending registrations for an instance.
func (cs *CorrelationStore) PendingFor(instanceID string) []Registration {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var regs []Registration
	for _, p := range cs.pending {
		if p.reg.InstanceID == instanceID {
			regs = append(regs, p.reg)
		}
	}
	return regs
}

func (cs *CorrelationStore) matches(ctx context.Context, reg Registration, event *model.Event) (bool, error) {
	root := event.AsMap()
	for name, expected := range reg.Keys {
		expr, ok := reg.Extract[name]
		if !ok {
			return false, nil
		}
		value, err := cs.engine.Evaluate(ctx, expressions.Normalize(expr), root, nil)
		if err != nil {
			return false, err
		}
		if KeyString(value) != expected {
			return false, nil
		}
	}
	return true, nil
}

// expire runs inside the ttlcache eviction callback, which may hold the
// cache's internal lock; it must not call back into the timer cache.
func (cs *CorrelationStore) expire(ctx context.Context, id string) {
	cs.mu.Lock()
	p, ok := cs.pending[id]
	delete(cs.pending, id)
	cs.mu.Unlock()
	if !ok {
		return
	}
	if p.resolve(Outcome{TimedOut: true}) {
		if cs.backend != nil {
			if err := cs.backend.DeleteCorrelation(ctx, id); err != nil {
				cs.logger.WarnContext(ctx, "failed to delete correlation record",
					slog.String("correlation_id", id), slog.Any("error", err))
			}
		}
		cs.logger.DebugContext(ctx, "correlation timed out", slog.String("correlation_id", id))
	}
}

func (cs *CorrelationStore) remove(id string) {
	cs.mu.Lock()
	delete(cs.pending, id)
	cs.mu.Unlock()
	cs.timers.Delete(id)
}

// KeyString canonicalizes a correlation key value for comparison. Strings
// compare as-is; everything else compares by its JSON encoding.
func KeyString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprint(v)
	}
}
