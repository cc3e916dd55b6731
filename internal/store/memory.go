package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridian-run/meridian/pkg/model"
)

// MemoryStore is an in-process Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu           sync.RWMutex
	definitions  map[string]*model.Definition
	instances    map[string]*InstanceRecord
	events       map[string][]*Event
	correlations map[string]*CorrelationRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:  make(map[string]*model.Definition),
		instances:    make(map[string]*InstanceRecord),
		events:       make(map[string][]*Event),
		correlations: make(map[string]*CorrelationRecord),
	}
}

func (s *MemoryStore) PublishDefinition(_ context.Context, def *model.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := def.Ref().String()
	if _, exists := s.definitions[key]; exists {
		return model.NewErrorf(model.ErrTypeConfiguration,
			"definition %s already published; definitions are append-only", def.Ref())
	}
	s.definitions[key] = def
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, ref model.DefinitionRef) (*model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.definitions[ref.String()], nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []*model.Definition
	for _, def := range s.definitions {
		if filter.Namespace != "" && def.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && def.Name != filter.Name {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Ref().String() < defs[j].Ref().String()
	})
	if filter.Limit > 0 && len(defs) > filter.Limit {
		defs = defs[:filter.Limit]
	}
	return defs, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.instances[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, id string, update InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.instances[id]
	if !ok {
		return model.NewErrorf(model.ErrTypeRuntime, "instance %q not found", id)
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.Position != nil {
		rec.Position = *update.Position
	}
	if update.Context != nil {
		rec.Context = update.Context
	}
	if update.Output != nil {
		rec.Output = update.Output
	}
	if update.LastError != nil {
		rec.LastError = update.LastError
	}
	if update.StartedAt != nil {
		rec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		rec.CompletedAt = update.CompletedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*InstanceRecord
	for _, rec := range s.instances {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Namespace != "" && rec.Definition.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && rec.Definition.Name != filter.Name {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[filter.Offset:]
	}
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	return recs, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.events[event.InstanceID]) + 1)
	event.Sequence = seq
	event.ID = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []*Event
	for _, ev := range s.events[instanceID] {
		if ev.Sequence > since {
			cp := *ev
			events = append(events, &cp)
		}
	}
	return events, nil
}

func (s *MemoryStore) SaveCorrelation(_ context.Context, rec *CorrelationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.correlations[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteCorrelation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.correlations, id)
	return nil
}

func (s *MemoryStore) ListCorrelations(_ context.Context, instanceID string) ([]*CorrelationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*CorrelationRecord
	for _, rec := range s.correlations {
		if instanceID != "" && rec.InstanceID != instanceID {
			continue
		}
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

var _ Store = (*MemoryStore)(nil)
