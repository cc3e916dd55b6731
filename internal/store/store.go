package store

import (
	"context"

	"github.com/meridian-run/meridian/pkg/model"
)

// Store is the persistence contract the engine requires. All
// implementations must be safe for concurrent use.
type Store interface {
	// Definitions (append-only: publishing an existing identity fails)
	PublishDefinition(ctx context.Context, def *model.Definition) error
	GetDefinition(ctx context.Context, ref model.DefinitionRef) (*model.Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*model.Definition, error)

	// Instances
	CreateInstance(ctx context.Context, rec *InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)

	// Lifecycle event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)

	// Pending correlations
	SaveCorrelation(ctx context.Context, rec *CorrelationRecord) error
	DeleteCorrelation(ctx context.Context, id string) error
	ListCorrelations(ctx context.Context, instanceID string) ([]*CorrelationRecord, error)
}
