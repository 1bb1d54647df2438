// Package source contains the adapters that pull raw records from the
// three external feeds: the host dashboard scrape, the bank transaction
// feed, and the vehicle telemetry feed. Adapters normalize nothing; they
// emit RawRecords and classify transport failures.
package source

import (
	"context"
	"time"

	"github.com/fleetops/fleetsync/internal/model"
)

// Adapter pulls raw records for one source. Implementations must observe
// ctx cancellation at their checkpoints (between paginated fetches) and
// release any session resources on every exit path.
type Adapter interface {
	// Source identifies the feed this adapter serves.
	Source() model.Source

	// Kinds lists the task kinds this adapter can fetch.
	Kinds() []model.TaskKind

	// Fetch pulls all records of the given kind observed since the given
	// time. Errors are classified into the resilience taxonomy at this
	// boundary.
	Fetch(ctx context.Context, kind model.TaskKind, since time.Time) ([]model.RawRecord, error)
}

// Registry maps task kinds to the adapter responsible for them.
type Registry struct {
	byKind map[model.TaskKind]Adapter
}

// NewRegistry builds a registry from the given adapters. Later adapters
// win if two claim the same kind.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byKind: make(map[model.TaskKind]Adapter)}
	for _, a := range adapters {
		for _, k := range a.Kinds() {
			r.byKind[k] = a
		}
	}
	return r
}

// ForKind returns the adapter handling the given kind, or nil.
func (r *Registry) ForKind(kind model.TaskKind) Adapter {
	return r.byKind[kind]
}

// rawRecord is a convenience constructor stamping the observation time.
func rawRecord(src model.Source, payload map[string]any) model.RawRecord {
	return model.RawRecord{
		Source:     src,
		Payload:    payload,
		ObservedAt: time.Now().UTC(),
	}
}
