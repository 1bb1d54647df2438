// Package store persists tasks, canonical entity pools, and reconciled
// records behind a backend-neutral interface.
package store

import (
	"context"
	"time"

	"github.com/fleetops/fleetsync/internal/model"
)

// Store defines the persistence interface for the reconciliation engine.
// The ledger is the only writer of records and pools; the scheduler is
// the only writer of tasks and the sync log.
type Store interface {
	// Tasks (terminal tasks only; in-flight state lives in the scheduler)
	SaveTask(ctx context.Context, task model.ScrapeTask) error
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.ScrapeTask, error)

	// Unified records (upsert keyed by trip identity)
	SaveRecord(ctx context.Context, rec model.UnifiedTripRecord) error
	LoadRecords(ctx context.Context) ([]model.UnifiedTripRecord, error)

	// Canonical entity pools
	SavePayouts(ctx context.Context, payouts []model.Payout) error
	LoadPayouts(ctx context.Context) ([]model.Payout, error)
	SaveTelemetry(ctx context.Context, events []model.TelemetryEvent) error
	LoadTelemetry(ctx context.Context) ([]model.TelemetryEvent, error)
	SaveVehicles(ctx context.Context, vehicles []model.Vehicle) error
	LoadVehicles(ctx context.Context) ([]model.Vehicle, error)
	SaveReviews(ctx context.Context, reviews []model.Review) error
	LoadReviews(ctx context.Context) ([]model.Review, error)

	// Sync log: per-kind last successful fetch, used for incremental
	// pulls and --due scheduling.
	LastSuccess(ctx context.Context, kind model.TaskKind) (time.Time, error)
	RecordSuccess(ctx context.Context, kind model.TaskKind, at time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
