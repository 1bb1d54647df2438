// Package pipeline runs the ingest path for one fetched batch:
// normalize raw records, apply entities to the ledger, reconcile, and
// persist the resulting unified records.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/ledger"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/normalize"
	"github.com/fleetops/fleetsync/internal/reconcile"
)

// Ingestor wires the normalizer, ledger, and reconciler together.
type Ingestor struct {
	normalizer *normalize.Normalizer
	ledger     *ledger.Ledger
	reconciler *reconcile.Reconciler
	log        *zap.Logger
}

// NewIngestor creates an Ingestor over the given components.
func NewIngestor(n *normalize.Normalizer, l *ledger.Ledger, r *reconcile.Reconciler) *Ingestor {
	return &Ingestor{
		normalizer: n,
		ledger:     l,
		reconciler: r,
		log:        zap.L().With(zap.String("component", "pipeline")),
	}
}

// Result summarizes one ingest pass.
type Result struct {
	Batch   *model.EntityBatch
	Updated int // unified records written
}

// Ingest normalizes raw records, merges the entities into the ledger
// pools, reconciles affected trips, and persists the updates. The
// entity pools are applied before reconciliation so the reconciler's
// view includes the batch's own observations.
func (in *Ingestor) Ingest(ctx context.Context, records []model.RawRecord) (Result, error) {
	batch := in.normalizer.NormalizeBatch(records)
	if batch.Empty() {
		in.log.Info("batch empty after normalization",
			zap.Int("raw", len(records)),
			zap.Int("skipped", batch.Skipped))
		return Result{Batch: batch}, nil
	}

	if err := in.ledger.AddEntities(ctx, batch); err != nil {
		return Result{Batch: batch}, err
	}

	updates := in.reconciler.Reconcile(batch, in.ledger)
	if err := in.ledger.Upsert(ctx, updates); err != nil {
		return Result{Batch: batch}, err
	}

	in.log.Info("batch ingested",
		zap.Int("raw", len(records)),
		zap.Int("skipped", batch.Skipped),
		zap.Int("trips", len(batch.Trips)),
		zap.Int("payouts", len(batch.Payouts)),
		zap.Int("telemetry", len(batch.Telemetry)),
		zap.Int("updated", len(updates)))

	return Result{Batch: batch, Updated: len(updates)}, nil
}
