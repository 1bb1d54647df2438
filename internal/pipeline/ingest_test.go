package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/ledger"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/normalize"
	"github.com/fleetops/fleetsync/internal/reconcile"
	"github.com/fleetops/fleetsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestIngestor(t *testing.T) (*Ingestor, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	led := ledger.New(st)
	require.NoError(t, led.Load(ctx))
	norm, err := normalize.New(config.NormalizeConfig{DefaultCurrency: "USD"})
	require.NoError(t, err)
	rec := reconcile.New(reconcile.PolicyFromConfig(config.ReconcileConfig{}))

	return NewIngestor(norm, led, rec), led
}

func raw(src model.Source, payload map[string]any) model.RawRecord {
	return model.RawRecord{Source: src, Payload: payload, ObservedAt: time.Now().UTC()}
}

func TestIngestMatchesTripToPayout(t *testing.T) {
	t.Parallel()

	ing, led := newTestIngestor(t)

	records := []model.RawRecord{
		raw(model.SourceScrape, map[string]any{
			"entity":       "trip",
			"trip_id":      "t1",
			"vehicle_ref":  "veh-1",
			"start_ts":     "2026-03-01T10:00:00Z",
			"end_ts":       "2026-03-03T18:00:00Z",
			"gross_amount": "$98.00",
			"status":       "completed",
		}),
		raw(model.SourceLedger, map[string]any{
			"entity":        "payout",
			"payout_id":     "po-1",
			"settlement_ts": "2026-03-05T00:00:00Z",
			"net_amount":    "$98.00",
		}),
	}

	res, err := ing.Ingest(context.Background(), records)
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Equal(t, 0, res.Batch.Skipped)
	assert.Equal(t, 1, res.Updated)

	rec, ok := led.Get(model.TripIdentity{Source: model.SourceScrape, TripID: "t1"})
	require.True(t, ok)
	require.NotNil(t, rec.MatchedPayout)
	assert.Equal(t, "po-1", rec.MatchedPayout.PayoutID)
	assert.Greater(t, rec.Confidence, 0.5)
	assert.Contains(t, rec.MatchedPayout.LinkedTripIDs, "t1")
}

func TestIngestLatePayoutLinksStoredTrip(t *testing.T) {
	t.Parallel()

	ing, led := newTestIngestor(t)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, []model.RawRecord{
		raw(model.SourceScrape, map[string]any{
			"entity":       "trip",
			"trip_id":      "t1",
			"vehicle_ref":  "veh-1",
			"start_ts":     "2026-03-01T10:00:00Z",
			"end_ts":       "2026-03-03T18:00:00Z",
			"gross_amount": "$120.00",
			"status":       "completed",
		}),
	})
	require.NoError(t, err)

	rec, ok := led.Get(model.TripIdentity{Source: model.SourceScrape, TripID: "t1"})
	require.True(t, ok)
	assert.Nil(t, rec.MatchedPayout)

	// The payout arrives in a later batch and still links back.
	res, err := ing.Ingest(ctx, []model.RawRecord{
		raw(model.SourceLedger, map[string]any{
			"entity":        "payout",
			"payout_id":     "po-1",
			"settlement_ts": "2026-03-04T12:00:00Z",
			"net_amount":    "$118.00",
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	rec, ok = led.Get(model.TripIdentity{Source: model.SourceScrape, TripID: "t1"})
	require.True(t, ok)
	require.NotNil(t, rec.MatchedPayout)
	assert.Equal(t, "po-1", rec.MatchedPayout.PayoutID)
}

func TestReconcileWithoutUpsertLeavesLedgerUntouched(t *testing.T) {
	t.Parallel()

	ing, led := newTestIngestor(t)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, []model.RawRecord{
		raw(model.SourceScrape, map[string]any{
			"entity":       "trip",
			"trip_id":      "t1",
			"vehicle_ref":  "veh-1",
			"start_ts":     "2026-03-01T10:00:00Z",
			"end_ts":       "2026-03-03T18:00:00Z",
			"gross_amount": "$98.00",
			"status":       "completed",
		}),
		raw(model.SourceLedger, map[string]any{
			"entity":        "payout",
			"payout_id":     "po-1",
			"settlement_ts": "2026-03-05T00:00:00Z",
			"net_amount":    "$98.00",
		}),
	})
	require.NoError(t, err)

	before, ok := led.Get(model.TripIdentity{Source: model.SourceScrape, TripID: "t1"})
	require.True(t, ok)
	require.NotNil(t, before.MatchedPayout)
	require.Equal(t, []string{"t1"}, before.MatchedPayout.LinkedTripIDs)

	// A second trip contends for the same payout. Reconciling without
	// persisting must not leak link state into the stored record.
	second := model.Trip{
		Identity:   model.TripIdentity{Source: model.SourceScrape, TripID: "t2"},
		VehicleRef: "veh-1",
		Status:     model.TripStatusCompleted,
		StartTS:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndTS:      time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC),
		Gross:      model.Money{Amount: 9800, Currency: "USD"},
	}
	updates := ing.reconciler.Reconcile(&model.EntityBatch{Trips: []model.Trip{second}}, led)
	require.NotEmpty(t, updates)

	after, ok := led.Get(model.TripIdentity{Source: model.SourceScrape, TripID: "t1"})
	require.True(t, ok)
	require.NotNil(t, after.MatchedPayout)
	assert.Equal(t, []string{"t1"}, after.MatchedPayout.LinkedTripIDs)
	assert.Equal(t, before.Confidence, after.Confidence)
	assert.Equal(t, before.UnresolvedConflicts, after.UnresolvedConflicts)
}

func TestIngestEmptyBatchShortCircuits(t *testing.T) {
	t.Parallel()

	ing, led := newTestIngestor(t)

	res, err := ing.Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
	assert.True(t, res.Batch.Empty())
	assert.Empty(t, led.Records())
}

func TestIngestCountsMalformedAndContinues(t *testing.T) {
	t.Parallel()

	ing, led := newTestIngestor(t)

	res, err := ing.Ingest(context.Background(), []model.RawRecord{
		raw(model.SourceScrape, map[string]any{
			"entity":       "trip",
			"trip_id":      "t1",
			"vehicle_ref":  "veh-1",
			"start_ts":     "2026-03-01T10:00:00Z",
			"end_ts":       "2026-03-03T18:00:00Z",
			"gross_amount": "$50.00",
			"status":       "completed",
		}),
		raw(model.SourceScrape, map[string]any{
			"entity":  "trip",
			"trip_id": "", // no identity
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batch.Skipped)
	assert.Equal(t, 1, res.Updated)
	assert.Len(t, led.Records(), 1)
}