package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/model"
)

// fakeView is an in-memory View for driving the reconciler directly.
type fakeView struct {
	payouts   []model.Payout
	telemetry map[string][]model.TelemetryEvent
	records   map[string]model.UnifiedTripRecord
}

func newFakeView() *fakeView {
	return &fakeView{
		telemetry: make(map[string][]model.TelemetryEvent),
		records:   make(map[string]model.UnifiedTripRecord),
	}
}

func (v *fakeView) Payouts() []model.Payout { return v.payouts }

func (v *fakeView) TelemetryBetween(ref string, start, end time.Time) []model.TelemetryEvent {
	var out []model.TelemetryEvent
	for _, ev := range v.telemetry[ref] {
		if !ev.TS.Before(start) && !ev.TS.After(end) {
			out = append(out, ev)
		}
	}
	return out
}

func (v *fakeView) Get(id model.TripIdentity) (*model.UnifiedTripRecord, bool) {
	rec, ok := v.records[id.String()]
	if !ok {
		return nil, false
	}
	cp := rec
	return &cp, true
}

func (v *fakeView) Records() []model.UnifiedTripRecord {
	out := make([]model.UnifiedTripRecord, 0, len(v.records))
	for _, rec := range v.records {
		out = append(out, rec)
	}
	return out
}

func (v *fakeView) apply(updates []model.UnifiedTripRecord) {
	for _, rec := range updates {
		v.records[rec.Identity().String()] = rec
	}
}

func testReconciler() *Reconciler {
	r := New(PolicyFromConfig(config.ReconcileConfig{}))
	fixed := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time { return fixed }
	return r
}

func namedTrip(id string, gross int64) model.Trip {
	trip := testTrip(gross)
	trip.Identity.TripID = id
	return trip
}

func TestReconcileAcceptsBestCandidate(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	view.payouts = []model.Payout{
		testPayout("po-good", 9800, 48*time.Hour),
		testPayout("po-far", 2000, 24*time.Hour),
	}

	batch := &model.EntityBatch{Trips: []model.Trip{testTrip(10000)}}
	updates := r.Reconcile(batch, view)

	require.Len(t, updates, 1)
	rec := updates[0]
	require.NotNil(t, rec.MatchedPayout)
	assert.Equal(t, "po-good", rec.MatchedPayout.PayoutID)
	assert.InDelta(t, 0.7*0.98+0.3*(5.0/7.0), rec.Confidence, 1e-9)
	assert.Empty(t, rec.UnresolvedConflicts)
	assert.Equal(t, r.nowFunc(), rec.UpdatedAt)
}

func TestReconcileLeavesTripUnmatchedBelowThreshold(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	// Amount way off and settlement late: below the accept threshold.
	view.payouts = []model.Payout{testPayout("po-weak", 3000, 6*24*time.Hour)}

	updates := r.Reconcile(&model.EntityBatch{Trips: []model.Trip{testTrip(10000)}}, view)

	require.Len(t, updates, 1)
	assert.Nil(t, updates[0].MatchedPayout)
	assert.Zero(t, updates[0].Confidence)
}

func TestReconcileTieProducesConflictNotWinner(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	// Identical amount and settlement time: scores are equal.
	view.payouts = []model.Payout{
		testPayout("po-a", 10000, 24*time.Hour),
		testPayout("po-b", 10000, 24*time.Hour),
	}

	updates := r.Reconcile(&model.EntityBatch{Trips: []model.Trip{testTrip(10000)}}, view)

	require.Len(t, updates, 1)
	rec := updates[0]
	assert.Nil(t, rec.MatchedPayout, "ties are never broken arbitrarily")
	require.Len(t, rec.UnresolvedConflicts, 1)
	assert.Equal(t, model.ConflictTie, rec.UnresolvedConflicts[0].Kind)
	assert.Contains(t, rec.UnresolvedConflicts[0].Detail, "po-a")
	assert.Contains(t, rec.UnresolvedConflicts[0].Detail, "po-b")
}

func TestReconcileTieKeepsConfirmedPriorLink(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	poA := testPayout("po-a", 10000, 24*time.Hour)
	poB := testPayout("po-b", 10000, 24*time.Hour)
	view.payouts = []model.Payout{poA, poB}

	trip := testTrip(10000)
	view.apply(r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view))

	// Resolve the tie by hand, as an operator would.
	rec := view.records[trip.Identity.String()]
	rec.MatchedPayout = &poB
	rec.Confidence = 0.9
	view.records[trip.Identity.String()] = rec

	updates := r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view)
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].MatchedPayout)
	assert.Equal(t, "po-b", updates[0].MatchedPayout.PayoutID, "confirmed link survives the tie")
}

func TestReconcileRelinksOnStrictlyBetterCandidate(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	view.payouts = []model.Payout{testPayout("po-old", 9000, 72*time.Hour)}

	trip := testTrip(10000)
	view.apply(r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view))
	require.NotNil(t, view.records[trip.Identity.String()].MatchedPayout)

	// A strictly better payout arrives in a later batch.
	better := testPayout("po-new", 10000, 24*time.Hour)
	view.payouts = append(view.payouts, better)

	updates := r.Reconcile(&model.EntityBatch{Payouts: []model.Payout{better}}, view)
	require.Len(t, updates, 1)
	rec := updates[0]
	require.NotNil(t, rec.MatchedPayout)
	assert.Equal(t, "po-new", rec.MatchedPayout.PayoutID)

	require.Len(t, rec.UnresolvedConflicts, 1)
	assert.Equal(t, model.ConflictRelink, rec.UnresolvedConflicts[0].Kind)
	assert.Equal(t, "po-old", rec.UnresolvedConflicts[0].PayoutID)
}

func TestReconcileKeepsPriorWhenNewCandidateIsNotBetter(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	strong := testPayout("po-strong", 10000, 24*time.Hour)
	view.payouts = []model.Payout{strong}

	trip := testTrip(10000)
	view.apply(r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view))

	weaker := testPayout("po-weaker", 9500, 96*time.Hour)
	view.payouts = append(view.payouts, weaker)

	updates := r.Reconcile(&model.EntityBatch{Payouts: []model.Payout{weaker}}, view)
	// The stored link already points at the best candidate, so nothing
	// material changes.
	assert.Empty(t, updates)
}

func TestReconcileRemovesLinkWhenEvidenceGone(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	po := testPayout("po-1", 10000, 24*time.Hour)
	view.payouts = []model.Payout{po}

	trip := testTrip(10000)
	view.apply(r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view))

	// The payout pool no longer supports the link (e.g. corrected feed).
	view.payouts = nil

	updates := r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view)
	require.Len(t, updates, 1)
	rec := updates[0]
	assert.Nil(t, rec.MatchedPayout)
	assert.Zero(t, rec.Confidence)
	require.Len(t, rec.UnresolvedConflicts, 1)
	assert.Equal(t, model.ConflictRelink, rec.UnresolvedConflicts[0].Kind)
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	view.payouts = []model.Payout{
		testPayout("po-1", 9800, 48*time.Hour),
		testPayout("po-2", 9800, 48*time.Hour),
	}
	view.telemetry["veh-1"] = []model.TelemetryEvent{
		ev(40.0, -74.0, 0),
		ev(40.1, -74.0, 30),
	}

	batch := &model.EntityBatch{Trips: []model.Trip{testTrip(10000)}}
	first := r.Reconcile(batch, view)
	require.NotEmpty(t, first)
	view.apply(first)

	second := r.Reconcile(batch, view)
	assert.Empty(t, second, "unchanged inputs produce no rewrites")
}

func TestReconcileSplitPayoutConflict(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	// One payout covering two trips; 4000+5000 != 9800.
	po := testPayout("po-split", 9800, 24*time.Hour)
	view.payouts = []model.Payout{po}

	t1 := namedTrip("t1", 9000)
	t2 := namedTrip("t2", 9500)

	updates := r.Reconcile(&model.EntityBatch{Trips: []model.Trip{t1, t2}}, view)
	require.Len(t, updates, 2)

	for _, rec := range updates {
		require.NotNil(t, rec.MatchedPayout)
		assert.Equal(t, "po-split", rec.MatchedPayout.PayoutID)
		assert.Equal(t, []string{"t1", "t2"}, rec.MatchedPayout.LinkedTripIDs)

		var kinds []model.ConflictKind
		for _, c := range rec.UnresolvedConflicts {
			kinds = append(kinds, c.Kind)
		}
		assert.Contains(t, kinds, model.ConflictSplitPayout)
	}

	// Re-running does not duplicate the conflict.
	view.apply(updates)
	assert.Empty(t, r.Reconcile(&model.EntityBatch{Trips: []model.Trip{t1, t2}}, view))
}

func TestReconcileNewPayoutTouchesStoredTrips(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()

	trip := testTrip(10000)
	view.apply(r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view))
	require.Nil(t, view.records[trip.Identity.String()].MatchedPayout)

	// The settlement arrives days later in its own batch, with no trips.
	po := testPayout("po-late", 10000, 48*time.Hour)
	view.payouts = append(view.payouts, po)

	updates := r.Reconcile(&model.EntityBatch{Payouts: []model.Payout{po}}, view)
	require.Len(t, updates, 1)
	assert.Equal(t, trip.Identity, updates[0].Identity())
	require.NotNil(t, updates[0].MatchedPayout)
	assert.Equal(t, "po-late", updates[0].MatchedPayout.PayoutID)
}

func TestReconcileReobservedPayoutRetouchesLinkedTrip(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()
	view.payouts = []model.Payout{testPayout("po-1", 10000, 24*time.Hour)}

	trip := testTrip(10000)
	view.apply(r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view))
	require.NotNil(t, view.records[trip.Identity.String()].MatchedPayout)

	// A corrected feed re-observes the payout with its settlement moved
	// past the candidate window. The trip is no longer selectable by the
	// window, but its link has to be re-examined anyway.
	moved := testPayout("po-1", 10000, 9*24*time.Hour)
	view.payouts = []model.Payout{moved}

	updates := r.Reconcile(&model.EntityBatch{Payouts: []model.Payout{moved}}, view)
	require.Len(t, updates, 1)
	assert.Equal(t, trip.Identity, updates[0].Identity())
	assert.Nil(t, updates[0].MatchedPayout)
	assert.Zero(t, updates[0].Confidence)
	require.Len(t, updates[0].UnresolvedConflicts, 1)
	assert.Equal(t, model.ConflictRelink, updates[0].UnresolvedConflicts[0].Kind)
}

func TestReconcileAttachesTelemetryWindow(t *testing.T) {
	t.Parallel()

	r := testReconciler()
	view := newFakeView()

	trip := testTrip(10000) // 2026-03-01T18:00 → 2026-03-03T18:00 UTC
	inWindow := model.TelemetryEvent{VehicleRef: "veh-1", TS: trip.StartTS.Add(time.Hour), Lat: 40, Lon: -74}
	inWindow2 := model.TelemetryEvent{VehicleRef: "veh-1", TS: trip.StartTS.Add(2 * time.Hour), Lat: 41, Lon: -74}
	outside := model.TelemetryEvent{VehicleRef: "veh-1", TS: trip.EndTS.Add(time.Hour), Lat: 42, Lon: -74}
	view.telemetry["veh-1"] = []model.TelemetryEvent{inWindow, inWindow2, outside}

	updates := r.Reconcile(&model.EntityBatch{Trips: []model.Trip{trip}}, view)
	require.Len(t, updates, 1)
	assert.Len(t, updates[0].MatchedTelemetry, 2)
	assert.Greater(t, updates[0].TelemetryPathKM, 100.0)
}
