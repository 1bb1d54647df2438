package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/model"
)

// View is the read side of the ledger the reconciler matches against.
// The caller must apply a batch's entities to the view before invoking
// Reconcile so candidates include the newest observations.
type View interface {
	// Payouts returns the full payout pool.
	Payouts() []model.Payout

	// TelemetryBetween returns the vehicle's events within [start, end],
	// ordered by timestamp.
	TelemetryBetween(vehicleRef string, start, end time.Time) []model.TelemetryEvent

	// Get returns the stored record for the identity, if any.
	Get(id model.TripIdentity) (*model.UnifiedTripRecord, bool)

	// Records returns all stored unified records.
	Records() []model.UnifiedTripRecord
}

// Reconciler matches trips to payouts and telemetry. Reconciliation for
// a given trip identity is serialized via per-identity locks; different
// identities may be reconciled fully in parallel.
type Reconciler struct {
	policy MatchPolicy
	locks  keyedMutex
	log    *zap.Logger

	nowFunc func() time.Time // test injection
}

// New creates a Reconciler with the given policy.
func New(policy MatchPolicy) *Reconciler {
	return &Reconciler{
		policy:  policy,
		log:     zap.L().With(zap.String("component", "reconcile")),
		nowFunc: time.Now,
	}
}

// Reconcile computes unified record updates for every trip affected by
// the batch: the batch's own trips, plus stored trips whose candidate
// window covers a new payout or whose vehicle produced new telemetry.
// The result is deterministic for a given batch and view; re-running
// with the same inputs yields identical records.
func (r *Reconciler) Reconcile(batch *model.EntityBatch, view View) []model.UnifiedTripRecord {
	affected := r.affectedTrips(batch, view)
	if len(affected) == 0 {
		return nil
	}

	// Sorted identity order for deterministic output.
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var updates []model.UnifiedTripRecord
	for _, id := range ids {
		trip := affected[id]
		if rec, changed := r.reconcileTrip(trip, view); changed {
			updates = append(updates, rec)
		}
	}

	updates = append(updates, r.flagSplitPayouts(updates, view)...)

	r.log.Info("reconciliation pass complete",
		zap.Int("affected", len(affected)),
		zap.Int("updated", len(updates)),
	)
	return updates
}

// affectedTrips selects the trips to (re)reconcile. Batch trips override
// stored copies of the same identity: the batch is the newer observation.
func (r *Reconciler) affectedTrips(batch *model.EntityBatch, view View) map[string]model.Trip {
	affected := make(map[string]model.Trip)

	for _, t := range batch.Trips {
		affected[t.Identity.String()] = t
	}

	newTelemetryVehicles := make(map[string]bool)
	for _, ev := range batch.Telemetry {
		newTelemetryVehicles[ev.VehicleRef] = true
	}
	newPayoutIDs := make(map[string]bool)
	for _, p := range batch.Payouts {
		newPayoutIDs[p.PayoutID] = true
	}

	for _, rec := range view.Records() {
		key := rec.Trip.Identity.String()
		if _, ok := affected[key]; ok {
			continue
		}
		hit := false
		for _, p := range batch.Payouts {
			if r.policy.Candidate(rec.Trip, p) {
				hit = true
				break
			}
		}
		// A re-observed payout may have drifted out of its linked trip's
		// candidate window; the trip still has to re-reconcile so the
		// stale link does not outlive its evidence.
		if !hit && rec.MatchedPayout != nil && newPayoutIDs[rec.MatchedPayout.PayoutID] {
			hit = true
		}
		if !hit && newTelemetryVehicles[rec.Trip.VehicleRef] {
			hit = true
		}
		if hit {
			affected[key] = rec.Trip
		}
	}

	return affected
}

// reconcileTrip recomputes one trip's unified record. Returns the record
// and whether it materially differs from the stored one.
func (r *Reconciler) reconcileTrip(trip model.Trip, view View) (model.UnifiedTripRecord, bool) {
	key := trip.Identity.String()
	r.locks.lock(key)
	defer r.locks.unlock(key)

	existing, hasExisting := view.Get(trip.Identity)

	rec := model.UnifiedTripRecord{Trip: trip}
	if hasExisting {
		// Conflict history carries forward; it is never silently dropped.
		rec.UnresolvedConflicts = append(rec.UnresolvedConflicts, existing.UnresolvedConflicts...)
		rec.UpdatedAt = existing.UpdatedAt
	}

	r.matchPayout(trip, existing, view, &rec)

	rec.MatchedTelemetry = view.TelemetryBetween(trip.VehicleRef, trip.StartTS, trip.EndTS)
	rec.TelemetryPathKM = PathLengthKM(rec.MatchedTelemetry)

	changed := !hasExisting || materiallyDifferent(existing, &rec)
	if changed {
		rec.UpdatedAt = r.nowFunc().UTC()
	}
	return rec, changed
}

// matchPayout applies the scoring algorithm and link-transition rules.
func (r *Reconciler) matchPayout(trip model.Trip, existing *model.UnifiedTripRecord, view View, rec *model.UnifiedTripRecord) {
	type scored struct {
		payout model.Payout
		score  float64
	}

	var accepted []scored
	for _, p := range view.Payouts() {
		if s := r.policy.Score(trip, p); s >= r.policy.AcceptThreshold {
			accepted = append(accepted, scored{payout: p, score: s})
		}
	}
	if len(accepted) == 0 {
		// A previously confirmed link whose evidence no longer clears
		// the threshold is removed, with the removal on record.
		if existing != nil && existing.MatchedPayout != nil {
			r.addConflict(rec, model.Conflict{
				Kind:     model.ConflictRelink,
				PayoutID: existing.MatchedPayout.PayoutID,
				Detail: fmt.Sprintf("link to payout %s (score %.4f) removed: no candidate clears threshold",
					existing.MatchedPayout.PayoutID, existing.Confidence),
			})
		}
		rec.MatchedPayout = nil
		rec.Confidence = 0
		return
	}

	// Deterministic ordering: best score first, payout id as tiebreak.
	sort.Slice(accepted, func(i, j int) bool {
		if accepted[i].score != accepted[j].score {
			return accepted[i].score > accepted[j].score
		}
		return accepted[i].payout.PayoutID < accepted[j].payout.PayoutID
	})

	best := accepted[0]
	var contenders []scored
	for _, c := range accepted {
		if best.score-c.score <= r.policy.TieEpsilon {
			contenders = append(contenders, c)
		}
	}

	find := func(id string) (model.Payout, float64) {
		for _, c := range accepted {
			if c.payout.PayoutID == id {
				return c.payout, c.score
			}
		}
		return model.Payout{}, 0
	}

	var prior *model.Payout
	priorScore := 0.0
	if existing != nil && existing.MatchedPayout != nil {
		prior = existing.MatchedPayout
		// Recompute rather than trust the stored confidence; the payout
		// pool may have newer data for the same id.
		_, priorScore = find(prior.PayoutID)
	}

	if len(contenders) > 1 {
		// Tied candidates. A confirmed prior link among the contenders
		// is kept (confirming is not arbitrary tie-breaking); otherwise
		// no winner is chosen and the tie goes on record.
		if prior != nil && priorScore > 0 && best.score-priorScore <= r.policy.TieEpsilon {
			p, _ := find(prior.PayoutID)
			r.link(rec, p, priorScore)
			return
		}
		ids := make([]string, len(contenders))
		for i, c := range contenders {
			ids[i] = c.payout.PayoutID
		}
		r.addConflict(rec, model.Conflict{
			Kind:   model.ConflictTie,
			Detail: fmt.Sprintf("payouts %s tied within epsilon %.4g at score %.4f", strings.Join(ids, ", "), r.policy.TieEpsilon, best.score),
		})
		rec.MatchedPayout = nil
		rec.Confidence = 0
		return
	}

	if prior != nil && prior.PayoutID != best.payout.PayoutID {
		if best.score > priorScore {
			// Strictly better candidate replaces the link; the prior
			// link is preserved as history.
			r.addConflict(rec, model.Conflict{
				Kind:     model.ConflictRelink,
				PayoutID: prior.PayoutID,
				Detail: fmt.Sprintf("replaced link to payout %s (score %.4f) with payout %s (score %.4f)",
					prior.PayoutID, priorScore, best.payout.PayoutID, best.score),
			})
		} else if priorScore >= r.policy.AcceptThreshold {
			// Not strictly better; the confirmed link stands.
			p, _ := find(prior.PayoutID)
			r.link(rec, p, priorScore)
			return
		}
	}

	r.link(rec, best.payout, best.score)
}

func (r *Reconciler) link(rec *model.UnifiedTripRecord, payout model.Payout, score float64) {
	p := payout // owned copy
	rec.MatchedPayout = &p
	rec.Confidence = score
}

// addConflict appends a conflict unless an identical one is already on
// record, keeping repeated reconciliation idempotent.
func (r *Reconciler) addConflict(rec *model.UnifiedTripRecord, c model.Conflict) {
	for _, have := range rec.UnresolvedConflicts {
		if have.Kind == c.Kind && have.PayoutID == c.PayoutID && have.Detail == c.Detail {
			return
		}
	}
	c.RecordedAt = r.nowFunc().UTC()
	rec.UnresolvedConflicts = append(rec.UnresolvedConflicts, c)
}

// flagSplitPayouts surfaces payouts now linked by multiple trips whose
// summed gross diverges from the payout net. All partial links are
// retained; the divergence is a quality signal, not a constraint.
func (r *Reconciler) flagSplitPayouts(updates []model.UnifiedTripRecord, view View) []model.UnifiedTripRecord {
	// Merge stored records with this pass's updates (updates win).
	merged := make(map[string]*model.UnifiedTripRecord)
	for _, rec := range view.Records() {
		cp := rec
		merged[rec.Trip.Identity.String()] = &cp
	}
	for i := range updates {
		merged[updates[i].Trip.Identity.String()] = &updates[i]
	}

	byPayout := make(map[string][]*model.UnifiedTripRecord)
	for _, rec := range merged {
		if rec.MatchedPayout != nil {
			byPayout[rec.MatchedPayout.PayoutID] = append(byPayout[rec.MatchedPayout.PayoutID], rec)
		}
	}

	updatedKeys := make(map[string]bool, len(updates))
	for i := range updates {
		updatedKeys[updates[i].Trip.Identity.String()] = true
	}

	// Records changed only by this pass (not already in updates).
	changed := make(map[string]*model.UnifiedTripRecord)
	touch := func(rec *model.UnifiedTripRecord) {
		key := rec.Trip.Identity.String()
		if !updatedKeys[key] {
			changed[key] = rec
		}
	}

	for payoutID, recs := range byPayout {
		// Keep every record's linked-trip set current.
		tripIDs := make([]string, len(recs))
		for i, rec := range recs {
			tripIDs[i] = rec.Trip.Identity.TripID
		}
		sort.Strings(tripIDs)
		for _, rec := range recs {
			if !equalStrings(rec.MatchedPayout.LinkedTripIDs, tripIDs) {
				rec.MatchedPayout.LinkedTripIDs = tripIDs
				touch(rec)
			}
		}

		if len(recs) < 2 {
			continue
		}

		var sum int64
		for _, rec := range recs {
			sum += rec.Trip.Gross.Amount
		}
		net := recs[0].MatchedPayout.Net
		if sum == net.Amount {
			continue
		}

		detail := fmt.Sprintf("payout %s split across trips %s: summed gross %d vs net %d minor units",
			payoutID, strings.Join(tripIDs, ", "), sum, net.Amount)
		for _, rec := range recs {
			before := len(rec.UnresolvedConflicts)
			r.addConflict(rec, model.Conflict{
				Kind:     model.ConflictSplitPayout,
				PayoutID: payoutID,
				Detail:   detail,
			})
			if len(rec.UnresolvedConflicts) > before {
				touch(rec)
			}
		}
	}

	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	extra := make([]model.UnifiedTripRecord, 0, len(changed))
	for _, k := range keys {
		rec := changed[k]
		rec.UpdatedAt = r.nowFunc().UTC()
		extra = append(extra, *rec)
	}
	return extra
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// materiallyDifferent reports whether two records differ in anything but
// UpdatedAt. Unchanged records are not rewritten, keeping repeated
// reconciliation byte-stable.
func materiallyDifferent(a, b *model.UnifiedTripRecord) bool {
	if a.Confidence != b.Confidence {
		return true
	}
	if (a.MatchedPayout == nil) != (b.MatchedPayout == nil) {
		return true
	}
	if a.MatchedPayout != nil && a.MatchedPayout.PayoutID != b.MatchedPayout.PayoutID {
		return true
	}
	if len(a.MatchedTelemetry) != len(b.MatchedTelemetry) {
		return true
	}
	if len(a.UnresolvedConflicts) != len(b.UnresolvedConflicts) {
		return true
	}
	if a.Trip != b.Trip {
		return true
	}
	return false
}

// keyedMutex serializes work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	m.Unlock()
}
