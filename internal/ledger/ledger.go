// Package ledger holds the in-memory canonical state: unified trip
// records plus the payout, telemetry, vehicle, and review pools. It is
// the single writer to the store and the read view the reconciler
// matches against.
package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/store"
)

// Ledger is safe for concurrent use. Reads take the read lock; batch
// application and upserts take the write lock.
type Ledger struct {
	mu sync.RWMutex

	records   map[string]*model.UnifiedTripRecord // keyed by identity string
	payouts   map[string]model.Payout             // keyed by payout id
	telemetry map[string][]model.TelemetryEvent   // keyed by vehicle ref, sorted by ts
	vehicles  map[string]model.Vehicle            // keyed by vehicle id
	reviews   map[string][]model.Review           // keyed by vehicle ref, sorted by ts

	st  store.Store
	log *zap.Logger
}

// New creates an empty ledger backed by st.
func New(st store.Store) *Ledger {
	return &Ledger{
		records:   make(map[string]*model.UnifiedTripRecord),
		payouts:   make(map[string]model.Payout),
		telemetry: make(map[string][]model.TelemetryEvent),
		vehicles:  make(map[string]model.Vehicle),
		reviews:   make(map[string][]model.Review),
		st:        st,
		log:       zap.L().With(zap.String("component", "ledger")),
	}
}

// Load hydrates the ledger from the store. Called once at startup.
func (l *Ledger) Load(ctx context.Context) error {
	recs, err := l.st.LoadRecords(ctx)
	if err != nil {
		return err
	}
	payouts, err := l.st.LoadPayouts(ctx)
	if err != nil {
		return err
	}
	events, err := l.st.LoadTelemetry(ctx)
	if err != nil {
		return err
	}
	vehicles, err := l.st.LoadVehicles(ctx)
	if err != nil {
		return err
	}
	reviews, err := l.st.LoadReviews(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		l.records[rec.Identity().String()] = &rec
	}
	for _, p := range payouts {
		l.payouts[p.PayoutID] = p
	}
	for _, e := range events {
		l.telemetry[e.VehicleRef] = append(l.telemetry[e.VehicleRef], e)
	}
	for ref := range l.telemetry {
		sortEvents(l.telemetry[ref])
	}
	for _, v := range vehicles {
		l.vehicles[v.VehicleID] = v
	}
	for _, r := range reviews {
		l.reviews[r.VehicleRef] = append(l.reviews[r.VehicleRef], r)
	}
	for ref := range l.reviews {
		sortReviews(l.reviews[ref])
	}

	l.log.Info("ledger loaded",
		zap.Int("records", len(l.records)),
		zap.Int("payouts", len(l.payouts)),
		zap.Int("vehicles", len(l.vehicles)))
	return nil
}

// AddEntities merges a normalized batch into the pools so that
// reconciliation sees the newest observations. Trips are not stored
// here; they only become visible as unified records after Upsert.
func (l *Ledger) AddEntities(ctx context.Context, batch *model.EntityBatch) error {
	l.mu.Lock()
	for _, p := range batch.Payouts {
		// A stored payout may already carry links from a previous
		// reconciliation; keep them until the reconciler recomputes.
		if prev, ok := l.payouts[p.PayoutID]; ok && len(p.LinkedTripIDs) == 0 {
			p.LinkedTripIDs = prev.LinkedTripIDs
		}
		l.payouts[p.PayoutID] = p
	}
	for _, e := range batch.Telemetry {
		l.telemetry[e.VehicleRef] = insertEvent(l.telemetry[e.VehicleRef], e)
	}
	for _, v := range batch.Vehicles {
		l.vehicles[v.VehicleID] = v
	}
	for _, r := range batch.Reviews {
		l.reviews[r.VehicleRef] = insertReview(l.reviews[r.VehicleRef], r)
	}
	l.mu.Unlock()

	if err := l.st.SavePayouts(ctx, batch.Payouts); err != nil {
		return err
	}
	if err := l.st.SaveTelemetry(ctx, batch.Telemetry); err != nil {
		return err
	}
	if err := l.st.SaveVehicles(ctx, batch.Vehicles); err != nil {
		return err
	}
	return l.st.SaveReviews(ctx, batch.Reviews)
}

// Upsert applies reconciled records to the ledger and persists them.
// Payout link state is refreshed from the records so the pool stays
// consistent with the match results.
func (l *Ledger) Upsert(ctx context.Context, recs []model.UnifiedTripRecord) error {
	if len(recs) == 0 {
		return nil
	}

	l.mu.Lock()
	var linked []model.Payout
	for i := range recs {
		rec := recs[i].Clone()
		l.records[rec.Identity().String()] = &rec
		if rec.MatchedPayout != nil {
			l.payouts[rec.MatchedPayout.PayoutID] = *rec.MatchedPayout
			linked = append(linked, *rec.MatchedPayout)
		}
	}
	l.mu.Unlock()

	for _, rec := range recs {
		if err := l.st.SaveRecord(ctx, rec); err != nil {
			return err
		}
	}
	return l.st.SavePayouts(ctx, linked)
}

// Payouts returns a copy of the payout pool sorted by id.
func (l *Ledger) Payouts() []model.Payout {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Payout, 0, len(l.payouts))
	for _, p := range l.payouts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayoutID < out[j].PayoutID })
	return out
}

// TelemetryBetween returns the vehicle's events within [start, end]
// inclusive, ordered by timestamp.
func (l *Ledger) TelemetryBetween(vehicleRef string, start, end time.Time) []model.TelemetryEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := l.telemetry[vehicleRef]
	lo := sort.Search(len(events), func(i int) bool { return !events[i].TS.Before(start) })
	hi := sort.Search(len(events), func(i int) bool { return events[i].TS.After(end) })
	if lo >= hi {
		return nil
	}
	out := make([]model.TelemetryEvent, hi-lo)
	copy(out, events[lo:hi])
	return out
}

// Get returns a deep copy of the stored record for the identity.
// Stored state only changes through AddEntities and Upsert; nothing a
// caller does to the copy can reach it.
func (l *Ledger) Get(id model.TripIdentity) (*model.UnifiedTripRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id.String()]
	if !ok {
		return nil, false
	}
	cp := rec.Clone()
	return &cp, true
}

// Records returns deep copies of all stored records in identity order.
func (l *Ledger) Records() []model.UnifiedTripRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.UnifiedTripRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().String() < out[j].Identity().String()
	})
	return out
}

// Query returns records matching the filter, in identity order.
func (l *Ledger) Query(filter model.RecordFilter) []model.UnifiedTripRecord {
	all := l.Records()
	out := make([]model.UnifiedTripRecord, 0, len(all))
	for _, rec := range all {
		if filter.VehicleRef != "" && rec.Trip.VehicleRef != filter.VehicleRef {
			continue
		}
		if filter.Status != "" && rec.Trip.Status != filter.Status {
			continue
		}
		if filter.OnlyMatched && !rec.Matched() {
			continue
		}
		if filter.OnlyConflicts && len(rec.UnresolvedConflicts) == 0 {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Vehicles returns the vehicle pool sorted by id.
func (l *Ledger) Vehicles() []model.Vehicle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Vehicle, 0, len(l.vehicles))
	for _, v := range l.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// VehicleSummaries joins trips, payouts, telemetry paths, and reviews
// into per-vehicle rollups. Vehicles with no known profile but with
// trips still get a summary under their ref.
func (l *Ledger) VehicleSummaries() []model.VehicleSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byRef := make(map[string]*model.VehicleSummary)
	summary := func(ref string) *model.VehicleSummary {
		s, ok := byRef[ref]
		if !ok {
			s = &model.VehicleSummary{Vehicle: model.Vehicle{VehicleID: ref}}
			if v, ok := l.vehicles[ref]; ok {
				s.Vehicle = v
			}
			byRef[ref] = s
		}
		return s
	}

	for _, rec := range l.records {
		s := summary(rec.Trip.VehicleRef)
		s.TripCount++
		if s.GrossTotal.Currency == "" {
			s.GrossTotal.Currency = rec.Trip.Gross.Currency
		}
		if rec.Trip.Gross.Currency == s.GrossTotal.Currency {
			s.GrossTotal.Amount += rec.Trip.Gross.Amount
		}
		if rec.MatchedPayout != nil {
			if s.MatchedNet.Currency == "" {
				s.MatchedNet.Currency = rec.MatchedPayout.Net.Currency
			}
			if rec.MatchedPayout.Net.Currency == s.MatchedNet.Currency {
				s.MatchedNet.Amount += rec.MatchedPayout.Net.Amount
			}
		}
		s.PathTotalKM += rec.TelemetryPathKM
	}

	for ref, reviews := range l.reviews {
		if len(reviews) == 0 {
			continue
		}
		s := summary(ref)
		var total float64
		for _, r := range reviews {
			total += r.Rating
		}
		s.ReviewCount = len(reviews)
		s.AvgRating = total / float64(len(reviews))
	}

	out := make([]model.VehicleSummary, 0, len(byRef))
	for _, s := range byRef {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Vehicle.VehicleID, out[j].Vehicle.VehicleID) < 0
	})
	return out
}

// insertEvent keeps the per-vehicle slice sorted and deduped on ts.
func insertEvent(events []model.TelemetryEvent, e model.TelemetryEvent) []model.TelemetryEvent {
	i := sort.Search(len(events), func(i int) bool { return !events[i].TS.Before(e.TS) })
	if i < len(events) && events[i].TS.Equal(e.TS) {
		events[i] = e
		return events
	}
	events = append(events, model.TelemetryEvent{})
	copy(events[i+1:], events[i:])
	events[i] = e
	return events
}

func insertReview(reviews []model.Review, r model.Review) []model.Review {
	i := sort.Search(len(reviews), func(i int) bool { return !reviews[i].TS.Before(r.TS) })
	if i < len(reviews) && reviews[i].TS.Equal(r.TS) {
		reviews[i] = r
		return reviews
	}
	reviews = append(reviews, model.Review{})
	copy(reviews[i+1:], reviews[i:])
	reviews[i] = r
	return reviews
}

func sortEvents(events []model.TelemetryEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].TS.Before(events[j].TS) })
}

func sortReviews(reviews []model.Review) {
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].TS.Before(reviews[j].TS) })
}
