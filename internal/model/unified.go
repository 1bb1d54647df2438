package model

import (
	"time"
)

// ConflictKind classifies an unresolved reconciliation conflict.
type ConflictKind string

const (
	// ConflictTie records payout candidates whose scores were within the
	// tie epsilon of each other; no winner was chosen.
	ConflictTie ConflictKind = "tie"
	// ConflictRelink records that a strictly better candidate replaced a
	// previously confirmed payout link.
	ConflictRelink ConflictKind = "relink"
	// ConflictSplitPayout records that multiple trips link to the same
	// payout and their summed gross diverges from the payout net.
	ConflictSplitPayout ConflictKind = "split_payout"
)

// Conflict is a recorded data-quality condition surfaced by
// reconciliation. Conflicts are facts about the data, not errors; they
// are appended, queried, and never silently dropped.
type Conflict struct {
	Kind       ConflictKind `json:"kind"`
	Detail     string       `json:"detail"`
	PayoutID   string       `json:"payout_id,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// UnifiedTripRecord is the reconciled fusion of a trip with its
// best-matching payout and the telemetry observed during the trip
// window. It is the ledger's primary stored unit, keyed by the trip's
// stable identity.
type UnifiedTripRecord struct {
	Trip Trip `json:"trip"`

	// MatchedPayout is nil until a candidate clears the acceptance
	// threshold.
	MatchedPayout *Payout `json:"matched_payout,omitempty"`

	// MatchedTelemetry holds all events for the trip's vehicle within
	// [start_ts, end_ts], ordered by timestamp.
	MatchedTelemetry []TelemetryEvent `json:"matched_telemetry,omitempty"`

	// Confidence is the payout match score in [0,1], 0 if unmatched.
	// Recomputing from the same evidence yields the same value.
	Confidence float64 `json:"confidence"`

	// TelemetryPathKM is the haversine length of the telemetry track, a
	// cross-check against the trip's reported mileage. Zero when fewer
	// than two events matched.
	TelemetryPathKM float64 `json:"telemetry_path_km,omitempty"`

	UnresolvedConflicts []Conflict `json:"unresolved_conflicts,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Identity returns the trip's stable identity, the ledger key.
func (r *UnifiedTripRecord) Identity() TripIdentity {
	return r.Trip.Identity
}

// Clone returns a deep copy sharing no memory with the receiver. The
// payout link, its trip-id list, the telemetry slice, and the conflict
// history are all independently owned by the copy.
func (r *UnifiedTripRecord) Clone() UnifiedTripRecord {
	cp := *r
	if r.MatchedPayout != nil {
		p := *r.MatchedPayout
		p.LinkedTripIDs = append([]string(nil), r.MatchedPayout.LinkedTripIDs...)
		cp.MatchedPayout = &p
	}
	if r.MatchedTelemetry != nil {
		cp.MatchedTelemetry = append([]TelemetryEvent(nil), r.MatchedTelemetry...)
	}
	if r.UnresolvedConflicts != nil {
		cp.UnresolvedConflicts = append([]Conflict(nil), r.UnresolvedConflicts...)
	}
	return cp
}

// Matched reports whether the record carries an accepted payout link.
func (r *UnifiedTripRecord) Matched() bool {
	return r.MatchedPayout != nil
}

// RecordFilter specifies criteria for querying unified records.
type RecordFilter struct {
	VehicleRef    string     `json:"vehicle_ref,omitempty"`
	Status        TripStatus `json:"status,omitempty"`
	OnlyMatched   bool       `json:"only_matched,omitempty"`
	OnlyConflicts bool       `json:"only_conflicts,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// VehicleSummary is the per-vehicle rollup exposed by the ledger: trip
// counts, gross totals, and telemetry mileage joined across sources.
type VehicleSummary struct {
	Vehicle     Vehicle `json:"vehicle"`
	TripCount   int     `json:"trip_count"`
	GrossTotal  Money   `json:"gross_total"`
	MatchedNet  Money   `json:"matched_net"`
	PathTotalKM float64 `json:"path_total_km"`
	AvgRating   float64 `json:"avg_rating,omitempty"`
	ReviewCount int     `json:"review_count,omitempty"`
}
