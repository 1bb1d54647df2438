package model

import (
	"fmt"
	"time"
)

// Source identifies which external feed a record came from.
type Source string

const (
	SourceScrape    Source = "scrape"
	SourceLedger    Source = "ledger"
	SourceTelemetry Source = "telemetry"
)

// RawRecord is the intermediate shape every source adapter emits. The
// payload is opaque to everything except the normalizer; raw records are
// transient and never persisted.
type RawRecord struct {
	Source     Source         `json:"source"`
	Payload    map[string]any `json:"payload"`
	ObservedAt time.Time      `json:"observed_at"`
}

// TripStatus represents the lifecycle state of a rental trip.
type TripStatus string

const (
	TripStatusActive    TripStatus = "active"
	TripStatusCompleted TripStatus = "completed"
	TripStatusCancelled TripStatus = "cancelled"
)

// TripIdentity is the stable cross-run identity of a trip: the source it
// was observed from plus that source's local trip id.
type TripIdentity struct {
	Source Source `json:"source"`
	TripID string `json:"trip_id"`
}

// String renders the identity as "source/trip_id", usable as a map key.
func (id TripIdentity) String() string {
	return fmt.Sprintf("%s/%s", id.Source, id.TripID)
}

// Trip is a canonical rental reservation after normalization.
type Trip struct {
	Identity    TripIdentity `json:"identity"`
	VehicleRef  string       `json:"vehicle_ref"`
	CustomerRef string       `json:"customer_ref,omitempty"`
	Status      TripStatus   `json:"status"`
	StartTS     time.Time    `json:"start_ts"`
	EndTS       time.Time    `json:"end_ts"`
	Gross       Money        `json:"gross"`
}

// Payout is a canonical bank settlement after normalization.
type Payout struct {
	PayoutID     string    `json:"payout_id"`
	SettlementTS time.Time `json:"settlement_ts"`
	Net          Money     `json:"net"`
	// LinkedTripIDs is populated by reconciliation; empty until a match
	// is found. A payout may settle multiple trips.
	LinkedTripIDs []string `json:"linked_trip_ids,omitempty"`
}

// VehicleStatus represents the operational state of a fleet vehicle.
type VehicleStatus string

const (
	VehicleStatusActive      VehicleStatus = "active"
	VehicleStatusMaintenance VehicleStatus = "maintenance"
	VehicleStatusInactive    VehicleStatus = "inactive"
)

// Vehicle is a canonical fleet vehicle after normalization.
type Vehicle struct {
	VehicleID string        `json:"vehicle_id"`
	Make      string        `json:"make"`
	Model     string        `json:"model"`
	Year      int           `json:"year,omitempty"`
	Plate     string        `json:"plate,omitempty"`
	Status    VehicleStatus `json:"status"`
}

// TelemetryEvent is a canonical GPS/health sample after normalization.
type TelemetryEvent struct {
	VehicleRef string    `json:"vehicle_ref"`
	TS         time.Time `json:"ts"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	MileageKM  float64   `json:"mileage_km,omitempty"`
	SpeedKPH   float64   `json:"speed_kph,omitempty"`
	HealthFlag string    `json:"health_flag,omitempty"`
}

// Review is a canonical guest review scraped from the host dashboard.
// Reviews are stored for querying but take no part in reconciliation.
type Review struct {
	VehicleRef string    `json:"vehicle_ref"`
	Rating     float64   `json:"rating"`
	Text       string    `json:"text,omitempty"`
	TS         time.Time `json:"ts"`
}

// EntityBatch groups the canonical entities produced by one
// normalization pass over a single adapter's output.
type EntityBatch struct {
	Trips     []Trip           `json:"trips,omitempty"`
	Payouts   []Payout         `json:"payouts,omitempty"`
	Vehicles  []Vehicle        `json:"vehicles,omitempty"`
	Telemetry []TelemetryEvent `json:"telemetry,omitempty"`
	Reviews   []Review         `json:"reviews,omitempty"`
	// Skipped counts raw records rejected as malformed.
	Skipped int `json:"skipped,omitempty"`
}

// Empty reports whether the batch contains no entities at all.
func (b *EntityBatch) Empty() bool {
	return len(b.Trips) == 0 && len(b.Payouts) == 0 && len(b.Vehicles) == 0 &&
		len(b.Telemetry) == 0 && len(b.Reviews) == 0
}
