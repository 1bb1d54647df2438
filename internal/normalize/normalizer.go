// Package normalize converts raw source records into canonical entities:
// timestamps resolved to one reference timezone, money in fixed-point
// minor units, identities validated. Malformed records are logged and
// skipped; they never abort a batch.
package normalize

import (
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/resilience"
)

// Normalizer canonicalizes raw records.
type Normalizer struct {
	loc             *time.Location
	defaultCurrency string
	log             *zap.Logger
}

// New creates a Normalizer for the configured reference timezone.
func New(cfg config.NormalizeConfig) (*Normalizer, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: load timezone %q", tz)
	}
	cur := cfg.DefaultCurrency
	if cur == "" {
		cur = "USD"
	}
	return &Normalizer{
		loc:             loc,
		defaultCurrency: cur,
		log:             zap.L().With(zap.String("component", "normalize")),
	}, nil
}

// NormalizeBatch converts a batch of raw records into canonical
// entities. Within a batch, later records overwrite earlier ones for the
// same canonical identity: batch order reflects recency of observation.
// Malformed records are counted in Skipped and logged, nothing more.
func (n *Normalizer) NormalizeBatch(records []model.RawRecord) *model.EntityBatch {
	trips := make(map[string]model.Trip)
	payouts := make(map[string]model.Payout)
	vehicles := make(map[string]model.Vehicle)
	telemetry := make(map[string]model.TelemetryEvent)
	reviews := make(map[string]model.Review)
	skipped := 0

	// Preserve first-seen order for identities so output is stable.
	var tripOrder, payoutOrder, vehicleOrder, telemetryOrder, reviewOrder []string

	for _, raw := range records {
		entity, _ := raw.Payload["entity"].(string)
		switch entity {
		case "trip":
			t, err := n.normalizeTrip(raw)
			if err != nil {
				skipped++
				n.logMalformed(raw, err)
				continue
			}
			key := t.Identity.String()
			if _, seen := trips[key]; !seen {
				tripOrder = append(tripOrder, key)
			}
			trips[key] = t
		case "payout":
			p, err := n.normalizePayout(raw)
			if err != nil {
				skipped++
				n.logMalformed(raw, err)
				continue
			}
			key := string(raw.Source) + "/" + p.PayoutID
			if _, seen := payouts[key]; !seen {
				payoutOrder = append(payoutOrder, key)
			}
			payouts[key] = p
		case "vehicle":
			v, err := n.normalizeVehicle(raw)
			if err != nil {
				skipped++
				n.logMalformed(raw, err)
				continue
			}
			if _, seen := vehicles[v.VehicleID]; !seen {
				vehicleOrder = append(vehicleOrder, v.VehicleID)
			}
			vehicles[v.VehicleID] = v
		case "telemetry":
			ev, err := n.normalizeTelemetry(raw)
			if err != nil {
				skipped++
				n.logMalformed(raw, err)
				continue
			}
			key := ev.VehicleRef + "@" + ev.TS.Format(time.RFC3339Nano)
			if _, seen := telemetry[key]; !seen {
				telemetryOrder = append(telemetryOrder, key)
			}
			telemetry[key] = ev
		case "review":
			rv, err := n.normalizeReview(raw)
			if err != nil {
				skipped++
				n.logMalformed(raw, err)
				continue
			}
			key := rv.VehicleRef + "@" + rv.TS.Format(time.RFC3339Nano)
			if _, seen := reviews[key]; !seen {
				reviewOrder = append(reviewOrder, key)
			}
			reviews[key] = rv
		default:
			skipped++
			n.logMalformed(raw, &resilience.MalformedRecordError{
				Source: string(raw.Source), Field: "entity", Detail: "unknown entity type",
			})
		}
	}

	batch := &model.EntityBatch{Skipped: skipped}
	for _, k := range tripOrder {
		batch.Trips = append(batch.Trips, trips[k])
	}
	for _, k := range payoutOrder {
		batch.Payouts = append(batch.Payouts, payouts[k])
	}
	for _, k := range vehicleOrder {
		batch.Vehicles = append(batch.Vehicles, vehicles[k])
	}
	for _, k := range telemetryOrder {
		batch.Telemetry = append(batch.Telemetry, telemetry[k])
	}
	for _, k := range reviewOrder {
		batch.Reviews = append(batch.Reviews, reviews[k])
	}
	return batch
}

func (n *Normalizer) logMalformed(raw model.RawRecord, err error) {
	n.log.Warn("skipping malformed record",
		zap.String("source", string(raw.Source)),
		zap.Error(err),
	)
}

func (n *Normalizer) normalizeTrip(raw model.RawRecord) (model.Trip, error) {
	p := payload(raw)

	tripID, err := p.requireString("trip_id")
	if err != nil {
		return model.Trip{}, err
	}
	vehicleRef, err := p.requireString("vehicle_ref")
	if err != nil {
		return model.Trip{}, err
	}
	start, err := p.requireTime("start_ts", n.loc)
	if err != nil {
		return model.Trip{}, err
	}
	end, err := p.requireTime("end_ts", n.loc)
	if err != nil {
		return model.Trip{}, err
	}
	gross, err := p.money("gross_amount", "currency", n.defaultCurrency)
	if err != nil {
		return model.Trip{}, err
	}

	return model.Trip{
		Identity:    model.TripIdentity{Source: raw.Source, TripID: tripID},
		VehicleRef:  vehicleRef,
		CustomerRef: p.optString("customer_ref"),
		Status:      tripStatus(p.optString("status")),
		StartTS:     start,
		EndTS:       end,
		Gross:       gross,
	}, nil
}

func (n *Normalizer) normalizePayout(raw model.RawRecord) (model.Payout, error) {
	p := payload(raw)

	id := p.optString("payout_id")
	if id == "" {
		id = p.optString("settlement_id")
	}
	if id == "" {
		return model.Payout{}, p.malformed("payout_id", "no payout or settlement id")
	}
	ts, err := p.requireTime("settlement_ts", n.loc)
	if err != nil {
		// Statement CSV exports carry a bare date column.
		ts, err = p.requireTime("date", n.loc)
		if err != nil {
			return model.Payout{}, err
		}
	}
	net, err := p.money("net_amount", "currency", n.defaultCurrency)
	if err != nil {
		net, err = p.money("amount", "currency", n.defaultCurrency)
		if err != nil {
			return model.Payout{}, err
		}
	}

	return model.Payout{
		PayoutID:     id,
		SettlementTS: ts,
		Net:          net,
	}, nil
}

func (n *Normalizer) normalizeVehicle(raw model.RawRecord) (model.Vehicle, error) {
	p := payload(raw)

	id, err := p.requireString("vehicle_id")
	if err != nil {
		return model.Vehicle{}, err
	}

	return model.Vehicle{
		VehicleID: id,
		Make:      p.optString("make"),
		Model:     p.optString("model"),
		Year:      int(p.optFloat("year")),
		Plate:     p.optString("plate"),
		Status:    vehicleStatus(p.optString("status")),
	}, nil
}

func (n *Normalizer) normalizeTelemetry(raw model.RawRecord) (model.TelemetryEvent, error) {
	p := payload(raw)

	ref, err := p.requireString("vehicle_ref")
	if err != nil {
		return model.TelemetryEvent{}, err
	}
	ts, err := p.requireTime("ts", n.loc)
	if err != nil {
		return model.TelemetryEvent{}, err
	}

	return model.TelemetryEvent{
		VehicleRef: ref,
		TS:         ts,
		Lat:        p.optFloat("lat"),
		Lon:        p.optFloat("lon"),
		MileageKM:  p.optFloat("mileage_km"),
		SpeedKPH:   p.optFloat("speed_kph"),
		HealthFlag: p.optString("health_flag"),
	}, nil
}

func (n *Normalizer) normalizeReview(raw model.RawRecord) (model.Review, error) {
	p := payload(raw)

	ref, err := p.requireString("vehicle_ref")
	if err != nil {
		return model.Review{}, err
	}
	ts, err := p.requireTime("ts", n.loc)
	if err != nil {
		return model.Review{}, err
	}

	return model.Review{
		VehicleRef: ref,
		Rating:     p.optFloat("rating"),
		Text:       p.optString("text"),
		TS:         ts,
	}, nil
}

func tripStatus(s string) model.TripStatus {
	switch s {
	case "cancelled", "CANCELLED", "canceled":
		return model.TripStatusCancelled
	case "active", "ACTIVE", "in_progress", "BOOKED":
		return model.TripStatusActive
	default:
		return model.TripStatusCompleted
	}
}

func vehicleStatus(s string) model.VehicleStatus {
	switch s {
	case "maintenance", "MAINTENANCE":
		return model.VehicleStatusMaintenance
	case "inactive", "INACTIVE", "unlisted", "snoozed":
		return model.VehicleStatusInactive
	default:
		return model.VehicleStatusActive
	}
}
