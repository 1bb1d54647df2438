package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetops/fleetsync/internal/model"
)

func ev(lat, lon float64, minute int) model.TelemetryEvent {
	return model.TelemetryEvent{
		VehicleRef: "veh-1",
		TS:         time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC),
		Lat:        lat,
		Lon:        lon,
	}
}

func TestPathLengthKM(t *testing.T) {
	t.Parallel()

	// One degree of latitude is ~111.2 km.
	events := []model.TelemetryEvent{
		ev(40.0, -74.0, 0),
		ev(41.0, -74.0, 10),
	}
	got := PathLengthKM(events)
	assert.InDelta(t, 111.2, got, 0.5)
}

func TestPathLengthAccumulatesSegments(t *testing.T) {
	t.Parallel()

	events := []model.TelemetryEvent{
		ev(40.0, -74.0, 0),
		ev(40.5, -74.0, 5),
		ev(41.0, -74.0, 10),
	}
	twoLeg := PathLengthKM(events)
	oneLeg := PathLengthKM([]model.TelemetryEvent{events[0], events[2]})
	assert.InDelta(t, oneLeg, twoLeg, 0.01, "collinear legs sum to the direct distance")
}

func TestPathLengthSkipsMissingFixes(t *testing.T) {
	t.Parallel()

	events := []model.TelemetryEvent{
		ev(40.0, -74.0, 0),
		ev(0, 0, 5), // no GPS fix
		ev(41.0, -74.0, 10),
	}
	assert.InDelta(t, 111.2, PathLengthKM(events), 0.5)
}

func TestPathLengthNeedsTwoPoints(t *testing.T) {
	t.Parallel()

	assert.Zero(t, PathLengthKM(nil))
	assert.Zero(t, PathLengthKM([]model.TelemetryEvent{ev(40, -74, 0)}))
	assert.Zero(t, PathLengthKM([]model.TelemetryEvent{ev(40, -74, 0), ev(0, 0, 5)}))
}
