package reconcile

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/fleetops/fleetsync/internal/model"
)

const earthRadiusKM = 6371.0

// tripPath assembles the telemetry track into a LineString (lon/lat
// order, as go-geom expects). Events without a fix are skipped.
func tripPath(events []model.TelemetryEvent) *geom.LineString {
	coords := make([]geom.Coord, 0, len(events))
	for _, ev := range events {
		if ev.Lat == 0 && ev.Lon == 0 {
			continue
		}
		coords = append(coords, geom.Coord{ev.Lon, ev.Lat})
	}
	if len(coords) < 2 {
		return nil
	}
	ls := geom.NewLineString(geom.XY)
	// MustSetCoords only panics on layout mismatch, which coords here
	// cannot produce.
	return ls.MustSetCoords(coords)
}

// PathLengthKM returns the great-circle length of the telemetry track in
// kilometers, a cross-check against the trip's reported mileage. Zero
// when fewer than two positioned events exist.
func PathLengthKM(events []model.TelemetryEvent) float64 {
	ls := tripPath(events)
	if ls == nil {
		return 0
	}

	coords := ls.Coords()
	var total float64
	for i := 1; i < len(coords); i++ {
		total += haversineKM(coords[i-1][1], coords[i-1][0], coords[i][1], coords[i][0])
	}
	return total
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const deg = math.Pi / 180
	dLat := (lat2 - lat1) * deg
	dLon := (lon2 - lon1) * deg

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*deg)*math.Cos(lat2*deg)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
