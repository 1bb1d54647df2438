package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/model"
)

func newTestNormalizer(t *testing.T, tz string) *Normalizer {
	t.Helper()
	n, err := New(config.NormalizeConfig{Timezone: tz, DefaultCurrency: "USD"})
	require.NoError(t, err)
	return n
}

func rawTrip(id string, overrides map[string]any) model.RawRecord {
	payload := map[string]any{
		"entity":       "trip",
		"trip_id":      id,
		"vehicle_ref":  "veh-1",
		"start_ts":     "2026-03-01T10:00:00Z",
		"end_ts":       "2026-03-03T18:00:00Z",
		"gross_amount": "$1,739.50",
		"status":       "completed",
	}
	for k, v := range overrides {
		payload[k] = v
	}
	return model.RawRecord{Source: model.SourceScrape, Payload: payload, ObservedAt: time.Now().UTC()}
}

func TestNormalizeTrip(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, "UTC")
	batch := n.NormalizeBatch([]model.RawRecord{rawTrip("t1", nil)})

	require.Len(t, batch.Trips, 1)
	trip := batch.Trips[0]
	assert.Equal(t, model.TripIdentity{Source: model.SourceScrape, TripID: "t1"}, trip.Identity)
	assert.Equal(t, "veh-1", trip.VehicleRef)
	assert.Equal(t, model.TripStatusCompleted, trip.Status)
	assert.Equal(t, model.Money{Amount: 173950, Currency: "USD"}, trip.Gross)
	assert.Equal(t, time.UTC, trip.StartTS.Location())
	assert.Equal(t, 0, batch.Skipped)
}

func TestNormalizeResolvesLocalTimesToUTC(t *testing.T) {
	t.Parallel()

	// A zone-less timestamp is read in the reference timezone.
	n := newTestNormalizer(t, "America/New_York")
	batch := n.NormalizeBatch([]model.RawRecord{rawTrip("t1", map[string]any{
		"start_ts": "2026-03-01 10:00:00", // EST, UTC-5
		"end_ts":   "2026-03-02 10:00:00",
	})})

	require.Len(t, batch.Trips, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC), batch.Trips[0].StartTS)
}

func TestNormalizeSkipsMalformedWithoutAborting(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, "UTC")
	batch := n.NormalizeBatch([]model.RawRecord{
		rawTrip("t1", nil),
		rawTrip("", nil),                                      // missing trip id
		rawTrip("t2", map[string]any{"start_ts": "not-a-ts"}), // bad timestamp
		rawTrip("t3", map[string]any{"vehicle_ref": ""}),      // missing vehicle
		rawTrip("t4", nil),
	})

	assert.Len(t, batch.Trips, 2)
	assert.Equal(t, 3, batch.Skipped)
}

func TestNormalizeLastRecordWinsPerIdentity(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, "UTC")
	batch := n.NormalizeBatch([]model.RawRecord{
		rawTrip("t1", map[string]any{"gross_amount": "100.00"}),
		rawTrip("t1", map[string]any{"gross_amount": "250.00"}),
	})

	require.Len(t, batch.Trips, 1)
	assert.Equal(t, int64(25000), batch.Trips[0].Gross.Amount)
}

func TestNormalizePayout(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, "UTC")
	batch := n.NormalizeBatch([]model.RawRecord{
		{
			Source: model.SourceLedger,
			Payload: map[string]any{
				"entity":        "payout",
				"payout_id":     "po-9",
				"settlement_ts": "2026-03-05T00:00:00Z",
				"net_amount":    98.00,
			},
		},
		{
			// Statement CSV shape: settlement_id + bare date + amount.
			Source: model.SourceLedger,
			Payload: map[string]any{
				"entity":        "payout",
				"settlement_id": "st-1",
				"date":          "2026-03-06",
				"amount":        "42.10",
			},
		},
	})

	require.Len(t, batch.Payouts, 2)
	assert.Equal(t, model.Money{Amount: 9800, Currency: "USD"}, batch.Payouts[0].Net)
	assert.Equal(t, "st-1", batch.Payouts[1].PayoutID)
	assert.Equal(t, int64(4210), batch.Payouts[1].Net.Amount)
}

func TestNormalizeTelemetryUnixSeconds(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, "UTC")
	batch := n.NormalizeBatch([]model.RawRecord{
		{
			Source: model.SourceTelemetry,
			Payload: map[string]any{
				"entity":      "telemetry",
				"vehicle_ref": "veh-1",
				"ts":          float64(1767225600), // 2026-01-01T00:00:00Z
				"lat":         40.7128,
				"lon":         -74.0060,
				"speed_kph":   55.0,
			},
		},
	})

	require.Len(t, batch.Telemetry, 1)
	ev := batch.Telemetry[0]
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ev.TS)
	assert.InDelta(t, 40.7128, ev.Lat, 1e-9)
}

func TestNormalizeUnknownEntitySkipped(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer(t, "UTC")
	batch := n.NormalizeBatch([]model.RawRecord{
		{Source: model.SourceScrape, Payload: map[string]any{"entity": "mystery"}},
	})

	assert.True(t, batch.Empty())
	assert.Equal(t, 1, batch.Skipped)
}

func TestParseFixedPoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		scale int
		want  int64
		bad   bool
	}{
		{"1739.50", 2, 173950, false},
		{"$1,739.50", 2, 173950, false},
		{"-12.3", 2, -1230, false},
		{"+5", 2, 500, false},
		{"0.999", 2, 99, false}, // truncated to scale
		{"100", 0, 100, false},
		{"", 2, 0, true},
		{"abc", 2, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseFixedPoint(tt.in, tt.scale)
			if tt.bad {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
