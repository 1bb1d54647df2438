package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/fetcher"
	"github.com/fleetops/fleetsync/internal/model"
)

func newTelemetryServer(t *testing.T, events map[string][]map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/vehicles", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		var vehicles []map[string]string
		for ref := range events {
			vehicles = append(vehicles, map[string]string{"vehicle_ref": ref})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"vehicles": vehicles})
	})
	mux.HandleFunc("/vehicles/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		require.Len(t, parts, 4) // /vehicles/{ref}/events
		_ = json.NewEncoder(w).Encode(map[string]any{"events": events[parts[2]]})
	})
	return httptest.NewServer(mux)
}

func TestTelemetryFetchPerVehicle(t *testing.T) {
	t.Parallel()

	srv := newTelemetryServer(t, map[string][]map[string]any{
		"veh-1": {{"ts": "2026-03-02T12:00:00Z", "lat": 40.0, "lon": -74.0}},
		"veh-2": {
			{"ts": "2026-03-02T12:00:00Z", "lat": 41.0, "lon": -73.0},
			{"ts": "2026-03-02T12:05:00Z", "lat": 41.1, "lon": -73.0, "vehicle_ref": "veh-2"},
		},
		"veh-3": nil,
	})
	defer srv.Close()

	a := NewTelemetryAdapter(config.TelemetryConfig{BaseURL: srv.URL, APIKey: "key-1"},
		fetcher.NewHTTPClient(fetcher.HTTPOptions{}))

	records, err := a.Fetch(context.Background(), model.TaskKindTelemetry, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 3)

	byRef := make(map[string]int)
	for _, rec := range records {
		assert.Equal(t, model.SourceTelemetry, rec.Source)
		assert.Equal(t, "telemetry", rec.Payload["entity"])
		ref, ok := rec.Payload["vehicle_ref"].(string)
		require.True(t, ok, "vehicle ref backfilled from the device list")
		byRef[ref]++
	}
	assert.Equal(t, map[string]int{"veh-1": 1, "veh-2": 2}, byRef)
}

func TestTelemetryFetchListFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewTelemetryAdapter(config.TelemetryConfig{BaseURL: srv.URL, APIKey: "key-1"},
		fetcher.NewHTTPClient(fetcher.HTTPOptions{}))
	_, err := a.Fetch(context.Background(), model.TaskKindTelemetry, time.Time{})
	require.Error(t, err)
}

func TestTelemetryRejectsOtherKinds(t *testing.T) {
	t.Parallel()

	a := NewTelemetryAdapter(config.TelemetryConfig{}, fetcher.NewHTTPClient(fetcher.HTTPOptions{}))
	_, err := a.Fetch(context.Background(), model.TaskKindVehicles, time.Time{})
	require.Error(t, err)
}
