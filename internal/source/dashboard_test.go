package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/fetcher"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type page struct {
	Items   []map[string]any `json:"items"`
	HasMore bool             `json:"has_more"`
}

// newDashboardServer serves the session probe plus paginated trip pages.
func newDashboardServer(t *testing.T, pages []page) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/host/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"account_id": "acct-1"})
	})
	mux.HandleFunc("/api/host/trips", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("page"))
		require.Less(t, n, len(pages))
		_ = json.NewEncoder(w).Encode(pages[n])
	})
	return httptest.NewServer(mux)
}

func newDashboard(baseURL, token string) *DashboardAdapter {
	return NewDashboardAdapter(config.DashboardConfig{
		BaseURL:      baseURL,
		SessionToken: token,
		AccountID:    "acct-1",
		PageSize:     2,
	}, fetcher.NewHTTPClient(fetcher.HTTPOptions{}))
}

func TestDashboardFetchPaginates(t *testing.T) {
	t.Parallel()

	srv := newDashboardServer(t, []page{
		{Items: []map[string]any{{"trip_id": "t1"}, {"trip_id": "t2"}}, HasMore: true},
		{Items: []map[string]any{{"trip_id": "t3"}}},
	})
	defer srv.Close()

	records, err := newDashboard(srv.URL, "tok-1").Fetch(context.Background(), model.TaskKindTrips, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, model.SourceScrape, records[0].Source)
	assert.Equal(t, "trip", records[0].Payload["entity"])
	assert.Equal(t, "t3", records[2].Payload["trip_id"])
	assert.False(t, records[0].ObservedAt.IsZero())
}

func TestDashboardExpiredSessionFailsFast(t *testing.T) {
	t.Parallel()

	srv := newDashboardServer(t, nil)
	defer srv.Close()

	_, err := newDashboard(srv.URL, "stale-token").Fetch(context.Background(), model.TaskKindTrips, time.Time{})
	require.Error(t, err)
	assert.True(t, resilience.IsNonRetryable(err))
	assert.Equal(t, "non_retryable", resilience.Classify(err))
}

func TestDashboardMissingSessionToken(t *testing.T) {
	t.Parallel()

	_, err := newDashboard("http://unused", "").Fetch(context.Background(), model.TaskKindTrips, time.Time{})
	require.Error(t, err)
}

func TestDashboardUnsupportedKind(t *testing.T) {
	t.Parallel()

	_, err := newDashboard("http://unused", "tok-1").Fetch(context.Background(), model.TaskKindBank, time.Time{})
	require.Error(t, err)
}

func TestDashboardEntityPerKind(t *testing.T) {
	t.Parallel()

	a := newDashboard("http://unused", "tok-1")
	tests := []struct {
		kind   model.TaskKind
		entity string
	}{
		{model.TaskKindVehicles, "vehicle"},
		{model.TaskKindTrips, "trip"},
		{model.TaskKindEarnings, "payout"},
		{model.TaskKindReviews, "review"},
	}
	for _, tt := range tests {
		_, entity, err := a.endpointFor(tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.entity, entity)
	}
}
