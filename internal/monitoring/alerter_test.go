package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetsync/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.25,
		MatchRateThreshold:   0.5,
	}
}

func TestEvaluateTaskFailureRate(t *testing.T) {
	t.Parallel()

	a := NewAlerter(testMonitoringConfig())

	// Below the minimum sample size nothing fires.
	alerts := a.Evaluate(&MetricsSnapshot{TasksSucceeded: 1, TasksFailed: 3, TaskFailRate: 0.75})
	assert.Empty(t, alerts)

	alerts = a.Evaluate(&MetricsSnapshot{TasksSucceeded: 3, TasksFailed: 3, TaskFailRate: 0.5, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTaskFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "50.0%")

	// At or under the threshold stays quiet.
	alerts = a.Evaluate(&MetricsSnapshot{TasksSucceeded: 8, TasksFailed: 2, TaskFailRate: 0.2})
	assert.Empty(t, alerts)
}

func TestEvaluateLowMatchRate(t *testing.T) {
	t.Parallel()

	a := NewAlerter(testMonitoringConfig())

	// Too few records for the rate to mean anything.
	alerts := a.Evaluate(&MetricsSnapshot{RecordsTotal: 5, RecordsMatched: 1, MatchRate: 0.2})
	assert.Empty(t, alerts)

	alerts = a.Evaluate(&MetricsSnapshot{RecordsTotal: 20, RecordsMatched: 4, MatchRate: 0.2})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowMatchRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)

	alerts = a.Evaluate(&MetricsSnapshot{RecordsTotal: 20, RecordsMatched: 15, MatchRate: 0.75})
	assert.Empty(t, alerts)
}

func TestEvaluateBreakerOpen(t *testing.T) {
	t.Parallel()

	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{Breakers: map[string]string{
		"scrape": "closed",
		"ledger": "open",
	}})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBreakerOpen, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "ledger")

	alerts = a.Evaluate(&MetricsSnapshot{Breakers: map[string]string{"scrape": "half-open"}})
	require.Len(t, alerts, 1)
}

func TestSendAlertsPostsWebhook(t *testing.T) {
	t.Parallel()

	var received atomic.Int32
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		gotType = string(alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertBreakerOpen, Severity: "high"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, string(AlertBreakerOpen), gotType)
}

func TestSendAlertsSkipsWithoutWebhook(t *testing.T) {
	t.Parallel()

	a := NewAlerter(testMonitoringConfig())
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertBreakerOpen}})
	assert.Zero(t, sent)
}

func TestSendAlertsCountsFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertTaskFailureRate}})
	assert.Zero(t, sent)
}
