package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTaskFailureRate AlertType = "task_failure_rate"
	AlertLowMatchRate    AlertType = "low_match_rate"
	AlertBreakerOpen     AlertType = "breaker_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.TasksSucceeded + snap.TasksFailed
	if finished >= 5 && snap.TaskFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertTaskFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Task failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.TaskFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.TasksFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate": snap.TaskFailRate,
				"threshold": a.cfg.FailureRateThreshold,
				"failed":    snap.TasksFailed,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	// Match coverage only means something once there is a real pool.
	if snap.RecordsTotal >= 10 && snap.MatchRate < a.cfg.MatchRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertLowMatchRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Payout match rate %.1f%% below threshold %.1f%% (%d matched / %d records)",
				snap.MatchRate*100, a.cfg.MatchRateThreshold*100,
				snap.RecordsMatched, snap.RecordsTotal,
			),
			Details: map[string]any{
				"match_rate": snap.MatchRate,
				"threshold":  a.cfg.MatchRateThreshold,
				"matched":    snap.RecordsMatched,
				"records":    snap.RecordsTotal,
			},
			Timestamp: now,
		})
	}

	for src, state := range snap.Breakers {
		if state != "closed" {
			alerts = append(alerts, Alert{
				Type:     AlertBreakerOpen,
				Severity: "high",
				Message:  fmt.Sprintf("Circuit for source %q is %s", src, state),
				Details: map[string]any{
					"source": src,
					"state":  state,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
