package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/fetcher"
	"github.com/fleetops/fleetsync/internal/model"
)

// fetchConcurrency bounds simultaneous per-vehicle event pulls.
const fetchConcurrency = 4

// TelemetryAdapter pulls GPS/mileage/health events from the vehicle
// telemetry API: first the device list, then per-device events since
// the given time. Cancellation propagates through the fetch group.
type TelemetryAdapter struct {
	cfg    config.TelemetryConfig
	client *fetcher.HTTPClient
	log    *zap.Logger
}

// NewTelemetryAdapter creates the telemetry feed adapter.
func NewTelemetryAdapter(cfg config.TelemetryConfig, client *fetcher.HTTPClient) *TelemetryAdapter {
	return &TelemetryAdapter{
		cfg:    cfg,
		client: client,
		log:    zap.L().With(zap.String("component", "source.telemetry")),
	}
}

func (a *TelemetryAdapter) Source() model.Source { return model.SourceTelemetry }

func (a *TelemetryAdapter) Kinds() []model.TaskKind {
	return []model.TaskKind{model.TaskKindTelemetry}
}

func (a *TelemetryAdapter) headers() map[string]string {
	return map[string]string{"X-Api-Key": a.cfg.APIKey}
}

// Fetch pulls events for every device registered on the account.
func (a *TelemetryAdapter) Fetch(ctx context.Context, kind model.TaskKind, since time.Time) ([]model.RawRecord, error) {
	if kind != model.TaskKindTelemetry {
		return nil, eris.Errorf("telemetry: unsupported kind %q", kind)
	}

	var devices struct {
		Vehicles []struct {
			VehicleRef string `json:"vehicle_ref"`
		} `json:"vehicles"`
	}
	if err := a.client.GetJSON(ctx, a.cfg.BaseURL+"/vehicles", a.headers(), &devices); err != nil {
		return nil, eris.Wrap(err, "telemetry: list vehicles")
	}

	// Per-vehicle fetches run concurrently; the event volume per device
	// is small but device counts can reach the hundreds.
	perVehicle := make([][]model.RawRecord, len(devices.Vehicles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, dev := range devices.Vehicles {
		g.Go(func() error {
			var resp struct {
				Events []map[string]any `json:"events"`
			}
			url := fmt.Sprintf("%s/vehicles/%s/events?since=%s",
				a.cfg.BaseURL, dev.VehicleRef, since.UTC().Format(time.RFC3339))
			if err := a.client.GetJSON(gctx, url, a.headers(), &resp); err != nil {
				return eris.Wrapf(err, "telemetry: fetch events for %s", dev.VehicleRef)
			}

			recs := make([]model.RawRecord, 0, len(resp.Events))
			for _, ev := range resp.Events {
				ev["entity"] = "telemetry"
				if _, ok := ev["vehicle_ref"]; !ok {
					ev["vehicle_ref"] = dev.VehicleRef
				}
				recs = append(recs, rawRecord(model.SourceTelemetry, ev))
			}
			perVehicle[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var records []model.RawRecord
	for _, recs := range perVehicle {
		records = append(records, recs...)
	}

	a.log.Info("telemetry fetch complete",
		zap.Int("vehicles", len(devices.Vehicles)),
		zap.Int("records", len(records)),
	)
	return records, nil
}
