package main

import (
	"context"
	"time"

	"github.com/fleetops/fleetsync/internal/fetcher"
	"github.com/fleetops/fleetsync/internal/ledger"
	"github.com/fleetops/fleetsync/internal/monitoring"
	"github.com/fleetops/fleetsync/internal/normalize"
	"github.com/fleetops/fleetsync/internal/pipeline"
	"github.com/fleetops/fleetsync/internal/reconcile"
	"github.com/fleetops/fleetsync/internal/scheduler"
	"github.com/fleetops/fleetsync/internal/source"
	"github.com/fleetops/fleetsync/internal/store"
)

// appEnv holds the initialized store, ledger, and scheduler shared by
// the serve/scrape/reconcile commands.
type appEnv struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Ingestor  *pipeline.Ingestor
	Scheduler *scheduler.Scheduler
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (a *appEnv) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// initApp opens the store, hydrates the ledger, and wires the ingest
// pipeline and scheduler. Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	led := ledger.New(st)
	if err := led.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	normalizer, err := normalize.New(cfg.Normalize)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reconciler := reconcile.New(reconcile.PolicyFromConfig(cfg.Reconcile))
	ingestor := pipeline.NewIngestor(normalizer, led, reconciler)

	registry := source.NewRegistry(
		source.NewDashboardAdapter(cfg.Dashboard, fetcher.NewHTTPClient(fetcher.HTTPOptions{
			UserAgent: "fleetsync/1.0",
			Timeout:   60 * time.Second,
			RateRPS:   cfg.Dashboard.RateRPS,
			RateBurst: cfg.Dashboard.RateBurst,
		})),
		source.NewBankAdapter(cfg.Bank, fetcher.NewHTTPClient(fetcher.HTTPOptions{
			UserAgent: "fleetsync/1.0",
			Timeout:   60 * time.Second,
			RateRPS:   cfg.Bank.RateRPS,
			RateBurst: cfg.Bank.RateBurst,
		}), fetcher.NewFTPClient(fetcher.FTPOptions{Timeout: 60 * time.Second})),
		source.NewTelemetryAdapter(cfg.Telemetry, fetcher.NewHTTPClient(fetcher.HTTPOptions{
			UserAgent: "fleetsync/1.0",
			Timeout:   60 * time.Second,
			RateRPS:   cfg.Telemetry.RateRPS,
			RateBurst: cfg.Telemetry.RateBurst,
		})),
	)

	sched := scheduler.New(cfg.Scheduler, registry, ingestor, st)
	sched.Start(ctx)

	return &appEnv{
		Store:     st,
		Ledger:    led,
		Ingestor:  ingestor,
		Scheduler: sched,
		Collector: monitoring.NewCollector(sched, led),
	}, nil
}
