package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/ledger"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/reconcile"
	"github.com/fleetops/fleetsync/internal/store"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-run reconciliation over every stored trip",
	Long:  "Recomputes payout and telemetry matches for the whole ledger, e.g. after changing the match policy. Re-running with unchanged inputs is a no-op.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		led := ledger.New(st)
		if err := led.Load(ctx); err != nil {
			return err
		}

		recs := led.Records()
		trips := make([]model.Trip, 0, len(recs))
		for _, rec := range recs {
			trips = append(trips, rec.Trip)
		}

		reconciler := reconcile.New(reconcile.PolicyFromConfig(cfg.Reconcile))
		updates := reconciler.Reconcile(&model.EntityBatch{Trips: trips}, led)
		if err := led.Upsert(ctx, updates); err != nil {
			return err
		}

		zap.L().Info("reconciliation complete",
			zap.Int("trips", len(trips)),
			zap.Int("updated", len(updates)))
		fmt.Printf("reconciled %d trips, %d records updated\n", len(trips), len(updates))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
