package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fleetops/fleetsync/internal/ledger"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/store"
)

var (
	recordsVehicle   string
	recordsMatched   bool
	recordsConflicts bool
	recordsJSON      bool
	recordsLimit     int
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Query reconciled trip records",
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

		recs := led.Query(model.RecordFilter{
			VehicleRef:    recordsVehicle,
			OnlyMatched:   recordsMatched,
			OnlyConflicts: recordsConflicts,
			Limit:         recordsLimit,
		})

		if recordsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TRIP\tVEHICLE\tSTATUS\tGROSS\tPAYOUT\tCONFIDENCE\tPATH_KM\tCONFLICTS")
		for _, rec := range recs {
			payoutID := "-"
			if rec.MatchedPayout != nil {
				payoutID = rec.MatchedPayout.PayoutID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.3f\t%.1f\t%d\n",
				rec.Identity(), rec.Trip.VehicleRef, rec.Trip.Status,
				rec.Trip.Gross, payoutID, rec.Confidence,
				rec.TelemetryPathKM, len(rec.UnresolvedConflicts))
		}
		return w.Flush()
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Per-vehicle rollup of trips, payouts, mileage, and reviews",
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

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VEHICLE\tTRIPS\tGROSS\tMATCHED_NET\tPATH_KM\tRATING\tREVIEWS")
		for _, s := range led.VehicleSummaries() {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.1f\t%.1f\t%d\n",
				s.Vehicle.VehicleID, s.TripCount, s.GrossTotal, s.MatchedNet,
				s.PathTotalKM, s.AvgRating, s.ReviewCount)
		}
		return w.Flush()
	},
}

func init() {
	recordsCmd.Flags().StringVar(&recordsVehicle, "vehicle", "", "filter by vehicle ref")
	recordsCmd.Flags().BoolVar(&recordsMatched, "matched", false, "only records with an accepted payout link")
	recordsCmd.Flags().BoolVar(&recordsConflicts, "conflicts", false, "only records with unresolved conflicts")
	recordsCmd.Flags().BoolVar(&recordsJSON, "json", false, "emit full records as JSON")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 0, "max records to list (0 = all)")
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(summaryCmd)
}
