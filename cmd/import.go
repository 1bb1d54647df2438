package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/fetcher"
	"github.com/fleetops/fleetsync/internal/ledger"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/normalize"
	"github.com/fleetops/fleetsync/internal/pipeline"
	"github.com/fleetops/fleetsync/internal/reconcile"
	"github.com/fleetops/fleetsync/internal/store"
)

var (
	importEntity string
	importSheet  string
)

var importCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Import an exported earnings workbook",
	Long:  "Reads the host dashboard's downloadable earnings workbook and ingests its rows. The first row must name the columns (trip_id, vehicle_ref, start_ts, end_ts, gross_amount, ...); rows missing required fields are skipped and logged.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		switch importEntity {
		case "trip", "payout":
		default:
			return eris.Errorf("import: unknown entity %q (want trip or payout)", importEntity)
		}

		rows, err := fetcher.ReadXLSX(args[0], fetcher.XLSXOptions{SheetName: importSheet})
		if err != nil {
			return err
		}
		if len(rows) < 2 {
			return eris.New("import: workbook has no data rows")
		}

		header := rows[0]
		for i := range header {
			header[i] = strings.ToLower(strings.TrimSpace(header[i]))
		}

		src := model.SourceScrape
		if importEntity == "payout" {
			src = model.SourceLedger
		}

		records := make([]model.RawRecord, 0, len(rows)-1)
		for _, row := range rows[1:] {
			payload := map[string]any{"entity": importEntity}
			for i, cell := range row {
				if i >= len(header) || header[i] == "" || cell == "" {
					continue
				}
				payload[header[i]] = cell
			}
			records = append(records, model.RawRecord{
				Source:     src,
				Payload:    payload,
				ObservedAt: time.Now().UTC(),
			})
		}

		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		led := ledger.New(st)
		if err := led.Load(ctx); err != nil {
			return err
		}
		normalizer, err := normalize.New(cfg.Normalize)
		if err != nil {
			return err
		}
		ingestor := pipeline.NewIngestor(normalizer, led, reconcile.New(reconcile.PolicyFromConfig(cfg.Reconcile)))

		result, err := ingestor.Ingest(ctx, records)
		if err != nil {
			return err
		}

		zap.L().Info("workbook imported",
			zap.String("file", args[0]),
			zap.Int("rows", len(records)),
			zap.Int("skipped", result.Batch.Skipped),
			zap.Int("updated", result.Updated))
		fmt.Printf("imported %d rows (%d skipped), %d records updated\n",
			len(records), result.Batch.Skipped, result.Updated)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importEntity, "entity", "trip", "row entity type: trip or payout")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "sheet name (default first sheet)")
	rootCmd.AddCommand(importCmd)
}
