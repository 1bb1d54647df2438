package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/model"
)

var (
	scrapeWait bool
	scrapeDue  time.Duration
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape <kind>",
	Short: "Run a scrape task for one source kind (or 'all')",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kind := model.TaskKind(args[0])
		kinds := []model.TaskKind{kind}
		if scrapeDue > 0 {
			// Skip kinds whose last success is fresher than the window.
			// The aggregate kind degrades to its due subset.
			candidates := kinds
			if kind == model.TaskKindAll {
				candidates = kind.SubKinds()
			}
			kinds = kinds[:0]
			for _, k := range candidates {
				last, err := env.Store.LastSuccess(ctx, k)
				if err != nil {
					return err
				}
				if last.IsZero() || time.Since(last) >= scrapeDue {
					kinds = append(kinds, k)
					continue
				}
				zap.L().Info("source fresh, skipping",
					zap.String("kind", string(k)),
					zap.Time("last_success", last))
			}
			if len(kinds) == 0 {
				fmt.Println("nothing due")
				return nil
			}
		}

		var tasks []model.ScrapeTask
		for _, k := range kinds {
			task, err := env.Scheduler.Submit(k)
			if err != nil {
				return err
			}
			zap.L().Info("task submitted",
				zap.String("task", task.ID),
				zap.String("kind", string(task.Kind)))
			tasks = append(tasks, task)
		}

		if !scrapeWait {
			for _, task := range tasks {
				fmt.Println(task.ID)
			}
			return nil
		}

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for _, task := range tasks {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
				snap, err := env.Scheduler.Get(task.ID)
				if err != nil {
					return err
				}
				if !snap.Status.Terminal() {
					continue
				}
				fmt.Printf("%s\t%s\t%s\t%d attempt(s)\n", snap.ID, snap.Kind, snap.Status, snap.Attempts)
				if snap.Status == model.TaskStatusFailed {
					return eris.Errorf("task failed: %s", snap.Error)
				}
				break
			}
		}
		return nil
	},
}

func init() {
	scrapeCmd.Flags().BoolVar(&scrapeWait, "wait", true, "block until the task reaches a terminal state")
	scrapeCmd.Flags().DurationVar(&scrapeDue, "due", 0, "only run kinds whose last success is older than this window (0 runs unconditionally)")
	rootCmd.AddCommand(scrapeCmd)
}
