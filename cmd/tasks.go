package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/store"
)

var (
	tasksKind   string
	tasksStatus string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List persisted scrape tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tasks, err := st.ListTasks(ctx, model.TaskFilter{
			Kind:   model.TaskKind(tasksKind),
			Status: model.TaskStatus(tasksStatus),
			Limit:  tasksLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tCREATED\tERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				t.ID, t.Kind, t.Status, t.Attempts,
				t.CreatedAt.Format("2006-01-02 15:04:05"), t.Error)
		}
		return w.Flush()
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksKind, "kind", "", "filter by task kind")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "max tasks to list")
	rootCmd.AddCommand(tasksCmd)
}
