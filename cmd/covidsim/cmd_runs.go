package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/covidsim/internal/persistence"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs <database>",
		Short: "List recorded runs and their iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			detail, _ := cmd.Flags().GetBool("iterations")

			db, err := persistence.Open(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.Runs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSCENARIO\tSTATUS\tSTEPS\tWORKERS\tSTARTED\tDURATION")
			for _, r := range runs {
				dur := "-"
				if r.FinishedAt.Valid {
					dur = r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Scenario, r.Status, humanize.Comma(int64(r.Steps)), r.Workers,
					humanize.Time(r.StartedAt), dur)
				if !detail {
					continue
				}
				its, err := db.Iterations(r.ID)
				if err != nil {
					return err
				}
				for _, it := range its {
					fmt.Fprintf(tw, "  #%d\t\t%s\t%d rows\t\t\t%s\n", it.Iteration, it.Status, it.Rows, it.Error)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Number of runs to show")
	cmd.Flags().Bool("iterations", false, "Show each run's iterations")
	return cmd
}
