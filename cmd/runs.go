package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opeva/worker-agent/internal/journal"
)

func runsCmd() *cobra.Command {
	var (
		jsonOutput bool
		unreported bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded job runs from the local journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			jr, err := journal.Open(cfg)
			if err != nil {
				return err
			}
			if jr == nil {
				return fmt.Errorf("no journal configured (set journal_path or postgres_dsn)")
			}
			defer jr.Close()

			ctx := context.Background()
			var entries []journal.Entry
			if unreported {
				entries, err = jr.Unreported(ctx)
			} else {
				entries, err = jr.Recent(ctx, limit)
			}
			if err != nil {
				return err
			}
			printRuns(entries, jsonOutput)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&unreported, "unreported", false, "only runs whose terminal report never reached the backend")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func printRuns(entries []journal.Entry, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(entries) == 0 {
		fmt.Println("No recorded runs.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tCONTAINER\tSTATUS\tEXIT\tREPORTED\tSTARTED")
	for _, e := range entries {
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprintf("%d", *e.ExitCode)
		}
		reported := "yes"
		if !e.Reported {
			reported = "NO"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.JobID, e.ContainerName, e.Status, exit, reported,
			e.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
