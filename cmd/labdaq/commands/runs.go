package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/labdaq/labdaq/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
		Long: `Inspect runs recorded in the run store. Requires the store to be
enabled in the configuration.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsEventsCommand())
	cmd.AddCommand(newRunsDeleteCommand())
	cmd.AddCommand(newRunsReportsCommand())

	return cmd
}

// storeRuntime builds a runtime and fails early when no store is
// configured.
func storeRuntime(cmd *cobra.Command) (*runtime, error) {
	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return nil, err
	}
	if rt.store == nil {
		rt.Close()
		return nil, fmt.Errorf("the run store is not enabled, set store.enabled in the config")
	}
	return rt, nil
}

func newRunsListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := storeRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			runs, err := rt.store.ListRuns(cmd.Context(), stores.RunFilter{
				Status: stores.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, run := range runs {
				exit := "-"
				if run.ExitStatus != nil {
					exit = *run.ExitStatus
				}
				fmt.Printf("%s  %-9s  %-7s  events=%-4d  %s\n",
					run.UID, run.Status, exit, run.NumEvents,
					run.StartedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, completed, aborted, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-uid>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := storeRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			run, err := rt.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func newRunsEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-uid>",
		Short: "List a run's recorded events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := storeRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.store.GetRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			events, err := rt.store.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}
			for _, e := range events {
				fmt.Printf("%4d  %s  data=%s positions=%s\n",
					e.Seq, e.Timestamp.Local().Format(time.RFC3339), e.Data, e.Positions)
			}
			return nil
		},
	}
}

func newRunsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-uid>",
		Short: "Delete a recorded run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := storeRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted run %s\n", args[0])
			return nil
		},
	}
}

func newRunsReportsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List recorded script reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := storeRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			reports, err := rt.store.ListScriptReports(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(reports)
			}
			if len(reports) == 0 {
				fmt.Println("no script reports recorded")
				return nil
			}
			for _, r := range reports {
				status := "ok"
				if !r.Success {
					status = "failed"
				}
				fmt.Printf("%s  %-6s  plans=%-3d events=%-4d  %s\n",
					r.ID, status, r.PlansExecuted, r.TotalEvents, r.Script)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum reports to list")

	return cmd
}

// printJSON renders any value as indented JSON on stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
