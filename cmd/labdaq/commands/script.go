package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/labdaq/labdaq/pkg/engine"
	"github.com/labdaq/labdaq/pkg/plan"
	"github.com/labdaq/labdaq/pkg/scripting"
	"github.com/labdaq/labdaq/pkg/stores"
)

func newScriptCommand() *cobra.Command {
	var (
		timeout         time.Duration
		maxPlans        int
		continueOnError bool
		paramFlags      []string
	)

	cmd := &cobra.Command{
		Use:   "script <file>",
		Short: "Execute a Starlark experiment script",
		Long: `Execute a Starlark script that yields plans to the run engine.

Scripts drive experiments with the built-in functions run_plan, trigger,
set, read, wait, checkpoint, and log, plus the plan constructors
time_series, scan, count, and sequence. The command prints a report when
the script finishes and exits non-zero if the script failed.`,
		Example: `  # Execute a scan script
  labdaq script ./experiments/overnight_scan.star

  # Bound the script to five plans and ten minutes
  labdaq script --max-plans 5 --timeout 10m ./experiments/survey.star

  # Pass values for the script's params dict
  labdaq script --param detector=det1 --param samples=10 ./experiments/survey.star`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg := rt.scriptRunConfig()
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = timeout
			}
			if cmd.Flags().Changed("max-plans") {
				cfg.MaxPlans = maxPlans
			}
			if cmd.Flags().Changed("continue-on-error") {
				cfg.ContinueOnError = continueOnError
			}
			cfg.Params, err = parseScriptParams(paramFlags)
			if err != nil {
				return err
			}

			runner := scripting.NewScriptPlanRunner(
				&gatedEngine{engine: rt.engine, rt: rt, ctx: ctx},
				cfg,
				scripting.WithRunnerLogger(rt.log.Zerolog()),
				scripting.WithRunnerMetrics(rt.metrics),
				scripting.WithRunnerTracer(rt.tracer),
			)

			report := runner.Run(ctx, path, src)

			if rt.store != nil {
				persistReport(ctx, rt, path, &report)
			}

			printReport(path, &report)
			if !report.Success {
				return fmt.Errorf("script failed: %s", report.Error)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "whole-script timeout")
	cmd.Flags().IntVar(&maxPlans, "max-plans", 1000, "maximum plans one script may execute")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep executing plans after one fails")
	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "script parameter as key=value, repeatable")

	return cmd
}

// parseScriptParams turns key=value flags into the script params map.
// Values that parse as bool, int, or float keep that type; everything else
// stays a string.
func parseScriptParams(flags []string) (map[string]interface{}, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(flags))
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", f)
		}
		switch {
		case value == "true" || value == "false":
			params[key] = value == "true"
		default:
			if i, err := strconv.ParseInt(value, 10, 64); err == nil {
				params[key] = i
			} else if fl, err := strconv.ParseFloat(value, 64); err == nil {
				params[key] = fl
			} else {
				params[key] = value
			}
		}
	}
	return params, nil
}

// gatedEngine puts the policy gate in front of every plan a script
// yields.
type gatedEngine struct {
	engine *engine.RunEngine
	rt     *runtime
	ctx    context.Context
}

func (g *gatedEngine) Queue(p plan.Plan) (string, error) {
	if err := g.rt.gatePlan(g.ctx, p); err != nil {
		return "", err
	}
	return g.engine.Queue(p)
}

func (g *gatedEngine) Start(ctx context.Context) error {
	return g.engine.Start(ctx)
}

func (g *gatedEngine) Subscribe() *engine.Subscription {
	return g.engine.Subscribe()
}

func (g *gatedEngine) Unsubscribe(sub *engine.Subscription) {
	g.engine.Unsubscribe(sub)
}

// persistReport records the script outcome in the run store.
func persistReport(ctx context.Context, rt *runtime, path string, report *scripting.ScriptRunReport) {
	uids, err := json.Marshal(report.RunUIDs)
	if err != nil {
		uids = []byte("[]")
	}

	row := &stores.ScriptReport{
		ID:            uuid.New().String(),
		Script:        path,
		PlansExecuted: report.PlansExecuted,
		TotalEvents:   report.TotalEvents,
		DurationMs:    report.Duration.Milliseconds(),
		Success:       report.Success,
		RunUIDs:       string(uids),
	}
	if report.Error != "" {
		row.Error = &report.Error
	}

	if err := rt.store.CreateScriptReport(ctx, row); err != nil {
		zl := rt.log.Zerolog()
		zl.Warn().Err(err).Msg("Failed to persist script report")
	}
}

// printReport renders the script run report.
func printReport(path string, report *scripting.ScriptRunReport) {
	if jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}

	status := "ok"
	if !report.Success {
		status = "failed"
	}
	fmt.Printf("script %s: %s\n", path, status)
	fmt.Printf("  plans executed: %d\n", report.PlansExecuted)
	fmt.Printf("  total events:   %d\n", report.TotalEvents)
	fmt.Printf("  duration:       %s\n", report.Duration.Round(time.Millisecond))
	if report.Error != "" {
		fmt.Printf("  error:          %s\n", report.Error)
	}
	for _, uid := range report.RunUIDs {
		fmt.Printf("  run: %s\n", uid)
	}
}
