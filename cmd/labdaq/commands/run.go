package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/labdaq/labdaq/pkg/engine"
	"github.com/labdaq/labdaq/pkg/plan"
)

func newRunCommand() *cobra.Command {
	var (
		moduleID string
		count    int
		delay    time.Duration
		target   string
		param    string
		start    float64
		stop     float64
		steps    int
		detector string
		duration time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <count|scan|timeseries>",
		Short: "Run a built-in acquisition plan",
		Long: `Queue one of the built-in plans on the run engine and stream its
documents until the run stops.

Plans:
  count       take repeated readings from one module
  scan        step a parameter across a range, reading a detector at each step
  timeseries  sample a module at a fixed interval for a duration`,
		Example: `  # Ten readings from det1, half a second apart
  labdaq run count --module det1 --count 10 --delay 500ms

  # Scan motor.x from 0 to 5 in 11 steps, reading det1
  labdaq run scan --target motor.x --start 0 --stop 5 --steps 11 --detector det1

  # Sample det1 every second for a minute
  labdaq run timeseries --module det1 --duration 1m --interval 1s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var p plan.Plan
			switch args[0] {
			case "count":
				p = plan.NewCountPlan(moduleID, count, delay)
			case "scan":
				p = plan.NewScanPlan(target, param, start, stop, steps, detector)
			case "timeseries":
				p = plan.NewTimeSeriesPlan(moduleID, duration, interval)
			default:
				return fmt.Errorf("unknown plan type: %s", args[0])
			}
			if err := p.Validate(); err != nil {
				return err
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.gatePlan(ctx, p); err != nil {
				return err
			}

			sub := rt.engine.Subscribe()
			defer rt.engine.Unsubscribe(sub)

			done := make(chan struct{})
			go func() {
				defer close(done)
				printDocuments(sub)
			}()

			runErr := rt.engine.Run(ctx, p)

			rt.engine.Unsubscribe(sub)
			<-done

			return runErr
		},
	}

	cmd.Flags().StringVarP(&moduleID, "module", "m", "det1", "module to read")
	cmd.Flags().IntVar(&count, "count", 1, "number of readings")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay between readings")
	cmd.Flags().StringVar(&target, "target", "", "module whose parameter is scanned")
	cmd.Flags().StringVar(&param, "param", "position", "parameter to scan")
	cmd.Flags().Float64Var(&start, "start", 0, "scan start value")
	cmd.Flags().Float64Var(&stop, "stop", 0, "scan stop value")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of scan steps")
	cmd.Flags().StringVar(&detector, "detector", "det1", "detector read at each scan step")
	cmd.Flags().DurationVar(&duration, "duration", time.Minute, "time series duration")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "time series sample interval")

	return cmd
}

// printDocuments renders the document stream until the subscription closes.
func printDocuments(sub *engine.Subscription) {
	for doc := range sub.C {
		if jsonOutput {
			data, err := json.Marshal(doc)
			if err != nil {
				continue
			}
			fmt.Println(string(data))
			continue
		}

		switch doc.Kind {
		case engine.DocumentEvent:
			fmt.Printf("event %d  data=%v positions=%v\n", doc.Seq, doc.Data, doc.Positions)
		case engine.DocumentStop:
			if doc.Reason != "" {
				fmt.Printf("stop   %s (%s), %d events\n", doc.ExitStatus, doc.Reason, doc.NumEvents)
			} else {
				fmt.Printf("stop   %s, %d events\n", doc.ExitStatus, doc.NumEvents)
			}
		}
	}
}
