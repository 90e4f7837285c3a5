package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/labdaq/labdaq/pkg/policy"
	"github.com/labdaq/labdaq/pkg/scripting"
	"github.com/labdaq/labdaq/pkg/stores"
	"github.com/labdaq/labdaq/pkg/stream"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [script...]",
		Short: "Serve the document stream and run history",
		Long: `Start the long-running labdaq services: the WebSocket document
stream, the run history API, the run recorder, and the metrics endpoint,
as configured.

Any script arguments are executed sequentially once the services are up,
so their runs are recorded and streamed live. Without scripts the
process serves until interrupted.`,
		Example: `  # Serve with the stream server and store enabled in the config
  labdaq serve --config labdaq.yaml

  # Serve while executing an overnight script
  labdaq serve --config labdaq.yaml ./experiments/overnight.star`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := rt.log.Zerolog()

			var recorder *stores.Recorder
			if rt.store != nil {
				recorder = stores.NewRecorder(rt.store, rt.engine, logger)
				recorder.Start(ctx)
				defer recorder.Stop()
			}

			var server *stream.Server
			if rt.cfg.Stream.Enabled {
				server = stream.NewServer(rt.cfg.Stream.Server, rt.engine, rt.store, logger)
				go func() {
					if err := server.Start(); err != nil {
						logger.Error().Err(err).Msg("Stream server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := server.Shutdown(shutdownCtx); err != nil {
						logger.Warn().Err(err).Msg("Stream server shutdown failed")
					}
				}()
			}

			if rt.policies != nil && rt.cfg.Policy.Watch && len(rt.cfg.Policy.Paths) > 0 {
				loader := policy.NewLoader(logger)
				err := loader.Watch(ctx, rt.cfg.Policy.Paths, func([]policy.Policy) error {
					return rt.policies.LoadPolicies(ctx, rt.cfg.Policy.Paths)
				})
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			if len(args) > 0 {
				return serveScripts(ctx, rt, args)
			}

			logger.Info().Msg("labdaq serving, press ctrl-c to stop")
			<-ctx.Done()
			return nil
		},
	}

	return cmd
}

// serveScripts executes scripts sequentially against the served engine.
func serveScripts(ctx context.Context, rt *runtime, paths []string) error {
	failures := 0
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}

		runner := scripting.NewScriptPlanRunner(
			&gatedEngine{engine: rt.engine, rt: rt, ctx: ctx},
			rt.scriptRunConfig(),
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
			failures++
		}

		if ctx.Err() != nil {
			break
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d script(s) failed", failures)
	}
	return nil
}
