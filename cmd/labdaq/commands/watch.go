package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/labdaq/labdaq/pkg/scripting"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-run a Starlark script whenever it changes",
		Long: `Watch a script file and execute it through the run engine on every
change. Edits are debounced so a save that produces several filesystem
events runs the script once. Interrupt with Ctrl-C.`,
		Example: `  # Iterate on a scan script against the simulated backend
  labdaq watch ./experiments/alignment.star`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("failed to stat script: %w", err)
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch script: %w", err)
			}

			runner := scripting.NewScriptPlanRunner(
				&gatedEngine{engine: rt.engine, rt: rt, ctx: ctx},
				rt.scriptRunConfig(),
				scripting.WithRunnerLogger(rt.log.Zerolog()),
				scripting.WithRunnerMetrics(rt.metrics),
				scripting.WithRunnerTracer(rt.tracer),
			)

			execute := func() {
				src, err := os.ReadFile(path)
				if err != nil {
					zl := rt.log.Zerolog()
					zl.Warn().Err(err).Str("script", path).Msg("Failed to read script")
					return
				}
				report := runner.Run(ctx, path, src)
				if rt.store != nil {
					persistReport(ctx, rt, path, &report)
				}
				printReport(path, &report)
			}

			zl := rt.log.Zerolog()
			zl.Info().Str("script", path).Msg("Watching script")
			execute()

			var debounce *time.Timer
			runs := make(chan struct{}, 1)
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(500*time.Millisecond, func() {
						select {
						case runs <- struct{}{}:
						default:
						}
					})
					// Editors that replace the file drop the watch.
					if event.Op&fsnotify.Create != 0 {
						_ = watcher.Add(path)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					zl := rt.log.Zerolog()
					zl.Warn().Err(err).Msg("Watcher error")
				case <-runs:
					execute()
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	return cmd
}
