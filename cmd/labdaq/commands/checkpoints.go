package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/labdaq/labdaq/pkg/config"
	"github.com/labdaq/labdaq/pkg/engine"
)

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect saved run checkpoints",
		Long: `Inspect the checkpoints runs have written. Checkpoints live under
the configured checkpoint directory, one subdirectory per run.`,
	}

	cmd.AddCommand(newCheckpointsListCommand())
	cmd.AddCommand(newCheckpointsShowCommand())

	return cmd
}

// checkpointDir resolves the checkpoint directory from the configuration
// without wiring the full runtime.
func checkpointDir() (string, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		cfg = loaded
	}
	return cfg.Engine.CheckpointDir, nil
}

func newCheckpointsListCommand() *cobra.Command {
	var runUID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := checkpointDir()
			if err != nil {
				return err
			}

			var paths []string
			err = filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || !strings.HasSuffix(path, ".json") {
					return nil
				}
				if runUID != "" && filepath.Base(filepath.Dir(path)) != runUID {
					return nil
				}
				paths = append(paths, path)
				return nil
			})
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("no checkpoints saved")
					return nil
				}
				return fmt.Errorf("failed to walk checkpoint directory: %w", err)
			}
			sort.Strings(paths)

			if len(paths) == 0 {
				fmt.Println("no checkpoints saved")
				return nil
			}

			var checkpoints []*engine.Checkpoint
			for _, path := range paths {
				cp, err := engine.LoadCheckpoint(path)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
					continue
				}
				checkpoints = append(checkpoints, cp)
			}

			if jsonOutput {
				return printJSON(checkpoints)
			}
			for _, cp := range checkpoints {
				label := cp.Label
				if label == "" {
					label = "-"
				}
				fmt.Printf("%s  %-9s  messages=%-4d  label=%-12s  %s\n",
					cp.RunUID, cp.State, cp.MessageCount, label,
					cp.Timestamp.Local().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runUID, "run", "", "only list checkpoints for this run")

	return cmd
}

func newCheckpointsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <file>",
		Short: "Show one checkpoint file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := engine.LoadCheckpoint(args[0])
			if err != nil {
				return err
			}
			return printJSON(cp)
		},
	}
}
