package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskweave/internal/cache"
	"taskweave/internal/core"
	"taskweave/internal/observability"
)

// DefaultTaskFile is read when run is given no task file.
const DefaultTaskFile = "taskweave.yaml"

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [taskfile]",
		Short: "Run every task in a task file",
		Long: `Run every task in a task file (default taskweave.yaml under the workspace
root). Dependencies are derived from declared inputs and outputs. A run
record is written to <state_dir>/runs/<run-id>/.

Exit codes: 0 success, 1 task failure, 2 invalid invocation,
3 configuration error, 4 internal error.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.cfg.RootDir()
			if err != nil {
				return configError(err)
			}
			taskFile := DefaultTaskFile
			if len(args) == 1 {
				taskFile = args[0]
			}
			if !filepath.IsAbs(taskFile) {
				taskFile = filepath.Join(root, taskFile)
			}

			eng := &Engine{Config: a.cfg, Logger: observability.CLILogger}
			res, err := eng.Execute(cmd.Context(), taskFile)
			if res.GraphResult != nil {
				printSummary(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.Int("concurrency", 0, "Maximum tasks running at once (default CPU count)")
	f.Bool("keep-going", false, "Keep starting independent tasks after a failure")
	f.String("backend", "local", "Execution backend (local, remote)")
	f.Bool("no-disk-cache", false, "Keep cache entries in memory for this run only")
	return cmd
}

func printSummary(w io.Writer, res RunResult) {
	gr := res.GraphResult
	for _, o := range gr.Failures() {
		fmt.Fprintf(w, "FAILED %s", o.ID)
		if o.Err != nil {
			fmt.Fprintf(w, ": %v", o.Err)
		} else if o.Result != nil {
			fmt.Fprintf(w, ": exit code %d", o.Result.ExitCode)
		}
		fmt.Fprintln(w)
		if o.Result != nil && len(o.Result.Stderr) > 0 {
			w.Write(o.Result.Stderr)
			if o.Result.Stderr[len(o.Result.Stderr)-1] != '\n' {
				fmt.Fprintln(w)
			}
		}
	}
	fmt.Fprintf(w, "run %s: %d succeeded, %d cached, %d failed, %d skipped, %d not run\n",
		res.RunID, gr.Succeeded, gr.Cached, gr.Failed, gr.Skipped, gr.NotRun)
}

func newDigestCommand(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "digest <file>...",
		Short: "Print the content digest of files",
		Long:  "Print the sha256 content digest of each file as <hash>/<size> <path>, sorted by path.",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := append([]string(nil), args...)
			sort.Strings(paths)
			for _, p := range paths {
				d, err := core.DigestFile(p)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						return invalidInvocation(err)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", d, p)
			}
			return nil
		},
	}
}

func newCleanCommand(a *app) *cobra.Command {
	var runs bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the local cache",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := a.cfg.CacheDir()
			if err != nil {
				return configError(err)
			}
			store := &cache.LocalStore{Dir: dir}
			if err := store.Clean(); err != nil {
				return fmt.Errorf("remove cache %s: %w", dir, err)
			}
			observability.CLILogger.Info("cache removed", zap.String("dir", dir))

			if runs {
				state, err := a.cfg.StateDir()
				if err != nil {
					return configError(err)
				}
				runsDir := filepath.Join(state, "runs")
				if err := os.RemoveAll(runsDir); err != nil {
					return fmt.Errorf("remove run records %s: %w", runsDir, err)
				}
				observability.CLILogger.Info("run records removed", zap.String("dir", runsDir))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&runs, "runs", false, "Also remove run records")
	return cmd
}
