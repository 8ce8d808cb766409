package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"taskweave/internal/config"
	"taskweave/internal/observability"
)

// app holds state shared by subcommands once the root has loaded config.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
}

// flagKeys binds command-line flags to config keys. Flags override the
// config file and the environment.
var flagKeys = map[string]string{
	"root":          "workspace.root",
	"log-level":     "logging.level",
	"log-json":      "logging.json",
	"concurrency":   "execution.concurrency",
	"keep-going":    "execution.keep_going",
	"backend":       "execution.backend",
	"no-disk-cache": "cache.disabled",
	"cache-dir":     "cache.dir",
}

// NewRootCommand builds the taskweave command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "taskweave",
		Short: "Run a file-derived task graph with content-addressed caching",
		Long: `taskweave runs a set of command-line tasks whose dependencies are derived
from the files they read and write. Results are cached by a fingerprint of
the command and its input contents, locally and optionally in a shared
remote cache, and tasks can run on a Remote Execution API service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.Flags())
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocation(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	pf.String("root", ".", "Workspace root")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "Emit JSON logs")
	pf.String("cache-dir", "", "Local cache directory (default <root>/.taskweave/cache)")

	root.AddCommand(newRunCommand(a), newDigestCommand(a), newCleanCommand(a))
	return root
}

func (a *app) load(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := a.v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return configError(err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.JSON); err != nil {
		return configError(err)
	}
	a.cfg = cfg
	return nil
}

// Run executes the command line args (without argv[0]) and returns the
// process exit code. Errors are printed to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(stderr, "Error:", err)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) && strings.HasPrefix(err.Error(), "unknown command") {
		return ExitInvalidInvocation
	}
	return ExitCode(err)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return invalidInvocation(err)
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return invalidInvocation(err)
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return invalidInvocation(err)
		}
		return nil
	}
}
