package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/wke/pkg/ops"
)

var runFlags struct {
	selector   string
	multiply   int
	prelude    string
	timeout    time.Duration
	workdir    string
	dryRun     bool
	noSudo     bool
	keepErrors bool
}

var runCmd = &cobra.Command{
	Use:   "run <config> <target> [option=value...]",
	Short: "Run a target on the cluster",
	Long: `Run a target of a configuration on the selected
machines of the cluster. The options of the target
are passed as option=value pairs. Values starting
with "@" are macros such as @NAME or @GROUP_INDEX.

Once a machine fails all others are stopped. An
interrupt stops all machines as well.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := ops.ParseAssignments(args[2:])
		if err != nil {
			return err
		}

		configuration, err := loadConfig(cmd, args[0])
		if err != nil {
			return err
		}

		selection, err := loadSelection(runFlags.selector)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return ops.CheckRun(ctx, selection, configuration, args[1],
			ops.WithLogger(newLogger(cmd.ErrOrStderr())),
			ops.WithArgs(values),
			ops.WithMultiply(runFlags.multiply),
			ops.WithPrelude(runFlags.prelude),
			ops.WithTimeout(runFlags.timeout),
			ops.WithWorkdir(runFlags.workdir),
			ops.WithLogDir(logDir),
			ops.WithVerbose(verbose),
			ops.WithDebug(debug),
			ops.WithDryRun(runFlags.dryRun),
			ops.WithSudo(!runFlags.noSudo),
			ops.WithKeepErrorsOnTimeout(runFlags.keepErrors),
		)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.selector, "selector", "s", "all", `machines to run on: "all", a name, "[a:b]" or "[i,j,...]"`)
	runCmd.Flags().IntVarP(&runFlags.multiply, "multiply", "m", 1, "number of tasks per machine")
	runCmd.Flags().StringVarP(&runFlags.prelude, "prelude", "p", ops.DefaultPrelude, `prelude to run first, "none" to disable the default`)
	runCmd.Flags().DurationVarP(&runFlags.timeout, "timeout", "t", 0, "stop all machines after this duration")
	runCmd.Flags().StringVarP(&runFlags.workdir, "workdir", "w", "", "override the working directory of the cluster")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "only print what would be run")
	runCmd.Flags().BoolVar(&runFlags.noSudo, "no-sudo", false, "install packages as root instead of using sudo")
	runCmd.Flags().BoolVar(&runFlags.keepErrors, "keep-errors-on-timeout", false, "report failures that happened before the timeout")

	rootCmd.AddCommand(runCmd)
}
