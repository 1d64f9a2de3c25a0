package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/wke/pkg/ops"
)

var cleanupFlags struct {
	selector string
	workdir  string
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Empty the working directory of the machines",
	Long: `Remove everything inside the working directory on the
selected machines. The commands are run as root.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		selection, err := loadSelection(cleanupFlags.selector)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return ops.Cleanup(ctx, selection,
			ops.WithLogger(newLogger(cmd.ErrOrStderr())),
			ops.WithWorkdir(cleanupFlags.workdir),
			ops.WithLogDir(logDir),
			ops.WithVerbose(verbose),
			ops.WithDebug(debug),
		)
	},
}

func init() {
	cleanupCmd.Flags().StringVarP(&cleanupFlags.selector, "selector", "s", "all", "machines to clean up")
	cleanupCmd.Flags().StringVarP(&cleanupFlags.workdir, "workdir", "w", "", "override the working directory of the cluster")

	rootCmd.AddCommand(cleanupCmd)
}
