package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/wke/pkg/ops"
)

var copyFlags struct {
	selector string
	workdir  string
}

var copyCmd = &cobra.Command{
	Use:   "copy <file>... <destination>",
	Short: "Upload files to the machines",
	Long: `Upload local files into a directory on the selected
machines. Relative destinations are resolved against
the working directory of the cluster.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		selection, err := loadSelection(copyFlags.selector)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return ops.CopyTo(ctx, selection, args[:len(args)-1], args[len(args)-1],
			ops.WithLogger(newLogger(cmd.ErrOrStderr())),
			ops.WithWorkdir(copyFlags.workdir),
		)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <file> <directory>",
	Short: "Download a file from the machines",
	Long: `Download a file from every selected machine into
<directory>/<machine>/. Relative paths are resolved
against the working directory of the cluster.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		selection, err := loadSelection(copyFlags.selector)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return ops.Fetch(ctx, selection, args[0], args[1],
			ops.WithLogger(newLogger(cmd.ErrOrStderr())),
			ops.WithWorkdir(copyFlags.workdir),
		)
	},
}

func init() {
	for _, c := range []*cobra.Command{copyCmd, fetchCmd} {
		c.Flags().StringVarP(&copyFlags.selector, "selector", "s", "all", "machines to copy from or to")
		c.Flags().StringVarP(&copyFlags.workdir, "workdir", "w", "", "override the working directory of the cluster")
		rootCmd.AddCommand(c)
	}
}
