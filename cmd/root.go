package cmd

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/config"
)

var version = "dev"
var help bool

var (
	clusterPath string
	configDir   string
	logDir      string
	verbose     bool
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "wke",
	Short: "Run scripts on a cluster of machines",
	Long: `           _
 __      _| | _____
 \ \ /\ / / |/ / _ \
  \ V  V /|   <  __/
   \_/\_/ |_|\_\___|

Runs the targets of a configuration on the machines
of a cluster over SSH. By default the cluster is read
from a "cluster.yml" file and configurations from the
current directory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if help {
			cmd.Help()
			os.Exit(0)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&help, "help", "h", false, "display help for command")
	rootCmd.PersistentFlags().StringVarP(&clusterPath, "cluster", "c", cluster.DefaultFile, "path to the cluster file")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory containing the configurations")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "write the output of every machine to a file in this directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print the output of the machines")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log the commands that are run")
}

// Execute starts the invocation of the command line interface.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger creates the console logger of the command line interface.
func newLogger(out io.Writer) *zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()

	return &logger
}

func loadSelection(selector string) (*cluster.Selection, error) {
	c, err := cluster.Load(clusterPath)
	if err != nil {
		return nil, err
	}
	return c.Select(selector)
}

func loadConfig(cmd *cobra.Command, name string) (*config.Configuration, error) {
	return config.Load(name, configDir, newLogger(cmd.ErrOrStderr()))
}
