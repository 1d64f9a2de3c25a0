package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nicklasfrahm/wke/pkg/cluster"
)

var getMachineAttributeCmd = &cobra.Command{
	Use:   "get-machine-attribute <machine> <attribute>",
	Short: "Print a single attribute of a machine",
	Long: `Print a single attribute of a machine, for example its
"external-addr" or "internal-addr", for use in scripts.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cluster.Load(clusterPath)
		if err != nil {
			return err
		}

		machine, err := c.Machine(args[0])
		if err != nil {
			return err
		}

		attributes := machine.Attributes()
		value, ok := attributes[args[1]]
		if !ok {
			names := make([]string, 0, len(attributes))
			for name := range attributes {
				names = append(names, name)
			}
			slices.Sort(names)
			return fmt.Errorf("unknown attribute %q, expected one of: %s", args[1], strings.Join(names, ", "))
		}

		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getMachineAttributeCmd)
}
