package cmd

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nicklasfrahm/wke/pkg/cluster"
)

var asJSON bool

// clusterInfo is what show-cluster prints. Credentials are left out.
type clusterInfo struct {
	Username string            `yaml:"username" json:"username"`
	SSHPort  int               `yaml:"ssh-port" json:"ssh-port"`
	Workdir  string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	SSHProxy string            `yaml:"ssh-proxy,omitempty" json:"ssh-proxy,omitempty"`
	Machines []cluster.Machine `yaml:"machines" json:"machines"`
}

var showConfigCmd = &cobra.Command{
	Use:   "show-config <config>",
	Short: "Show the targets and preludes of a configuration",
	Long: `Show the targets, preludes and required packages of a
configuration, including everything it inherits. With
--verbose the options of every target are listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configuration, err := loadConfig(cmd, args[0])
		if err != nil {
			return err
		}

		return printDocument(cmd.OutOrStdout(), configuration.Metadata(verbose))
	},
}

var showClusterCmd = &cobra.Command{
	Use:   "show-cluster",
	Short: "Show the machines of the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cluster.Load(clusterPath)
		if err != nil {
			return err
		}

		info := clusterInfo{
			Username: c.Username,
			SSHPort:  c.SSHPort,
			Workdir:  c.Workdir,
			Machines: c.Machines,
		}
		if proxy := c.ProxyConfig(); proxy != nil {
			info.SSHProxy = proxy.User + "@" + proxy.Address()
		}

		return printDocument(cmd.OutOrStdout(), info)
	},
}

var showMachineCmd = &cobra.Command{
	Use:   "show-machine <machine>",
	Short: "Show the attributes of a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cluster.Load(clusterPath)
		if err != nil {
			return err
		}

		machine, err := c.Machine(args[0])
		if err != nil {
			return err
		}

		return printDocument(cmd.OutOrStdout(), machine.Attributes())
	},
}

// printDocument writes v as YAML or, with --json, as indented JSON.
func printDocument(out io.Writer, v any) error {
	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	}

	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}

func init() {
	for _, c := range []*cobra.Command{showConfigCmd, showClusterCmd, showMachineCmd} {
		c.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")
		rootCmd.AddCommand(c)
	}
}
