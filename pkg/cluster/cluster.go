// Package cluster describes the machines of a cluster and how to reach them.
package cluster

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/nicklasfrahm/wke/pkg/sshx"
)

const (
	// DefaultFile is the default name of the cluster file.
	DefaultFile = "cluster.yml"
	// DefaultSSHPort is used if the cluster file does not set a port.
	DefaultSSHPort = 22
)

// ClusterError is returned if the cluster file is invalid or a machine
// cannot be found.
type ClusterError struct {
	Message string
}

func (e *ClusterError) Error() string {
	return e.Message
}

func clusterErrorf(format string, args ...any) error {
	return &ClusterError{Message: fmt.Sprintf(format, args...)}
}

// Machine identifies a single node of the cluster.
type Machine struct {
	Index        int    `yaml:"-" json:"-"`
	Name         string `yaml:"name" json:"name"`
	ExternalAddr string `yaml:"external-addr" json:"external-addr"`
	InternalAddr string `yaml:"internal-addr" json:"internal-addr"`
}

// Attributes returns the attributes of the machine by their names in the
// cluster file.
func (m Machine) Attributes() map[string]string {
	return map[string]string{
		"index":         strconv.Itoa(m.Index),
		"name":          m.Name,
		"external-addr": m.ExternalAddr,
		"internal-addr": m.InternalAddr,
	}
}

// Cluster describes the inventory of a cluster. For the file format, see
// the cluster.yml in the repository root.
type Cluster struct {
	// Username is used for all SSH connections unless a task overrides it.
	Username string `yaml:"username"`
	SSHPort  int    `yaml:"ssh-port"`

	// ConnectTimeout bounds dialing and the SSH handshake of every
	// connection, for example "5s". Zero uses sshx.DefaultTimeout.
	ConnectTimeout time.Duration `yaml:"connect-timeout"`

	// Workdir is the default working directory of targets.
	Workdir string `yaml:"workdir"`

	// SSH holds the authentication settings shared by all machines.
	// Host, port and user are filled in per connection.
	SSH sshx.Config `yaml:"ssh"`

	// SSHProxy describes an optional bastion host.
	SSHProxy sshx.Config `yaml:"ssh-proxy"`

	Machines []Machine `yaml:"machines"`
}

// Load reads and verifies a cluster file.
func Load(path string) (*Cluster, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, clusterErrorf("cannot open cluster file at %s: %v", path, err)
	}

	cluster := new(Cluster)
	if err := yaml.Unmarshal(content, cluster); err != nil {
		return nil, clusterErrorf("failed to parse cluster file at %s: %v", path, err)
	}

	if err := cluster.Verify(); err != nil {
		return nil, err
	}

	return cluster, nil
}

// Verify checks the cluster for consistency and fills in defaults.
func (c *Cluster) Verify() error {
	if c == nil {
		return clusterErrorf("cluster empty")
	}

	if c.SSHPort == 0 {
		c.SSHPort = DefaultSSHPort
	}
	if c.ConnectTimeout < 0 {
		return clusterErrorf("connect timeout must not be negative")
	}

	if len(c.Machines) == 0 {
		return clusterErrorf("no machines specified")
	}

	seen := make(map[string]bool, len(c.Machines))
	for i := range c.Machines {
		machine := &c.Machines[i]
		machine.Index = i

		if machine.Name == "" {
			return clusterErrorf("machine at index %d has no name", i)
		}
		if seen[machine.Name] {
			return clusterErrorf("duplicate machine name %q", machine.Name)
		}
		seen[machine.Name] = true

		if machine.ExternalAddr == "" {
			return clusterErrorf("machine %q has no external address", machine.Name)
		}
		if machine.InternalAddr == "" {
			machine.InternalAddr = machine.ExternalAddr
		}
	}

	return nil
}

// Machine returns the machine with the given name.
func (c *Cluster) Machine(name string) (Machine, error) {
	for _, machine := range c.Machines {
		if machine.Name == name {
			return machine, nil
		}
	}
	return Machine{}, clusterErrorf("no such machine %q", name)
}

// SSHConfig returns the connection settings for a machine.
func (c *Cluster) SSHConfig(machine Machine, username string) *sshx.Config {
	config := c.SSH
	config.Host = machine.ExternalAddr
	config.Port = c.SSHPort
	config.User = username
	return &config
}

// ProxyConfig returns the connection settings of the bastion host or nil
// if none is configured.
func (c *Cluster) ProxyConfig() *sshx.Config {
	if c.SSHProxy.Host == "" {
		return nil
	}
	config := c.SSHProxy
	if config.Port == 0 {
		config.Port = DefaultSSHPort
	}
	if config.User == "" {
		config.User = c.Username
	}
	return &config
}

// DialOptions returns the options shared by all connections to the cluster.
func (c *Cluster) DialOptions(logger *zerolog.Logger) []sshx.Option {
	return []sshx.Option{
		sshx.WithLogger(logger),
		sshx.WithTimeout(c.ConnectTimeout),
	}
}
