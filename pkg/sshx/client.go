// Package sshx provides an augmented SSH client that is used to reach the
// machines of a cluster.
package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNoAuthMethod is returned if neither a key, an agent nor a password
// could be used to authenticate.
var ErrNoAuthMethod = errors.New("no authentication method specified")

// defaultKeyFiles are tried in order if no credentials are configured.
var defaultKeyFiles = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_ecdsa",
	"~/.ssh/id_rsa",
}

// Config is a flat configuration for an SSH connection.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	KeyFile      string `yaml:"key-file"`
	Key          string `yaml:"key"`
	Passphrase   string `yaml:"passphrase"`
	Fingerprint  string `yaml:"fingerprint"`
	KnownHosts   string `yaml:"known-hosts"`
	ForwardAgent bool   `yaml:"forward-agent"`
}

// Address returns the host and port in a form accepted by net.Dial.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is an augmented SSH client.
type Client struct {
	*Options
	*ssh.Client

	agentConn    net.Conn
	forwardAgent bool
}

// NewClient creates a new SSH client based on an SSH configuration
// and connects to it.
func NewClient(config *Config, options ...Option) (*Client, error) {
	return Dial(context.Background(), config, options...)
}

// Dial connects to the host described by config. The TCP connection has
// send coalescing disabled because the traffic is interactive. Cancelling
// ctx aborts the dial and the handshake.
func Dial(ctx context.Context, config *Config, options ...Option) (*Client, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	// Work on a copy, the same config is shared by many tasks.
	cfg := *config
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "root"
	}

	client := &Client{
		Options:      opts,
		forwardAgent: cfg.ForwardAgent,
	}

	clientConfig, err := client.normalizeConfig(&cfg)
	if err != nil {
		client.closeAgent()
		return nil, err
	}
	address := cfg.Address()

	netConn, err := client.dialNet(ctx, address)
	if err != nil {
		client.closeAgent()
		return nil, err
	}

	// Abort a hanging handshake if the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		netConn.Close()
	})
	defer stop()

	if client.Timeout > 0 {
		netConn.SetDeadline(time.Now().Add(client.Timeout))
	}

	conn, channels, requests, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		netConn.Close()
		client.closeAgent()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	client.Client = ssh.NewClient(conn, channels, requests)

	if client.forwardAgent {
		if err := client.setupAgentForwarding(); err != nil {
			client.Logger.Warn().Err(err).Msg("Failed to set up agent forwarding")
			client.forwardAgent = false
		}
	}

	return client, nil
}

// dialNet opens the raw connection, either directly or through the proxy.
func (client *Client) dialNet(ctx context.Context, address string) (net.Conn, error) {
	if client.Proxy != nil {
		// Create a TCP connection from the proxy host to the target.
		return client.Proxy.Client.Dial("tcp", address)
	}

	dialer := net.Dialer{Timeout: client.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			netConn.Close()
			return nil, err
		}
	}

	return netConn, nil
}

// OpenSession opens a new session on the connection. No pseudo terminal
// is requested, so stdout and stderr stay separate.
func (client *Client) OpenSession() (*ssh.Session, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}

	if client.forwardAgent {
		if err := agent.RequestAgentForwarding(session); err != nil {
			client.Logger.Warn().Err(err).Msg("Failed to request agent forwarding")
		}
	}

	return session, nil
}

// Close closes the connection and the connection to the local agent.
func (client *Client) Close() error {
	var err error
	if client.Client != nil {
		err = client.Client.Close()
	}
	client.closeAgent()
	return err
}

func (client *Client) closeAgent() {
	if client.agentConn != nil {
		client.agentConn.Close()
		client.agentConn = nil
	}
}

func (client *Client) setupAgentForwarding() error {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return errors.New("SSH_AUTH_SOCK is not set")
	}
	return agent.ForwardToRemote(client.Client, socket)
}

// normalizeConfig creates a new client config that is compatible with the standard library.
func (client *Client) normalizeConfig(config *Config) (*ssh.ClientConfig, error) {
	authMethods, err := client.authMethods(config)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := client.hostKeyCallback(config)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		User:            config.User,
		Timeout:         client.Timeout,
	}, nil
}

// authMethods collects the authentication methods in order of preference:
// an explicit key, the local agent, then a password. If nothing is
// configured the default key files of the user are tried.
func (client *Client) authMethods(config *Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	// A key that is specified directly takes precedence over a key file.
	key := config.Key
	if key == "" && config.KeyFile != "" {
		keyBytes, err := os.ReadFile(expandHome(config.KeyFile))
		if err != nil {
			return nil, err
		}
		key = string(keyBytes)
	}

	if key != "" {
		signer, err := parseKey([]byte(key), config.Passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
		if conn, err := net.Dial("unix", socket); err == nil {
			client.agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			client.Logger.Debug().Err(err).Msg("Failed to connect to SSH agent")
		}
	}

	if config.Password != "" {
		// Fall back to password authentication.
		methods = append(methods, ssh.Password(config.Password))
		client.Logger.Warn().Msg("Using password authentication is insecure!")
		client.Logger.Warn().Msg("Please consider using public key authentication!")
	}

	if len(methods) == 0 && config.KeyFile == "" {
		for _, path := range defaultKeyFiles {
			keyBytes, err := os.ReadFile(expandHome(path))
			if err != nil {
				continue
			}
			signer, err := parseKey(keyBytes, config.Passphrase)
			if err != nil {
				client.Logger.Debug().Err(err).Str("key_file", path).Msg("Skipping unusable key")
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if len(methods) == 0 {
		return nil, ErrNoAuthMethod
	}

	return methods, nil
}

// hostKeyCallback configures host key verification. A fingerprint wins over
// a known hosts file. Without either the fleet is trusted blindly.
func (client *Client) hostKeyCallback(config *Config) (ssh.HostKeyCallback, error) {
	if config.Fingerprint != "" {
		return func(hostname string, remote net.Addr, pubKey ssh.PublicKey) error {
			fingerprint := ssh.FingerprintSHA256(pubKey)
			if config.Fingerprint != fingerprint {
				return fmt.Errorf("fingerprint mismatch: server fingerprint: %s", fingerprint)
			}
			return nil
		}, nil
	}

	if config.KnownHosts != "" {
		return knownhosts.New(expandHome(config.KnownHosts))
	}

	client.Logger.Debug().Msg("Skipping host key verification")
	return ssh.InsecureIgnoreHostKey(), nil
}

// parseKey parses a private key, decrypting it with the passphrase if set.
func parseKey(key []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(key)
}

// expandHome resolves a leading "~" to the home directory of the user.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}
