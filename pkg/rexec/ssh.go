package rexec

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/sshx"
)

// readBufferSize is the size of a single read from stdout or stderr.
const readBufferSize = 1024

// connection holds the SSH clients of a task. The proxy is only set if the
// cluster has a bastion host.
type connection struct {
	proxy  *sshx.Client
	target *sshx.Client
}

// connect establishes the connection to a machine, through the bastion host
// of the cluster if there is one.
func connect(ctx context.Context, c *cluster.Cluster, machine cluster.Machine, username string, logger *zerolog.Logger) (*connection, error) {
	conn := new(connection)
	options := c.DialOptions(logger)

	if proxyConfig := c.ProxyConfig(); proxyConfig != nil {
		proxy, err := sshx.Dial(ctx, proxyConfig, c.DialOptions(logger)...)
		if err != nil {
			return nil, err
		}
		conn.proxy = proxy
		options = append(options, sshx.WithProxy(proxy))
	}

	target, err := sshx.Dial(ctx, c.SSHConfig(machine, username), options...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.target = target

	return conn, nil
}

// Close closes the SSH connections in reverse order to how they were opened.
func (conn *connection) Close() error {
	var errs []error

	if conn.target != nil {
		errs = append(errs, conn.target.Close())
		conn.target = nil
	}

	if conn.proxy != nil {
		errs = append(errs, conn.proxy.Close())
		conn.proxy = nil
	}

	return errors.Join(errs...)
}

// exitResult is the outcome of the remote command.
type exitResult struct {
	code int
	// known is false if the channel closed without an exit status.
	known bool
	err   error
}

// remoteCommand is a command running in an SSH session. Output arrives as
// chunks on the two stream channels, which are closed at the end of the
// respective stream.
type remoteCommand struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  chan []byte
	stderr  chan []byte
	exit    chan exitResult
	closed  chan struct{}
}

// startCommand opens a session and starts the command in it.
func startCommand(client *sshx.Client, command string) (*remoteCommand, error) {
	session, err := client.OpenSession()
	if err != nil {
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, err
	}

	cmd := &remoteCommand{
		session: session,
		stdin:   stdin,
		stdout:  make(chan []byte, 16),
		stderr:  make(chan []byte, 16),
		exit:    make(chan exitResult, 1),
		closed:  make(chan struct{}),
	}

	go readStream(stdout, cmd.stdout, cmd.closed)
	go readStream(stderr, cmd.stderr, cmd.closed)
	go cmd.wait()

	return cmd, nil
}

func (cmd *remoteCommand) wait() {
	err := cmd.session.Wait()

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		cmd.exit <- exitResult{code: 0, known: true}
	case errors.As(err, &exitErr):
		cmd.exit <- exitResult{code: exitErr.ExitStatus(), known: true}
	case errors.As(err, &missingErr):
		cmd.exit <- exitResult{}
	default:
		cmd.exit <- exitResult{err: err}
	}
}

// closeWrite sends EOF to the remote command.
func (cmd *remoteCommand) closeWrite() error {
	return cmd.stdin.Close()
}

// Close closes the session. The remote command is not killed.
func (cmd *remoteCommand) Close() error {
	close(cmd.closed)
	err := cmd.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// readStream forwards what is read from r until the stream ends or nobody
// listens anymore.
func readStream(r io.Reader, chunks chan<- []byte, closed <-chan struct{}) {
	defer close(chunks)

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
