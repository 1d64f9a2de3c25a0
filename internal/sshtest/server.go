// Package sshtest runs an in-process SSH server for tests. It accepts every
// user that presents Password, serves "exec" requests through a Handler and
// the "sftp" subsystem on the local file system.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Password is the only password accepted by the server.
const Password = "secret"

// NoExitStatus can be returned by a Handler to close the channel without
// sending an exit status.
const NoExitStatus = -1

// Handler runs a command. The context is cancelled once the client closes
// the channel. The returned value is sent as exit status.
type Handler func(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int

// Server is an SSH server listening on the loopback interface.
type Server struct {
	Host string
	Port int

	handler  Handler
	config   *ssh.ServerConfig
	listener net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	commands []string
	users    []string
	closed   bool

	connections atomic.Int32
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshtest: generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("sshtest: create signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("sshtest: listen: %v", err)
	}

	server := &Server{
		handler:  handler,
		listener: listener,
	}
	server.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) != Password {
				return nil, fmt.Errorf("password rejected for %q", meta.User())
			}
			server.mu.Lock()
			server.users = append(server.users, meta.User())
			server.mu.Unlock()
			return nil, nil
		},
	}
	server.config.AddHostKey(signer)

	addr := listener.Addr().(*net.TCPAddr)
	server.Host = addr.IP.String()
	server.Port = addr.Port

	go server.serve()
	t.Cleanup(server.Close)

	return server
}

// Addr returns the address of the server.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Connections returns the number of accepted TCP connections.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Commands returns the commands received through "exec" requests.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Users returns the users that authenticated successfully.
func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.listener.Close()
	for _, conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.connections.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_, channels, requests, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		switch newChannel.ChannelType() {
		case "session":
			channel, channelRequests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(channel, channelRequests)
		case "direct-tcpip":
			go s.handleForward(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// handleForward serves port forwarding so the server can act as a bastion.
func (s *Server) handleForward(newChannel ssh.NewChannel) {
	var payload struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "invalid payload")
		return
	}

	target := net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort)))
	conn, err := net.Dial("tcp", target)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	go func() {
		io.Copy(conn, channel)
		conn.Close()
	}()
	io.Copy(channel, conn)
	channel.Close()
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := false
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || started {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			go func() {
				code := s.handler(ctx, payload.Command, channel, channel, channel.Stderr())
				if code >= 0 {
					status := struct{ Status uint32 }{uint32(code)}
					channel.SendRequest("exit-status", false, ssh.Marshal(&status))
				}
				channel.Close()
			}()
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || started {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)

			go func() {
				server, err := sftp.NewServer(channel)
				if err == nil {
					server.Serve()
					server.Close()
				}
				channel.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// Shell runs the command with the local bash, the way sshd hands it to the
// login shell of the user. Stdin is not connected.
func Shell(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	// Kill the whole pipeline, not just the outer shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return NoExitStatus
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 127
	}

	return 0
}
