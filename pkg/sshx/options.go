package sshx

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds the TCP dial and the SSH handshake of a connection.
const DefaultTimeout = 10 * time.Second

// ErrInvalidTimeout is returned for a negative connect timeout.
var ErrInvalidTimeout = errors.New("connect timeout must not be negative")

// Options configures how a connection is established.
type Options struct {
	Logger *zerolog.Logger
	// Proxy is the bastion host the connection is tunneled through.
	Proxy *Client
	// Timeout bounds the dial and the handshake. Once connected, sessions
	// are not subject to it.
	Timeout time.Duration
}

// Option configures a connection.
type Option func(options *Options) error

// Apply applies the option functions to the current set of options.
func (o *Options) Apply(options ...Option) (*Options, error) {
	for _, option := range options {
		if err := option(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// GetDefaultOptions returns options that connect directly, discard log
// messages and use DefaultTimeout.
func GetDefaultOptions() *Options {
	logger := zerolog.Nop()

	return &Options{
		Timeout: DefaultTimeout,
		Logger:  &logger,
	}
}

// WithLogger sets the logger for connection messages. A nil logger keeps
// the default.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		if logger != nil {
			options.Logger = logger
		}
		return nil
	}
}

// WithProxy tunnels the connection through an established connection to a
// bastion host.
func WithProxy(proxy *Client) Option {
	return func(options *Options) error {
		options.Proxy = proxy
		return nil
	}
}

// WithTimeout overrides DefaultTimeout. Zero keeps the default.
func WithTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		if timeout < 0 {
			return ErrInvalidTimeout
		}
		if timeout > 0 {
			options.Timeout = timeout
		}
		return nil
	}
}
