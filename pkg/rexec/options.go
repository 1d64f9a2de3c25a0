package rexec

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is the time between two sweeps over the pending tasks.
const DefaultPollInterval = 100 * time.Millisecond

// Options contains the configuration for waiting on a group of tasks.
type Options struct {
	Logger *zerolog.Logger
	// StartTime is used to measure the elapsed time. Defaults to the time
	// JoinAll is called.
	StartTime time.Time
	// Timeout is the time after which all pending tasks are aborted. Zero
	// disables the timeout.
	Timeout      time.Duration
	PollInterval time.Duration
	Verbose      bool
	// DiscardErrorsOnTimeout empties the error list of a group that timed
	// out. Result.TimedOut is reported either way.
	DiscardErrorsOnTimeout bool
}

// Option applies a configuration option
// for the execution of an operation.
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

// GetDefaultOptions returns the default options
// for all operations of this library.
func GetDefaultOptions() *Options {
	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	return &Options{
		Logger:                 &logger,
		PollInterval:           DefaultPollInterval,
		Verbose:                true,
		DiscardErrorsOnTimeout: true,
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		if logger != nil {
			options.Logger = logger
		}
		return nil
	}
}

// WithStartTime sets the reference time for the timeout.
func WithStartTime(start time.Time) Option {
	return func(options *Options) error {
		options.StartTime = start
		return nil
	}
}

// WithTimeout aborts the group once the timeout has elapsed.
func WithTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		options.Timeout = timeout
		return nil
	}
}

// WithPollInterval overrides the time between two sweeps.
func WithPollInterval(interval time.Duration) Option {
	return func(options *Options) error {
		if interval < 0 {
			return ErrInvalidPollInterval
		}
		options.PollInterval = interval
		return nil
	}
}

// WithVerbose enables progress messages.
func WithVerbose(verbose bool) Option {
	return func(options *Options) error {
		options.Verbose = verbose
		return nil
	}
}

// WithDiscardErrorsOnTimeout controls whether errors collected before a
// timeout are returned.
func WithDiscardErrorsOnTimeout(discard bool) Option {
	return func(options *Options) error {
		options.DiscardErrorsOnTimeout = discard
		return nil
	}
}
