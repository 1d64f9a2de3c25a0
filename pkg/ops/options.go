package ops

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Program is used to configure the name of the cluster file.
	Program = "wke"
	// DefaultPrelude lets the configuration pick its default prelude.
	DefaultPrelude = ""
)

// Options contains the configuration for an operation.
type Options struct {
	Logger *zerolog.Logger
	// Args are the values of the options of a target by name.
	Args map[string]any
	// Prelude names the prelude to run before the target. DefaultPrelude
	// selects the default of the configuration, "none" disables it.
	Prelude string
	// Multiply runs the target more than once per machine.
	Multiply int
	// Workdir overrides the working directory of the selection.
	Workdir string
	// LogDir is where the per-machine logs are written.
	LogDir string
	// Timeout aborts all machines once it has elapsed. Zero disables it.
	Timeout time.Duration
	// PollInterval overrides the interval at which tasks are checked.
	PollInterval time.Duration
	// ReadTimeout overrides how long a task waits for output at once.
	ReadTimeout time.Duration
	Verbose     bool
	Debug       bool
	// DryRun stops before anything is executed.
	DryRun bool
	// QuietFail suppresses the error report of Run.
	QuietFail bool
	// UseSudo installs packages with sudo instead of connecting as root.
	UseSudo bool
	// KeepErrorsOnTimeout reports the errors collected before a timeout.
	KeepErrorsOnTimeout bool
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
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	return &Options{
		Logger:   &logger,
		Prelude:  DefaultPrelude,
		Multiply: 1,
		UseSudo:  true,
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

// WithArgs sets the values of the options of the target.
func WithArgs(args map[string]any) Option {
	return func(options *Options) error {
		options.Args = args
		return nil
	}
}

// WithPrelude selects the prelude to run before the target.
func WithPrelude(prelude string) Option {
	return func(options *Options) error {
		options.Prelude = prelude
		return nil
	}
}

// WithMultiply runs the target n times per machine.
func WithMultiply(n int) Option {
	return func(options *Options) error {
		if n < 1 {
			return ErrInvalidMultiply
		}
		options.Multiply = n
		return nil
	}
}

// WithWorkdir overrides the working directory of the selection.
func WithWorkdir(workdir string) Option {
	return func(options *Options) error {
		options.Workdir = workdir
		return nil
	}
}

// WithLogDir writes the output of every machine to a file in dir.
func WithLogDir(dir string) Option {
	return func(options *Options) error {
		options.LogDir = dir
		return nil
	}
}

// WithTimeout aborts all machines once the timeout has elapsed.
func WithTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		options.Timeout = timeout
		return nil
	}
}

// WithPollInterval overrides the interval at which tasks are checked.
func WithPollInterval(interval time.Duration) Option {
	return func(options *Options) error {
		options.PollInterval = interval
		return nil
	}
}

// WithReadTimeout overrides how long a task waits for output at once.
func WithReadTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		options.ReadTimeout = timeout
		return nil
	}
}

// WithVerbose prints the output of the machines.
func WithVerbose(verbose bool) Option {
	return func(options *Options) error {
		options.Verbose = verbose
		return nil
	}
}

// WithDebug logs the commands that are run.
func WithDebug(debug bool) Option {
	return func(options *Options) error {
		options.Debug = debug
		return nil
	}
}

// WithDryRun stops before anything is executed.
func WithDryRun(dryRun bool) Option {
	return func(options *Options) error {
		options.DryRun = dryRun
		return nil
	}
}

// WithQuietFail suppresses the error report of Run.
func WithQuietFail(quiet bool) Option {
	return func(options *Options) error {
		options.QuietFail = quiet
		return nil
	}
}

// WithSudo controls whether packages are installed with sudo.
func WithSudo(sudo bool) Option {
	return func(options *Options) error {
		options.UseSudo = sudo
		return nil
	}
}

// WithKeepErrorsOnTimeout reports the errors collected before a timeout.
func WithKeepErrorsOnTimeout(keep bool) Option {
	return func(options *Options) error {
		options.KeepErrorsOnTimeout = keep
		return nil
	}
}
