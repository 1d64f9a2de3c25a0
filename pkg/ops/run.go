package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/config"
	"github.com/nicklasfrahm/wke/pkg/rexec"
)

// NoPrelude disables the prelude of a run.
const NoPrelude = "none"

// Run runs a target on all selected machines and reports whether it
// succeeded. Failures are logged unless QuietFail is set.
func Run(ctx context.Context, selection *cluster.Selection, configuration *config.Configuration, target string, options ...Option) bool {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		GetDefaultOptions().Logger.Error().Err(err).Msg("Invalid options")
		return false
	}

	if err := CheckRun(ctx, selection, configuration, target, options...); err != nil {
		if !opts.QuietFail {
			opts.Logger.Error().Err(err).Str("target", target).Msg("Run failed")
		}
		return false
	}

	return true
}

// CheckRun runs a target on all selected machines and returns an error if
// it failed on any of them.
func CheckRun(ctx context.Context, selection *cluster.Selection, configuration *config.Configuration, target string, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	if target == InstallPackagesTarget {
		return InstallPackages(ctx, selection, configuration, options...)
	}

	j, err := prepare(selection, configuration, target, opts)
	if err != nil {
		return err
	}

	return j.run(ctx)
}

// BackgroundRun validates the run and executes it in its own goroutine.
func BackgroundRun(ctx context.Context, selection *cluster.Selection, configuration *config.Configuration, target string, options ...Option) (*Background, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	var j *job
	if target != InstallPackagesTarget {
		if j, err = prepare(selection, configuration, target, opts); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	bg := &Background{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(bg.done)
		defer cancel()

		if j != nil {
			bg.err = j.run(ctx)
		} else {
			bg.err = InstallPackages(ctx, selection, configuration, options...)
		}
		if bg.err != nil && !opts.QuietFail {
			opts.Logger.Error().Err(bg.err).Str("target", target).Msg("Background run failed")
		}
	}()

	return bg, nil
}

// Background is a run executing in its own goroutine.
type Background struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop aborts all machines of the run. Wait still has to be called.
func (b *Background) Stop() {
	b.cancel()
}

// Done is closed once the run has terminated.
func (b *Background) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the run has terminated and reports whether it
// succeeded.
func (b *Background) Wait() bool {
	return b.Err() == nil
}

// Err blocks until the run has terminated and returns its error.
func (b *Background) Err() error {
	<-b.done
	return b.err
}

// job is a validated run of a script on a selection.
type job struct {
	name      string
	command   string
	args      []rexec.Arg
	prelude   string
	workdir   string
	username  string
	selection *cluster.Selection
	opts      *Options
}

// prepare validates everything that can be checked before connecting.
func prepare(selection *cluster.Selection, configuration *config.Configuration, target string, opts *Options) (*job, error) {
	t := configuration.Target(target)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTarget, target)
	}

	command, err := configuration.TargetCommand(target)
	if err != nil {
		return nil, err
	}

	args, err := ParseArgs(t, opts.Args)
	if err != nil {
		return nil, err
	}

	prelude, err := resolvePrelude(configuration, opts.Prelude)
	if err != nil {
		return nil, err
	}

	return newJob(selection, target, command, args, prelude, opts)
}

func newJob(selection *cluster.Selection, name, command string, args []rexec.Arg, prelude string, opts *Options) (*job, error) {
	if selection == nil || len(selection.Machines) == 0 {
		return nil, ErrEmptySelection
	}
	if opts.Multiply < 1 {
		return nil, ErrInvalidMultiply
	}

	workdir := opts.Workdir
	if workdir == "" {
		workdir = selection.Workdir()
	}

	return &job{
		name:      name,
		command:   command,
		args:      args,
		prelude:   prelude,
		workdir:   workdir,
		selection: selection,
		opts:      opts,
	}, nil
}

// resolvePrelude returns the shell clauses of the requested prelude.
func resolvePrelude(configuration *config.Configuration, name string) (string, error) {
	if name == DefaultPrelude {
		name = configuration.DefaultPrelude()
	}
	if name == "" || strings.EqualFold(name, NoPrelude) {
		return "", nil
	}
	return configuration.PreludeCommand(name)
}

// tasks creates Multiply tasks for every machine.
func (j *job) tasks() []*rexec.Task {
	machines := j.selection.Machines
	multiply := j.opts.Multiply
	tasks := make([]*rexec.Task, 0, len(machines)*multiply)

	for pos, machine := range machines {
		for i := 0; i < multiply; i++ {
			tasks = append(tasks, rexec.NewTask(rexec.TaskConfig{
				GroupIndex:  pos*multiply + i,
				GroupSize:   len(machines) * multiply,
				Machine:     machine,
				Cluster:     j.selection.Cluster,
				Name:        j.name,
				Command:     j.command,
				Args:        j.args,
				Workdir:     j.workdir,
				Prelude:     j.prelude,
				Username:    j.username,
				Verbose:     j.opts.Verbose,
				Debug:       j.opts.Debug,
				LogDir:      j.opts.LogDir,
				Logger:      j.opts.Logger,
				ReadTimeout: j.opts.ReadTimeout,
			}))
		}
	}

	return tasks
}

func (j *job) run(ctx context.Context) error {
	logger := j.opts.Logger
	names := j.selection.MachineNames()

	logger.Info().
		Str("target", j.name).
		Strs("machines", names).
		Int("multiply", j.opts.Multiply).
		Msgf("Running %s on %s", j.name, strings.Join(names, ", "))

	tasks := j.tasks()

	if j.opts.DryRun {
		for _, task := range tasks {
			command, err := task.BuildCommand()
			if err != nil {
				return err
			}
			logger.Info().Str("machine", task.MachineName()).Str("command", command).Msg("Dry run")
		}
		return nil
	}

	start := time.Now()
	for _, task := range tasks {
		task.Start(ctx)
	}

	joinOptions := []rexec.Option{
		rexec.WithLogger(logger),
		rexec.WithStartTime(start),
		rexec.WithTimeout(j.opts.Timeout),
		rexec.WithVerbose(j.opts.Verbose),
		rexec.WithDiscardErrorsOnTimeout(!j.opts.KeepErrorsOnTimeout),
	}
	if j.opts.PollInterval > 0 {
		joinOptions = append(joinOptions, rexec.WithPollInterval(j.opts.PollInterval))
	}

	result, err := rexec.JoinAll(ctx, tasks, joinOptions...)
	if err != nil {
		return err
	}

	if len(result.Errors) > 0 {
		return &RunTargetError{
			Target:   j.name,
			Errors:   result.Errors,
			TimedOut: result.TimedOut,
		}
	}
	if result.TimedOut {
		return fmt.Errorf("running target %s: %w", j.name, ErrTimedOut)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("running target %s: %w", j.name, err)
	}

	return nil
}

// IsTimeout reports whether a run failed because of its timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut)
}
