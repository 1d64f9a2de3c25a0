package rexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/machinelog"
)

// DefaultReadTimeout bounds how long a task waits for output before it
// checks for an abort request again.
const DefaultReadTimeout = time.Second

// State is the lifecycle state of a task.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateExecuting
	// StateCompleted means the remote command terminated. The server may
	// not have sent an exit status, in which case ExitCode reports false
	// and JoinAll lists the machine in Result.Missing.
	StateCompleted
	// StateAborted means the task was stopped before the command finished.
	StateAborted
	// StateFailed means the command could not be run. Err holds the cause.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// TaskConfig describes what a task runs and where.
type TaskConfig struct {
	// GroupIndex is the position of the task in its group.
	GroupIndex int
	// GroupSize is the number of tasks in the group.
	GroupSize int

	Machine cluster.Machine
	Cluster *cluster.Cluster

	// Name describes the task, usually the name of the target.
	Name string
	// Command is the full source of the script.
	Command string
	Args    []Arg
	Workdir string
	Prelude string
	// Username overrides the username of the cluster.
	Username string

	Verbose bool
	// Debug logs the built command before it is run.
	Debug bool
	// LogDir is where the log file of the machine is written. Optional.
	LogDir string

	// Logger is the console logger. Defaults to stderr.
	Logger *zerolog.Logger
	// Sink overrides the default per-machine logger.
	Sink Sink
	// ReadTimeout defaults to DefaultReadTimeout.
	ReadTimeout time.Duration
}

// Task runs one script on one machine. A task is started once and never
// reused. Its results are valid once Done is closed.
type Task struct {
	config   TaskConfig
	username string
	console  zerolog.Logger
	logger   zerolog.Logger

	state      atomic.Int32
	wasAborted atomic.Bool

	startOnce sync.Once
	abortOnce sync.Once
	abort     chan struct{}
	done      chan struct{}

	// Written once before done is closed.
	exitCode    int
	hasExitCode bool
	err         error
}

// NewTask creates a task that is run with Start.
func NewTask(config TaskConfig) *Task {
	if config.GroupSize == 0 {
		config.GroupSize = 1
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}

	var logger zerolog.Logger
	if config.Logger != nil {
		logger = *config.Logger
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	username := config.Username
	if username == "" && config.Cluster != nil {
		username = config.Cluster.Username
	}
	if username == "" {
		username = "root"
	}

	return &Task{
		config:   config,
		username: username,
		console:  logger,
		logger:   logger.With().Str("machine", config.Machine.Name).Logger(),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// MachineName returns the name of the machine the task runs on.
func (t *Task) MachineName() string {
	return t.config.Machine.Name
}

// Machine returns the machine the task runs on.
func (t *Task) Machine() cluster.Machine {
	return t.config.Machine
}

// Name returns the name of the task.
func (t *Task) Name() string {
	return t.config.Name
}

// Username returns the user the task connects as.
func (t *Task) Username() string {
	return t.username
}

// GroupIndex returns the position of the task in its group.
func (t *Task) GroupIndex() int {
	return t.config.GroupIndex
}

// GroupSize returns the number of tasks in the group.
func (t *Task) GroupSize() int {
	return t.config.GroupSize
}

// State returns the current state of the task.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Abort asks the task to stop by closing the stdin of the remote command.
// It returns immediately and may be called any number of times.
func (t *Task) Abort() {
	t.abortOnce.Do(func() {
		close(t.abort)
	})
}

// WasAborted reports whether the task has acted on an abort request.
func (t *Task) WasAborted() bool {
	return t.wasAborted.Load()
}

// ExitCode returns the exit code of the remote command. The second value is
// false if no exit code was received.
func (t *Task) ExitCode() (int, bool) {
	return t.exitCode, t.hasExitCode
}

// Err returns why the task failed, or nil.
func (t *Task) Err() error {
	return t.err
}

// BuildCommand returns the command line that is run on the machine.
func (t *Task) BuildCommand() (string, error) {
	return BuildCommand(CommandSpec{
		Script:  t.config.Command,
		Args:    t.config.Args,
		Workdir: t.config.Workdir,
		Prelude: t.config.Prelude,
		Macros: MacroValues{
			GroupIndex: t.config.GroupIndex,
			GroupSize:  t.config.GroupSize,
			Name:       t.config.Machine.Name,
			External:   t.config.Machine.ExternalAddr,
			Internal:   t.config.Machine.InternalAddr,
			Username:   t.username,
		},
	})
}

// Start runs the task in the background. Cancelling ctx has the same
// effect as Abort. Only the first call has an effect.
func (t *Task) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		go t.run(ctx)
	})
}

// Wait blocks until the task terminated.
func (t *Task) Wait() {
	<-t.done
}

func (t *Task) abortRequested(ctx context.Context) bool {
	select {
	case <-t.abort:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (t *Task) executionError(err error) error {
	return &ExecutionError{
		Machine: t.config.Machine.Name,
		Task:    t.config.Name,
		Err:     err,
	}
}

func (t *Task) finish(state State) {
	t.state.Store(int32(state))
	close(t.done)
}

func (t *Task) run(ctx context.Context) {
	t.finish(t.execute(ctx))
}

// execute runs the command and returns the terminal state. Everything the
// task owns is released before it returns.
func (t *Task) execute(ctx context.Context) State {
	command, err := t.BuildCommand()
	if err != nil {
		if t.config.Sink != nil {
			t.config.Sink.Close()
		}
		t.err = t.executionError(err)
		return StateFailed
	}

	if t.config.Cluster == nil {
		t.err = t.executionError(errors.New("no cluster specified"))
		return StateFailed
	}

	sink, err := t.openSink()
	if err != nil {
		t.err = t.executionError(err)
		return StateFailed
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to close machine log")
		}
	}()

	if t.config.Debug {
		sink.Meta(fmt.Sprintf("Executing command on %q: %s", t.config.Machine.Name, command))
	}

	t.state.Store(int32(StateConnecting))

	conn, err := connect(ctx, t.config.Cluster, t.config.Machine, t.username, &t.logger)
	if err != nil {
		if t.abortRequested(ctx) {
			t.wasAborted.Store(true)
			return StateAborted
		}
		t.logger.Error().Err(err).Msg("Failed to connect")
		t.err = t.executionError(err)
		return StateFailed
	}
	defer conn.Close()

	remote, err := startCommand(conn.target, command)
	if err != nil {
		t.err = t.executionError(err)
		return StateFailed
	}
	defer remote.Close()

	t.state.Store(int32(StateExecuting))

	return t.poll(ctx, remote, sink)
}

// poll forwards the output of the remote command until it exits, or until
// the task was aborted and no more output arrives.
func (t *Task) poll(ctx context.Context, remote *remoteCommand, sink Sink) State {
	var stdoutData, stderrData []byte
	stdout, stderr := remote.stdout, remote.stderr
	exit := remote.exit

	abort := t.abort
	ctxDone := ctx.Done()

	handleStdout := func(chunk []byte, ok bool) {
		if !ok {
			FlushLines(stdoutData, sink.Info)
			stdoutData, stdout = nil, nil
			return
		}
		stdoutData = SplitLines(append(stdoutData, chunk...), sink.Info)
	}
	handleStderr := func(chunk []byte, ok bool) {
		if !ok {
			FlushLines(stderrData, sink.Error)
			stderrData, stderr = nil, nil
			return
		}
		stderrData = SplitLines(append(stderrData, chunk...), sink.Error)
	}

	// drain processes the output that is available without waiting.
	drain := func() bool {
		changed := false
		for {
			select {
			case chunk, ok := <-stdout:
				handleStdout(chunk, ok)
			case chunk, ok := <-stderr:
				handleStderr(chunk, ok)
			default:
				return changed
			}
			changed = true
		}
	}

	timer := time.NewTimer(t.config.ReadTimeout)
	defer timer.Stop()

	var result exitResult
	exited := false

	for {
		if abort != nil && t.abortRequested(ctx) {
			abort, ctxDone = nil, nil
			t.wasAborted.Store(true)

			if err := remote.closeWrite(); err != nil {
				sink.Meta(fmt.Sprintf("Failed to close stdin of %q: %v", t.config.Machine.Name, err))
			} else {
				t.logger.Info().Msg("Closed channel")
			}
		}

		timer.Reset(t.config.ReadTimeout)

		changed := false
		select {
		case <-abort:
		case <-ctxDone:
		case chunk, ok := <-stdout:
			handleStdout(chunk, ok)
			changed = true
		case chunk, ok := <-stderr:
			handleStderr(chunk, ok)
			changed = true
		case result = <-exit:
			exited = true
			changed = true
		case <-timer.C:
		}

		if drain() {
			changed = true
		}

		if !exited {
			select {
			case result = <-exit:
				exited = true
			default:
			}
		}

		if exited {
			t.finalDrain(stdout, stderr, handleStdout, handleStderr)
			FlushLines(stdoutData, sink.Info)
			FlushLines(stderrData, sink.Error)
			break
		}

		if !changed && t.WasAborted() {
			FlushLines(stdoutData, sink.Info)
			FlushLines(stderrData, sink.Error)
			break
		}
	}

	if !exited {
		return StateAborted
	}

	if result.err != nil && !t.WasAborted() {
		t.err = t.executionError(result.err)
		return StateFailed
	}

	if result.known {
		t.exitCode = result.code
		t.hasExitCode = true
		return StateCompleted
	}

	if t.WasAborted() {
		return StateAborted
	}

	return StateCompleted
}

// finalDrain reads the output that is still in flight after the command
// exited, for at most one read timeout.
func (t *Task) finalDrain(stdout, stderr <-chan []byte, handleStdout, handleStderr func([]byte, bool)) {
	deadline := time.NewTimer(t.config.ReadTimeout)
	defer deadline.Stop()

	for stdout != nil || stderr != nil {
		select {
		case chunk, ok := <-stdout:
			handleStdout(chunk, ok)
			if !ok {
				stdout = nil
			}
		case chunk, ok := <-stderr:
			handleStderr(chunk, ok)
			if !ok {
				stderr = nil
			}
		case <-deadline.C:
			return
		}
	}
}

func (t *Task) openSink() (Sink, error) {
	if t.config.Sink != nil {
		return t.config.Sink, nil
	}
	return machinelog.New(t.config.Machine.Name, t.config.LogDir, t.config.Verbose, &t.console)
}
