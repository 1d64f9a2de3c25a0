package rexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/wke/internal/sshtest"
	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/sshx"
)

const testReadTimeout = 100 * time.Millisecond

// recordingSink keeps everything a task logs.
type recordingSink struct {
	mu     sync.Mutex
	info   []string
	errors []string
	meta   []string
	closed bool
}

func (s *recordingSink) Info(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = append(s.info, line)
}

func (s *recordingSink) Error(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, line)
}

func (s *recordingSink) Meta(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = append(s.meta, msg)
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Lines() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.info...), append([]string(nil), s.errors...)
}

func testCluster(server *sshtest.Server, names ...string) *cluster.Cluster {
	c := &cluster.Cluster{
		Username: "tester",
		SSHPort:  server.Port,
		SSH:      sshx.Config{Password: sshtest.Password},
	}
	for i, name := range names {
		c.Machines = append(c.Machines, cluster.Machine{
			Index:        i,
			Name:         name,
			ExternalAddr: server.Host,
			InternalAddr: fmt.Sprintf("192.168.0.%d", i+1),
		})
	}
	return c
}

func testTask(c *cluster.Cluster, index int, script string, args ...Arg) (*Task, *recordingSink) {
	sink := new(recordingSink)
	logger := zerolog.Nop()

	task := NewTask(TaskConfig{
		GroupIndex:  index,
		GroupSize:   len(c.Machines),
		Machine:     c.Machines[index],
		Cluster:     c,
		Name:        "test",
		Command:     script,
		Args:        args,
		Logger:      &logger,
		Sink:        sink,
		ReadTimeout: testReadTimeout,
	})

	return task, sink
}

func quietJoin(t *testing.T, ctx context.Context, tasks []*Task, options ...Option) (*Result, error) {
	t.Helper()
	logger := zerolog.Nop()
	options = append([]Option{WithLogger(&logger), WithPollInterval(5 * time.Millisecond)}, options...)
	return JoinAll(ctx, tasks, options...)
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("task on %s did not terminate", task.MachineName())
	}
}

func TestTaskEchoes(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1")

	task, sink := testTask(c, 0, "#!/bin/bash\necho hi\n")
	task.Start(context.Background())

	result, err := quietJoin(t, context.Background(), []*Task{task})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.True(t, result.OK())

	assert.Equal(t, StateCompleted, task.State())
	code, ok := task.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
	assert.False(t, task.WasAborted())

	info, errs := sink.Lines()
	assert.Equal(t, []string{"hi"}, info)
	assert.Empty(t, errs)
	assert.True(t, sink.closed)
}

func TestTaskSinkFunc(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1")

	var (
		mu    sync.Mutex
		lines []string
	)
	logger := zerolog.Nop()
	task := NewTask(TaskConfig{
		Machine:     c.Machines[0],
		Cluster:     c,
		Name:        "test",
		Command:     "#!/bin/bash\necho out\necho err >&2\n",
		Debug:       true,
		Logger:      &logger,
		ReadTimeout: testReadTimeout,
		Sink: SinkFunc(func(stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, stream+": "+line)
		}),
	})
	task.Start(context.Background())

	_, err := quietJoin(t, context.Background(), []*Task{task})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lines, "stdout: out")
	assert.Contains(t, lines, "stderr: err")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "meta: Executing command on \"node1\"")
}

func TestTaskNonZeroExit(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1")

	task, _ := testTask(c, 0, "#!/bin/bash\nexit 3\n")
	task.Start(context.Background())

	result, err := quietJoin(t, context.Background(), []*Task{task})
	require.NoError(t, err)
	assert.Equal(t, []string{"Machine node1 had non-zero exitcode 3"}, result.Errors)

	code, ok := task.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestTaskPreservesDollar(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1")

	task, sink := testTask(c, 0, "#!/bin/bash\nX=5\necho \"$X $1\"\n", Literal("arg"))
	task.Start(context.Background())
	waitDone(t, task)

	info, _ := sink.Lines()
	assert.Equal(t, []string{"5 arg"}, info)
}

func TestTaskMacros(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1", "node2", "node3")

	task, sink := testTask(c, 1, "#!/bin/bash\necho \"$1 $2 $3 $4 $5\"\n",
		MacroArg(MacroGroupIndex),
		MacroArg(MacroGroupSize),
		MacroArg(MacroName),
		MacroArg(MacroInternal),
		MacroArg(MacroUsername),
	)
	task.Start(context.Background())
	waitDone(t, task)

	info, _ := sink.Lines()
	assert.Equal(t, []string{"1 3 node2 192.168.0.2 tester"}, info)
	assert.Contains(t, server.Users(), "tester")
}

func TestTaskSeparatesStreams(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1")

	task, sink := testTask(c, 0, "#!/bin/bash\necho out\necho err >&2\necho more\n")
	task.Start(context.Background())
	waitDone(t, task)

	info, errs := sink.Lines()
	assert.Equal(t, []string{"out", "more"}, info)
	assert.Equal(t, []string{"err"}, errs)
}

func TestTaskJoinsSplitOutput(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	server := sshtest.NewServer(t, func(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int {
		io.WriteString(stdout, "hel")
		io.WriteString(stderr, "h\xc3")
		time.Sleep(50 * time.Millisecond)
		io.WriteString(stdout, "lo\n")
		io.WriteString(stderr, "\xa9llo\n")
		io.WriteString(stdout, "no newline")
		return 0
	})
	c := testCluster(server, "node1")

	task, sink := testTask(c, 0, "#!/bin/bash\ntrue\n")
	task.Start(context.Background())
	waitDone(t, task)

	info, errs := sink.Lines()
	assert.Equal(t, []string{"hello", "no newline"}, info)
	assert.Equal(t, []string{"héllo"}, errs)
}

func TestTaskMissingExitStatus(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	server := sshtest.NewServer(t, func(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int {
		return sshtest.NoExitStatus
	})
	c := testCluster(server, "node1")

	task, _ := testTask(c, 0, "#!/bin/bash\ntrue\n")
	task.Start(context.Background())

	result, err := quietJoin(t, context.Background(), []*Task{task})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"node1"}, result.Missing)

	assert.Equal(t, StateCompleted, task.State())
	_, ok := task.ExitCode()
	assert.False(t, ok, "a completed task may lack an exit code")
}

func TestTaskConstructionFailure(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1")

	task, sink := testTask(c, 0, "echo hi\n")
	task.Start(context.Background())

	_, err := quietJoin(t, context.Background(), []*Task{task})
	require.ErrorIs(t, err, ErrNotShebang)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "node1", execErr.Machine)
	assert.Equal(t, "test", execErr.Task)

	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, 0, server.Connections())
	assert.True(t, sink.closed)
}

func TestTaskConnectionFailure(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "node1")
	c.SSH.Password = "wrong"

	task, _ := testTask(c, 0, "#!/bin/bash\necho hi\n")
	task.Start(context.Background())
	waitDone(t, task)

	assert.Equal(t, StateFailed, task.State())

	var execErr *ExecutionError
	require.ErrorAs(t, task.Err(), &execErr)
	assert.Contains(t, execErr.Error(), "unable to authenticate")
	assert.Empty(t, server.Commands())
}

// blockingHandler runs until the client goes away.
func blockingHandler(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int {
	io.WriteString(stdout, "started\n")
	<-ctx.Done()
	return sshtest.NoExitStatus
}

func TestTaskAbort(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, blockingHandler)
	c := testCluster(server, "node1")

	task, sink := testTask(c, 0, "#!/bin/bash\nsleep 1000\n")
	task.Start(context.Background())

	require.Eventually(t, func() bool {
		info, _ := sink.Lines()
		return len(info) == 1
	}, 5*time.Second, 10*time.Millisecond)

	task.Abort()
	task.Abort()
	waitDone(t, task)

	assert.Equal(t, StateAborted, task.State())
	assert.True(t, task.WasAborted())
	_, ok := task.ExitCode()
	assert.False(t, ok)
	assert.NoError(t, task.Err())

	// Aborting a terminated task has no effect.
	task.Abort()
	assert.Equal(t, StateAborted, task.State())
}

func TestTaskContextCancellation(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, blockingHandler)
	c := testCluster(server, "node1")

	ctx, cancel := context.WithCancel(context.Background())
	task, _ := testTask(c, 0, "#!/bin/bash\nsleep 1000\n")
	task.Start(ctx)

	require.Eventually(t, func() bool {
		return task.State() == StateExecuting
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	waitDone(t, task)

	assert.Equal(t, StateAborted, task.State())
	assert.True(t, task.WasAborted())
}

func TestTaskStdinClosedOnAbort(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	// The handler exits once it reads EOF, like a well behaved script.
	server := sshtest.NewServer(t, func(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int {
		io.WriteString(stdout, "waiting\n")
		io.Copy(io.Discard, stdin)
		io.WriteString(stdout, "got eof\n")
		return 0
	})
	c := testCluster(server, "node1")

	task, sink := testTask(c, 0, "#!/bin/bash\nread\n")
	// Leave enough time for the output that follows the abort.
	task.config.ReadTimeout = time.Second
	task.Start(context.Background())

	require.Eventually(t, func() bool {
		info, _ := sink.Lines()
		return len(info) == 1
	}, 5*time.Second, 10*time.Millisecond)

	task.Abort()
	waitDone(t, task)

	assert.True(t, task.WasAborted())
	assert.Equal(t, StateCompleted, task.State())
	code, ok := task.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)

	info, _ := sink.Lines()
	assert.Equal(t, []string{"waiting", "got eof"}, info)
}

func TestGroupFailFast(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	c := testCluster(server, "a", "b")

	a, _ := testTask(c, 0, "#!/bin/bash\nsleep 0.1\nexit 1\n")
	b, _ := testTask(c, 1, "#!/bin/bash\nsleep 1000\n")
	a.Start(context.Background())
	b.Start(context.Background())

	result, err := quietJoin(t, context.Background(), []*Task{a, b})
	require.NoError(t, err)

	assert.Equal(t, []string{"Machine a had non-zero exitcode 1"}, result.Errors)
	assert.Equal(t, StateAborted, b.State())
	assert.True(t, b.WasAborted())
}

func TestGroupContextCancellation(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, blockingHandler)
	c := testCluster(server, "a", "b")

	a, _ := testTask(c, 0, "#!/bin/bash\nsleep 1000\n")
	b, _ := testTask(c, 1, "#!/bin/bash\nsleep 1000\n")
	a.Start(context.Background())
	b.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	result, err := quietJoin(t, ctx, []*Task{a, b})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.False(t, result.TimedOut)
	assert.Equal(t, StateAborted, a.State())
	assert.Equal(t, StateAborted, b.State())
}

func TestExecutionErrorUnwraps(t *testing.T) {
	err := &ExecutionError{Machine: "m", Task: "t", Err: ErrUnknownMacro}
	assert.True(t, errors.Is(err, ErrUnknownMacro))
	assert.Equal(t, `task "t" failed on machine "m": unknown macro`, err.Error())
}
