package ops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/wke/internal/sshtest"
	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/config"
	"github.com/nicklasfrahm/wke/pkg/machinelog"
	"github.com/nicklasfrahm/wke/pkg/sshx"
)

const benchConfig = `
config:
  default-prelude: env
ubuntu:
  required-repositories: [ppa:example/tools]
  required-packages: [iperf3, jq]
targets:
  greet: [name, [count, 1]]
  index: [[index, "@GROUP_INDEX"], [size, "@GROUP_SIZE"]]
  fail:
  sleep:
preludes:
  env:
`

var benchFiles = map[string]string{
	"bench/config.yml":    benchConfig,
	"bench/targets/greet": "#!/bin/bash\necho \"${GREETING:-none} $1 $2\"\n",
	"bench/targets/index": "#!/bin/bash\necho \"$1/$2\"\n",
	"bench/targets/fail":  "#!/bin/bash\necho broken >&2\nexit 3\n",
	"bench/targets/sleep": "#!/bin/bash\nsleep 30\n",
	"bench/preludes/env":  "#!/bin/bash\nexport GREETING=hi\n",
	"empty/config.yml":    "targets:\n  noop:\n",
	"empty/targets/noop":  "#!/bin/bash\ntrue\n",
}

func loadBench(t *testing.T, name string) *config.Configuration {
	t.Helper()

	dir := t.TempDir()
	for file, content := range benchFiles {
		path := filepath.Join(dir, file)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	configuration, err := config.Load(name, dir, nil)
	require.NoError(t, err)
	return configuration
}

func testSelection(server *sshtest.Server, names ...string) *cluster.Selection {
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
	return c.All()
}

func testOptions(options ...Option) []Option {
	logger := zerolog.Nop()
	return append([]Option{
		WithLogger(&logger),
		WithPollInterval(5 * time.Millisecond),
		WithReadTimeout(100 * time.Millisecond),
	}, options...)
}

// recordingHandler accepts every command without running it.
func recordingHandler(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) int {
	return 0
}

func readLog(t *testing.T, dir, machine string) string {
	t.Helper()
	content, err := os.ReadFile(machinelog.Path(dir, machine))
	require.NoError(t, err)
	return string(content)
}

func TestCheckRun(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	selection := testSelection(server, "node1", "node2")
	logDir := t.TempDir()

	err := CheckRun(context.Background(), selection, loadBench(t, "bench"), "greet",
		testOptions(WithArgs(map[string]any{"name": "world"}), WithLogDir(logDir))...)
	require.NoError(t, err)

	assert.Equal(t, 2, server.Connections())
	assert.Equal(t, []string{"tester", "tester"}, server.Users())
	assert.Contains(t, readLog(t, logDir, "node1"), "hi world 1")
	assert.Contains(t, readLog(t, logDir, "node2"), "hi world 1")
}

func TestCheckRunWithoutPrelude(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	logDir := t.TempDir()

	for _, prelude := range []string{NoPrelude, "None"} {
		err := CheckRun(context.Background(), testSelection(server, "node1"), loadBench(t, "bench"), "greet",
			testOptions(WithArgs(map[string]any{"name": "x", "count": "2"}), WithPrelude(prelude), WithLogDir(logDir))...)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, strings.Count(readLog(t, logDir, "node1"), "none x 2"))
	for _, command := range server.Commands() {
		assert.NotContains(t, command, "export GREETING")
	}
}

func TestCheckRunMultiply(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)

	err := CheckRun(context.Background(), testSelection(server, "node1", "node2"), loadBench(t, "bench"), "index",
		testOptions(WithMultiply(2))...)
	require.NoError(t, err)

	commands := server.Commands()
	require.Len(t, commands, 4)

	var suffixes []string
	for _, command := range commands {
		suffixes = append(suffixes, command[strings.LastIndex(command, "-s")+2:])
	}
	assert.ElementsMatch(t, []string{" 0 4", " 1 4", " 2 4", " 3 4"}, suffixes)
}

func TestCheckRunFailure(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)

	err := CheckRun(context.Background(), testSelection(server, "node1", "node2"), loadBench(t, "bench"), "fail",
		testOptions()...)

	var runErr *RunTargetError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "fail", runErr.Target)
	assert.NotEmpty(t, runErr.Errors)
	assert.False(t, runErr.TimedOut)
	assert.Contains(t, err.Error(), "non-zero exitcode 3")
	assert.NotErrorIs(t, err, ErrTimedOut)
}

func TestRun(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)
	configuration := loadBench(t, "bench")

	assert.True(t, Run(context.Background(), testSelection(server, "node1"), configuration, "greet",
		testOptions(WithArgs(map[string]any{"name": "a"}))...))
	assert.False(t, Run(context.Background(), testSelection(server, "node1"), configuration, "fail",
		testOptions(WithQuietFail(true))...))
	assert.False(t, Run(context.Background(), testSelection(server, "node1"), configuration, "greet",
		testOptions()...), "missing required option")
}

func TestCheckRunTimeout(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)

	start := time.Now()
	err := CheckRun(context.Background(), testSelection(server, "node1"), loadBench(t, "bench"), "sleep",
		testOptions(WithTimeout(200*time.Millisecond))...)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCheckRunValidation(t *testing.T) {
	server := sshtest.NewServer(t, recordingHandler)
	selection := testSelection(server, "node1")
	configuration := loadBench(t, "bench")
	ctx := context.Background()

	err := CheckRun(ctx, selection, configuration, "nope", testOptions()...)
	assert.ErrorIs(t, err, ErrNoSuchTarget)

	err = CheckRun(ctx, selection, configuration, "greet", testOptions(WithArgs(map[string]any{"bad": 1}))...)
	assert.ErrorIs(t, err, ErrInvalidOption)

	err = CheckRun(ctx, selection, configuration, "greet", testOptions(WithArgs(map[string]any{"name": "a"}), WithPrelude("nope"))...)
	var configErr *config.ConfigurationError
	assert.ErrorAs(t, err, &configErr)

	err = CheckRun(ctx, &cluster.Selection{Cluster: selection.Cluster}, configuration, "greet",
		testOptions(WithArgs(map[string]any{"name": "a"}))...)
	assert.ErrorIs(t, err, ErrEmptySelection)

	err = CheckRun(ctx, selection, configuration, "greet", testOptions(WithMultiply(0))...)
	assert.ErrorIs(t, err, ErrInvalidMultiply)

	assert.Zero(t, server.Connections())
}

func TestCheckRunDryRun(t *testing.T) {
	server := sshtest.NewServer(t, recordingHandler)

	err := CheckRun(context.Background(), testSelection(server, "node1", "node2"), loadBench(t, "bench"), "greet",
		testOptions(WithArgs(map[string]any{"name": "a"}), WithDryRun(true))...)
	require.NoError(t, err)
	assert.Zero(t, server.Connections())
}

func TestBackgroundRun(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)

	bg, err := BackgroundRun(context.Background(), testSelection(server, "node1", "node2"), loadBench(t, "bench"), "sleep",
		testOptions(WithQuietFail(true))...)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(server.Commands()) == 2
	}, 10*time.Second, 10*time.Millisecond)

	bg.Stop()
	assert.False(t, bg.Wait())
	assert.ErrorIs(t, bg.Err(), context.Canceled)

	select {
	case <-bg.Done():
	default:
		t.Fatal("background run is not done")
	}
}

func TestBackgroundRunSucceeds(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, sshtest.Shell)

	bg, err := BackgroundRun(context.Background(), testSelection(server, "node1"), loadBench(t, "bench"), "greet",
		testOptions(WithArgs(map[string]any{"name": "a"}))...)
	require.NoError(t, err)
	assert.True(t, bg.Wait())
}

func TestBackgroundRunValidates(t *testing.T) {
	server := sshtest.NewServer(t, recordingHandler)

	_, err := BackgroundRun(context.Background(), testSelection(server, "node1"), loadBench(t, "bench"), "nope",
		testOptions()...)
	assert.ErrorIs(t, err, ErrNoSuchTarget)
	assert.Zero(t, server.Connections())
}
