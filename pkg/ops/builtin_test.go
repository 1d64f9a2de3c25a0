package ops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/wke/internal/sshtest"
)

func TestInstallPackages(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	tests := []struct {
		name   string
		sudo   bool
		user   string
		prefix string
	}{
		{"sudo", true, "tester", "sudo "},
		{"root", false, "root", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := sshtest.NewServer(t, recordingHandler)

			err := CheckRun(context.Background(), testSelection(server, "node1", "node2"), loadBench(t, "bench"),
				InstallPackagesTarget, testOptions(WithSudo(tt.sudo))...)
			require.NoError(t, err)

			assert.Equal(t, []string{tt.user, tt.user}, server.Users())
			for _, command := range server.Commands() {
				assert.Contains(t, command, tt.prefix+"apt-add-repository -y ppa:example/tools && "+
					tt.prefix+"apt-get update && "+tt.prefix+"apt-get install -y iperf3 jq")
				assert.NotContains(t, command, "GREETING", "no prelude")
			}
		})
	}
}

func TestInstallPackagesNothingToInstall(t *testing.T) {
	server := sshtest.NewServer(t, recordingHandler)

	err := InstallPackages(context.Background(), testSelection(server, "node1"), loadBench(t, "empty"), testOptions()...)
	require.NoError(t, err)
	assert.Zero(t, server.Connections())
}

func TestInstallPackagesDryRun(t *testing.T) {
	server := sshtest.NewServer(t, recordingHandler)

	err := InstallPackages(context.Background(), testSelection(server, "node1"), loadBench(t, "bench"),
		testOptions(WithDryRun(true))...)
	require.NoError(t, err)
	assert.Zero(t, server.Connections())
}

func TestCleanup(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	server := sshtest.NewServer(t, recordingHandler)
	selection := testSelection(server, "node1", "node2")
	selection.Cluster.Workdir = "/srv/wke"

	require.NoError(t, Cleanup(context.Background(), selection, testOptions()...))

	assert.Equal(t, []string{"root", "root"}, server.Users())
	for _, command := range server.Commands() {
		assert.Contains(t, command, "rm -rf /srv/wke/*")
		assert.NotContains(t, command, "cd ")
	}
}

func TestCleanupRefusesUnsafeWorkdir(t *testing.T) {
	server := sshtest.NewServer(t, recordingHandler)

	for _, workdir := range []string{"", " ", "/", "//", "/./"} {
		selection := testSelection(server, "node1")
		selection.Cluster.Workdir = workdir

		err := Cleanup(context.Background(), selection, testOptions()...)
		assert.ErrorIs(t, err, ErrUnsafeWorkdir, "workdir %q", workdir)
	}

	err := Cleanup(context.Background(), testSelection(server, "node1"), testOptions(WithWorkdir("/"))...)
	assert.ErrorIs(t, err, ErrUnsafeWorkdir)

	assert.Zero(t, server.Connections())
}
