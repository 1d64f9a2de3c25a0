package ops

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/config"
)

const (
	// InstallPackagesTarget is the name of the builtin target that
	// installs the packages required by a configuration.
	InstallPackagesTarget = "install-packages"
	// CleanupTask is the name of the task that empties the working
	// directory.
	CleanupTask = "cleanup"
)

// bashWrap joins commands into a bash script that stops at the first
// failing command. Bash might not be the default shell of the user.
func bashWrap(commands ...string) string {
	return "#!/bin/bash\n" + strings.Join(commands, " && ")
}

// InstallPackages adds the repositories and installs the packages that the
// configuration requires on every selected machine. Commands are run with
// sudo unless UseSudo is disabled, in which case the machines are accessed
// as root.
func InstallPackages(ctx context.Context, selection *cluster.Selection, configuration *config.Configuration, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	repos := configuration.Ubuntu.RequiredRepositories
	packages := configuration.Ubuntu.RequiredPackages

	if len(repos) == 0 && len(packages) == 0 {
		opts.Logger.Info().Msg("No required ubuntu repositories or packages found, nothing to install")
		return nil
	}

	sudo, username := "sudo ", ""
	if !opts.UseSudo {
		sudo, username = "", "root"
	}

	commands := make([]string, 0, len(repos)+2)
	for _, repo := range repos {
		commands = append(commands, sudo+"apt-add-repository -y "+repo)
	}
	commands = append(commands, sudo+"apt-get update")
	if len(packages) > 0 {
		commands = append(commands, sudo+"apt-get install -y "+strings.Join(packages, " "))
	}

	// Packages are installed once per machine without any prelude.
	opts.Multiply = 1
	j, err := newJob(selection, InstallPackagesTarget, bashWrap(commands...), nil, "", opts)
	if err != nil {
		return err
	}
	j.username = username

	opts.Logger.Info().
		Int("repositories", len(repos)).
		Int("packages", len(packages)).
		Msg("Installing required packages")

	return j.run(ctx)
}

// Cleanup removes the content of the working directory on every selected
// machine. The working directory itself is kept.
func Cleanup(ctx context.Context, selection *cluster.Selection, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}

	workdir := opts.Workdir
	if workdir == "" && selection != nil {
		workdir = selection.Workdir()
	}
	if strings.TrimSpace(workdir) == "" || path.Clean(workdir) == "/" {
		return fmt.Errorf("%w: %q", ErrUnsafeWorkdir, workdir)
	}

	opts.Multiply = 1
	j, err := newJob(selection, CleanupTask, bashWrap(fmt.Sprintf("rm -rf %s/*", workdir)), nil, "", opts)
	if err != nil {
		return err
	}
	j.username = "root"
	j.workdir = ""

	return j.run(ctx)
}
