package ops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/nicklasfrahm/wke/pkg/cluster"
	"github.com/nicklasfrahm/wke/pkg/sshx"
)

// CopyTo uploads local files into the working directory of every selected
// machine. Relative destinations are resolved against the working
// directory.
func CopyTo(ctx context.Context, selection *cluster.Selection, files []string, destination string, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}
	if selection == nil || len(selection.Machines) == 0 {
		return ErrEmptySelection
	}

	contents := make(map[string][]byte, len(files))
	modes := make(map[string]os.FileMode, len(files))
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("not a regular file: %s", file)
		}
		if contents[file], err = os.ReadFile(file); err != nil {
			return err
		}
		modes[file] = info.Mode().Perm()
	}

	dir := remotePath(opts.Workdir, selection, destination)

	return forEachMachine(ctx, selection, opts, func(machine cluster.Machine, client *sshx.Client) error {
		for _, file := range files {
			dst := path.Join(dir, filepath.Base(file))
			if err := client.Upload(dst, bytes.NewReader(contents[file]), modes[file]); err != nil {
				return fmt.Errorf("failed to upload %s to machine %s: %w", file, machine.Name, err)
			}
			opts.Logger.Info().Str("machine", machine.Name).Str("path", dst).Msg("Uploaded file")
		}
		return nil
	})
}

// Fetch downloads a remote file from every selected machine into
// <localDir>/<machine>/<file>. Relative sources are resolved against the
// working directory.
func Fetch(ctx context.Context, selection *cluster.Selection, source, localDir string, options ...Option) error {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return err
	}
	if selection == nil || len(selection.Machines) == 0 {
		return ErrEmptySelection
	}

	src := remotePath(opts.Workdir, selection, source)

	return forEachMachine(ctx, selection, opts, func(machine cluster.Machine, client *sshx.Client) error {
		dir := filepath.Join(localDir, machine.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		dst := filepath.Join(dir, path.Base(src))
		file, err := os.Create(dst)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := client.Download(src, file); err != nil {
			return fmt.Errorf("failed to download %s from machine %s: %w", src, machine.Name, err)
		}

		opts.Logger.Info().Str("machine", machine.Name).Str("path", dst).Msg("Downloaded file")

		return file.Close()
	})
}

func remotePath(workdir string, selection *cluster.Selection, name string) string {
	if path.IsAbs(name) {
		return name
	}
	if workdir == "" {
		workdir = selection.Workdir()
	}
	return path.Join(workdir, name)
}

// forEachMachine connects to all machines concurrently and calls fn for
// each of them. The first error cancels the remaining connections.
func forEachMachine(ctx context.Context, selection *cluster.Selection, opts *Options, fn func(cluster.Machine, *sshx.Client) error) error {
	group, ctx := errgroup.WithContext(ctx)

	var proxy *sshx.Client
	if proxyConfig := selection.Cluster.ProxyConfig(); proxyConfig != nil {
		var err error
		if proxy, err = sshx.Dial(ctx, proxyConfig, selection.Cluster.DialOptions(opts.Logger)...); err != nil {
			return err
		}
		defer proxy.Close()
	}

	for _, machine := range selection.Machines {
		machine := machine
		group.Go(func() error {
			sshOptions := selection.Cluster.DialOptions(opts.Logger)
			if proxy != nil {
				sshOptions = append(sshOptions, sshx.WithProxy(proxy))
			}

			client, err := sshx.Dial(ctx, selection.Cluster.SSHConfig(machine, selection.Cluster.Username), sshOptions...)
			if err != nil {
				return fmt.Errorf("failed to connect to machine %s: %w", machine.Name, err)
			}
			defer client.Close()

			return fn(machine, client)
		})
	}

	return group.Wait()
}
