package rexec

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result is the outcome of a group of tasks.
type Result struct {
	// Errors holds one message for every machine whose command exited with
	// a non-zero exit code. Tasks that were aborted do not contribute.
	Errors []string
	// TimedOut is set if the group was aborted because of the timeout.
	TimedOut bool
	// Missing lists the machines that terminated without an exit code
	// although they were not aborted.
	Missing []string
}

// OK reports whether all tasks succeeded within the timeout.
func (r *Result) OK() bool {
	return len(r.Errors) == 0 && !r.TimedOut
}

// JoinAll blocks until all tasks have terminated. The tasks must have been
// started. Once a command exits with a non-zero exit code, all other tasks
// are aborted. Cancelling ctx aborts all tasks as well, JoinAll still waits
// for them to terminate.
//
// If a task failed to run its command at all, the remaining tasks are
// aborted and the error of the task is returned immediately.
func JoinAll(ctx context.Context, tasks []*Task, options ...Option) (*Result, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}
	if opts.PollInterval < 0 {
		return nil, ErrInvalidPollInterval
	}

	start := opts.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	logger := opts.Logger
	pending := append([]*Task(nil), tasks...)
	result := new(Result)

	abortAll := func() {
		for _, task := range pending {
			task.Abort()
		}
	}

	interrupted := ctx.Done()

	for len(pending) > 0 {
		select {
		case <-interrupted:
			logger.Warn().Msg("Got kill signal. Stopping all machines...")
			abortAll()
			interrupted = nil
		default:
		}

		for _, task := range append([]*Task(nil), pending...) {
			select {
			case <-task.Done():
			default:
				// Still running.
				continue
			}

			pending = remove(pending, task)

			if err := task.Err(); err != nil {
				abortAll()
				return result, err
			}

			code, ok := task.ExitCode()
			if !ok && !task.WasAborted() {
				logger.Warn().Str("machine", task.MachineName()).Msg("No exitcode for machine")
				result.Missing = append(result.Missing, task.MachineName())
			}

			if ok && code != 0 && !task.WasAborted() {
				result.Errors = append(result.Errors,
					fmt.Sprintf("Machine %s had non-zero exitcode %d", task.MachineName(), code))
				// Stop all others if one fails.
				abortAll()
			}

			if opts.Verbose {
				logger.Info().
					Str("machine", task.MachineName()).
					Dur("elapsed", time.Since(start)).
					Msg("Machine completed")

				if len(pending) > 0 {
					logger.Info().Msg("Still pending: " + strings.Join(machineNames(pending), " "))
				}
			}
		}

		if len(pending) == 0 {
			break
		}

		if opts.Timeout > 0 && !result.TimedOut && time.Since(start) > opts.Timeout {
			logger.Warn().Dur("timeout", opts.Timeout).Msg("Timeout reached: stopping machines")
			result.TimedOut = true
			abortAll()
		}

		timer := time.NewTimer(opts.PollInterval)
		select {
		case <-timer.C:
		case <-interrupted:
			timer.Stop()
		}
	}

	if result.TimedOut && opts.DiscardErrorsOnTimeout {
		result.Errors = nil
	}

	return result, nil
}

func remove(tasks []*Task, task *Task) []*Task {
	for i, other := range tasks {
		if other == task {
			return append(tasks[:i], tasks[i+1:]...)
		}
	}
	return tasks
}

func machineNames(tasks []*Task) []string {
	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, task.MachineName())
	}
	return names
}
