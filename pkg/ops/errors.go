package ops

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimedOut is returned if a group of machines did not finish in time.
	ErrTimedOut = errors.New("timeout reached")
	// ErrNoSuchTarget is returned for a target that is not configured.
	ErrNoSuchTarget = errors.New("no such target")
	// ErrInvalidOption is returned if the options of a target are invalid.
	ErrInvalidOption = errors.New("invalid option")
	// ErrInvalidMultiply is returned if a target is run less than once.
	ErrInvalidMultiply = errors.New("multiply must be positive")
	// ErrEmptySelection is returned if no machines are selected.
	ErrEmptySelection = errors.New("selection cannot be empty")
	// ErrUnsafeWorkdir is returned if the working directory must not be
	// cleaned up.
	ErrUnsafeWorkdir = errors.New("refusing to clean up working directory")
)

// RunTargetError is returned if a target failed on at least one machine.
type RunTargetError struct {
	Target string
	Errors []string
	// TimedOut is set if the machines were also stopped by the timeout.
	TimedOut bool
}

func (e *RunTargetError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "error while running target %s:", e.Target)
	for _, err := range e.Errors {
		b.WriteString("\n\t")
		b.WriteString(err)
	}
	return b.String()
}

// Unwrap allows to check a run that also timed out with errors.Is.
func (e *RunTargetError) Unwrap() error {
	if e.TimedOut {
		return ErrTimedOut
	}
	return nil
}
