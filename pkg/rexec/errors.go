package rexec

import (
	"errors"
	"fmt"
)

var (
	// ErrNotShebang is returned if the first line of a script has no shebang.
	ErrNotShebang = errors.New("first line of script is not a shebang")
	// ErrUnsupportedInterpreter is returned if the shebang names neither a
	// shell nor python.
	ErrUnsupportedInterpreter = errors.New("unsupported shebang")
	// ErrUnsafeScript is returned if a python script contains a quote
	// sequence that cannot be passed inline.
	ErrUnsafeScript = errors.New("unsafe script")
	// ErrUnknownMacro is returned for an unrecognized macro argument.
	ErrUnknownMacro = errors.New("unknown macro")
	// ErrInvalidPollInterval is returned for a negative poll interval.
	ErrInvalidPollInterval = errors.New("poll interval must be positive or zero")
)

// ExecutionError is the failure of a task that never ran its command on the
// remote machine, either because the command could not be built or because
// the connection could not be established.
type ExecutionError struct {
	Machine string
	Task    string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %q failed on machine %q: %v", e.Task, e.Machine, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
