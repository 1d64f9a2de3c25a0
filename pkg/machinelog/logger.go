// Package machinelog writes the output of a remote task to the console and
// to a per-machine log file.
package machinelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger receives the lines produced by the task of one machine. Stdout is
// logged at info level, stderr at error level.
type Logger struct {
	machine string
	verbose bool

	console zerolog.Logger
	file    zerolog.Logger
	closer  io.Closer
}

// Path returns the location of the log file of a machine.
func Path(logDir, machine string) string {
	return filepath.Join(logDir, machine+".log")
}

// New creates the logger of a machine. If logDir is empty, nothing is written
// to disk. Stdout lines only reach the console in verbose mode.
func New(machine, logDir string, verbose bool, console *zerolog.Logger) (*Logger, error) {
	logger := &Logger{
		machine: machine,
		verbose: verbose,
		file:    zerolog.Nop(),
	}

	if console != nil {
		logger.console = console.With().Str("machine", machine).Logger()
	} else {
		logger.console = zerolog.Nop()
	}

	if logDir == "" {
		return logger, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(Path(logDir, machine), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger.closer = file
	logger.file = zerolog.New(zerolog.ConsoleWriter{
		Out:        file,
		NoColor:    true,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	return logger, nil
}

// Machine returns the name of the machine.
func (l *Logger) Machine() string {
	return l.machine
}

// Info logs a line of stdout.
func (l *Logger) Info(line string) {
	if l.verbose {
		l.console.Info().Msg(line)
	}
	l.file.Info().Msg(line)
}

// Error logs a line of stderr.
func (l *Logger) Error(line string) {
	l.console.Error().Msg(line)
	l.file.Error().Msg(line)
}

// Meta logs a message about the task itself, like state changes.
func (l *Logger) Meta(msg string) {
	l.console.Info().Msg(msg)
	l.file.Info().Msg(msg)
}

// Debug logs a message that is only shown on the console in verbose mode.
func (l *Logger) Debug(msg string) {
	if l.verbose {
		l.console.Debug().Msg(msg)
	}
	l.file.Debug().Msg(msg)
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.file = zerolog.Nop()
	return err
}
