// Package rexec executes scripts on remote machines over SSH and waits for
// groups of such executions.
package rexec

// Sink receives the output of a task. It is owned by the task and closed
// when the task terminates.
type Sink interface {
	// Info receives a line of stdout.
	Info(line string)
	// Error receives a line of stderr.
	Error(line string)
	// Meta receives messages about the task itself.
	Meta(msg string)
	// Close is called once the task has terminated.
	Close() error
}

// SinkFunc adapts a function that receives every line with its stream to
// the Sink interface. Meta messages are reported as stream "meta".
type SinkFunc func(stream, line string)

func (f SinkFunc) Info(line string)  { f("stdout", line) }
func (f SinkFunc) Error(line string) { f("stderr", line) }
func (f SinkFunc) Meta(msg string)   { f("meta", msg) }
func (f SinkFunc) Close() error      { return nil }
