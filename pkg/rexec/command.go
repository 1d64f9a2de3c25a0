package rexec

import (
	"fmt"
	"path"
	"strings"
)

// CommandSpec holds everything needed to turn a script into a command line.
type CommandSpec struct {
	// Script is the full source of the script, starting with a shebang.
	Script string
	// Args are passed to the script as positional arguments.
	Args []Arg
	// Workdir is the directory the script is run in. Optional.
	Workdir string
	// Prelude is a chain of shell clauses that is run before the script.
	// Each clause, including the last one, is followed by "&& ".
	Prelude string
	// Macros holds the values macro arguments resolve to.
	Macros MacroValues
}

// interpreter is the family of a script.
type interpreter int

const (
	interpreterShell interpreter = iota
	interpreterPython
)

var (
	// shells can read a script from stdin with "-s".
	shells = map[string]bool{
		"bash": true,
		"sh":   true,
		"dash": true,
	}

	// unsafePythonSequences would terminate the inline program early.
	unsafePythonSequences = []string{`'''`, `"'`, `'"`}

	doubleQuoteEscaper = strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		`$`, `\$`,
		"`", "\\`",
	)
)

// BuildCommand turns a script into a single command that can be run by the
// login shell of the remote user. Shell scripts are piped to the shell's
// stdin, python scripts are passed inline with "-c".
func BuildCommand(spec CommandSpec) (string, error) {
	var b strings.Builder

	if spec.Workdir != "" {
		fmt.Fprintf(&b, "cd %s && ", spec.Workdir)
	}

	b.WriteString(spec.Prelude)

	firstLine, _, _ := strings.Cut(spec.Script, "\n")
	firstLine = strings.TrimSuffix(firstLine, "\r")

	kind, shell, err := detectInterpreter(firstLine)
	if err != nil {
		return "", err
	}

	args, err := renderArgs(spec.Args, spec.Macros)
	if err != nil {
		return "", err
	}

	switch kind {
	case interpreterPython:
		for _, seq := range unsafePythonSequences {
			if strings.Contains(spec.Script, seq) {
				return "", fmt.Errorf(`%w: python scripts containing <%s> are not supported, use <"""> instead`,
					ErrUnsafeScript, seq)
			}
		}

		code := strings.ReplaceAll(spec.Script, `"`, `'''`)
		fmt.Fprintf(&b, `python3 -c "%s"%s`, doubleQuoteEscaper.Replace(code), args)
	default:
		fmt.Fprintf(&b, `printf '%%s' "%s" | %s -s%s`, doubleQuoteEscaper.Replace(spec.Script), shell, args)
	}

	return b.String(), nil
}

// detectInterpreter inspects the shebang. For shell scripts it also returns
// the name of the shell to pipe the script to.
func detectInterpreter(firstLine string) (interpreter, string, error) {
	idx := strings.Index(firstLine, "#!")
	if idx < 0 {
		return 0, "", fmt.Errorf("%w: %s", ErrNotShebang, firstLine)
	}

	if strings.Contains(firstLine, "python") {
		return interpreterPython, "", nil
	}

	fields := strings.Fields(firstLine[idx+2:])
	if len(fields) > 0 && path.Base(fields[0]) == "env" {
		fields = fields[1:]
		// Skip flags of env, like "-S".
		for len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
			fields = fields[1:]
		}
	}

	if len(fields) > 0 {
		if name := path.Base(fields[0]); shells[name] {
			return interpreterShell, name, nil
		}
	}

	return 0, "", fmt.Errorf("%w: %s", ErrUnsupportedInterpreter, firstLine)
}
