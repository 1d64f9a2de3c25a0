package rexec

import (
	"fmt"
	"strconv"
	"strings"
)

// Macro is a placeholder argument that is resolved per task.
type Macro string

const (
	// MacroGroupIndex resolves to the position of the task in its group.
	MacroGroupIndex Macro = "@GROUP_INDEX"
	// MacroGroupSize resolves to the number of tasks in the group.
	MacroGroupSize Macro = "@GROUP_SIZE"
	// MacroName resolves to the name of the machine.
	MacroName Macro = "@NAME"
	// MacroExternal resolves to the external address of the machine.
	MacroExternal Macro = "@EXTERNAL"
	// MacroInternal resolves to the internal address of the machine.
	MacroInternal Macro = "@INTERNAL"
	// MacroUsername resolves to the user the task connects as.
	MacroUsername Macro = "@USERNAME"
)

// Macros lists all known macros.
var Macros = []Macro{
	MacroGroupIndex,
	MacroGroupSize,
	MacroName,
	MacroExternal,
	MacroInternal,
	MacroUsername,
}

// Valid reports whether the macro is known.
func (m Macro) Valid() bool {
	for _, macro := range Macros {
		if m == macro {
			return true
		}
	}
	return false
}

// Arg is a positional argument of a script. It either holds a literal value
// or a macro.
type Arg struct {
	literal any
	macro   Macro
}

// Literal creates an argument that is passed as is. The value should be a
// string, a bool, an integer or a float.
func Literal(value any) Arg {
	return Arg{literal: value}
}

// MacroArg creates an argument that is resolved when the command is built.
func MacroArg(macro Macro) Arg {
	return Arg{macro: macro}
}

// ParseArg converts a raw value to an argument. Strings starting with "@"
// must name a known macro.
func ParseArg(value any) (Arg, error) {
	if s, ok := value.(string); ok && strings.HasPrefix(s, "@") {
		macro := Macro(s)
		if !macro.Valid() {
			return Arg{}, fmt.Errorf("%w: %q", ErrUnknownMacro, s)
		}
		return MacroArg(macro), nil
	}
	return Literal(value), nil
}

// IsMacro reports whether the argument is a macro.
func (a Arg) IsMacro() bool {
	return a.macro != ""
}

// Macro returns the macro of the argument, if any.
func (a Arg) Macro() Macro {
	return a.macro
}

// Value returns the literal value of the argument.
func (a Arg) Value() any {
	return a.literal
}

func (a Arg) String() string {
	if a.IsMacro() {
		return string(a.macro)
	}
	return formatValue(a.literal)
}

// MacroValues holds what the macros of a task resolve to.
type MacroValues struct {
	GroupIndex int
	GroupSize  int
	Name       string
	External   string
	Internal   string
	Username   string
}

func (v MacroValues) resolve(macro Macro) (string, error) {
	switch macro {
	case MacroGroupIndex:
		return strconv.Itoa(v.GroupIndex), nil
	case MacroGroupSize:
		return strconv.Itoa(v.GroupSize), nil
	case MacroName:
		return v.Name, nil
	case MacroExternal:
		return v.External, nil
	case MacroInternal:
		return v.Internal, nil
	case MacroUsername:
		return v.Username, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMacro, string(macro))
	}
}

var parenReplacer = strings.NewReplacer("(", `\(`, ")", `\)`)

// renderArgs renders the arguments as they are appended to the command. Every
// argument is preceded by a space.
func renderArgs(args []Arg, values MacroValues) (string, error) {
	var b strings.Builder

	for _, arg := range args {
		b.WriteByte(' ')

		if arg.IsMacro() {
			value, err := values.resolve(arg.macro)
			if err != nil {
				return "", err
			}
			b.WriteString(value)
			continue
		}

		b.WriteString(parenReplacer.Replace(formatValue(arg.literal)))
	}

	return b.String(), nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
