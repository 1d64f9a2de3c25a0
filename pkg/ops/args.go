package ops

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/nicklasfrahm/wke/pkg/config"
	"github.com/nicklasfrahm/wke/pkg/rexec"
)

// ParseArgs turns the values of the options of a target into the positional
// arguments of its script. Missing values fall back to the defaults and
// strings are converted to the type of their option. Macros are passed
// through unchecked.
func ParseArgs(target *config.Target, values map[string]any) ([]rexec.Arg, error) {
	for name := range values {
		if !slices.Contains(target.OptionNames(), name) {
			return nil, fmt.Errorf("%w: unexpected option %q for target %s", ErrInvalidOption, name, target.Name)
		}
	}

	args := make([]rexec.Arg, 0, len(target.Options))
	for _, option := range target.Options {
		value, ok := values[option.Name]
		if !ok {
			if option.Required() {
				return nil, fmt.Errorf("%w: no value given for required option %q", ErrInvalidOption, option.Name)
			}
			value = option.Default
		}

		if s, ok := value.(string); ok && strings.HasPrefix(s, "@") {
			arg, err := rexec.ParseArg(s)
			if err != nil {
				return nil, fmt.Errorf("%w: option %q: %v", ErrInvalidOption, option.Name, err)
			}
			args = append(args, arg)
			continue
		}

		value, err := coerce(value, option.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: option %q: %v", ErrInvalidOption, option.Name, err)
		}

		if len(option.Choices) > 0 && !slices.Contains(option.Choices, value) {
			return nil, fmt.Errorf("%w: option %q must be one of %v, got %v",
				ErrInvalidOption, option.Name, option.Choices, value)
		}

		args = append(args, rexec.Literal(value))
	}

	return args, nil
}

// ParseAssignments parses arguments of the form key=value.
func ParseAssignments(assignments []string) (map[string]any, error) {
	values := make(map[string]any, len(assignments))
	for _, assignment := range assignments {
		key, value, ok := strings.Cut(assignment, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", ErrInvalidOption, assignment)
		}
		if _, exists := values[key]; exists {
			return nil, fmt.Errorf("%w: option %q given twice", ErrInvalidOption, key)
		}
		values[key] = value
	}
	return values, nil
}

// coerce converts a value to the given type. Only strings are converted,
// other values must already have the right type.
func coerce(value any, typ config.ValueType) (any, error) {
	if v, ok := value.(int64); ok {
		value = int(v)
	}
	if v, ok := value.(int); ok && typ == config.TypeFloat {
		value = float64(v)
	}

	if typ.Matches(value) {
		return value, nil
	}

	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("value %v is not of type %s", value, typ)
	}

	var (
		converted any
		err       error
	)
	switch typ {
	case config.TypeBool:
		converted, err = strconv.ParseBool(s)
	case config.TypeInt:
		converted, err = strconv.Atoi(s)
	case config.TypeFloat:
		converted, err = strconv.ParseFloat(s, 64)
	default:
		return nil, fmt.Errorf("value %v is not of type %s", value, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot convert %q to %s", s, typ)
	}

	return converted, nil
}
