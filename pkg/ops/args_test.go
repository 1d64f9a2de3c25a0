package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/wke/pkg/config"
	"github.com/nicklasfrahm/wke/pkg/rexec"
)

func testTarget() *config.Target {
	return &config.Target{
		Name: "bench",
		Options: []config.Option{
			{Name: "host"},
			{Name: "rounds", Default: 3, Type: config.TypeInt},
			{Name: "mode", Default: "fast", Type: config.TypeString, Choices: []any{"fast", "slow"}},
			{Name: "ratio", Default: 0.5, Type: config.TypeFloat},
			{Name: "debug", Default: false, Type: config.TypeBool},
		},
	}
}

func argStrings(args []rexec.Arg) []string {
	strs := make([]string, 0, len(args))
	for _, arg := range args {
		strs = append(strs, arg.String())
	}
	return strs
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   []string
	}{
		{
			name:   "defaults",
			values: map[string]any{"host": "node1"},
			want:   []string{"node1", "3", "fast", "0.5", "false"},
		},
		{
			name:   "strings are converted",
			values: map[string]any{"host": "node1", "rounds": "7", "ratio": "1.25", "debug": "true", "mode": "slow"},
			want:   []string{"node1", "7", "slow", "1.25", "true"},
		},
		{
			name:   "typed values",
			values: map[string]any{"host": 5, "rounds": 2, "ratio": 2, "debug": true},
			want:   []string{"5", "2", "fast", "2", "true"},
		},
		{
			name:   "macros skip checks",
			values: map[string]any{"host": "@INTERNAL", "rounds": "@GROUP_SIZE", "mode": "@NAME"},
			want:   []string{"@INTERNAL", "@GROUP_SIZE", "@NAME", "0.5", "false"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ParseArgs(testTarget(), tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, argStrings(args))
		})
	}
}

func TestParseArgsMacros(t *testing.T) {
	args, err := ParseArgs(testTarget(), map[string]any{"host": "@INTERNAL"})
	require.NoError(t, err)
	require.True(t, args[0].IsMacro())
	assert.Equal(t, rexec.MacroInternal, args[0].Macro())
	assert.Equal(t, 3, args[1].Value())
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		message string
	}{
		{"missing required", map[string]any{}, `required option "host"`},
		{"unexpected option", map[string]any{"host": "a", "nope": 1}, `unexpected option "nope"`},
		{"not an int", map[string]any{"host": "a", "rounds": "many"}, `cannot convert "many" to int`},
		{"not a bool", map[string]any{"host": "a", "debug": "maybe"}, `cannot convert "maybe" to bool`},
		{"wrong type", map[string]any{"host": "a", "rounds": 1.5}, "is not of type int"},
		{"invalid choice", map[string]any{"host": "a", "mode": "medium"}, "must be one of"},
		{"unknown macro", map[string]any{"host": "@NOPE"}, "unknown macro"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArgs(testTarget(), tt.values)
			require.ErrorIs(t, err, ErrInvalidOption)
			assert.ErrorContains(t, err, tt.message)
		})
	}
}

func TestParseArgsKeepsValues(t *testing.T) {
	values := map[string]any{"host": "a", "rounds": "4"}

	_, err := ParseArgs(testTarget(), values)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"host": "a", "rounds": "4"}, values)
}

func TestParseAssignments(t *testing.T) {
	values, err := ParseAssignments([]string{"host=node1", "cmd=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"host": "node1", "cmd": "a=b", "empty": ""}, values)

	_, err = ParseAssignments([]string{"host"})
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = ParseAssignments([]string{"=value"})
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = ParseAssignments([]string{"a=1", "a=2"})
	assert.ErrorIs(t, err, ErrInvalidOption)
}
