package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAbout is used for targets and preludes without a description.
const DefaultAbout = "No description"

// ValueType constrains the values of an option.
type ValueType string

const (
	TypeAny    ValueType = "any"
	TypeBool   ValueType = "bool"
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
)

// parseValueType accepts the type names of the config file.
func parseValueType(name string) (ValueType, error) {
	switch name {
	case "bool", "boolean":
		return TypeBool, nil
	case "str", "string":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float":
		return TypeFloat, nil
	case "any", "":
		return TypeAny, nil
	default:
		return "", configErrorf("unsupported value type %s", name)
	}
}

// typeOf returns the type of a value decoded from YAML.
func typeOf(value any) ValueType {
	switch value.(type) {
	case bool:
		return TypeBool
	case string:
		return TypeString
	case int, int64:
		return TypeInt
	case float64:
		return TypeFloat
	default:
		return TypeAny
	}
}

// Matches reports whether a value is of the type.
func (t ValueType) Matches(value any) bool {
	return t == TypeAny || t == "" || typeOf(value) == t
}

// Option is a positional argument of a target.
type Option struct {
	Name string
	// Default is nil if the option is required.
	Default any
	Type    ValueType
	// Choices is empty if all values are allowed.
	Choices []any
}

// Required reports whether a value must be given for the option.
func (o *Option) Required() bool {
	return o.Default == nil
}

// UnmarshalYAML accepts an option as a plain name, as a list of a name and
// an optional default value or as a mapping.
func (o *Option) UnmarshalYAML(node *yaml.Node) error {
	o.Type = TypeAny

	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&o.Name)
	case yaml.SequenceNode:
		var entry []any
		if err := node.Decode(&entry); err != nil {
			return err
		}

		switch len(entry) {
		case 1:
		case 2:
			o.Default = entry[1]
			o.Type = typeOf(entry[1])
		default:
			return configErrorf("invalid target option at line %d: must contain one or two entries if specified as a list", node.Line)
		}

		name, ok := entry[0].(string)
		if !ok {
			return configErrorf("invalid target option at line %d: name must be a string", node.Line)
		}
		o.Name = name
	case yaml.MappingNode:
		var entry struct {
			Name    *string `yaml:"name"`
			Default any     `yaml:"default"`
			Type    string  `yaml:"type"`
			Choices []any   `yaml:"choices"`
		}
		if err := node.Decode(&entry); err != nil {
			return err
		}

		if entry.Name == nil {
			return configErrorf(`invalid target option at line %d: must contain "name" if specified as a mapping`, node.Line)
		}

		o.Name = *entry.Name
		o.Default = entry.Default
		o.Choices = entry.Choices

		if entry.Type != "" {
			valueType, err := parseValueType(entry.Type)
			if err != nil {
				return err
			}
			o.Type = valueType
		} else if entry.Default != nil {
			o.Type = typeOf(entry.Default)
		}
	default:
		return configErrorf("invalid target option at line %d: not a string, mapping, or list", node.Line)
	}

	return o.verify()
}

func (o *Option) verify() error {
	if o.Default != nil && !o.Type.Matches(o.Default) {
		return configErrorf("default value of option %q is not of type %s", o.Name, o.Type)
	}
	for _, choice := range o.Choices {
		if !o.Type.Matches(choice) {
			return configErrorf("choice %v of option %q is not of type %s", choice, o.Name, o.Type)
		}
	}
	return nil
}

// Target is a script of a configuration together with its options.
type Target struct {
	Name  string
	About string
	// Path is empty if no script exists for the target.
	Path string
	// Options are passed to the script in this order.
	Options []Option
}

// targetSpec is a target as it is written in the config file, either a
// list of options or a mapping with a description and options.
type targetSpec struct {
	About   string
	Options []Option
	Unknown []string
}

func (s *targetSpec) UnmarshalYAML(node *yaml.Node) error {
	s.About = DefaultAbout

	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&s.Options)
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i].Value, node.Content[i+1]
			switch key {
			case "about":
				if err := value.Decode(&s.About); err != nil {
					return err
				}
			case "options":
				if value.Kind != yaml.SequenceNode {
					return configErrorf("invalid target options at line %d: options must be a list", value.Line)
				}
				if err := value.Decode(&s.Options); err != nil {
					return err
				}
			default:
				s.Unknown = append(s.Unknown, key)
			}
		}
		return nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
	}

	return configErrorf("target at line %d is neither a mapping nor a list", node.Line)
}

// OptionNames returns the names of all options in order.
func (t *Target) OptionNames() []string {
	names := make([]string, 0, len(t.Options))
	for _, option := range t.Options {
		names = append(names, option.Name)
	}
	return names
}

// Option returns the option with the given name.
func (t *Target) Option(name string) (*Option, error) {
	for i := range t.Options {
		if t.Options[i].Name == name {
			return &t.Options[i], nil
		}
	}
	return nil, configErrorf("no such option %s", name)
}

// Command returns the source of the script.
func (t *Target) Command() (string, error) {
	if t.Path == "" {
		return "", configErrorf("no script found for target %q", t.Name)
	}

	content, err := os.ReadFile(t.Path)
	if err != nil {
		return "", configErrorf("cannot read script of target %q: %v", t.Name, err)
	}

	return string(content), nil
}

// pythonScriptName returns the file name of a python target.
func pythonScriptName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "-", "_") + ".py"
}

func (t *Target) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, t.About)
}
