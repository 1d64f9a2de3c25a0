package config

import (
	"bufio"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prelude is a bash script that prepares the environment of a target, for
// example by setting environment variables.
type Prelude struct {
	Name  string
	About string
	// Path is empty if no script exists for the prelude.
	Path string
}

// preludeSpec is either a description or a mapping with a description.
type preludeSpec struct {
	About string
}

func (s *preludeSpec) UnmarshalYAML(node *yaml.Node) error {
	s.About = DefaultAbout

	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		return node.Decode(&s.About)
	case yaml.MappingNode:
		var spec struct {
			About string `yaml:"about"`
		}
		if err := node.Decode(&spec); err != nil {
			return err
		}
		if spec.About != "" {
			s.About = spec.About
		}
		return nil
	default:
		return configErrorf("prelude at line %d has invalid type, should be a string or mapping", node.Line)
	}
}

// Command converts the prelude into a chain of shell clauses. Every line
// that is neither empty nor a comment becomes one clause, followed by "&& ".
func (p *Prelude) Command() (string, error) {
	if p.Path == "" {
		return "", configErrorf("no script found for prelude %q", p.Name)
	}

	file, err := os.Open(p.Path)
	if err != nil {
		return "", configErrorf("cannot open prelude %q: %v", p.Name, err)
	}
	defer file.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(file)

	first := true
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if first {
			first = false
			if !strings.Contains(line, "#!") {
				return "", configErrorf("first line of prelude in %s not a shebang: %s", p.Path, line)
			}
			if !strings.Contains(line, "bash") {
				return "", configErrorf("only bash preludes are supported, but %s is not", p.Path)
			}
			continue
		}

		if line == "" || line[0] == '#' {
			continue
		}

		b.WriteString(line)
		b.WriteString(" && ")
	}
	if err := scanner.Err(); err != nil {
		return "", configErrorf("cannot read prelude %q: %v", p.Name, err)
	}

	if first {
		return "", configErrorf("prelude in %s is empty", p.Path)
	}

	return b.String(), nil
}
