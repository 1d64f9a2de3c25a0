// Package config loads the targets and preludes of a configuration. A
// configuration lives in its own directory:
//
//	<base>/<name>/config.yml
//	<base>/<name>/targets/<target>
//	<base>/<name>/targets/<target_name>.py
//	<base>/<name>/preludes/<prelude>
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"dario.cat/mergo"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the name of the configuration file in its directory.
	FileName = "config.yml"
	// TargetFolder holds the scripts of the targets.
	TargetFolder = "targets"
	// PreludeFolder holds the scripts of the preludes.
	PreludeFolder = "preludes"
)

// ReservedNames cannot be used for targets or preludes.
var ReservedNames = []string{"all", "help", "copy-data", "install-packages"}

// ConfigurationError is returned if a configuration, target or prelude is
// invalid.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Meta holds the settings of the configuration itself.
type Meta struct {
	// Inherits names the parent configuration in the same base directory.
	Inherits       string `yaml:"inherits" json:"inherits,omitempty"`
	DefaultPrelude string `yaml:"default-prelude" json:"default-prelude,omitempty"`
}

// Ubuntu lists what needs to be installed on the machines.
type Ubuntu struct {
	RequiredRepositories []string `yaml:"required-repositories" json:"required-repositories,omitempty"`
	RequiredPackages     []string `yaml:"required-packages" json:"required-packages,omitempty"`
}

// file is the content of a config.yml. Targets and preludes are kept as
// nodes to preserve their order.
type file struct {
	Meta     Meta      `yaml:"config"`
	Ubuntu   Ubuntu    `yaml:"ubuntu"`
	Targets  yaml.Node `yaml:"targets"`
	Preludes yaml.Node `yaml:"preludes"`
}

// Configuration is a loaded configuration including everything it inherits.
type Configuration struct {
	Name     string
	BasePath string
	// Parent is the name of the inherited configuration, if any.
	Parent string

	Meta   Meta
	Ubuntu Ubuntu

	logger   *zerolog.Logger
	targets  []*Target
	preludes []*Prelude
}

// Load reads the configuration name from basePath. Warnings, for example
// about missing scripts, are written to logger, which may be nil.
func Load(name, basePath string, logger *zerolog.Logger) (*Configuration, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return load(name, basePath, logger, nil)
}

func load(name, basePath string, logger *zerolog.Logger, children []string) (*Configuration, error) {
	path := filepath.Join(basePath, name, FileName)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("cannot open config file at %s: %v", path, err)
	}

	var f file
	if err := yaml.Unmarshal(content, &f); err != nil {
		var configErr *ConfigurationError
		if errors.As(err, &configErr) {
			return nil, configErrorf("invalid config file at %s: %v", path, configErr)
		}
		return nil, configErrorf("failed to parse config file at %s: %v", path, err)
	}

	config := &Configuration{
		Name:     name,
		BasePath: basePath,
		Meta:     f.Meta,
		Ubuntu:   f.Ubuntu,
		logger:   logger,
	}

	if err := config.parseTargets(&f.Targets); err != nil {
		return nil, err
	}
	if err := config.parsePreludes(&f.Preludes); err != nil {
		return nil, err
	}

	if f.Meta.Inherits != "" {
		if err := config.inherit(children); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// inherit loads the parent and lets the content of config take precedence.
func (c *Configuration) inherit(children []string) error {
	parentName := c.Meta.Inherits
	if parentName == c.Name || slices.Contains(children, parentName) {
		return configErrorf("circular dependency: %s inherits %s", c.Name, parentName)
	}

	parent, err := load(parentName, c.BasePath, c.logger, append(slices.Clone(children), c.Name))
	if err != nil {
		return err
	}
	c.Parent = parentName

	meta := parent.Meta
	if err := mergo.Merge(&meta, c.Meta, mergo.WithOverride); err != nil {
		return err
	}
	c.Meta = meta

	ubuntu := parent.Ubuntu
	if err := mergo.Merge(&ubuntu, c.Ubuntu, mergo.WithOverride); err != nil {
		return err
	}
	c.Ubuntu = ubuntu

	targets := parent.targets
	for _, target := range c.targets {
		if i := slices.IndexFunc(targets, func(t *Target) bool { return t.Name == target.Name }); i >= 0 {
			c.logger.Info().Msgf("Overriding parents target %q", target.Name)
			targets[i] = target
			continue
		}
		targets = append(targets, target)
	}
	c.targets = targets

	preludes := parent.preludes
	for _, prelude := range c.preludes {
		if i := slices.IndexFunc(preludes, func(p *Prelude) bool { return p.Name == prelude.Name }); i >= 0 {
			c.logger.Info().Msgf("Overriding parents prelude %q", prelude.Name)
			preludes[i] = prelude
			continue
		}
		preludes = append(preludes, prelude)
	}
	c.preludes = preludes

	return nil
}

func (c *Configuration) parseTargets(node *yaml.Node) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return configErrorf("targets of %s must be a mapping", c.Name)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value

		if slices.Contains(ReservedNames, name) {
			return configErrorf("target uses reserved name: %s", name)
		}
		if c.Target(name) != nil {
			return configErrorf("duplicate target %q in %s", name, c.Name)
		}

		var spec targetSpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return wrapConfigError(fmt.Sprintf("invalid target %q in %s", name, c.Name), err)
		}

		for _, key := range spec.Unknown {
			c.logger.Warn().Msgf("Unexpected key %q for target %q in %s", key, name, c.Name)
		}

		target := &Target{
			Name:    name,
			About:   spec.About,
			Options: spec.Options,
		}

		for _, path := range c.targetPaths(name) {
			if isFile(path) {
				target.Path = path
				break
			}
		}
		if target.Path == "" {
			c.logger.Warn().Msgf("Target %s::%s is missing script!", c.Name, name)
		}

		c.targets = append(c.targets, target)
	}

	return nil
}

func (c *Configuration) parsePreludes(node *yaml.Node) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return configErrorf("preludes of %s must be a mapping", c.Name)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value

		if slices.Contains(ReservedNames, name) {
			return configErrorf("prelude uses reserved name: %s", name)
		}

		var spec preludeSpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return wrapConfigError(fmt.Sprintf("invalid prelude %q in %s", name, c.Name), err)
		}

		prelude := &Prelude{
			Name:  name,
			About: spec.About,
		}

		if path := c.preludePath(name); isFile(path) {
			prelude.Path = path
		} else {
			c.logger.Warn().Msgf("Prelude %s::%s is missing script!", c.Name, name)
		}

		c.preludes = append(c.preludes, prelude)
	}

	return nil
}

func (c *Configuration) targetPaths(name string) []string {
	dir := filepath.Join(c.BasePath, c.Name, TargetFolder)
	return []string{
		filepath.Join(dir, name),
		filepath.Join(dir, pythonScriptName(name)),
	}
}

func (c *Configuration) preludePath(name string) string {
	return filepath.Join(c.BasePath, c.Name, PreludeFolder, name)
}

// Targets returns all targets in the order they are defined. Inherited
// targets come first.
func (c *Configuration) Targets() []*Target {
	return slices.Clone(c.targets)
}

// TargetNames returns the names of all targets.
func (c *Configuration) TargetNames() []string {
	names := make([]string, 0, len(c.targets))
	for _, target := range c.targets {
		names = append(names, target.Name)
	}
	return names
}

// Target returns the target with the given name or nil.
func (c *Configuration) Target(name string) *Target {
	for _, target := range c.targets {
		if target.Name == name {
			return target
		}
	}
	return nil
}

// TargetCommand returns the script of a target.
func (c *Configuration) TargetCommand(name string) (string, error) {
	target := c.Target(name)
	if target == nil {
		return "", configErrorf("no such target: %s", name)
	}

	if target.Path == "" {
		return "", configErrorf("for target %q no valid script exists at any of these locations: %v",
			name, c.targetPaths(name))
	}

	return target.Command()
}

// Preludes returns all preludes.
func (c *Configuration) Preludes() []*Prelude {
	return slices.Clone(c.preludes)
}

// PreludeNames returns the names of all preludes.
func (c *Configuration) PreludeNames() []string {
	names := make([]string, 0, len(c.preludes))
	for _, prelude := range c.preludes {
		names = append(names, prelude.Name)
	}
	return names
}

// Prelude returns the prelude with the given name or nil.
func (c *Configuration) Prelude(name string) *Prelude {
	for _, prelude := range c.preludes {
		if prelude.Name == name {
			return prelude
		}
	}
	return nil
}

// PreludeCommand returns the shell clauses of a prelude.
func (c *Configuration) PreludeCommand(name string) (string, error) {
	prelude := c.Prelude(name)
	if prelude == nil {
		return "", configErrorf("no such prelude: %s", name)
	}
	return prelude.Command()
}

// DefaultPrelude returns the prelude used if none is requested.
func (c *Configuration) DefaultPrelude() string {
	return c.Meta.DefaultPrelude
}

// HasParent reports whether the configuration inherits another one.
func (c *Configuration) HasParent() bool {
	return c.Parent != ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func wrapConfigError(context string, err error) error {
	return configErrorf("%s: %v", context, err)
}
