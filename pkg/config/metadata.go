package config

// InstallPackagesAbout describes the builtin target that installs the
// packages a configuration requires.
const InstallPackagesAbout = "Install the required debian packages"

// OptionInfo describes an option in the verbose metadata.
type OptionInfo struct {
	Name         string `yaml:"name" json:"name"`
	Required     bool   `yaml:"required" json:"required"`
	DefaultValue any    `yaml:"default-value,omitempty" json:"default-value,omitempty"`
	Type         string `yaml:"type,omitempty" json:"type,omitempty"`
	Choices      []any  `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// TargetInfo describes a target in the verbose metadata.
type TargetInfo struct {
	About   string       `yaml:"about" json:"about"`
	Options []OptionInfo `yaml:"options" json:"options"`
}

// Metadata summarizes a configuration. Targets maps to the description of
// each target or, in verbose mode, to a TargetInfo.
type Metadata struct {
	DefaultPrelude string            `yaml:"default-prelude,omitempty" json:"default-prelude,omitempty"`
	Preludes       map[string]string `yaml:"preludes" json:"preludes"`
	Targets        map[string]any    `yaml:"targets" json:"targets"`
	Ubuntu         *Ubuntu           `yaml:"ubuntu,omitempty" json:"ubuntu,omitempty"`
}

// Metadata returns a summary of the configuration, including the builtin
// targets.
func (c *Configuration) Metadata(verbose bool) *Metadata {
	metadata := &Metadata{
		DefaultPrelude: c.Meta.DefaultPrelude,
		Preludes:       make(map[string]string, len(c.preludes)),
		Targets:        make(map[string]any, len(c.targets)+1),
	}

	if verbose {
		metadata.Targets["install-packages"] = TargetInfo{About: InstallPackagesAbout, Options: []OptionInfo{}}
	} else {
		metadata.Targets["install-packages"] = InstallPackagesAbout
	}

	for _, target := range c.targets {
		if !verbose {
			metadata.Targets[target.Name] = target.About
			continue
		}

		info := TargetInfo{About: target.About, Options: []OptionInfo{}}
		for _, option := range target.Options {
			optionInfo := OptionInfo{
				Name:     option.Name,
				Required: option.Required(),
				Choices:  option.Choices,
			}
			if !option.Required() {
				optionInfo.DefaultValue = option.Default
			}
			if option.Type != TypeAny {
				optionInfo.Type = string(option.Type)
			}
			info.Options = append(info.Options, optionInfo)
		}
		metadata.Targets[target.Name] = info
	}

	for _, prelude := range c.preludes {
		metadata.Preludes[prelude.Name] = prelude.About
	}

	if len(c.Ubuntu.RequiredPackages) > 0 || len(c.Ubuntu.RequiredRepositories) > 0 {
		ubuntu := c.Ubuntu
		metadata.Ubuntu = &ubuntu
	}

	return metadata
}
