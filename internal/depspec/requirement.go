package depspec

import (
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// allPlatforms is the sentinel accepted in place of a platform list.
const allPlatforms = "all"

// Requirement is one package requirement: either a bare specifier such as
// "numpy==1.26" or a structured entry restricted to some platforms.
type Requirement struct {
	Name string
	// Platforms lists the conda subdirs the requirement is available on.
	// Empty means every platform.
	Platforms []string
	// Optional requirements are skipped on unsupported platforms instead of
	// failing.
	Optional bool
	// Dependencies controls whether transitive dependencies are installed.
	Dependencies bool
}

// Spec returns a bare requirement for specifier.
func Spec(specifier string) Requirement {
	return Requirement{Name: specifier, Dependencies: true}
}

// AvailableOn reports whether the requirement may be installed on platform.
func (r Requirement) AvailableOn(platform string) bool {
	return len(r.Platforms) == 0 || slices.Contains(r.Platforms, allPlatforms) || slices.Contains(r.Platforms, platform)
}

// structured mirrors the map form of a Requirement. Platforms is either the
// string "all" or a list.
type structured struct {
	Name         string `yaml:"name" json:"name"`
	Platforms    any    `yaml:"platforms" json:"platforms"`
	Optional     bool   `yaml:"optional" json:"optional"`
	Dependencies *bool  `yaml:"dependencies" json:"dependencies"`
}

func (s structured) requirement() (Requirement, error) {
	if s.Name == "" {
		return Requirement{}, fmt.Errorf("requirement is missing a name")
	}
	r := Requirement{Name: s.Name, Optional: s.Optional, Dependencies: true}
	if s.Dependencies != nil {
		r.Dependencies = *s.Dependencies
	}

	switch p := s.Platforms.(type) {
	case nil:
	case string:
		if p != allPlatforms {
			r.Platforms = []string{p}
		}
	case []any:
		for _, v := range p {
			name, ok := v.(string)
			if !ok {
				return Requirement{}, fmt.Errorf("requirement %s: platform %v is not a string", s.Name, v)
			}
			r.Platforms = append(r.Platforms, name)
		}
	default:
		return Requirement{}, fmt.Errorf("requirement %s: platforms must be %q or a list", s.Name, allPlatforms)
	}
	return r, nil
}

// UnmarshalYAML accepts a scalar specifier or a mapping.
func (r *Requirement) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = Spec(node.Value)
		return nil
	}
	var s structured
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("decode requirement: %w", err)
	}
	req, err := s.requirement()
	if err != nil {
		return err
	}
	*r = req
	return nil
}

// MarshalYAML writes bare requirements back as scalars.
func (r Requirement) MarshalYAML() (any, error) {
	if r.bare() {
		return r.Name, nil
	}
	return r.structured(), nil
}

// UnmarshalJSON accepts a string specifier or an object.
func (r *Requirement) UnmarshalJSON(data []byte) error {
	var spec string
	if err := json.Unmarshal(data, &spec); err == nil {
		*r = Spec(spec)
		return nil
	}
	var s structured
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode requirement: %w", err)
	}
	req, err := s.requirement()
	if err != nil {
		return err
	}
	*r = req
	return nil
}

// MarshalJSON writes bare requirements back as strings.
func (r Requirement) MarshalJSON() ([]byte, error) {
	if r.bare() {
		return json.Marshal(r.Name)
	}
	return json.Marshal(r.structured())
}

func (r Requirement) bare() bool {
	return len(r.Platforms) == 0 && !r.Optional && r.Dependencies
}

func (r Requirement) structured() structured {
	deps := r.Dependencies
	var platforms any = allPlatforms
	if len(r.Platforms) > 0 {
		platforms = r.Platforms
	}
	return structured{Name: r.Name, Platforms: platforms, Optional: r.Optional, Dependencies: &deps}
}
