// Package depspec describes the packages an environment needs and turns them
// into install lists for the current platform.
package depspec

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/tarn/internal/model"
)

// channelSeparator qualifies a conda package with its channel, as in
// conda-forge::numpy. pip does not understand it.
const channelSeparator = "::"

// Minimum supported Python version.
const (
	minPythonMajor = 3
	minPythonMinor = 9
)

// Dependencies lists the requirements of one environment per package manager.
type Dependencies struct {
	// Python pins the interpreter version. Empty means the configured default.
	Python string        `yaml:"python,omitempty" json:"python,omitempty"`
	Conda  []Requirement `yaml:"conda,omitempty" json:"conda,omitempty"`
	Pip    []Requirement `yaml:"pip,omitempty" json:"pip,omitempty"`
}

// Parse decodes a YAML (or JSON) dependency document.
func Parse(data []byte) (Dependencies, error) {
	var d Dependencies
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Dependencies{}, fmt.Errorf("parse dependencies: %w", err)
	}
	return d, nil
}

// Load reads a dependency document from path.
func Load(path string) (Dependencies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dependencies{}, fmt.Errorf("read dependencies: %w", err)
	}
	return Parse(data)
}

// ForManager returns the requirements of one package manager.
func (d Dependencies) ForManager(manager string) []Requirement {
	switch manager {
	case model.ManagerConda:
		return d.Conda
	case model.ManagerPip:
		return d.Pip
	default:
		return nil
	}
}

// Empty reports whether no package requirement is listed.
func (d Dependencies) Empty() bool {
	return len(d.Conda) == 0 && len(d.Pip) == 0
}

// Formatted is the install list of one package manager, split by whether
// transitive dependencies are wanted.
type Formatted struct {
	WithDeps []string
	NoDeps   []string
}

// Empty reports whether there is nothing to install.
func (f Formatted) Empty() bool {
	return len(f.WithDeps) == 0 && len(f.NoDeps) == 0
}

// All returns every specifier in order.
func (f Formatted) All() []string {
	return append(append([]string(nil), f.WithDeps...), f.NoDeps...)
}

// Format filters requirements for platform. With strict set, a non-optional
// requirement unavailable on platform fails with *IncompatibilityError and
// optional ones are dropped. Without strict, every requirement is kept, which
// is what verification against an existing environment needs.
func Format(reqs []Requirement, platform string, strict bool) (Formatted, error) {
	var f Formatted
	for _, r := range reqs {
		if strict && !r.AvailableOn(platform) {
			if r.Optional {
				continue
			}
			return Formatted{}, &IncompatibilityError{Name: r.Name, Platform: platform, Platforms: r.Platforms}
		}
		if r.Dependencies {
			f.WithDeps = append(f.WithDeps, r.Name)
		} else {
			f.NoDeps = append(f.NoDeps, r.Name)
		}
	}
	return f, nil
}

// Format formats both managers' requirements and rejects pip specifiers that
// carry a conda channel qualifier.
func (d Dependencies) Format(platform string, strict bool) (conda, pip Formatted, err error) {
	conda, err = Format(d.Conda, platform, strict)
	if err != nil {
		return Formatted{}, Formatted{}, err
	}
	pip, err = Format(d.Pip, platform, strict)
	if err != nil {
		return Formatted{}, Formatted{}, err
	}
	for _, spec := range pip.All() {
		if strings.Contains(spec, channelSeparator) {
			return Formatted{}, Formatted{}, &ConfigurationError{
				Manager:   model.ManagerPip,
				Specifier: spec,
				Reason:    `has a channel specifier "::", is it a conda dependency?`,
			}
		}
	}
	return conda, pip, nil
}

// StripChannel removes a channel qualifier from a conda specifier.
func StripChannel(spec string) string {
	if _, after, ok := strings.Cut(spec, channelSeparator); ok {
		return after
	}
	return spec
}

// Installed reports whether spec appears in the output of a package manager
// listing. Lines in "name==version" form match by substring; table rows such
// as conda's "name  version  build  channel" match by name and version prefix.
func Installed(listing []string, spec string) bool {
	spec = StripChannel(spec)
	for _, line := range listing {
		if strings.Contains(line, spec) {
			return true
		}
	}

	name, version := splitPin(spec)
	for _, line := range listing {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.EqualFold(fields[0], name) {
			continue
		}
		if version == "" || (len(fields) > 1 && strings.HasPrefix(fields[1], version)) {
			return true
		}
	}
	return false
}

// AllInstalled reports whether every spec is Installed in listing.
func AllInstalled(listing, specs []string) bool {
	for _, s := range specs {
		if !Installed(listing, s) {
			return false
		}
	}
	return true
}

// splitPin splits "name==1.2" or "name=1.2" into name and version.
func splitPin(spec string) (string, string) {
	if name, version, ok := strings.Cut(spec, "=="); ok {
		return strings.TrimSpace(name), strings.TrimSpace(version)
	}
	if name, version, ok := strings.Cut(spec, "="); ok {
		return strings.TrimSpace(name), strings.TrimSpace(version)
	}
	return strings.TrimSpace(spec), ""
}

// CheckPythonVersion rejects interpreter versions older than 3.9. An empty
// version is accepted and means the configured default.
func CheckPythonVersion(version string) error {
	if version == "" {
		return nil
	}
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return &ConfigurationError{Manager: model.ManagerConda, Specifier: "python=" + version, Reason: "version must be major.minor"}
	}
	major, errMajor := strconv.Atoi(parts[0])
	minor, errMinor := strconv.Atoi(parts[1])
	if errMajor != nil || errMinor != nil {
		return &ConfigurationError{Manager: model.ManagerConda, Specifier: "python=" + version, Reason: "version is not numeric"}
	}
	if major < minPythonMajor || (major == minPythonMajor && minor < minPythonMinor) {
		return &ConfigurationError{
			Manager:   model.ManagerConda,
			Specifier: "python=" + version,
			Reason:    fmt.Sprintf("python version must be at least %d.%d", minPythonMajor, minPythonMinor),
		}
	}
	return nil
}
