package depspec

import (
	"fmt"
	"strings"
)

// IncompatibilityError reports a required dependency that is not available
// on the current platform.
type IncompatibilityError struct {
	Name      string
	Platform  string
	Platforms []string
}

func (e *IncompatibilityError) Error() string {
	return fmt.Sprintf("the library %s is not available on this platform (%s); it is only available on: %s",
		e.Name, e.Platform, strings.Join(e.Platforms, ", "))
}

// ConfigurationError reports a dependency specification that mixes syntax of
// different package managers or is otherwise malformed.
type ConfigurationError struct {
	Manager   string
	Specifier string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Specifier == "" {
		return fmt.Sprintf("invalid %s dependencies: %s", e.Manager, e.Reason)
	}
	return fmt.Sprintf("invalid %s dependency %q: %s", e.Manager, e.Specifier, e.Reason)
}
