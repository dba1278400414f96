package shell

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// FatalMarker is printed by micromamba when it hits an unrecoverable internal
// error. Seeing it terminates the script immediately.
const FatalMarker = "CondaSystemExit"

// renderLimit is how many trailing characters of an instruction list are kept
// in error messages.
const renderLimit = 150

// CommandError reports a script that finished with a non-zero status.
type CommandError struct {
	Commands []string
	Status   int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("execution of the commands %q failed with status %d", RenderCommands(e.Commands), e.Status)
}

// FatalMarkerError reports a script killed because its output contained
// FatalMarker.
type FatalMarkerError struct {
	Commands []string
	Line     string
}

func (e *FatalMarkerError) Error() string {
	return fmt.Sprintf("execution of the commands %q aborted: %s", RenderCommands(e.Commands), e.Line)
}

// RenderCommands joins commands for diagnostics, keeping only the last
// renderLimit characters behind a "[...] " marker.
func RenderCommands(commands []string) string {
	s := strings.Join(commands, "; ")
	if len(s) <= renderLimit {
		return s
	}
	cut := len(s) - renderLimit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "[...] " + s[cut:]
}
