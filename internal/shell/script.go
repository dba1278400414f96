package shell

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// errorMessage prefixes the diagnostic printed when an instruction fails.
const errorMessage = "Errors encountered during execution. Exited with status:"

// dialect describes how scripts are written and run on one OS family.
type dialect struct {
	ext      string
	program  string
	args     []string
	sentinel []string
}

var posix = dialect{
	ext:     ".sh",
	program: "/bin/bash",
	sentinel: []string{
		"",
		"return_status=$?",
		"if [ $return_status -ne 0 ]",
		"then",
		fmt.Sprintf(`    echo "%s $return_status"`, errorMessage),
		"    exit 1",
		"fi",
		"",
	},
}

var powershell = dialect{
	ext:      ".ps1",
	program:  "powershell",
	args:     []string{"-WindowStyle", "Hidden", "-NoProfile", "-ExecutionPolicy", "ByPass", "-File"},
	sentinel: []string{"", "if (! $?) { exit 1 } "},
}

func dialectFor(goos string) dialect {
	if goos == "windows" {
		return powershell
	}
	return posix
}

func currentDialect() dialect {
	return dialectFor(runtime.GOOS)
}

// WithErrorChecks appends the dialect's error-check sentinel after every
// instruction so a failing step stops the script with status 1.
func WithErrorChecks(commands []string, goos string) []string {
	d := dialectFor(goos)
	checked := make([]string, 0, len(commands)*(1+len(d.sentinel)))
	for _, c := range commands {
		checked = append(checked, c)
		checked = append(checked, d.sentinel...)
	}
	return checked
}

// writeScript materializes commands into a temporary script file and returns
// its path. The caller removes the file.
func writeScript(d dialect, commands []string, failFast bool) (string, error) {
	if failFast {
		commands = WithErrorChecks(commands, goosOf(d))
	}

	f, err := os.CreateTemp("", "tarn-*"+d.ext)
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}
	if _, err := f.WriteString(strings.Join(commands, "\n")); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close script: %w", err)
	}
	if d.ext == posix.ext {
		if err := os.Chmod(f.Name(), 0o700); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("chmod script: %w", err)
		}
	}
	return f.Name(), nil
}

func goosOf(d dialect) string {
	if d.ext == powershell.ext {
		return "windows"
	}
	return "linux"
}

// argv returns the program and arguments that run script.
func (d dialect) argv(script string) (string, []string) {
	args := make([]string, 0, len(d.args)+1)
	args = append(args, d.args...)
	return d.program, append(args, script)
}
