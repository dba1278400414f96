// Package commands builds the micromamba script lines used to bootstrap the
// tool, create and activate environments, and install or list packages.
package commands

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/seantiz/tarn/internal/depspec"
	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/settings"
)

// Download locations of micromamba.
const (
	posixInstallURL   = "https://micro.mamba.pm/api/micromamba/%s/latest"
	windowsInstallURL = "https://github.com/mamba-org/micromamba-releases/releases/download/2.0.4-0/micromamba-win-64"
	vcRedistURL       = "https://aka.ms/vs/17/release/vc_redist.x64.exe"
)

var proxyCredentials = regexp.MustCompile(`^[a-zA-Z]+://(.*?):(.*?)@`)

// Generator produces script lines for one micromamba root.
type Generator struct {
	settings *settings.Settings
	goos     string
	goarch   string
}

// New creates a generator for the running system.
func New(s *settings.Settings) *Generator {
	return &Generator{settings: s, goos: runtime.GOOS, goarch: runtime.GOARCH}
}

func (g *Generator) windows() bool {
	return g.goos == "windows"
}

// ShellHook returns the lines that make the micromamba shell function
// available, leaving the working directory unchanged.
func (g *Generator) ShellHook() []string {
	root := g.settings.Root()
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	if g.windows() {
		return []string{
			fmt.Sprintf(`Set-Location -Path "%s"`, root),
			fmt.Sprintf(`$Env:MAMBA_ROOT_PREFIX="%s"`, root),
			fmt.Sprintf(`.\%s shell hook -s powershell | Out-String | Invoke-Expression`, g.settings.BinRelPath()),
			fmt.Sprintf(`Set-Location -Path "%s"`, cwd),
		}
	}
	return []string{
		fmt.Sprintf(`cd "%s"`, root),
		fmt.Sprintf(`export MAMBA_ROOT_PREFIX="%s"`, root),
		fmt.Sprintf(`eval "$(%s shell hook -s posix)"`, g.settings.BinRelPath()),
		fmt.Sprintf(`cd "%s"`, cwd),
	}
}

// Bootstrap returns the lines that download micromamba when it is missing,
// and writes the default channel configuration. It returns nothing once the
// binary is installed.
func (g *Generator) Bootstrap() ([]string, error) {
	if g.settings.Installed() {
		return nil, nil
	}
	switch g.goos {
	case "linux", "darwin", "windows":
	default:
		return nil, fmt.Errorf("platform %s is not supported", g.goos)
	}

	if err := g.settings.WriteChannels(); err != nil {
		return nil, fmt.Errorf("write channel configuration: %w", err)
	}

	root := g.settings.Root()
	proxy := g.settings.Proxies().URL()
	commands := g.settings.ProxyExportCommands()

	if g.windows() {
		proxyArgs := ""
		if proxy != "" {
			proxyArgs = "-Proxy " + proxy
			if m := proxyCredentials.FindStringSubmatch(proxy); m != nil {
				commands = append(commands,
					fmt.Sprintf(`$proxyUsername = "%s"`, m[1]),
					fmt.Sprintf(`$proxyPassword = "%s"`, m[2]),
					"$securePassword = ConvertTo-SecureString $proxyPassword -AsPlainText -Force",
					"$proxyCredentials = New-Object System.Management.Automation.PSCredential($proxyUsername, $securePassword)",
				)
				proxyArgs += " -ProxyCredential $proxyCredentials"
			}
		}
		return append(commands,
			fmt.Sprintf(`Set-Location -Path "%s"`, root),
			`echo "Installing Visual C++ Redistributable if necessary..."`,
			fmt.Sprintf(`Invoke-WebRequest %s -URI "%s" -OutFile "$env:Temp\vc_redist.x64.exe"; Start-Process "$env:Temp\vc_redist.x64.exe" -ArgumentList "/quiet /norestart" -Wait; Remove-Item "$env:Temp\vc_redist.x64.exe"`, proxyArgs, vcRedistURL),
			`echo "Installing micromamba..."`,
			fmt.Sprintf(`Invoke-Webrequest %s -URI %s -OutFile micromamba.exe`, proxyArgs, windowsInstallURL),
		), nil
	}

	proxyArgs := ""
	if proxy != "" {
		proxyArgs = fmt.Sprintf(`--proxy "%s" `, proxy)
	}
	subdir := depspec.PlatformFor(g.goos, g.goarch)
	return append(commands,
		fmt.Sprintf(`mkdir -p "%s"`, root),
		fmt.Sprintf(`cd "%s"`, root),
		`echo "Installing micromamba..."`,
		fmt.Sprintf("curl %s-Ls %s | tar -xvj bin/micromamba", proxyArgs, fmt.Sprintf(posixInstallURL, subdir)),
	), nil
}

// ActivateConda returns Bootstrap followed by ShellHook.
func (g *Generator) ActivateConda() ([]string, error) {
	bootstrap, err := g.Bootstrap()
	if err != nil {
		return nil, err
	}
	return append(bootstrap, g.ShellHook()...), nil
}

// ActivateEnvironment returns the lines that activate environment name and
// then run the platform hooks.
func (g *Generator) ActivateEnvironment(name string, hooks Hooks) ([]string, error) {
	commands, err := g.ActivateConda()
	if err != nil {
		return nil, err
	}
	commands = append(commands, fmt.Sprintf("%s activate %s", settings.CondaCommand, name))
	return append(commands, hooks.For(depspec.CommonNameFor(g.goos))...), nil
}

// Create returns the line creating environment name with a pinned Python.
func (g *Generator) Create(name, python string) string {
	return fmt.Sprintf("%s create -n %s python=%s -y", g.settings.CondaWithConfig(), name, python)
}

// InstallDependencies returns the lines installing formatted requirements
// into environment name. It expects conda to be activated already.
func (g *Generator) InstallDependencies(name string, conda, pip depspec.Formatted) []string {
	commands := g.settings.ProxyExportCommands()
	if conda.Empty() && pip.Empty() {
		return commands
	}

	commands = append(commands,
		fmt.Sprintf(`echo "Activating environment %s..."`, name),
		fmt.Sprintf("%s activate %s", settings.CondaCommand, name),
	)
	if len(conda.WithDeps) > 0 {
		commands = append(commands,
			`echo "Installing conda dependencies..."`,
			fmt.Sprintf("%s install %s -y", g.settings.CondaWithConfig(), quote(conda.WithDeps)),
		)
	}
	if len(conda.NoDeps) > 0 {
		commands = append(commands,
			`echo "Installing conda dependencies without their dependencies..."`,
			fmt.Sprintf("%s install --no-deps %s -y", g.settings.CondaWithConfig(), quote(conda.NoDeps)),
		)
	}

	proxyArgs := ""
	if proxy := g.settings.Proxies().URL(); proxy != "" {
		proxyArgs = "--proxy " + proxy + " "
	}
	if len(pip.WithDeps) > 0 {
		commands = append(commands,
			`echo "Installing pip dependencies..."`,
			fmt.Sprintf("pip install %s%s", proxyArgs, quote(pip.WithDeps)),
		)
	}
	if len(pip.NoDeps) > 0 {
		commands = append(commands,
			`echo "Installing pip dependencies without their dependencies..."`,
			fmt.Sprintf("pip install %s--no-dependencies %s", proxyArgs, quote(pip.NoDeps)),
		)
	}
	return commands
}

// InstallPackage returns the lines installing one package into environment
// name, optionally from channel.
func (g *Generator) InstallPackage(name, pkg, channel string) ([]string, error) {
	commands, err := g.ActivateConda()
	if err != nil {
		return nil, err
	}
	if channel != "" {
		pkg = channel + "::" + pkg
	}
	return append(commands,
		fmt.Sprintf("%s activate %s", settings.CondaCommand, name),
		fmt.Sprintf(`%s install "%s" -y`, g.settings.CondaWithConfig(), pkg),
	), nil
}

// ListInstalled returns the lines printing the packages of manager installed
// in environment name.
func (g *Generator) ListInstalled(name, manager string) ([]string, error) {
	commands, err := g.ActivateConda()
	if err != nil {
		return nil, err
	}
	commands = append(commands, fmt.Sprintf("%s activate %s", settings.CondaCommand, name))
	switch manager {
	case model.ManagerConda:
		return append(commands, settings.CondaCommand+" list -y"), nil
	case model.ManagerPip:
		return append(commands, "pip freeze"), nil
	default:
		return nil, fmt.Errorf("unknown package manager %q", manager)
	}
}

func quote(specs []string) string {
	quoted := make([]string, len(specs))
	for i, s := range specs {
		quoted[i] = `"` + s + `"`
	}
	return strings.Join(quoted, " ")
}
