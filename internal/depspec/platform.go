package depspec

import "runtime"

// Platform common names used to select platform-specific hooks.
const (
	PlatformMac     = "mac"
	PlatformLinux   = "linux"
	PlatformWindows = "windows"
)

// CurrentPlatform returns the conda subdir of the running system, such as
// linux-64, osx-arm64 or win-64.
func CurrentPlatform() string {
	return PlatformFor(runtime.GOOS, runtime.GOARCH)
}

// PlatformFor returns the conda subdir for a Go OS/architecture pair.
func PlatformFor(goos, goarch string) string {
	system := goos
	switch goos {
	case "darwin":
		system = "osx"
	case "windows":
		system = "win"
	}

	machine := goarch
	switch goarch {
	case "amd64":
		machine = "64"
	case "386":
		machine = "32"
	case "arm64":
		if goos == "linux" {
			machine = "aarch64"
		}
	}
	return system + "-" + machine
}

// CommonName returns mac, linux or windows for the running system.
func CommonName() string {
	return CommonNameFor(runtime.GOOS)
}

// CommonNameFor maps a Go OS name to its common platform name.
func CommonNameFor(goos string) string {
	if goos == "darwin" {
		return PlatformMac
	}
	return goos
}
