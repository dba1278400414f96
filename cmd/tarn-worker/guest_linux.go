package main

import (
	"log/slog"
	"os"
	"syscall"
)

// mountEntry describes a filesystem mounted when the worker is a guest's
// init process.
type mountEntry struct {
	source string
	target string
	fstype string
}

var guestMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
}

// setupGuest mounts the filesystems a worker needs when it runs as PID 1
// inside a microVM reached over vsock. Outside that case it does nothing.
func setupGuest(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}

	logger.Info("running as PID 1, mounting essential filesystems")
	for _, m := range guestMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("mkdir failed", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logger.Warn("mount failed", "target", m.target, "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
