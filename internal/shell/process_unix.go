//go:build !windows

package shell

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// errGroupGone reports that no process is left in the group.
var errGroupGone = errors.New("process group is empty")

// setProcessGroup starts cmd in its own process group so the whole tree can
// be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the group led by cmd. The group outlives
// its leader while any descendant is running, so it is signalled even when
// the leader has exited.
func killProcessGroup(cmd *exec.Cmd, exited bool) error {
	if cmd.Process == nil {
		return errGroupGone
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		if exited {
			return errGroupGone
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	case exited:
		return err
	default:
		return cmd.Process.Kill()
	}
}
