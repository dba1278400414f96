//go:build windows

package shell

import (
	"errors"
	"os/exec"
	"strconv"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// errGroupGone reports that the process tree can no longer be reached.
var errGroupGone = errors.New("process tree is gone")

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// killProcessGroup terminates the process and all of its descendants.
// taskkill walks the tree from the root, so nothing is reachable once the
// root has exited.
func killProcessGroup(cmd *exec.Cmd, exited bool) error {
	if cmd.Process == nil || exited {
		return errGroupGone
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
