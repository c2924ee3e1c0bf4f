//go:build unix

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// shellCommand runs line under /bin/sh in its own process group so the
// whole tree can be signalled.
func shellCommand(line string) *exec.Cmd {
	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// terminateTree sends SIGTERM to the process group, falling back to the
// process itself.
func terminateTree(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGTERM); err == nil {
		return nil
	}
	return proc.Signal(unix.SIGTERM)
}

// killTree forcibly ends the process group.
func killTree(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err == nil {
		return nil
	}
	return proc.Kill()
}
