//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// shellCommand runs line under cmd.exe with a raw command line, bypassing
// argv escaping.
func shellCommand(line string) *exec.Cmd {
	cmd := exec.Command("cmd")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:       windowsCmdLine(line),
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
	return cmd
}

// terminateTree runs taskkill over the process tree, falling back to
// killing the shell process.
func terminateTree(proc *os.Process) error {
	kill := exec.Command("taskkill", "/PID", strconv.Itoa(proc.Pid), "/T", "/F")
	if err := kill.Run(); err == nil {
		return nil
	}
	return proc.Kill()
}

func killTree(proc *os.Process) error {
	return proc.Kill()
}
