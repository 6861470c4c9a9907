//go:build windows

package runner

import (
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code reported for a running process.
const stillActive = 259

func setProcAttr(*exec.Cmd) {}

func killProcess(p *os.Process) error {
	return p.Kill()
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
