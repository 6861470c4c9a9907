//go:build unix

package runner

import (
	"os"

	"golang.org/x/sys/unix"
)

// killProcess kills the process group led by p, which takes the browser's
// helper processes down with it.
func killProcess(p *os.Process) error {
	switch err := unix.Kill(-p.Pid, unix.SIGKILL); err {
	case nil:
		return nil
	case unix.ESRCH:
		return os.ErrProcessDone
	}
	return p.Kill()
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
