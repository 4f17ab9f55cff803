//go:build unix

package install

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func checkReadable(path string) error {
	return unix.Access(path, unix.R_OK)
}

// detach puts the install command in its own process group so a Ctrl-C
// aimed at the installer does not kill it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
