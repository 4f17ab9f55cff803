//go:build !unix

package install

import (
	"os"
	"os/exec"
)

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func detach(*exec.Cmd) {}
