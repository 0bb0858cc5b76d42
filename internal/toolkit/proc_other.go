//go:build !unix

package toolkit

import "os/exec"

func setupProcessGroup(cmd *exec.Cmd) {}
