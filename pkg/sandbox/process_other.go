//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func isolate(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}

func exitSignal(*os.ProcessState) (string, int, bool) { return "", 0, false }
