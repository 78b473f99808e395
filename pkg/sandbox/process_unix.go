//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolate puts the child in its own process group and makes cancellation
// kill the whole group, so background children die with it.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// exitSignal reports the signal that terminated the process, with the
// shell-style exit code 128+n.
func exitSignal(state *os.ProcessState) (name string, code int, ok bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", 0, false
	}
	sig := ws.Signal()
	name = unix.SignalName(sig)
	if name == "" {
		name = sig.String()
	}
	return name, 128 + int(sig), true
}
