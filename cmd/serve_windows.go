//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op: Windows has no setsid, and the detached server
// already survives the console that ran `lineage serve start`.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals are the signals that make `lineage serve` drain and exit.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM is SIGKILL here: os.Process.Signal on Windows only delivers a
// kill, so `serve stop` cannot drain the server first.
func sigTERM() syscall.Signal { return syscall.SIGKILL }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
