//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs starts the background server in its own session so it
// outlives the terminal that ran `lineage serve start`.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals are the signals that make `lineage serve` drain and exit.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// sigTERM asks the server to shut down gracefully.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL is sent once serveStopTimeout has passed.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
