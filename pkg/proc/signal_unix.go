//go:build !windows
// +build !windows

package proc

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

// SignalName returns the symbolic name of sig, for example "SIGTRAP".
func SignalName(sig syscall.Signal) string {
	if name := sys.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
