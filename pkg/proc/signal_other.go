//go:build windows
// +build windows

package proc

import "syscall"

// SignalName returns a description of sig.
func SignalName(sig syscall.Signal) string {
	return sig.String()
}
