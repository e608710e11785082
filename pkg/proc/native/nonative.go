//go:build !linux || !amd64
// +build !linux !amd64

package native

import (
	"github.com/go-deet/deet/pkg/proc"
)

type osProcessDetails struct{}

func (os *osProcessDetails) Close() {}

// Start returns ErrNativeBackendDisabled.
func Start(_ []string, _ LaunchConfig) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) Wait() (proc.WaitStatus, error)       { return nil, ErrNativeBackendDisabled }
func (dbp *Process) Exited() bool                         { return true }
func (dbp *Process) Continue() error                      { return ErrNativeBackendDisabled }
func (dbp *Process) SingleStep() error                    { return ErrNativeBackendDisabled }
func (dbp *Process) PeekWord(addr uint64) (uint64, error) { return 0, ErrNativeBackendDisabled }
func (dbp *Process) PokeWord(addr, word uint64) error     { return ErrNativeBackendDisabled }
func (dbp *Process) Kill() error                          { return ErrNativeBackendDisabled }
func (dbp *Process) EntryPoint() (uint64, error)          { return 0, ErrNativeBackendDisabled }
func (dbp *Process) Registers() (proc.Registers, error)   { return nil, ErrNativeBackendDisabled }
func (dbp *Process) SetPC(pc uint64) error                { return ErrNativeBackendDisabled }
