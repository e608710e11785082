package proc

import (
	"errors"
	"fmt"
)

// ErrStackTooDeep is returned by Backtrace when the frame chain is longer
// than the requested depth.
var ErrStackTooDeep = errors.New("stack too deep")

// LaunchError is returned when a traced process could not be started or did
// not reach its initial trap stop.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not launch process %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// MemoryError is returned when reading or writing the memory of the target
// fails.
type MemoryError struct {
	Write bool
	Addr  uint64
	Err   error
}

func (e *MemoryError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("could not %s memory at %#x: %v", op, e.Addr, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// RegistersError is returned when the register set of the target could not
// be read or modified.
type RegistersError struct {
	Err error
}

func (e *RegistersError) Error() string {
	return fmt.Sprintf("could not access registers: %v", e.Err)
}

func (e *RegistersError) Unwrap() error { return e.Err }

// ProtocolError is returned when the traced process reports a state change
// that the tracer cannot interpret. It is not recoverable: the session
// that receives it should kill the target and stop.
type ProtocolError struct {
	Pid int
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("process %d: %s", e.Pid, e.Msg)
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}

// ProcessExitedError indicates that the process has exited. The exit
// status is reported by the Status that ended it.
type ProcessExitedError struct {
	Pid int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("Process %d has exited", pe.Pid)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}
