package proc

import (
	"fmt"
	"syscall"

	"github.com/go-deet/deet/pkg/logflags"
)

// Inferior is a process being debugged. It exclusively owns its Tracer:
// once Kill has been called, or Resume has reported a terminal status,
// the Inferior must be discarded.
type Inferior struct {
	t           Tracer
	breakpoints BreakpointMap
	exited      bool
	status      Status
}

// NewInferior takes control of a freshly launched process. The process must
// be stopped on the trap raised by its exec. The addresses in breakpoints
// are installed before returning. If the process is in any other state it
// is killed and reaped, the tracer is released and a *LaunchError is
// returned.
func NewInferior(t Tracer, path string, breakpoints []uint64) (*Inferior, error) {
	inf := &Inferior{t: t, breakpoints: NewBreakpointMap()}
	status, err := inf.wait()
	if err != nil {
		inf.abort()
		return nil, &LaunchError{Path: path, Err: err}
	}
	if stopped, ok := status.(Stopped); !ok || stopped.Signal != syscall.SIGTRAP {
		inf.abort()
		return nil, &LaunchError{Path: path, Err: fmt.Errorf("unexpected initial state: %v", status)}
	}
	inf.status = status
	for _, addr := range breakpoints {
		inf.InstallBreakpoint(addr)
	}
	return inf, nil
}

// abort kills the process if it is still alive and releases the tracer.
func (inf *Inferior) abort() {
	if inf.exited {
		return
	}
	if !inf.t.Exited() {
		if err := inf.t.Kill(); err == nil {
			inf.t.Wait()
		}
	}
	inf.exited = true
	inf.t.Release()
}

// Pid returns the process id of the traced process.
func (inf *Inferior) Pid() int {
	return inf.t.Pid()
}

// Exited returns true once the process is known to have terminated.
func (inf *Inferior) Exited() bool {
	return inf.exited
}

// Status returns the last status reported by the process.
func (inf *Inferior) Status() Status {
	return inf.status
}

// Breakpoints returns the installed breakpoints, ordered by ID.
func (inf *Inferior) Breakpoints() []*Breakpoint {
	return inf.breakpoints.List()
}

// SetBreakpoint writes a trap instruction at addr. Installing a breakpoint
// twice is harmless: the original byte is recorded only the first time.
// If the memory access fails the breakpoint table is left unchanged.
func (inf *Inferior) SetBreakpoint(addr uint64) (*Breakpoint, error) {
	if inf.exited || inf.t.Exited() {
		return nil, ProcessExitedError{Pid: inf.Pid()}
	}
	orig, err := writeByte(inf.t, addr, breakpointInstr)
	if err != nil {
		return nil, err
	}
	bp := inf.breakpoints.add(addr, orig)
	logflags.ProcLogger().Debugf("installed breakpoint %d at %#x (original byte %#02x)", bp.ID, addr, bp.OriginalData)
	return bp, nil
}

// InstallBreakpoint is like SetBreakpoint but only logs failures. It is a
// no-op if the process has exited.
func (inf *Inferior) InstallBreakpoint(addr uint64) {
	if _, err := inf.SetBreakpoint(addr); err != nil {
		logflags.ProcLogger().Errorf("could not set breakpoint at %#x: %v", addr, err)
	}
}

// ClearBreakpoint restores the original byte at addr and forgets the
// breakpoint. A process parked just past the trap is moved back to addr so
// that it executes the restored instruction when resumed.
func (inf *Inferior) ClearBreakpoint(addr uint64) (*Breakpoint, error) {
	bp, ok := inf.breakpoints.M[addr]
	if !ok {
		return nil, NoBreakpointError{Addr: addr}
	}
	if inf.exited {
		return nil, ProcessExitedError{Pid: inf.Pid()}
	}
	if _, err := writeByte(inf.t, addr, bp.OriginalData); err != nil {
		return nil, err
	}
	delete(inf.breakpoints.M, addr)

	if pc, err := inf.PC(); err == nil && pc == addr+1 {
		if err := inf.t.SetPC(addr); err != nil {
			return bp, err
		}
	}
	return bp, nil
}

// PC returns the current program counter.
func (inf *Inferior) PC() (uint64, error) {
	regs, err := inf.t.Registers()
	if err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

// Resume continues the stopped process until it stops again or
// terminates. If the process is stopped just after a breakpoint trap the
// original instruction is executed first and the trap is re-armed, so that
// the breakpoint fires again the next time it is reached.
func (inf *Inferior) Resume() (Status, error) {
	if inf.exited {
		return nil, ProcessExitedError{Pid: inf.Pid()}
	}
	pc, err := inf.PC()
	if err != nil {
		return nil, err
	}

	if bp, ok := inf.breakpoints.M[pc-1]; ok {
		status, err := inf.stepOverBreakpoint(bp)
		if err != nil || Terminal(status) {
			return status, err
		}
	}

	if err := inf.t.Continue(); err != nil {
		return nil, fmt.Errorf("could not continue process %d: %w", inf.Pid(), err)
	}
	return inf.wait()
}

// stepOverBreakpoint executes the instruction under bp with the original
// byte in place, then puts the trap back. A terminal status is returned if
// the process died during the step, otherwise the returned status is nil.
func (inf *Inferior) stepOverBreakpoint(bp *Breakpoint) (Status, error) {
	log := logflags.ProcLogger()
	log.Debugf("stepping over breakpoint %d at %#x", bp.ID, bp.Addr)

	if _, err := writeByte(inf.t, bp.Addr, bp.OriginalData); err != nil {
		log.Errorf("could not restore original instruction at %#x: %v", bp.Addr, err)
	}
	if err := inf.t.SetPC(bp.Addr); err != nil {
		return nil, err
	}
	if err := inf.t.SingleStep(); err != nil {
		return nil, fmt.Errorf("could not single step process %d: %w", inf.Pid(), err)
	}
	status, err := inf.wait()
	if err != nil {
		return nil, err
	}
	switch s := status.(type) {
	case Exited, Signaled:
		return status, nil
	case Stopped:
		if s.Signal != syscall.SIGTRAP {
			return nil, &ProtocolError{Pid: inf.Pid(), Msg: fmt.Sprintf("received %s while stepping over breakpoint at %#x", SignalName(s.Signal), bp.Addr)}
		}
	}
	inf.InstallBreakpoint(bp.Addr)
	return nil, nil
}

// wait waits for the next state change and decodes it. A terminal status
// marks the Inferior as exited and releases the tracer.
func (inf *Inferior) wait() (Status, error) {
	ws, err := inf.t.Wait()
	if err != nil {
		return nil, fmt.Errorf("could not wait on process %d: %w", inf.Pid(), err)
	}
	status, err := decodeStatus(inf.t, ws)
	if err != nil {
		return nil, err
	}
	inf.status = status
	if Terminal(status) && !inf.exited {
		inf.exited = true
		inf.t.Release()
	}
	return status, nil
}

// Kill terminates the process with SIGKILL and reaps it. It does nothing if
// the process has already exited.
func (inf *Inferior) Kill() error {
	if inf.exited {
		return nil
	}
	pid := inf.Pid()
	logflags.ProcLogger().Debugf("killing process %d", pid)
	if err := inf.t.Kill(); err != nil {
		return fmt.Errorf("could not kill process %d: %w", pid, err)
	}
	status, err := inf.wait()
	if err != nil {
		inf.abort()
		return &ProtocolError{Pid: pid, Msg: fmt.Sprintf("could not reap killed process: %v", err)}
	}
	if !Terminal(status) {
		inf.abort()
		return &ProtocolError{Pid: pid, Msg: fmt.Sprintf("process %v after SIGKILL", status)}
	}
	return nil
}
