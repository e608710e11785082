package proc

import (
	"fmt"
	"syscall"
)

// Status is the outcome of waiting on the traced process. It is one of
// Stopped, Exited or Signaled.
type Status interface {
	fmt.Stringer
	isStatus()
}

// Stopped means the process is stopped by Signal with its program counter
// at PC. It can be resumed.
type Stopped struct {
	Signal syscall.Signal
	PC     uint64
}

// Exited means the process terminated normally with exit status Code.
type Exited struct {
	Code int
}

// Signaled means the process was terminated by Signal.
type Signaled struct {
	Signal syscall.Signal
}

func (Stopped) isStatus()  {}
func (Exited) isStatus()   {}
func (Signaled) isStatus() {}

func (s Stopped) String() string {
	return fmt.Sprintf("stopped (signal %s) at %#x", SignalName(s.Signal), s.PC)
}

func (s Exited) String() string {
	return fmt.Sprintf("exited (status %d)", s.Code)
}

func (s Signaled) String() string {
	return fmt.Sprintf("signaled (signal %s)", SignalName(s.Signal))
}

// Terminal returns true if s means the process no longer exists.
func Terminal(s Status) bool {
	switch s.(type) {
	case Exited, Signaled:
		return true
	}
	return false
}

// WaitStatus is the raw result of a wait on the traced process, as
// returned by the Tracer. golang.org/x/sys/unix.WaitStatus satisfies it.
type WaitStatus interface {
	Exited() bool
	ExitStatus() int
	Signaled() bool
	Signal() syscall.Signal
	Stopped() bool
	StopSignal() syscall.Signal
}

func decodeStatus(t Tracer, ws WaitStatus) (Status, error) {
	switch {
	case ws.Exited():
		return Exited{Code: ws.ExitStatus()}, nil
	case ws.Signaled():
		return Signaled{Signal: ws.Signal()}, nil
	case ws.Stopped():
		regs, err := t.Registers()
		if err != nil {
			return nil, err
		}
		return Stopped{Signal: ws.StopSignal(), PC: regs.PC()}, nil
	}
	return nil, &ProtocolError{Pid: t.Pid(), Msg: fmt.Sprintf("unexpected wait status %#v", ws)}
}
