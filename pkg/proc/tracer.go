package proc

// MemoryReadWriter reads and writes the memory of the target one machine
// word at a time.
type MemoryReadWriter interface {
	PeekWord(addr uint64) (uint64, error)
	PokeWord(addr, word uint64) error
}

// Registers is the subset of the register set used by the stepping and
// unwinding logic.
type Registers interface {
	PC() uint64
	BP() uint64
	SP() uint64
}

// Tracer is the operating system interface used by Inferior to control one
// traced process. Every method blocks until the request has been carried
// out. Tracers are not safe for concurrent use.
type Tracer interface {
	MemoryReadWriter

	// Pid returns the process id of the traced process.
	Pid() int
	// Registers returns a snapshot of the registers of the stopped process.
	Registers() (Registers, error)
	// SetPC sets the program counter of the stopped process.
	SetPC(pc uint64) error
	// Continue resumes the stopped process without delivering a signal.
	Continue() error
	// SingleStep resumes the stopped process for one instruction.
	SingleStep() error
	// Wait blocks until the process changes state.
	Wait() (WaitStatus, error)
	// Exited checks, without blocking, whether the process has terminated.
	Exited() bool
	// Kill sends SIGKILL to the process. The caller must reap it with Wait.
	Kill() error
	// Release frees the resources associated with the tracer. It must be
	// called once the process has been reaped.
	Release()
}
