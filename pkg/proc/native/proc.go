// Package native implements proc.Tracer on top of ptrace(2) for
// linux/amd64.
package native

import (
	"errors"
	"io"
	"runtime"

	"github.com/go-deet/deet/pkg/proc"
)

// ErrNativeBackendDisabled is returned on platforms the native backend does
// not support.
var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// LaunchConfig contains the options used to start a traced process.
type LaunchConfig struct {
	// WorkingDir is the working directory of the new process. The current
	// directory is used when empty.
	WorkingDir string
	// TTY is the path of a terminal to use as the controlling terminal and
	// standard streams of the new process.
	TTY string
	// DisableASLR turns off address space layout randomization for the new
	// process.
	DisableASLR bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a process traced through ptrace(2). It implements
// proc.Tracer.
type Process struct {
	pid  int
	path string
	os   *osProcessDetails

	// List of channels used to run ptrace requests on a single OS thread.
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	released       bool
}

var _ proc.Tracer = (*Process)(nil)

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(path string) *Process {
	dbp := &Process{
		path:           path,
		os:             new(osProcessDetails),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Launch starts cmd under trace control, waits for it to stop on its exec
// and installs breakpoints at the given addresses.
func Launch(cmd []string, cfg LaunchConfig, breakpoints []uint64) (*proc.Inferior, error) {
	dbp, err := Start(cmd, cfg)
	if err != nil {
		return nil, err
	}
	return proc.NewInferior(dbp, cmd[0], breakpoints)
}

// Pid returns the process id of the traced process.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Path returns the path of the executable.
func (dbp *Process) Path() string {
	return dbp.path
}

// Release stops the ptrace goroutine. The process must have been reaped.
func (dbp *Process) Release() {
	if dbp.released {
		return
	}
	dbp.released = true
	close(dbp.ptraceChan)
	dbp.os.Close()
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_TRACEME to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

// ptrace runs fn on the ptrace thread and returns its error.
func (dbp *Process) ptrace(fn func() error) error {
	if dbp.released {
		return proc.ProcessExitedError{Pid: dbp.pid}
	}
	var err error
	dbp.execPtraceFunc(func() { err = fn() })
	return err
}
