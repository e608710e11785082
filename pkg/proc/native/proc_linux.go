//go:build linux && amd64
// +build linux,amd64

package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-deet/deet/pkg/logflags"
	"github.com/go-deet/deet/pkg/proc"
	"github.com/go-deet/deet/pkg/proc/linutil"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// osProcessDetails contains Linux specific
// process details.
type osProcessDetails struct {
	// pending is a wait status that was collected but not yet returned
	// by Wait.
	pending *sys.WaitStatus
	exited  bool
	ctty    *os.File
}

func (os *osProcessDetails) Close() {
	if os.ctty != nil {
		os.ctty.Close()
	}
}

// Start creates a new process under trace control and waits for it to
// stop. First entry in `cmd` is the program to run, and then rest are the
// arguments to be supplied to that process. The status of the first stop
// is returned by the first call to Wait.
func Start(cmd []string, cfg LaunchConfig) (*Process, error) {
	if len(cmd) == 0 {
		return nil, &proc.LaunchError{Err: errors.New("no program specified")}
	}
	var (
		process *exec.Cmd
		err     error
	)

	dbp := newProcess(cmd[0])
	dbp.execPtraceFunc(func() {
		if cfg.DisableASLR {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Stdin = cfg.Stdin
		process.Stdout = cfg.Stdout
		process.Stderr = cfg.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if cfg.TTY != "" {
			dbp.os.ctty, err = attachProcessToTTY(process, cfg.TTY)
			if err != nil {
				return
			}
		}
		if cfg.WorkingDir != "" {
			process.Dir = cfg.WorkingDir
		}
		err = process.Start()
	})
	if err != nil {
		dbp.Release()
		return nil, &proc.LaunchError{Path: cmd[0], Err: err}
	}
	dbp.pid = process.Process.Pid
	logflags.PtraceLogger().Debugf("started %s with pid %d", cmd[0], dbp.pid)

	ws, err := dbp.wait(0)
	if err != nil {
		sys.Kill(dbp.pid, sys.SIGKILL)
		dbp.wait(0)
		dbp.Release()
		return nil, &proc.LaunchError{Path: cmd[0], Err: fmt.Errorf("waiting for target execve failed: %v", err)}
	}
	dbp.os.pending = ws
	return dbp, nil
}

func (dbp *Process) wait(options int) (*sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(dbp.pid, &s, sys.WALL|options, nil)
	if err != nil {
		return nil, err
	}
	if wpid == 0 {
		return nil, nil
	}
	return &s, nil
}

// Wait blocks until the process changes state.
func (dbp *Process) Wait() (proc.WaitStatus, error) {
	ws := dbp.os.pending
	dbp.os.pending = nil
	if ws == nil {
		var err error
		ws, err = dbp.wait(0)
		if err != nil {
			return nil, err
		}
	}
	if ws.Exited() || ws.Signaled() {
		dbp.os.exited = true
	}
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("wait(%d) = %#x", dbp.pid, uint32(*ws))
	}
	return *ws, nil
}

// Exited checks without blocking whether the process has terminated. A
// status collected while checking is returned by the next call to Wait.
func (dbp *Process) Exited() bool {
	if dbp.os.exited {
		return true
	}
	if dbp.os.pending != nil {
		return dbp.os.pending.Exited() || dbp.os.pending.Signaled()
	}
	ws, err := dbp.wait(sys.WNOHANG)
	if err != nil {
		// ECHILD: nothing left to wait for.
		dbp.os.exited = true
		return true
	}
	if ws == nil {
		return false
	}
	dbp.os.pending = ws
	return ws.Exited() || ws.Signaled()
}

// Continue resumes the process.
func (dbp *Process) Continue() error {
	return dbp.ptrace(func() error { return ptraceCont(dbp.pid, 0) })
}

// SingleStep executes a single instruction.
func (dbp *Process) SingleStep() error {
	return dbp.ptrace(func() error { return ptraceSingleStep(dbp.pid) })
}

// PeekWord reads the word at addr.
func (dbp *Process) PeekWord(addr uint64) (uint64, error) {
	var word uint64
	err := dbp.ptrace(func() error {
		var err error
		word, err = ptracePeekWord(dbp.pid, addr)
		return err
	})
	return word, err
}

// PokeWord writes the word at addr.
func (dbp *Process) PokeWord(addr, word uint64) error {
	return dbp.ptrace(func() error { return ptracePokeWord(dbp.pid, addr, word) })
}

// Kill sends SIGKILL to the process group of the target.
func (dbp *Process) Kill() error {
	if dbp.os.exited {
		return proc.ProcessExitedError{Pid: dbp.pid}
	}
	if err := sys.Kill(-dbp.pid, sys.SIGKILL); err != nil {
		return errors.New("could not deliver signal " + err.Error())
	}
	return nil
}

// EntryPoint will return the process entry point address, useful for
// debugging PIEs.
func (dbp *Process) EntryPoint() (uint64, error) {
	auxvbuf, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", dbp.pid))
	if err != nil {
		return 0, fmt.Errorf("could not read auxiliary vector: %v", err)
	}

	return linutil.EntryPointFromAuxv(auxvbuf, 8), nil
}
