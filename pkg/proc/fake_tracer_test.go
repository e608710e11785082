package proc

import (
	"errors"
	"syscall"
	"testing"
)

var errFakeIO = errors.New("input/output error")

type fakeWaitStatus struct {
	exited   bool
	code     int
	signaled bool
	stopped  bool
	sig      syscall.Signal
}

func (ws fakeWaitStatus) Exited() bool               { return ws.exited }
func (ws fakeWaitStatus) ExitStatus() int            { return ws.code }
func (ws fakeWaitStatus) Signaled() bool             { return ws.signaled }
func (ws fakeWaitStatus) Signal() syscall.Signal     { return ws.sig }
func (ws fakeWaitStatus) Stopped() bool              { return ws.stopped }
func (ws fakeWaitStatus) StopSignal() syscall.Signal { return ws.sig }

func stopStatus(sig syscall.Signal) fakeWaitStatus {
	return fakeWaitStatus{stopped: true, sig: sig}
}

func exitStatus(code int) fakeWaitStatus {
	return fakeWaitStatus{exited: true, code: code}
}

func killStatus(sig syscall.Signal) fakeWaitStatus {
	return fakeWaitStatus{signaled: true, sig: sig}
}

type fakeRegs struct{ pc, bp, sp uint64 }

func (r fakeRegs) PC() uint64 { return r.pc }
func (r fakeRegs) BP() uint64 { return r.bp }
func (r fakeRegs) SP() uint64 { return r.sp }

// fakeTracer simulates a single threaded program whose instructions are one
// byte long. The program executes the addresses in path in order and exits
// with exitCode after the last one. Executing an address that contains the
// trap byte stops the program with SIGTRAP and the program counter one past
// the trap, without executing the instruction.
type fakeTracer struct {
	t   *testing.T
	pid int

	mem map[uint64]byte

	path     []uint64
	pos      int
	exitCode int
	regs     fakeRegs

	pending []fakeWaitStatus
	exited  bool

	// stepSignal, if set, is reported instead of SIGTRAP by the next
	// single step.
	stepSignal syscall.Signal
	// failPoke makes every PokeWord fail.
	failPoke bool
	// failWait makes every Wait fail.
	failWait bool

	steps    int
	conts    int
	released int
}

func newFakeTracer(t *testing.T, path []uint64, exitCode int) *fakeTracer {
	ft := &fakeTracer{
		t:        t,
		pid:      4242,
		mem:      make(map[uint64]byte),
		path:     path,
		exitCode: exitCode,
		pending:  []fakeWaitStatus{stopStatus(syscall.SIGTRAP)},
	}
	if len(path) > 0 {
		ft.regs.pc = path[0]
	}
	return ft
}

// mapText maps size bytes of program text starting at addr, filled with
// a recognizable pattern.
func (ft *fakeTracer) mapText(addr uint64, size int) {
	for i := 0; i < size; i++ {
		ft.mem[addr+uint64(i)] = byte(0x50 + i%0x40)
	}
}

func (ft *fakeTracer) setWord(addr, word uint64) {
	for i := uint64(0); i < wordSize; i++ {
		ft.mem[addr+i] = byte(word >> (8 * i))
	}
}

func (ft *fakeTracer) Pid() int { return ft.pid }

func (ft *fakeTracer) PeekWord(addr uint64) (uint64, error) {
	var word uint64
	for i := uint64(0); i < wordSize; i++ {
		b, ok := ft.mem[addr+i]
		if !ok {
			return 0, errFakeIO
		}
		word |= uint64(b) << (8 * i)
	}
	return word, nil
}

func (ft *fakeTracer) PokeWord(addr, word uint64) error {
	if ft.failPoke {
		return errFakeIO
	}
	for i := uint64(0); i < wordSize; i++ {
		if _, ok := ft.mem[addr+i]; !ok {
			return errFakeIO
		}
	}
	ft.setWord(addr, word)
	return nil
}

func (ft *fakeTracer) Registers() (Registers, error) {
	if ft.exited {
		return nil, &RegistersError{Err: syscall.ESRCH}
	}
	return ft.regs, nil
}

func (ft *fakeTracer) SetPC(pc uint64) error {
	if ft.pos >= len(ft.path) || ft.path[ft.pos] != pc {
		ft.t.Errorf("SetPC(%#x) does not rewind to the pending instruction", pc)
	}
	ft.regs.pc = pc
	return nil
}

// exec executes the instruction at path[pos]. It returns false if the
// instruction was a trap.
func (ft *fakeTracer) exec() bool {
	addr := ft.path[ft.pos]
	if ft.regs.pc != addr {
		ft.t.Errorf("resumed at %#x, expected %#x", ft.regs.pc, addr)
	}
	if ft.mem[addr] == breakpointInstr {
		ft.regs.pc = addr + 1
		return false
	}
	ft.pos++
	if ft.pos < len(ft.path) {
		ft.regs.pc = ft.path[ft.pos]
	}
	return true
}

func (ft *fakeTracer) Continue() error {
	ft.conts++
	for ft.pos < len(ft.path) {
		if !ft.exec() {
			ft.pending = append(ft.pending, stopStatus(syscall.SIGTRAP))
			return nil
		}
	}
	ft.pending = append(ft.pending, exitStatus(ft.exitCode))
	return nil
}

func (ft *fakeTracer) SingleStep() error {
	ft.steps++
	if ft.stepSignal != 0 {
		ft.pending = append(ft.pending, stopStatus(ft.stepSignal))
		ft.stepSignal = 0
		return nil
	}
	if ft.pos >= len(ft.path) {
		ft.pending = append(ft.pending, exitStatus(ft.exitCode))
		return nil
	}
	ft.exec()
	if ft.pos >= len(ft.path) {
		ft.pending = append(ft.pending, exitStatus(ft.exitCode))
		return nil
	}
	ft.pending = append(ft.pending, stopStatus(syscall.SIGTRAP))
	return nil
}

func (ft *fakeTracer) Wait() (WaitStatus, error) {
	if ft.failWait {
		return nil, syscall.ECHILD
	}
	if len(ft.pending) == 0 {
		return nil, syscall.ECHILD
	}
	ws := ft.pending[0]
	ft.pending = ft.pending[1:]
	if ws.exited || ws.signaled {
		ft.exited = true
	}
	return ws, nil
}

func (ft *fakeTracer) Exited() bool { return ft.exited }

func (ft *fakeTracer) Kill() error {
	if ft.exited {
		return syscall.ESRCH
	}
	ft.pending = []fakeWaitStatus{killStatus(syscall.SIGKILL)}
	return nil
}

func (ft *fakeTracer) Release() { ft.released++ }
