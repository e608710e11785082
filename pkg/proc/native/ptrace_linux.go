//go:build linux && amd64
// +build linux,amd64

package native

import (
	"encoding/binary"
	"fmt"

	sys "golang.org/x/sys/unix"
)

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid int) error {
	return sys.PtraceSingleStep(tid)
}

// ptracePeekWord executes ptrace PTRACE_PEEKDATA for one word.
func ptracePeekWord(tid int, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := sys.PtracePeekData(tid, uintptr(addr), buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ptracePokeWord executes ptrace PTRACE_POKEDATA for one word.
func ptracePokeWord(tid int, addr, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	n, err := sys.PtracePokeData(tid, uintptr(addr), buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write: %d bytes", n)
	}
	return nil
}

// ptraceGetRegs executes ptrace PTRACE_GETREGS
func ptraceGetRegs(tid int, regs *sys.PtraceRegs) error {
	return sys.PtraceGetRegs(tid, regs)
}

// ptraceSetRegs executes ptrace PTRACE_SETREGS
func ptraceSetRegs(tid int, regs *sys.PtraceRegs) error {
	return sys.PtraceSetRegs(tid, regs)
}
