package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-deet/deet/pkg/proc"
)

// amd64Registers is a snapshot of the general purpose registers.
type amd64Registers struct {
	regs sys.PtraceRegs
}

func (r *amd64Registers) PC() uint64 { return r.regs.Rip }
func (r *amd64Registers) BP() uint64 { return r.regs.Rbp }
func (r *amd64Registers) SP() uint64 { return r.regs.Rsp }

// Registers returns the registers of the stopped process.
func (dbp *Process) Registers() (proc.Registers, error) {
	r := &amd64Registers{}
	err := dbp.ptrace(func() error { return ptraceGetRegs(dbp.pid, &r.regs) })
	if err != nil {
		return nil, &proc.RegistersError{Err: err}
	}
	return r, nil
}

// SetPC sets the instruction pointer of the stopped process.
func (dbp *Process) SetPC(pc uint64) error {
	err := dbp.ptrace(func() error {
		var regs sys.PtraceRegs
		if err := ptraceGetRegs(dbp.pid, &regs); err != nil {
			return err
		}
		regs.Rip = pc
		return ptraceSetRegs(dbp.pid, &regs)
	})
	if err != nil {
		return &proc.RegistersError{Err: err}
	}
	return nil
}
