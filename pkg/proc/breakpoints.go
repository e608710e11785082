package proc

import (
	"fmt"
	"sort"
)

// breakpointInstr is the int3 instruction written over the first byte of
// the instruction at a breakpoint address.
const breakpointInstr byte = 0xCC

// Breakpoint represents a software breakpoint installed in the traced
// process.
type Breakpoint struct {
	// ID is a stable, user facing identifier.
	ID int
	// Addr is the address the trap byte was written to.
	Addr uint64
	// OriginalData is the byte that was at Addr before the first time the
	// breakpoint was installed.
	OriginalData byte
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %#x", bp.ID, bp.Addr)
}

// BreakpointMap represents an (address, breakpoint) map.
type BreakpointMap struct {
	M map[uint64]*Breakpoint

	breakpointIDCounter int
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() BreakpointMap {
	return BreakpointMap{
		M: make(map[uint64]*Breakpoint),
	}
}

// add records a breakpoint at addr with the given original byte, unless one
// is already present. The original byte of an existing entry is never
// replaced.
func (bpmap *BreakpointMap) add(addr uint64, orig byte) *Breakpoint {
	if bp, ok := bpmap.M[addr]; ok {
		return bp
	}
	bpmap.breakpointIDCounter++
	bp := &Breakpoint{ID: bpmap.breakpointIDCounter, Addr: addr, OriginalData: orig}
	bpmap.M[addr] = bp
	return bp
}

// List returns the breakpoints ordered by ID.
func (bpmap *BreakpointMap) List() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}
