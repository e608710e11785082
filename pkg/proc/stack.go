package proc

import "fmt"

// UnknownLocation is used in place of a function or file name that the
// symbol table could not resolve.
const UnknownLocation = "unknown"

// SymbolResolver maps program counters to source locations.
type SymbolResolver interface {
	LineForPC(pc uint64) (file string, line int, ok bool)
	FunctionForPC(pc uint64) (name string, ok bool)
}

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	PC       uint64
	Function string
	File     string
	Line     int
}

func (frame Stackframe) String() string {
	if frame.File == UnknownLocation {
		return fmt.Sprintf("%s (%s) at %#x", frame.Function, UnknownLocation, frame.PC)
	}
	return fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line)
}

func newStackframe(resolver SymbolResolver, pc uint64) Stackframe {
	frame := Stackframe{PC: pc, Function: UnknownLocation, File: UnknownLocation}
	if resolver == nil {
		return frame
	}
	if fn, ok := resolver.FunctionForPC(pc); ok {
		frame.Function = fn
	}
	if file, line, ok := resolver.LineForPC(pc); ok {
		frame.File, frame.Line = file, line
	}
	return frame
}

// Backtrace walks the chain of saved frame pointers starting at the current
// frame. The walk stops after emitting a frame of entryFn, when the frame
// pointer becomes zero, or after depth frames (in which case
// ErrStackTooDeep is returned with the frames). If reading the stack fails
// the frames collected so far are returned together with the error.
func (inf *Inferior) Backtrace(resolver SymbolResolver, entryFn string, depth int) ([]Stackframe, error) {
	if inf.exited {
		return nil, ProcessExitedError{Pid: inf.Pid()}
	}
	regs, err := inf.t.Registers()
	if err != nil {
		return nil, err
	}
	pc, bp := regs.PC(), regs.BP()

	var frames []Stackframe
	for {
		if depth > 0 && len(frames) >= depth {
			return frames, ErrStackTooDeep
		}
		frame := newStackframe(resolver, pc)
		frames = append(frames, frame)
		if frame.Function == entryFn || bp == 0 {
			return frames, nil
		}
		ret, err := readWord(inf.t, bp+wordSize)
		if err != nil {
			return frames, err
		}
		next, err := readWord(inf.t, bp)
		if err != nil {
			return frames, err
		}
		pc, bp = ret, next
	}
}
