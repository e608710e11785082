package symbols

import (
	"fmt"
	"strconv"
	"strings"
)

// LocationKind is the syntactic form of a location specification.
type LocationKind uint8

const (
	// AddrLocation is a raw address, 0x<hex> or *<address>.
	AddrLocation LocationKind = iota
	// LineLocation is a line in the file of the entry function, <line>.
	LineLocation
	// FileLineLocation is <file>:<line>.
	FileLineLocation
	// FuncLocation is the name of a function.
	FuncLocation
)

// Location is a parsed location specification.
type Location struct {
	Kind LocationKind
	Spec string
	Addr uint64
	File string
	Line int
	Func string
}

// ParseLocation parses a location specification. Accepted forms are
// 0x<hex address>, *<address>, <line>, <file>:<line> and <function>.
func ParseLocation(spec string) (*Location, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty location")
	}
	loc := &Location{Spec: spec}

	if strings.HasPrefix(spec, "*") {
		addr, err := strconv.ParseUint(spec[1:], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %v", spec, err)
		}
		loc.Kind, loc.Addr = AddrLocation, addr
		return loc, nil
	}

	if strings.HasPrefix(strings.ToLower(spec), "0x") {
		addr, err := strconv.ParseUint(spec[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %v", spec, err)
		}
		loc.Kind, loc.Addr = AddrLocation, addr
		return loc, nil
	}

	if line, err := strconv.Atoi(spec); err == nil {
		if line <= 0 {
			return nil, fmt.Errorf("invalid line number %d", line)
		}
		loc.Kind, loc.Line = LineLocation, line
		return loc, nil
	}

	if i := strings.LastIndex(spec, ":"); i > 0 {
		if line, err := strconv.Atoi(spec[i+1:]); err == nil {
			if line <= 0 {
				return nil, fmt.Errorf("invalid line number %d", line)
			}
			loc.Kind, loc.File, loc.Line = FileLineLocation, spec[:i], line
			return loc, nil
		}
	}

	loc.Kind, loc.Func = FuncLocation, spec
	return loc, nil
}

// FindLocation resolves a location specification to a link time address.
func (t *Table) FindLocation(spec string) (uint64, error) {
	loc, err := ParseLocation(spec)
	if err != nil {
		return 0, err
	}
	return t.Resolve(loc)
}

// Resolve returns the link time address of loc.
func (t *Table) Resolve(loc *Location) (uint64, error) {
	switch loc.Kind {
	case AddrLocation:
		return loc.Addr, nil
	case LineLocation:
		return t.PCForLine("", loc.Line)
	case FileLineLocation:
		return t.PCForLine(loc.File, loc.Line)
	default:
		return t.PCForFunction(loc.Func)
	}
}
