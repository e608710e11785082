// Package symbols maps between program counters and source locations of a
// native executable using its ELF symbol table and DWARF debug
// information.
package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-deet/deet/pkg/logflags"
)

const pcCacheSize = 1024

// ErrNoDebugInfo is returned when the executable has no DWARF sections.
var ErrNoDebugInfo = errors.New("could not find debug information")

// ErrAmbiguous is returned when a file name matches more than one file of
// the program.
type ErrAmbiguous struct {
	Location   string
	Candidates []string
}

func (a *ErrAmbiguous) Error() string {
	return fmt.Sprintf("Location %q ambiguous: %s", a.Location, strings.Join(a.Candidates, ", "))
}

// Function is a function of the program with a contiguous address range.
type Function struct {
	Name  string
	Entry uint64
	End   uint64
}

type lineRow struct {
	pc      uint64
	file    string
	line    int
	isStmt  bool
	prolEnd bool
	endSeq  bool
}

type pcInfo struct {
	fn         string
	file       string
	line       int
	fnOK, lnOK bool
}

// Table is the symbol table of one executable. Addresses are link time
// addresses: for position independent executables the caller is
// responsible for subtracting the load bias.
type Table struct {
	path     string
	elfEntry uint64
	pie      bool

	funcs       []*Function
	funcsByName map[string]*Function
	rows        []lineRow
	fileIdx     map[string][]string
	fileLines   map[string]map[int]uint64

	entryFn   string
	pcCache   *lru.Cache
	funcNames *trie.Trie
}

// Load opens the executable at path and loads its debug information.
func Load(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %v", path, err)
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%w in %s: %v", ErrNoDebugInfo, path, err)
	}

	t := newTable()
	t.path = path
	t.elfEntry = f.Entry
	t.pie = f.Type == elf.ET_DYN
	if err := t.LoadImage(d); err != nil {
		return nil, err
	}
	t.loadELFSymbols(f)
	t.finish()
	return t, nil
}

func newTable() *Table {
	cache, _ := lru.New(pcCacheSize)
	return &Table{
		funcsByName: make(map[string]*Function),
		fileIdx:     make(map[string][]string),
		fileLines:   make(map[string]map[int]uint64),
		pcCache:     cache,
		funcNames:   trie.New(),
	}
}

// LoadImage loads the debug information from the given DWARF data.
func (t *Table) LoadImage(d *dwarf.Data) error {
	log := logflags.SymbolsLogger()
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			if err := t.loadLines(d, e); err != nil {
				name, _ := e.Val(dwarf.AttrName).(string)
				log.Warnf("could not read line table of %s: %v", name, err)
			}
			if e.Children {
				if err := t.loadFunctions(d, r); err != nil {
					return err
				}
			}
		default:
			r.SkipChildren()
		}
	}
	return nil
}

func (t *Table) loadLines(d *dwarf.Data, e *dwarf.Entry) error {
	lr, err := d.LineReader(e)
	if err != nil {
		return err
	}
	if lr == nil {
		return nil
	}
	for {
		var l dwarf.LineEntry
		err := lr.Next(&l)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		row := lineRow{pc: l.Address, line: l.Line, isStmt: l.IsStmt, prolEnd: l.PrologueEnd, endSeq: l.EndSequence}
		if l.File != nil {
			row.file = l.File.Name
		}
		t.rows = append(t.rows, row)
		if row.endSeq || !row.isStmt || row.file == "" {
			continue
		}
		lines, ok := t.fileLines[row.file]
		if !ok {
			lines = make(map[int]uint64)
			t.fileLines[row.file] = lines
		}
		if pc, ok := lines[row.line]; !ok || row.pc < pc {
			lines[row.line] = row.pc
		}
	}
	return nil
}

// loadFunctions reads the subprograms of the compile unit the reader is
// positioned in.
func (t *Table) loadFunctions(d *dwarf.Data, r *dwarf.Reader) error {
	depth := 0

	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}

		switch e.Tag {
		case 0:
			if depth == 0 {
				return nil
			}
			depth--
		case dwarf.TagSubprogram:
			t.addFunction(d, e)
			if e.Children {
				r.SkipChildren()
			}
		default:
			if e.Children {
				depth++
			}
		}
	}
}

func (t *Table) addFunction(d *dwarf.Data, e *dwarf.Entry) {
	name, ok := e.Val(dwarf.AttrName).(string)
	if !ok {
		return
	}
	ranges, _ := d.Ranges(e)
	if len(ranges) == 0 {
		return
	}
	t.insertFunction(&Function{Name: name, Entry: ranges[0][0], End: ranges[0][1]})
}

func (t *Table) insertFunction(fn *Function) {
	if _, dup := t.funcsByName[fn.Name]; dup {
		return
	}
	t.funcs = append(t.funcs, fn)
	t.funcsByName[fn.Name] = fn
	t.funcNames.Add(fn.Name, fn)
}

// loadELFSymbols adds functions that have no debug information (startup
// code, libc stubs) from the ELF symbol table.
func (t *Table) loadELFSymbols(f *elf.File) {
	syms, err := f.Symbols()
	if err != nil {
		logflags.SymbolsLogger().Debugf("no ELF symbol table in %s: %v", t.path, err)
		return
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Size == 0 {
			continue
		}
		t.insertFunction(&Function{Name: sym.Name, Entry: sym.Value, End: sym.Value + sym.Size})
	}
}

func (t *Table) finish() {
	sort.Slice(t.funcs, func(i, j int) bool { return t.funcs[i].Entry < t.funcs[j].Entry })
	sort.SliceStable(t.rows, func(i, j int) bool {
		if t.rows[i].pc != t.rows[j].pc {
			return t.rows[i].pc < t.rows[j].pc
		}
		return t.rows[i].endSeq && !t.rows[j].endSeq
	})
	for file := range t.fileLines {
		t.indexFile(file)
	}
	t.entryFn = t.defaultEntryFunction()
}

// indexFile makes file reachable by every suffix of its path that starts
// at a path separator, and by its base name.
func (t *Table) indexFile(file string) {
	t.fileIdx[filepath.Base(file)] = append(t.fileIdx[filepath.Base(file)], file)
	pos := len(file)
	for {
		pos = strings.LastIndex(file[:pos], string(filepath.Separator))
		if pos == -1 {
			break
		}
		name := file[pos:]
		t.fileIdx[name] = append(t.fileIdx[name], file)
	}
}

func (t *Table) defaultEntryFunction() string {
	for _, name := range []string{"main", "main.main"} {
		if _, ok := t.funcsByName[name]; ok {
			return name
		}
	}
	return "main"
}

// Path returns the path of the executable.
func (t *Table) Path() string {
	return t.path
}

// ELFEntry returns the entry point recorded in the ELF header.
func (t *Table) ELFEntry() uint64 {
	return t.elfEntry
}

// PIE returns true for position independent executables.
func (t *Table) PIE() bool {
	return t.pie
}

// EntryFunction returns the name of the function where backtraces stop.
func (t *Table) EntryFunction() string {
	return t.entryFn
}

// SetEntryFunction overrides the function where backtraces stop.
func (t *Table) SetEntryFunction(name string) {
	if name != "" {
		t.entryFn = name
	}
}

func (t *Table) lookup(pc uint64) pcInfo {
	if v, ok := t.pcCache.Get(pc); ok {
		return v.(pcInfo)
	}
	var info pcInfo
	if fn := t.functionAt(pc); fn != nil {
		info.fn, info.fnOK = fn.Name, true
	}
	if row := t.rowAt(pc); row != nil {
		info.file, info.line, info.lnOK = row.file, row.line, true
	}
	t.pcCache.Add(pc, info)
	return info
}

func (t *Table) functionAt(pc uint64) *Function {
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].Entry > pc })
	if i == 0 {
		return nil
	}
	fn := t.funcs[i-1]
	if pc >= fn.End {
		return nil
	}
	return fn
}

func (t *Table) rowAt(pc uint64) *lineRow {
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].pc > pc })
	if i == 0 {
		return nil
	}
	row := &t.rows[i-1]
	if row.endSeq || row.file == "" {
		return nil
	}
	return row
}

// LineForPC returns the source file and line of the instruction at pc.
func (t *Table) LineForPC(pc uint64) (file string, line int, ok bool) {
	info := t.lookup(pc)
	return info.file, info.line, info.lnOK
}

// FunctionForPC returns the name of the function containing pc.
func (t *Table) FunctionForPC(pc uint64) (string, bool) {
	info := t.lookup(pc)
	return info.fn, info.fnOK
}

// Function returns the function called name.
func (t *Table) Function(name string) (*Function, bool) {
	fn, ok := t.funcsByName[name]
	return fn, ok
}

// PCForFunction returns the address of the first instruction of the body
// of the function called name, after its prologue.
func (t *Table) PCForFunction(name string) (uint64, error) {
	fn, ok := t.funcsByName[name]
	if !ok {
		return 0, fmt.Errorf("function %q not found", name)
	}
	return t.firstPCAfterPrologue(fn), nil
}

func (t *Table) firstPCAfterPrologue(fn *Function) uint64 {
	start := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].pc >= fn.Entry })
	var first *lineRow
	for i := start; i < len(t.rows) && t.rows[i].pc < fn.End; i++ {
		row := &t.rows[i]
		if row.endSeq {
			if first == nil {
				continue
			}
			break
		}
		if row.prolEnd {
			return row.pc
		}
		if first == nil {
			first = row
			continue
		}
		if row.isStmt && row.pc > first.pc && row.line != first.line {
			return row.pc
		}
	}
	return fn.Entry
}

// PCForLine returns the lowest address of the code generated for line in
// file. An empty file means the file that defines the entry function.
// Files can be specified by any suffix of their path.
func (t *Table) PCForLine(file string, line int) (uint64, error) {
	fullname, err := t.resolveFile(file)
	if err != nil {
		return 0, err
	}
	if pc, ok := t.fileLines[fullname][line]; ok {
		return pc, nil
	}
	return 0, fmt.Errorf("location %s:%d not found", fullname, line)
}

func (t *Table) resolveFile(file string) (string, error) {
	if file == "" {
		fn, ok := t.funcsByName[t.entryFn]
		if !ok {
			return "", fmt.Errorf("could not find entry function %q", t.entryFn)
		}
		f, _, ok := t.LineForPC(fn.Entry)
		if !ok {
			return "", fmt.Errorf("no line information for %q", t.entryFn)
		}
		return f, nil
	}
	if _, ok := t.fileLines[file]; ok {
		return file, nil
	}
	key := file
	if strings.ContainsRune(file, filepath.Separator) {
		key = filepath.Join(string(filepath.Separator), file)
	}
	files := t.fileIdx[key]
	switch len(files) {
	case 0:
		return "", fmt.Errorf("file %s not found", file)
	case 1:
		return files[0], nil
	}
	return "", &ErrAmbiguous{Location: file, Candidates: files}
}

// Functions returns the names of all functions, sorted.
func (t *Table) Functions() []string {
	r := make([]string, 0, len(t.funcs))
	for _, fn := range t.funcs {
		r = append(r, fn.Name)
	}
	sort.Strings(r)
	return r
}

// CompleteFunction returns the names of the functions starting with prefix,
// sorted.
func (t *Table) CompleteFunction(prefix string) []string {
	r := t.funcNames.PrefixSearch(prefix)
	sort.Strings(r)
	return r
}
