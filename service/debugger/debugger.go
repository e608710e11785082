package debugger

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-deet/deet/pkg/config"
	"github.com/go-deet/deet/pkg/logflags"
	"github.com/go-deet/deet/pkg/proc"
	"github.com/go-deet/deet/pkg/proc/linutil"
	"github.com/go-deet/deet/pkg/proc/native"
	"github.com/go-deet/deet/pkg/symbols"
)

// ErrNoProcess is returned by operations that need a running process when
// there is none.
var ErrNoProcess = errors.New("no child process under debugging")

// Target is a freshly started traced process, stopped on its exec.
type Target interface {
	proc.Tracer
	// EntryPoint returns the runtime address of the program entry point.
	EntryPoint() (uint64, error)
}

// LaunchFunc starts cmd under trace control.
type LaunchFunc func(cmd []string, cfg native.LaunchConfig) (Target, error)

// Config provides the configuration to start a Debugger.
type Config struct {
	// WorkingDir is working directory of the new process.
	WorkingDir string

	// TTY is passed along to the target process on creation. Used to specify a
	// TTY for that process.
	TTY string

	// DisableASLR disables address space randomization of the target.
	DisableASLR bool

	// EntryFunction overrides the function at which backtraces stop.
	EntryFunction string

	// MaxStackDepth is the maximum number of frames returned by Backtrace.
	MaxStackDepth int

	// Standard streams of the target, used when TTY is empty.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Launch starts the target. The native backend is used if nil.
	Launch LaunchFunc
}

// Breakpoint is a breakpoint requested by the user. It outlives the
// processes it is installed in.
type Breakpoint struct {
	ID int
	// Spec is the location specification the breakpoint was created with.
	Spec string
	// Addr is the link time address of the breakpoint.
	Addr     uint64
	File     string
	Line     int
	Function string
}

// Debugger service.
//
// Debugger owns the symbol table of the target executable, the list of
// requested breakpoints and at most one running process. Each call to Run
// replaces the running process with a new one that has every requested
// breakpoint installed.
type Debugger struct {
	config *Config
	path   string
	log    logflags.Logger

	symbols *symbols.Table

	processMutex sync.Mutex
	inferior     *proc.Inferior
	// bias is the load bias of the running process.
	bias uint64

	breakpoints []*Breakpoint
	nextID      int
}

// New creates a new Debugger for the executable at path. No process is
// started until Run is called.
func New(cfg *Config, path string) (*Debugger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	tab, err := symbols.Load(path)
	if err != nil {
		return nil, err
	}
	tab.SetEntryFunction(cfg.EntryFunction)
	d := &Debugger{
		config:  cfg,
		path:    path,
		log:     logflags.DebuggerLogger(),
		symbols: tab,
	}
	return d, nil
}

func nativeLaunch(cmd []string, cfg native.LaunchConfig) (Target, error) {
	p, err := native.Start(cmd, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the path of the target executable.
func (d *Debugger) Path() string {
	return d.path
}

// Symbols returns the symbol table of the target executable.
func (d *Debugger) Symbols() *symbols.Table {
	return d.symbols
}

// ProcessPid returns the pid of the running process, or 0.
func (d *Debugger) ProcessPid() int {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	if d.inferior == nil {
		return 0
	}
	return d.inferior.Pid()
}

// Run starts a new process with the given arguments, killing the running
// one if any, and resumes it until it first stops or terminates.
func (d *Debugger) Run(args []string) (proc.Status, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if err := d.killInferior(); err != nil {
		return nil, err
	}
	if err := d.launch(args); err != nil {
		return nil, err
	}
	return d.resume()
}

// Restart is like Run but stops the new process at its first instruction.
func (d *Debugger) Restart(args []string) (proc.Status, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if err := d.killInferior(); err != nil {
		return nil, err
	}
	if err := d.launch(args); err != nil {
		return nil, err
	}
	return d.inferior.Status(), nil
}

func (d *Debugger) launch(args []string) error {
	launch := d.config.Launch
	if launch == nil {
		launch = nativeLaunch
	}
	cmd := append([]string{d.path}, args...)
	d.log.Infof("launching process with args: %v", cmd)
	t, err := launch(cmd, native.LaunchConfig{
		WorkingDir:  d.config.WorkingDir,
		TTY:         d.config.TTY,
		DisableASLR: d.config.DisableASLR,
		Stdin:       d.config.Stdin,
		Stdout:      d.config.Stdout,
		Stderr:      d.config.Stderr,
	})
	if err != nil {
		var lerr *proc.LaunchError
		if errors.As(err, &lerr) {
			return err
		}
		return &proc.LaunchError{Path: d.path, Err: err}
	}

	d.bias = 0
	if d.symbols.PIE() {
		entry, err := t.EntryPoint()
		if err != nil {
			d.log.Warnf("could not compute load bias: %v", err)
		} else {
			d.bias = linutil.LoadBias(entry, d.symbols.ELFEntry())
		}
	}

	addrs := make([]uint64, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		addrs = append(addrs, bp.Addr+d.bias)
	}
	inf, err := proc.NewInferior(t, d.path, addrs)
	if err != nil {
		return err
	}
	d.log.Debugf("process %d started, load bias %#x", inf.Pid(), d.bias)
	d.inferior = inf
	return nil
}

// Continue resumes the running process.
func (d *Debugger) Continue() (proc.Status, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if d.inferior == nil {
		return nil, ErrNoProcess
	}
	return d.resume()
}

func (d *Debugger) resume() (proc.Status, error) {
	status, err := d.inferior.Resume()
	if err != nil {
		if proc.IsProtocolError(err) {
			d.log.Errorf("aborting process %d: %v", d.inferior.Pid(), err)
			if kerr := d.inferior.Kill(); kerr != nil {
				d.log.Errorf("could not kill process: %v", kerr)
			}
			d.inferior = nil
		}
		return nil, err
	}
	if proc.Terminal(status) {
		d.log.Debugf("process %d %v", d.inferior.Pid(), status)
		d.inferior = nil
	}
	return status, nil
}

// Break resolves the location specification spec and adds a breakpoint
// there. The breakpoint is installed immediately if a process is running
// and in every process started afterwards.
func (d *Debugger) Break(spec string) (*Breakpoint, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	loc, err := symbols.ParseLocation(spec)
	if err != nil {
		return nil, err
	}
	addr, err := d.symbols.Resolve(loc)
	if err != nil {
		return nil, err
	}
	for _, bp := range d.breakpoints {
		if bp.Addr == addr {
			return nil, BreakpointExistsError{ID: bp.ID, Addr: addr}
		}
	}

	d.nextID++
	bp := &Breakpoint{ID: d.nextID, Spec: loc.Spec, Addr: addr}
	bp.Function, _ = d.symbols.FunctionForPC(addr)
	bp.File, bp.Line, _ = d.symbols.LineForPC(addr)
	d.breakpoints = append(d.breakpoints, bp)

	if d.inferior != nil {
		d.inferior.InstallBreakpoint(addr + d.bias)
	}
	return bp, nil
}

// Breakpoints returns the requested breakpoints in creation order.
func (d *Debugger) Breakpoints() []*Breakpoint {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return append([]*Breakpoint(nil), d.breakpoints...)
}

// Clear removes the breakpoint with the given ID, from the running process
// too.
func (d *Debugger) Clear(id int) (*Breakpoint, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	for i, bp := range d.breakpoints {
		if bp.ID != id {
			continue
		}
		if d.inferior != nil {
			if _, err := d.inferior.ClearBreakpoint(bp.Addr + d.bias); err != nil && !errors.As(err, &proc.NoBreakpointError{}) {
				return nil, err
			}
		}
		d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
		return bp, nil
	}
	return nil, fmt.Errorf("no breakpoint with id %d", id)
}

// ClearAll removes every breakpoint.
func (d *Debugger) ClearAll() error {
	for _, bp := range d.Breakpoints() {
		if _, err := d.Clear(bp.ID); err != nil {
			return err
		}
	}
	return nil
}

// Backtrace returns the call stack of the stopped process, innermost frame
// first. If the stack can only be partially read the frames read so far are
// returned with the error.
func (d *Debugger) Backtrace() ([]proc.Stackframe, error) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()

	if d.inferior == nil {
		return nil, ErrNoProcess
	}
	depth := d.config.MaxStackDepth
	if depth <= 0 {
		depth = config.DefaultMaxStackDepth
	}
	return d.inferior.Backtrace(biasedResolver{d.symbols, d.bias}, d.symbols.EntryFunction(), depth)
}

// LineForPC returns the source location of a runtime address of the running
// process.
func (d *Debugger) LineForPC(pc uint64) (string, int, bool) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.symbols.LineForPC(pc - d.bias)
}

// FunctionForPC returns the function containing a runtime address of the
// running process.
func (d *Debugger) FunctionForPC(pc uint64) (string, bool) {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.symbols.FunctionForPC(pc - d.bias)
}

// BreakpointAt returns the requested breakpoint whose trap was hit by a
// process stopped at runtime address pc.
func (d *Debugger) BreakpointAt(pc uint64) *Breakpoint {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	for _, bp := range d.breakpoints {
		if bp.Addr+d.bias == pc-1 {
			return bp
		}
	}
	return nil
}

// Detach kills the running process, if any.
func (d *Debugger) Detach() error {
	d.processMutex.Lock()
	defer d.processMutex.Unlock()
	return d.killInferior()
}

func (d *Debugger) killInferior() error {
	if d.inferior == nil {
		return nil
	}
	d.log.Infof("killing process %d", d.inferior.Pid())
	err := d.inferior.Kill()
	d.inferior = nil
	return err
}

// biasedResolver resolves runtime addresses of a position independent
// executable.
type biasedResolver struct {
	tab  *symbols.Table
	bias uint64
}

func (r biasedResolver) LineForPC(pc uint64) (string, int, bool) {
	return r.tab.LineForPC(pc - r.bias)
}

func (r biasedResolver) FunctionForPC(pc uint64) (string, bool) {
	return r.tab.FunctionForPC(pc - r.bias)
}

// BreakpointExistsError is returned when a breakpoint is requested at an
// address that already has one.
type BreakpointExistsError struct {
	ID   int
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint %d already exists at %#x", bpe.ID, bpe.Addr)
}
