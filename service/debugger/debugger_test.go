package debugger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/go-deet/deet/pkg/proc"
	"github.com/go-deet/deet/pkg/proc/native"
	protest "github.com/go-deet/deet/pkg/proc/test"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

func newTestDebugger(t *testing.T, name string, flags protest.BuildFlags) *Debugger {
	t.Helper()
	protest.MustSupportNative(t)
	fixture := protest.BuildFixture(t, name, flags)
	d, err := New(&Config{Stdout: new(bytes.Buffer)}, fixture.Path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := d.Detach(); err != nil {
			t.Errorf("Detach: %v", err)
		}
	})
	return d
}

func run(t *testing.T, d *Debugger, args ...string) proc.Status {
	t.Helper()
	status, err := d.Run(args)
	if errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return status
}

func assertStoppedIn(t *testing.T, d *Debugger, status proc.Status, fn string) {
	t.Helper()
	stopped, ok := status.(proc.Stopped)
	if !ok || stopped.Signal != syscall.SIGTRAP {
		t.Fatalf("expected trap stop in %s, got %v", fn, status)
	}
	if got, _ := d.FunctionForPC(stopped.PC - 1); got != fn {
		t.Fatalf("stopped in %q, expected %q", got, fn)
	}
}

func TestRunAndContinue(t *testing.T) {
	d := newTestDebugger(t, "loop", 0)
	bp, err := d.Break("tick")
	if err != nil {
		t.Fatal(err)
	}
	if bp.ID != 1 || bp.Function != "tick" || filepath.Base(bp.File) != "loop.c" || bp.Line != 7 {
		t.Fatalf("unexpected breakpoint %#v", bp)
	}

	status := run(t, d)
	assertStoppedIn(t, d, status, "tick")
	if d.BreakpointAt(status.(proc.Stopped).PC) != bp {
		t.Fatal("BreakpointAt did not find the breakpoint that was hit")
	}
	for i := 0; i < 2; i++ {
		status, err = d.Continue()
		if err != nil {
			t.Fatal(err)
		}
		assertStoppedIn(t, d, status, "tick")
	}
	status, err = d.Continue()
	if err != nil {
		t.Fatal(err)
	}
	if status != (proc.Exited{Code: 0}) {
		t.Fatalf("expected exit, got %v", status)
	}
	if d.ProcessPid() != 0 {
		t.Fatal("exited process was not dropped")
	}
	if _, err := d.Continue(); err != ErrNoProcess {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
}

func TestBreakWhileRunning(t *testing.T) {
	d := newTestDebugger(t, "loop", 0)
	_, err := d.Break("main")
	if err != nil {
		t.Fatal(err)
	}
	assertStoppedIn(t, d, run(t, d), "main")

	_, err = d.Break("loop.c:7")
	if err != nil {
		t.Fatal(err)
	}
	status, err := d.Continue()
	if err != nil {
		t.Fatal(err)
	}
	assertStoppedIn(t, d, status, "tick")
}

func TestRunReplacesProcess(t *testing.T) {
	d := newTestDebugger(t, "loop", 0)
	if _, err := d.Break("tick"); err != nil {
		t.Fatal(err)
	}
	assertStoppedIn(t, d, run(t, d), "tick")
	oldpid := d.ProcessPid()

	assertStoppedIn(t, d, run(t, d), "tick")
	if d.ProcessPid() == oldpid {
		t.Fatal("process was not replaced")
	}
	if err := syscall.Kill(oldpid, 0); err != syscall.ESRCH {
		t.Fatalf("old process %d still exists: %v", oldpid, err)
	}
}

func TestClearBreakpoint(t *testing.T) {
	d := newTestDebugger(t, "loop", 0)
	bp, err := d.Break("tick")
	if err != nil {
		t.Fatal(err)
	}
	assertStoppedIn(t, d, run(t, d), "tick")
	if _, err := d.Clear(bp.ID); err != nil {
		t.Fatal(err)
	}
	if len(d.Breakpoints()) != 0 {
		t.Fatal("breakpoint still listed")
	}
	status, err := d.Continue()
	if err != nil {
		t.Fatal(err)
	}
	if status != (proc.Exited{Code: 0}) {
		t.Fatalf("expected exit after clearing the breakpoint, got %v", status)
	}
	if _, err := d.Clear(bp.ID); err == nil {
		t.Fatal("cleared the same breakpoint twice")
	}
}

func TestBreakErrors(t *testing.T) {
	d := newTestDebugger(t, "loop", 0)
	for _, spec := range []string{"nosuchfunction", "loop.c:1000", "nosuchfile.c:3", "0xzz"} {
		if _, err := d.Break(spec); err == nil {
			t.Errorf("%s: expected error", spec)
		}
	}
	if _, err := d.Break("tick"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Break("tick"); !errors.As(err, &BreakpointExistsError{}) {
		t.Fatalf("expected BreakpointExistsError, got %v", err)
	}
	if n := len(d.Breakpoints()); n != 1 {
		t.Fatalf("expected one breakpoint, got %d", n)
	}
}

func TestBacktrace(t *testing.T) {
	d := newTestDebugger(t, "nested", 0)
	if _, err := d.Backtrace(); err != ErrNoProcess {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
	if _, err := d.Break("inner"); err != nil {
		t.Fatal(err)
	}
	assertStoppedIn(t, d, run(t, d), "inner")
	frames, err := d.Backtrace()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, frame := range frames {
		names = append(names, frame.Function)
	}
	if len(names) != 4 || names[0] != "inner" || names[3] != "main" {
		t.Fatalf("unexpected backtrace %v", names)
	}
}

func TestPIERelocation(t *testing.T) {
	d := newTestDebugger(t, "nested", protest.BuildModePIE)
	if !d.Symbols().PIE() {
		t.Skip("compiler did not produce a PIE")
	}
	if _, err := d.Break("inner"); err != nil {
		t.Fatal(err)
	}
	assertStoppedIn(t, d, run(t, d), "inner")
	frames, err := d.Backtrace()
	if err != nil {
		t.Fatal(err)
	}
	if frames[len(frames)-1].Function != "main" {
		t.Fatalf("unexpected backtrace %v", frames)
	}
}

func TestRunExitCode(t *testing.T) {
	d := newTestDebugger(t, "exitcode", 0)
	if status := run(t, d); status != (proc.Exited{Code: 3}) {
		t.Fatalf("expected exit status 3, got %v", status)
	}
}

func TestLaunchFailure(t *testing.T) {
	d := newTestDebugger(t, "loop", 0)
	d.config.Launch = func(cmd []string, cfg native.LaunchConfig) (Target, error) {
		return nil, errors.New("fork failed")
	}
	_, err := d.Run(nil)
	var lerr *proc.LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if d.ProcessPid() != 0 {
		t.Fatal("failed launch left a process")
	}
}

func TestRestartStopsOnEntry(t *testing.T) {
	d := newTestDebugger(t, "loop", 0)
	status, err := d.Restart(nil)
	if errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	if stopped, ok := status.(proc.Stopped); !ok || stopped.Signal != syscall.SIGTRAP {
		t.Fatalf("unexpected status %v", status)
	}
	if d.ProcessPid() == 0 {
		t.Fatal("no process after restart")
	}
}

func TestPCLookupDuringRun(t *testing.T) {
	d := newTestDebugger(t, "nested", protest.BuildModePIE)
	if _, err := d.Break("inner"); err != nil {
		t.Fatal(err)
	}
	status := run(t, d)
	assertStoppedIn(t, d, status, "inner")
	pc := status.(proc.Stopped).PC - 1

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			default:
			}
			d.LineForPC(pc)
			d.FunctionForPC(pc)
		}
	}()
	status = run(t, d)
	close(done)
	<-finished

	stopped, ok := status.(proc.Stopped)
	if !ok {
		t.Fatalf("unexpected status %v", status)
	}
	if fn, ok := d.FunctionForPC(stopped.PC - 1); !ok || fn != "inner" {
		t.Fatalf("stopped in %q after rerun", fn)
	}
	if file, line, ok := d.LineForPC(stopped.PC - 1); !ok || filepath.Base(file) != "nested.c" || line == 0 {
		t.Fatalf("unexpected location %s:%d", file, line)
	}
}
