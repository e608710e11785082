package native

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/go-deet/deet/pkg/proc"
	protest "github.com/go-deet/deet/pkg/proc/test"
	"github.com/go-deet/deet/pkg/symbols"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func startFixture(t *testing.T, fixture protest.Fixture, cfg LaunchConfig, args ...string) *Process {
	t.Helper()
	dbp, err := Start(append([]string{fixture.Path}, args...), cfg)
	if errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	assertNoError(err, t, "Start")
	return dbp
}

func withTestProcess(name string, t *testing.T, fnbps []string, fn func(inf *proc.Inferior, tab *symbols.Table)) {
	protest.MustSupportNative(t)
	fixture := protest.BuildFixture(t, name, 0)
	tab, err := symbols.Load(fixture.Path)
	assertNoError(err, t, "symbols.Load")

	var bps []uint64
	for _, fnname := range fnbps {
		pc, err := tab.PCForFunction(fnname)
		assertNoError(err, t, "PCForFunction")
		bps = append(bps, pc)
	}

	dbp := startFixture(t, fixture, LaunchConfig{Stdout: new(bytes.Buffer)})
	inf, err := proc.NewInferior(dbp, fixture.Path, bps)
	assertNoError(err, t, "NewInferior")
	defer func() {
		assertNoError(inf.Kill(), t, "Kill")
	}()
	fn(inf, tab)
}

func TestLaunchStopsOnExec(t *testing.T) {
	withTestProcess("loop", t, nil, func(inf *proc.Inferior, tab *symbols.Table) {
		stopped, ok := inf.Status().(proc.Stopped)
		if !ok || stopped.Signal != syscall.SIGTRAP {
			t.Fatalf("unexpected initial status %v", inf.Status())
		}
		if inf.Exited() {
			t.Fatal("process reported as exited")
		}
	})
}

func TestLaunchMissingExecutable(t *testing.T) {
	protest.MustSupportNative(t)
	_, err := Launch([]string{"/nonexistent/deet-fixture"}, LaunchConfig{}, nil)
	var lerr *proc.LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
}

func TestBreakpointInLoop(t *testing.T) {
	withTestProcess("loop", t, []string{"tick"}, func(inf *proc.Inferior, tab *symbols.Table) {
		bp := inf.Breakpoints()[0]
		for i := 0; i < 3; i++ {
			status, err := inf.Resume()
			assertNoError(err, t, "Resume")
			stopped, ok := status.(proc.Stopped)
			if !ok || stopped.Signal != syscall.SIGTRAP || stopped.PC != bp.Addr+1 {
				t.Fatalf("iteration %d: expected stop after %#x, got %v", i, bp.Addr, status)
			}
			if fn, _ := tab.FunctionForPC(stopped.PC - 1); fn != "tick" {
				t.Fatalf("stopped in %q", fn)
			}
		}
		status, err := inf.Resume()
		assertNoError(err, t, "Resume")
		if status != (proc.Exited{Code: 0}) {
			t.Fatalf("expected clean exit, got %v", status)
		}
	})
}

func TestExitCode(t *testing.T) {
	withTestProcess("exitcode", t, nil, func(inf *proc.Inferior, tab *symbols.Table) {
		status, err := inf.Resume()
		assertNoError(err, t, "Resume")
		if status != (proc.Exited{Code: 3}) {
			t.Fatalf("expected exit status 3, got %v", status)
		}
		if !inf.Exited() {
			t.Fatal("inferior not marked as exited")
		}
	})
}

func TestBacktraceNested(t *testing.T) {
	withTestProcess("nested", t, []string{"inner"}, func(inf *proc.Inferior, tab *symbols.Table) {
		_, err := inf.Resume()
		assertNoError(err, t, "Resume")
		frames, err := inf.Backtrace(tab, tab.EntryFunction(), 64)
		assertNoError(err, t, "Backtrace")
		expected := []string{"inner", "middle", "outer", "main"}
		if len(frames) != len(expected) {
			t.Fatalf("unexpected frames %v", frames)
		}
		for i := range expected {
			if frames[i].Function != expected[i] {
				t.Errorf("frame %d: %s, expected %s", i, frames[i].Function, expected[i])
			}
			if filepath.Base(frames[i].File) != "nested.c" {
				t.Errorf("frame %d: file %s", i, frames[i].File)
			}
		}
	})
}

func TestKillRunningProcess(t *testing.T) {
	protest.MustSupportNative(t)
	fixture := protest.BuildFixture(t, "spin", 0)
	inf, err := proc.NewInferior(startFixture(t, fixture, LaunchConfig{Stdout: new(bytes.Buffer)}), fixture.Path, nil)
	assertNoError(err, t, "NewInferior")
	pid := inf.Pid()

	assertNoError(inf.Kill(), t, "Kill")
	if inf.Status() != (proc.Signaled{Signal: syscall.SIGKILL}) {
		t.Fatalf("unexpected status %v", inf.Status())
	}
	if err := syscall.Kill(pid, 0); err != syscall.ESRCH {
		t.Fatalf("process %d still exists: %v", pid, err)
	}
}

func TestArgumentsAndWorkingDir(t *testing.T) {
	protest.MustSupportNative(t)
	fixture := protest.BuildFixture(t, "args", 0)
	out := new(bytes.Buffer)
	wd := t.TempDir()
	dbp := startFixture(t, fixture, LaunchConfig{WorkingDir: wd, Stdout: out}, "one two", "three")
	inf, err := proc.NewInferior(dbp, fixture.Path, nil)
	assertNoError(err, t, "NewInferior")
	status, err := inf.Resume()
	assertNoError(err, t, "Resume")
	if status != (proc.Exited{Code: 0}) {
		t.Fatalf("arguments not passed: %v, output %q", status, out.String())
	}
}

func TestEntryPointPIE(t *testing.T) {
	protest.MustSupportNative(t)
	for _, flags := range []protest.BuildFlags{0, protest.BuildModePIE} {
		fixture := protest.BuildFixture(t, "loop", flags)
		tab, err := symbols.Load(fixture.Path)
		assertNoError(err, t, "symbols.Load")
		dbp := startFixture(t, fixture, LaunchConfig{Stdout: new(bytes.Buffer)})
		inf, err := proc.NewInferior(dbp, fixture.Path, nil)
		assertNoError(err, t, "NewInferior")

		entry, err := dbp.EntryPoint()
		assertNoError(err, t, "EntryPoint")
		if !tab.PIE() && entry != tab.ELFEntry() {
			t.Errorf("entry point %#x, expected %#x", entry, tab.ELFEntry())
		}
		if tab.PIE() && (entry-tab.ELFEntry())%0x1000 != 0 {
			t.Errorf("load bias %#x not page aligned", entry-tab.ELFEntry())
		}
		assertNoError(inf.Kill(), t, "Kill")
	}
}
