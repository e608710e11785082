package proc

import (
	"errors"
	"syscall"
	"testing"
)

const (
	textBase  = 0x401000
	fnLoop    = 0x401126
	fnLoopEnd = 0x40112a
	fnExit    = 0x401140
)

// loopPath is the instruction trace of a program that executes the
// instruction at fnLoop three times before returning.
func loopPath() []uint64 {
	path := []uint64{textBase, textBase + 1}
	for i := 0; i < 3; i++ {
		path = append(path, fnLoop, fnLoop+1, fnLoop+2, fnLoopEnd)
	}
	return append(path, fnExit, fnExit+1)
}

func withFakeInferior(t *testing.T, path []uint64, exitCode int, bps []uint64, fn func(inf *Inferior, ft *fakeTracer)) {
	ft := newFakeTracer(t, path, exitCode)
	ft.mapText(textBase, 0x200)
	inf, err := NewInferior(ft, "fake", bps)
	assertNoError(err, t, "NewInferior")
	fn(inf, ft)
}

func assertStopped(t *testing.T, status Status, err error, pc uint64) {
	t.Helper()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	stopped, ok := status.(Stopped)
	if !ok || stopped.Signal != syscall.SIGTRAP || stopped.PC != pc {
		t.Fatalf("expected stop at %#x, got %v", pc, status)
	}
}

func TestNewInferiorInstallsBreakpoints(t *testing.T) {
	ft := newFakeTracer(t, loopPath(), 0)
	ft.mapText(textBase, 0x200)
	orig := ft.mem[fnLoop]

	inf, err := NewInferior(ft, "fake", []uint64{fnLoop, fnExit})
	assertNoError(err, t, "NewInferior")
	if inf.Pid() != ft.pid {
		t.Fatalf("pid %d, expected %d", inf.Pid(), ft.pid)
	}
	if ft.mem[fnLoop] != breakpointInstr || ft.mem[fnExit] != breakpointInstr {
		t.Fatal("breakpoints not installed")
	}
	bps := inf.Breakpoints()
	if len(bps) != 2 || bps[0].Addr != fnLoop || bps[0].OriginalData != orig || bps[0].ID != 1 || bps[1].ID != 2 {
		t.Fatalf("unexpected breakpoint table %v", bps)
	}
}

func TestNewInferiorRejectsUnexpectedStop(t *testing.T) {
	ft := newFakeTracer(t, loopPath(), 0)
	ft.pending = []fakeWaitStatus{stopStatus(syscall.SIGSEGV)}

	_, err := NewInferior(ft, "fake", nil)
	var lerr *LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if !ft.exited {
		t.Fatal("child was not killed and reaped")
	}
	if ft.released != 1 {
		t.Fatalf("tracer released %d times", ft.released)
	}
}

func TestNewInferiorRejectsExit(t *testing.T) {
	ft := newFakeTracer(t, loopPath(), 0)
	ft.pending = []fakeWaitStatus{exitStatus(127)}

	_, err := NewInferior(ft, "fake", nil)
	var lerr *LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if ft.released != 1 {
		t.Fatalf("tracer released %d times", ft.released)
	}
}

func TestSetBreakpointIdempotent(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, nil, func(inf *Inferior, ft *fakeTracer) {
		orig := ft.mem[fnLoop+2]
		bp1, err := inf.SetBreakpoint(fnLoop + 2)
		assertNoError(err, t, "SetBreakpoint")
		bp2, err := inf.SetBreakpoint(fnLoop + 2)
		assertNoError(err, t, "SetBreakpoint")
		if bp1 != bp2 || len(inf.Breakpoints()) != 1 {
			t.Fatal("second install created a new breakpoint")
		}
		if bp2.OriginalData != orig {
			t.Fatalf("original byte overwritten: %#x, expected %#x", bp2.OriginalData, orig)
		}
		if ft.mem[fnLoop+2] != breakpointInstr {
			t.Fatal("trap not in memory")
		}
	})
}

func TestSetBreakpointFailureLeavesTable(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, nil, func(inf *Inferior, ft *fakeTracer) {
		ft.failPoke = true
		_, err := inf.SetBreakpoint(fnLoop)
		var merr *MemoryError
		if !errors.As(err, &merr) || !merr.Write {
			t.Fatalf("expected write MemoryError, got %v", err)
		}
		if len(inf.Breakpoints()) != 0 {
			t.Fatal("failed install recorded a breakpoint")
		}

		ft.failPoke = false
		inf.InstallBreakpoint(0x10)
		if len(inf.Breakpoints()) != 0 {
			t.Fatal("unmapped install recorded a breakpoint")
		}
	})
}

func TestClearBreakpointRestoresMemory(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, nil, func(inf *Inferior, ft *fakeTracer) {
		word, _ := ft.PeekWord(fnLoop &^ 7)
		_, err := inf.SetBreakpoint(fnLoop)
		assertNoError(err, t, "SetBreakpoint")
		_, err = inf.ClearBreakpoint(fnLoop)
		assertNoError(err, t, "ClearBreakpoint")
		after, _ := ft.PeekWord(fnLoop &^ 7)
		if word != after {
			t.Fatalf("word %#x after clear, expected %#x", after, word)
		}
		if _, err := inf.ClearBreakpoint(fnLoop); !errors.As(err, &NoBreakpointError{}) {
			t.Fatalf("expected NoBreakpointError, got %v", err)
		}
	})
}

func TestClearBreakpointWhileStoppedOnIt(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, []uint64{fnLoop}, func(inf *Inferior, ft *fakeTracer) {
		status, err := inf.Resume()
		assertStopped(t, status, err, fnLoop+1)

		_, err = inf.ClearBreakpoint(fnLoop)
		assertNoError(err, t, "ClearBreakpoint")
		if pc, _ := inf.PC(); pc != fnLoop {
			t.Fatalf("pc %#x after clear, expected %#x", pc, fnLoop)
		}

		status, err = inf.Resume()
		assertNoError(err, t, "Resume")
		if status != (Exited{Code: 0}) {
			t.Fatalf("expected exit, got %v", status)
		}
		if ft.steps != 0 {
			t.Fatalf("expected no single steps, got %d", ft.steps)
		}
	})
}

func TestResumeLoopHitsBreakpointEveryIteration(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, []uint64{fnLoop}, func(inf *Inferior, ft *fakeTracer) {
		for i := 0; i < 3; i++ {
			status, err := inf.Resume()
			assertStopped(t, status, err, fnLoop+1)
			if ft.mem[fnLoop] != breakpointInstr {
				t.Fatalf("iteration %d: trap not armed while stopped", i)
			}
		}
		status, err := inf.Resume()
		assertNoError(err, t, "Resume")
		if status != (Exited{Code: 0}) {
			t.Fatalf("expected exit, got %v", status)
		}
		if !inf.Exited() || ft.released != 1 {
			t.Fatalf("exited=%v released=%d", inf.Exited(), ft.released)
		}
		if ft.steps != 3 {
			t.Fatalf("expected 3 single steps, got %d", ft.steps)
		}
		if _, err := inf.Resume(); !errors.As(err, &ProcessExitedError{}) {
			t.Fatalf("expected ProcessExitedError, got %v", err)
		}
	})
}

func TestResumeAdjacentBreakpoints(t *testing.T) {
	withFakeInferior(t, loopPath(), 7, []uint64{fnLoop, fnLoop + 1}, func(inf *Inferior, ft *fakeTracer) {
		status, err := inf.Resume()
		assertStopped(t, status, err, fnLoop+1)
		// Stepping over the first breakpoint lands on the second one.
		status, err = inf.Resume()
		assertStopped(t, status, err, fnLoop+2)
		if ft.mem[fnLoop] != breakpointInstr || ft.mem[fnLoop+1] != breakpointInstr {
			t.Fatal("breakpoints not re-armed")
		}
	})
}

func TestResumeExitDuringStep(t *testing.T) {
	path := []uint64{textBase, fnExit}
	withFakeInferior(t, path, 5, []uint64{fnExit}, func(inf *Inferior, ft *fakeTracer) {
		status, err := inf.Resume()
		assertStopped(t, status, err, fnExit+1)
		status, err = inf.Resume()
		assertNoError(err, t, "Resume")
		if status != (Exited{Code: 5}) {
			t.Fatalf("expected exit during step, got %v", status)
		}
		if ft.conts != 1 {
			t.Fatalf("process continued after exiting in a single step")
		}
	})
}

func TestResumeSignalDuringStep(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, []uint64{fnLoop}, func(inf *Inferior, ft *fakeTracer) {
		status, err := inf.Resume()
		assertStopped(t, status, err, fnLoop+1)
		ft.stepSignal = syscall.SIGUSR1
		_, err = inf.Resume()
		if !IsProtocolError(err) {
			t.Fatalf("expected protocol error, got %v", err)
		}
		assertNoError(inf.Kill(), t, "Kill")
	})
}

func TestResumeUnknownWaitStatus(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, nil, func(inf *Inferior, ft *fakeTracer) {
		ft.path = nil
		ft.pos = 0
		ft.pending = []fakeWaitStatus{{}}
		_, err := inf.wait()
		if !IsProtocolError(err) {
			t.Fatalf("expected protocol error, got %v", err)
		}
	})
}

func TestKill(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, nil, func(inf *Inferior, ft *fakeTracer) {
		assertNoError(inf.Kill(), t, "Kill")
		if !inf.Exited() || !ft.exited || ft.released != 1 {
			t.Fatalf("exited=%v reaped=%v released=%d", inf.Exited(), ft.exited, ft.released)
		}
		if inf.Status() != (Signaled{Signal: syscall.SIGKILL}) {
			t.Fatalf("unexpected status %v", inf.Status())
		}
		assertNoError(inf.Kill(), t, "second Kill")
		if ft.released != 1 {
			t.Fatal("tracer released twice")
		}
	})
}

func TestInstallBreakpointAfterUnnoticedExit(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, nil, func(inf *Inferior, ft *fakeTracer) {
		orig := ft.mem[fnLoop]
		ft.exited = true

		inf.InstallBreakpoint(fnLoop)
		if ft.mem[fnLoop] != orig {
			t.Fatalf("memory patched after exit: %#x", ft.mem[fnLoop])
		}
		if len(inf.Breakpoints()) != 0 {
			t.Fatalf("breakpoint recorded after exit: %v", inf.Breakpoints())
		}
		_, err := inf.SetBreakpoint(fnLoop)
		if !errors.As(err, &ProcessExitedError{}) {
			t.Fatalf("expected ProcessExitedError, got %v", err)
		}
		if err.Error() != "Process 4242 has exited" {
			t.Fatalf("unexpected message %q", err.Error())
		}
	})
}

func TestKillReapFailure(t *testing.T) {
	withFakeInferior(t, loopPath(), 0, nil, func(inf *Inferior, ft *fakeTracer) {
		ft.failWait = true
		err := inf.Kill()
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ProtocolError, got %v", err)
		}
		if perr.Pid != 4242 {
			t.Fatalf("wrong pid %d", perr.Pid)
		}
		if !inf.Exited() || ft.released != 1 {
			t.Fatalf("exited=%v released=%d", inf.Exited(), ft.released)
		}
		if err := inf.Kill(); err != nil {
			t.Fatalf("second Kill: %v", err)
		}
	})
}
