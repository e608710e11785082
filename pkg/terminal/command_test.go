package terminal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-deet/deet/pkg/proc"
)

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplay(t *testing.T) {
	cmds := DebugCommands()
	cmds.Register("foo", func(t *Term, args string) error { return fmt.Errorf("registered command") }, "foo command")
	cmd := cmds.Find("foo")

	err := cmd(nil, "")
	if err.Error() != "registered command" {
		t.Fatal("wrong command output")
	}

	cmd = cmds.Find("")
	err = cmd(nil, "")
	if err.Error() != "registered command" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplayWithoutPreviousCommand(t *testing.T) {
	var (
		cmds = DebugCommands()
		cmd  = cmds.Find("")
		err  = cmd(nil, "")
	)

	if err != nil {
		t.Error("Null command not returned", err)
	}
}

func TestCommandAliases(t *testing.T) {
	cmds := DebugCommands()
	for name, aliases := range map[string][]string{
		"run":         {"r"},
		"continue":    {"cont", "c"},
		"break":       {"b"},
		"breakpoints": {"bp"},
		"backtrace":   {"bt", "back"},
		"help":        {"h"},
		"quit":        {"q", "exit"},
	} {
		for _, alias := range aliases {
			assert.True(t, cmds.matches(alias, name), "%s should be an alias of %s", alias, name)
		}
	}
	assert.False(t, cmds.matches("bt", "break"))
}

func TestMergeAliases(t *testing.T) {
	cmds := DebugCommands()
	cmds.Merge(map[string][]string{"backtrace": {"where"}, "nonexistent": {"x"}})
	assert.True(t, cmds.matches("where", "backtrace"))
	assert.EqualError(t, cmds.Find("x")(nil, ""), "command not available")
}

func TestExitCommand(t *testing.T) {
	cmds := DebugCommands()
	for _, alias := range []string{"quit", "q", "exit"} {
		err := cmds.Call(alias, "", nil)
		_, ok := err.(ExitRequestError)
		assert.True(t, ok, "%s returned %v", alias, err)
	}
}

func TestHelp(t *testing.T) {
	var buf bytes.Buffer
	term := &Term{cmds: DebugCommands(), stdout: &buf}

	require.NoError(t, term.cmds.Call("help", "", term))
	out := buf.String()
	assert.Contains(t, out, "The following commands are available:")
	assert.Contains(t, out, "backtrace (alias: bt | back)")
	assert.NotContains(t, out, "break <location>")

	buf.Reset()
	require.NoError(t, term.cmds.Call("h", "b", term))
	assert.Contains(t, buf.String(), "break <location>")

	assert.EqualError(t, term.cmds.Call("help", "nope", term), "command not available")
}

func TestExecuteFile(t *testing.T) {
	breakCount := 0
	runCount := 0
	c := &Commands{
		cmds: []command{
			{aliases: []string{"run"}, cmdFn: func(t *Term, args string) error {
				runCount++
				return nil
			}},
			{aliases: []string{"break"}, cmdFn: func(t *Term, args string) error {
				breakCount++
				if args != "main" {
					return fmt.Errorf("unexpected argument %q", args)
				}
				return nil
			}},
		},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "init")
	err := os.WriteFile(path, []byte("# comment\n\nbreak main\nrun\nunknown\n"), 0600)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = c.executeFile(&Term{stdout: &buf}, path)
	if err != nil {
		t.Fatalf("executeFile: %v", err)
	}

	if breakCount != 1 || runCount != 1 {
		t.Fatalf("Wrong counts break: %d run: %d\n", breakCount, runCount)
	}
	assert.Equal(t, path+":5: command not available\n", buf.String())
}

func TestExecuteFileStopsOnQuit(t *testing.T) {
	c := DebugCommands()
	path := filepath.Join(t.TempDir(), "init")
	require.NoError(t, os.WriteFile(path, []byte("quit\nbreak main\n"), 0600))

	err := c.executeFile(&Term{stdout: new(bytes.Buffer)}, path)
	_, ok := err.(ExitRequestError)
	assert.True(t, ok, "expected exit request, got %v", err)
}

func TestParseCommand(t *testing.T) {
	for _, tc := range []struct {
		in, cmd, args string
	}{
		{"", "", ""},
		{"bt", "bt", ""},
		{"  break   loop.c:7  ", "break", "loop.c:7"},
		{"run a 'b c'", "run", "a 'b c'"},
	} {
		cmd, args := parseCommand(tc.in)
		assert.Equal(t, tc.cmd, cmd, "command of %q", tc.in)
		assert.Equal(t, tc.args, args, "arguments of %q", tc.in)
	}
}

func TestParseArgv(t *testing.T) {
	args, err := parseArgv(`one "two three" 'four'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two three", "four"}, args)

	args, err = parseArgv("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = parseArgv("a `b`")
	assert.Error(t, err)
}

func TestPrintTerminalStatus(t *testing.T) {
	var buf bytes.Buffer
	term := &Term{stdout: &buf}

	printStatus(term, proc.Exited{Code: 3})
	printStatus(term, proc.Signaled{Signal: syscall.SIGKILL})
	assert.Equal(t, "Child exited (status 3)\nChild signaled (signal SIGKILL)\n", buf.String())
}

func TestCompleteCommandNames(t *testing.T) {
	term := &Term{cmds: DebugCommands()}
	got := term.complete("br")
	assert.ElementsMatch(t, []string{"break", "breakpoints"}, got)
	assert.Nil(t, term.complete("backtrace "))
	assert.True(t, strings.HasPrefix(strings.Join(term.complete("cl"), " "), "clear"))
}

func TestExecuteFileStopsOnProtocolError(t *testing.T) {
	btCount := 0
	c := &Commands{
		cmds: []command{
			{aliases: []string{"continue"}, cmdFn: func(t *Term, args string) error {
				return &proc.ProtocolError{Pid: 1, Msg: "received SIGSEGV while stepping over breakpoint at 0x401126"}
			}},
			{aliases: []string{"bt"}, cmdFn: func(t *Term, args string) error {
				btCount++
				return nil
			}},
		},
	}
	path := filepath.Join(t.TempDir(), "init")
	require.NoError(t, os.WriteFile(path, []byte("continue\nbt\n"), 0600))

	var buf bytes.Buffer
	err := c.executeFile(&Term{stdout: &buf}, path)
	require.Error(t, err)
	assert.True(t, proc.IsProtocolError(err), "expected protocol error, got %v", err)
	assert.True(t, strings.HasPrefix(err.Error(), path+":1: "), err.Error())
	assert.Equal(t, 0, btCount, "commands after a fatal error must not run")
	assert.Empty(t, buf.String())

	// source propagates it to the prompt loop.
	c.cmds = append(c.cmds, command{aliases: []string{"source"}, cmdFn: c.sourceCommand})
	err = c.Call("source", path, &Term{stdout: &buf})
	assert.True(t, proc.IsProtocolError(err), "expected protocol error, got %v", err)
}
