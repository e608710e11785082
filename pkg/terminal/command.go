// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-deet/deet/pkg/proc"
	"github.com/go-deet/deet/service/debugger"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the deet terminal.
type Commands struct {
	cmds    []command
	lastCmd cmdfunc
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: "Prints the help message."},
		{aliases: []string{"run", "r"}, cmdFn: run, helpMsg: `Start the program, killing the running one if any.

	run [args...]

Arguments are split the way a shell would split them. Without arguments
the ones given on the command line are used.`},
		{aliases: []string{"continue", "cont", "c"}, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"break", "b"}, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <location>

Location is one of *<address>, 0x<address>, <line>, <file>:<line> or <function>.`},
		{aliases: []string{"breakpoints", "bp"}, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"clear"}, cmdFn: clear, helpMsg: "clear <id>. Deletes breakpoint."},
		{aliases: []string{"clearall"}, cmdFn: clearAll, helpMsg: "Deletes all breakpoints."},
		{aliases: []string{"backtrace", "bt", "back"}, cmdFn: backtrace, helpMsg: "Print the call stack of the stopped program."},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: "Executes a file containing a list of deet commands."},
		{aliases: []string{"quit", "q", "exit"}, cmdFn: exitCommand, helpMsg: "Exit the debugger, killing the running program."},
	}

	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will replay the last command.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		if c.lastCmd != nil {
			return c.lastCmd
		}
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			c.lastCmd = v.cmdFn
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call runs the command cmdstr with the given argument string.
func (c *Commands) Call(cmdstr, args string, t *Term) error {
	return c.Find(cmdstr)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// matches reports whether cmdstr is an alias of the command named name.
func (c *Commands) matches(cmdstr, name string) bool {
	for _, cmd := range c.cmds {
		if cmd.aliases[0] == name {
			return cmd.match(cmdstr)
		}
	}
	return false
}

func noCmdAvailable(t *Term, args string) error {
	return fmt.Errorf("command not available")
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return noCmdAvailable(t, args)
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func parseArgv(args string) ([]string, error) {
	if args == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	return v[0], nil
}

func run(t *Term, args string) error {
	cmdArgs, err := parseArgv(args)
	if err != nil {
		return err
	}
	if len(cmdArgs) == 0 {
		cmdArgs = t.Args
	}
	if err := t.killInferior(); err != nil {
		return err
	}
	status, err := t.dbg.Run(cmdArgs)
	if err != nil {
		return err
	}
	printStatus(t, status)
	return nil
}

func cont(t *Term, args string) error {
	status, err := t.dbg.Continue()
	if err != nil {
		return err
	}
	printStatus(t, status)
	return nil
}

func breakpoint(t *Term, args string) error {
	if args == "" {
		return fmt.Errorf("not enough arguments")
	}
	bp, err := t.dbg.Break(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Set breakpoint %d at %s\n", bp.ID, formatBreakpointLocation(bp))
	return nil
}

func breakpoints(t *Term, args string) error {
	bps := t.dbg.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	for _, bp := range bps {
		fmt.Fprintf(t.stdout, "Breakpoint %d at %s (%s)\n", bp.ID, formatBreakpointLocation(bp), bp.Spec)
	}
	return nil
}

func clear(t *Term, args string) error {
	if args == "" {
		return fmt.Errorf("not enough arguments")
	}
	id, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid breakpoint id %q", args)
	}
	bp, err := t.dbg.Clear(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d cleared at %s\n", bp.ID, formatBreakpointLocation(bp))
	return nil
}

func clearAll(t *Term, args string) error {
	if err := t.dbg.ClearAll(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Cleared all breakpoints.")
	return nil
}

func backtrace(t *Term, args string) error {
	frames, err := t.dbg.Backtrace()
	for _, frame := range frames {
		fmt.Fprintln(t.stdout, frame.String())
	}
	if err != nil && errors.Is(err, proc.ErrStackTooDeep) {
		fmt.Fprintln(t.stdout, "(truncated)")
		return nil
	}
	return err
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

// ExitRequestError is returned when the user
// exits deet.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

// printStatus reports the outcome of resuming the program.
func printStatus(t *Term, status proc.Status) {
	switch s := status.(type) {
	case proc.Stopped:
		fmt.Fprintf(t.stdout, "Child stopped (signal %s)\n", proc.SignalName(s.Signal))
		if file, line, ok := stopLocation(t.dbg, s.PC); ok {
			t.Println("Stopped at ", fmt.Sprintf("%s:%d", file, line))
		}
	case proc.Exited:
		fmt.Fprintf(t.stdout, "Child exited (status %d)\n", s.Code)
	case proc.Signaled:
		fmt.Fprintf(t.stdout, "Child signaled (signal %s)\n", proc.SignalName(s.Signal))
	}
}

// stopLocation returns the source location of a process stopped at pc. A
// process that hit a breakpoint is reported at the breakpoint.
func stopLocation(dbg *debugger.Debugger, pc uint64) (string, int, bool) {
	if bp := dbg.BreakpointAt(pc); bp != nil && bp.File != "" {
		return bp.File, bp.Line, true
	}
	return dbg.LineForPC(pc)
}

func formatBreakpointLocation(bp *debugger.Breakpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%#x", bp.Addr)
	if bp.Function != "" {
		fmt.Fprintf(&b, " for %s()", bp.Function)
	}
	if bp.File != "" {
		fmt.Fprintf(&b, " %s:%d", bp.File, bp.Line)
	}
	return b.String()
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		cmdstr, args := parseCommand(line)

		if err := c.Call(cmdstr, args, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			if proc.IsProtocolError(err) {
				return fmt.Errorf("%s:%d: %w", name, lineno, err)
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
