package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/go-deet/deet/pkg/config"
	"github.com/go-deet/deet/pkg/proc"
	"github.com/go-deet/deet/service/debugger"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack     = 30
	ansiRed       = 31
	ansiGreen     = 32
	ansiYellow    = 33
	ansiBlue      = 34
	ansiMagenta   = 35
	ansiCyan      = 36
	ansiWhite     = 37
	ansiBrBlack   = 90
	ansiBrRed     = 91
	ansiBrGreen   = 92
	ansiBrYellow  = 93
	ansiBrBlue    = 94
	ansiBrMagenta = 95
	ansiBrCyan    = 96
	ansiBrWhite   = 97
)

// Term represents the terminal running deet.
type Term struct {
	dbg    *debugger.Debugger
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	stdout io.Writer
	colors bool

	// InitFile is a file of commands executed before the first prompt.
	InitFile string
	// Args are passed to the target by a run command without arguments.
	Args []string
}

// New returns a new Term.
func New(dbg *debugger.Debugger, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	if (conf.SourceListLineColor > ansiWhite &&
		conf.SourceListLineColor < ansiBrBlack) ||
		conf.SourceListLineColor < ansiBlack ||
		conf.SourceListLineColor > ansiBrWhite {
		conf.SourceListLineColor = ansiBlue
	}

	return &Term{
		dbg:    dbg,
		conf:   conf,
		prompt: "(deet) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		stdout: w,
		colors: !dumb && isatty.IsTerminal(os.Stdout.Fd()),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// sigintGuard swallows interrupts received while the program runs. They do
// not preempt a pending wait.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintln(t.stdout, `Type "quit" to exit`)
	}
}

// Run begins running deet in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.complete)

	historyFile, err := config.GetHistoryFilePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load history file: %v.\n", err)
	} else if f, err := os.Open(historyFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		if err := t.cmds.executeFile(t, t.InitFile); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			if proc.IsProtocolError(err) {
				return t.fatal(err)
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Fprintln(t.stdout, `Type "quit" to exit`)
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		cmdstr, args := parseCommand(cmdstr)
		if err := t.cmds.Call(cmdstr, args, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			if proc.IsProtocolError(err) {
				return t.fatal(err)
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// fatal ends the session after an error that left the target in an
// unknown state.
func (t *Term) fatal(err error) (int, error) {
	fmt.Fprintf(os.Stderr, "Fatal: %s\n", err)
	t.saveHistory()
	return 1, err
}

// Println prints a line to the terminal, highlighting prefix when the
// output is a color capable terminal.
func (t *Term) Println(prefix, str string) {
	if t.colors {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, t.conf.SourceListLineColor)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) complete(line string) (c []string) {
	cmdstr, args := parseCommand(line)
	if args == "" && !strings.HasSuffix(line, " ") {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(cmdstr)) {
					c = append(c, alias)
				}
			}
		}
		return c
	}
	if t.dbg == nil || !t.cmds.matches(cmdstr, "break") {
		return nil
	}
	for _, fn := range t.dbg.Symbols().CompleteFunction(args) {
		c = append(c, cmdstr+" "+fn)
	}
	return c
}

func (t *Term) saveHistory() {
	historyFile, err := config.GetHistoryFilePath()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error saving history file:", err)
		return
	}
	f, err := os.Create(historyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error saving history file:", err)
		return
	}
	defer f.Close()
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Fprintln(os.Stderr, "readline history error:", err)
	}
}

func (t *Term) handleExit() (int, error) {
	t.saveHistory()
	if err := t.killInferior(); err != nil {
		return 1, err
	}
	return 0, nil
}

// killInferior kills the running process, if any, announcing it first.
func (t *Term) killInferior() error {
	if t.dbg == nil {
		return nil
	}
	if pid := t.dbg.ProcessPid(); pid != 0 {
		fmt.Fprintf(t.stdout, "Killing running inferior (pid %d)\n", pid)
	}
	if err := t.dbg.Detach(); err != nil && !errors.Is(err, debugger.ErrNoProcess) {
		return err
	}
	return nil
}

func parseCommand(cmdstr string) (string, string) {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	if len(vals) == 1 {
		return vals[0], ""
	}
	return vals[0], strings.TrimSpace(vals[1])
}
