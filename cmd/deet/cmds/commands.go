package cmds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-deet/deet/pkg/config"
	"github.com/go-deet/deet/pkg/logflags"
	"github.com/go-deet/deet/pkg/terminal"
	"github.com/go-deet/deet/pkg/version"
	"github.com/go-deet/deet/service"
	"github.com/go-deet/deet/service/dap"
	"github.com/go-deet/deet/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the DAP server listen address.
	addr string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// disableASLR turns off address space randomization in the target.
	disableASLR bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const deetCommandLongDesc = `deet is a small source level debugger for native programs on linux/amd64.

deet launches the program under ptrace, lets you set breakpoints on
functions, lines and addresses, continues execution past them and prints
backtraces by following the frame pointer chain. Programs should be
compiled with -g -fno-omit-frame-pointer.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`deet exec ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil && !docCall {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	// Main deet root command.
	rootCommand = &cobra.Command{
		Use:   "deet [program]",
		Short: "deet is a ptrace debugger for native programs.",
		Long:  deetCommandLongDesc,
		Args:  cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				cmd.Help()
				return
			}
			os.Exit(execute(cmd, args, conf))
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'deet help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'deet help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", ".", "Working directory for running the program.")
	rootCommand.PersistentFlags().StringVar(&tty, "tty", "", "TTY to use for the target program")
	rootCommand.PersistentFlags().BoolVar(&disableASLR, "disable-aslr", false, "Disables address space randomization of the target.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary>",
		Short: "Execute a precompiled binary, and begin a debug session.",
		Long: `Execute a precompiled binary and begin a debug session.

The program is not started until the 'run' command is given, so that
breakpoints can be set first. Arguments after '--' are passed to the
program by 'run' when it is given without arguments.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(cmd, args, conf))
		},
	}
	rootCommand.AddCommand(execCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The server supports debugging of a precompiled binary via a launch request.
It does not support attach requests.
It does not support asynchronous request-response communication.
The server does not accept multiple client connections.`,
		Run: dapCmd,
	}
	dapCommand.Flags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debugging server listen address.")
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deet debugger\n%s\n", version.DeetVersion)
			if log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log debugger commands
	proc		Log process control (launch, breakpoints, resume)
	ptrace		Log every ptrace request
	symbols		Log symbol table loading and lookups
	dap		Log all DAP messages

Additionally --log-dest can be used to specify where the logs should be
written. 
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "DAP server listening at" message.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		if initFile != "" {
			fmt.Fprint(os.Stderr, "Warning: init file ignored with dap\n")
		}
		if workingDir != "." {
			fmt.Fprintf(os.Stderr, "Warning: working directory ignored with dap; specify via launch request instead\n")
		}
		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: program arguments ignored with dap; specify via launch request instead\n")
		}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		disconnectChan := make(chan struct{})
		server := dap.NewServer(&service.Config{
			Listener:       listener,
			DisconnectChan: disconnectChan,
			Debugger:       debuggerConfig(cmd.Flags(), conf),
		})
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// debuggerConfig merges the command line flags with the configuration
// file. Flags that were set explicitly win.
func debuggerConfig(flags *pflag.FlagSet, conf *config.Config) debugger.Config {
	cfg := debugger.Config{
		WorkingDir:  workingDir,
		TTY:         tty,
		DisableASLR: disableASLR,
	}
	if tty == "" {
		cfg.Stdin, cfg.Stdout, cfg.Stderr = os.Stdin, os.Stdout, os.Stderr
	}
	if conf == nil {
		return cfg
	}
	if f := flags.Lookup("disable-aslr"); f == nil || !f.Changed {
		cfg.DisableASLR = conf.DisableASLR
	}
	cfg.EntryFunction = conf.EntryFunction
	cfg.MaxStackDepth = conf.StackDepth()
	return cfg
}

func execute(cmd *cobra.Command, args []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	deetArgs, targetArgs := splitArgs(cmd, args)
	if len(deetArgs) != 1 {
		fmt.Fprintf(os.Stderr, "expected exactly one program, got %q\n", deetArgs)
		return 1
	}
	program, err := filepath.Abs(deetArgs[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	cfg := debuggerConfig(cmd.Flags(), conf)
	dbg, err := debugger.New(&cfg, program)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	term := terminal.New(dbg, conf)
	term.InitFile = initFile
	term.Args = targetArgs
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
