package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var proc = false
var ptrace = false
var symbols = false
var dap = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

// Proc returns true if the breakpoint and stepping logic of the proc
// package should be logged.
func Proc() bool {
	return proc
}

// ProcLogger returns a logger for the proc package.
func ProcLogger() Logger {
	return makeFlaggableLogger(proc, Fields{"layer": "proc"})
}

// Ptrace returns true if every ptrace request issued by the native backend
// should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the native backend.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "proc", "kind": "ptrace"})
}

// Symbols returns true if recoverable errors while loading debug
// information should be logged.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the symbols package.
func SymbolsLogger() Logger {
	return makeFlaggableLogger(symbols, Fields{"layer": "symbols"})
}

// DAP returns true if the DAP messages should be logged.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "deet-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "debugger":
			debugger = true
		case "proc":
			proc = true
		case "ptrace":
			ptrace = true
		case "symbols":
			symbols = true
		case "dap":
			dap = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'deet help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// WriteDAPListeningMessage writes the "DAP server listening" message to
// stdout, or to the log destination if one was configured.
func WriteDAPListeningMessage(addr string) {
	msg := fmt.Sprintf("DAP server listening at: %s", addr)
	if logOut != nil {
		fmt.Fprintln(logOut, msg)
		return
	}
	fmt.Println(msg)
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), entry.Level.String())
	for k, v := range entry.Data {
		fmt.Fprintf(b, "%s=%v,", k, v)
	}
	b.Truncate(b.Len() - 1)
	fmt.Fprintf(b, " %s\n", entry.Message)
	return b.Bytes(), nil
}
