package terminal

import (
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/mattn/go-colorable"
)

const enableVirtualTerminalProcessing = 0x0004

// getColorableWriter returns a writer that interprets ANSI escape codes on
// consoles that do not handle them.
func getColorableWriter() io.Writer {
	if strings.ToLower(os.Getenv("ConEmuANSI")) == "on" {
		return os.Stdout
	}
	h, err := syscall.GetStdHandle(syscall.STD_OUTPUT_HANDLE)
	if err != nil {
		return os.Stdout
	}
	var m uint32
	if err := syscall.GetConsoleMode(h, &m); err != nil {
		return os.Stdout
	}
	if m&enableVirtualTerminalProcessing != 0 {
		return os.Stdout
	}
	return colorable.NewColorableStdout()
}
