//go:build !windows
// +build !windows

package terminal

import (
	"io"
	"os"
)

// getColorableWriter returns stdout, unix terminals understand ANSI escape
// codes natively.
func getColorableWriter() io.Writer {
	return os.Stdout
}
