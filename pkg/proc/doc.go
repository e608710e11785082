// Package proc is a low-level package that provides methods to manipulate
// the process we are debugging.
//
// proc implements all core functionality including:
// * confirming the launch of a traced process
// * software breakpoints (install, clear, transparent step-over)
// * process manipulation (continue, kill)
// * frame pointer based stack unwinding
//
// The operating system is reached only through the Tracer interface, see
// package native for the ptrace(2) implementation.
package proc
