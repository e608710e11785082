package dap

// LaunchConfig is the collection of launch request attributes recognized by
// the deet DAP implementation.
type LaunchConfig struct {
	// Path to the executable to debug. If it is not an absolute path, it
	// is interpreted relative to the working directory of the deet process.
	Program string `json:"program,omitempty"`

	// Command line arguments passed to the debugged program.
	Args []string `json:"args,omitempty"`

	// Absolute path to the working directory of the program being debugged
	// if a non-empty value is specified. If not specified or empty,
	// the working directory of the deet process will be used.
	Cwd string `json:"cwd,omitempty"`

	// Automatically stop program after launch.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Maximum depth of stack trace collected from deet.
	// (Default: `50`)
	StackTraceDepth int `json:"stackTraceDepth,omitempty"`
}
