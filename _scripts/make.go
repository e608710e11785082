package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const DeetMainPackagePath = "github.com/go-deet/deet/cmd/deet"

var Verbose bool
var NOTimeout bool
var TestIncludePIE bool
var TestSet, TestRegex, TestBuildMode string

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for deet.",
	}

	RootCommand.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Build deet",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "build", buildFlags(), DeetMainPackagePath)
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs deet",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "install", buildFlags(), DeetMainPackagePath)
			fmt.Println(installedExecutablePath())
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstalls deet",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", DeetMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test",
		Short: "Tests deet",
		Long: `Tests deet.

Use the flags -s, -r and -m to specify which tests to run. Specifying nothing will run all tests relevant for the current environment (see testStandard).
`,
		Run: testCmd,
	}
	test.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.PersistentFlags().BoolVarP(&NOTimeout, "timeout", "t", false, "Set infinite timeouts")
	test.PersistentFlags().StringVarP(&TestSet, "test-set", "s", "", `Select the set of tests to run, one of either:
	all		tests all packages
	basic		tests proc, native, debugger and terminal
	dap		tests github.com/go-deet/deet/service/dap
	relocated	tests the packages that relocate symbol addresses (debugger, terminal, dap)
	package-name	test the specified package only
`)
	test.PersistentFlags().StringVarP(&TestRegex, "test-run", "r", "", `Only runs the tests matching the specified regex. This option can only be specified if testset is a single package`)
	test.PersistentFlags().StringVarP(&TestBuildMode, "test-build-mode", "m", "", `Runs tests compiling fixtures with the specified build mode, one of either:
	normal		normal buildmode (default)
	pie		PIE buildmode (only meaningful for the relocated set)
`)
	test.PersistentFlags().BoolVarP(&TestIncludePIE, "pie", "", true, "Standard testing should include PIE")

	RootCommand.AddCommand(test)

	return RootCommand
}

func strflatten(v []interface{}) []string {
	r := []string{}
	for _, s := range v {
		switch s := s.(type) {
		case []string:
			r = append(r, s...)
		case string:
			if s != "" {
				r = append(r, s)
			}
		}
	}
	return r
}

func executeq(env []string, cmd string, args ...interface{}) {
	x := exec.Command(cmd, strflatten(args)...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	x.Env = append(os.Environ(), env...)
	err := x.Run()
	if x.ProcessState != nil && !x.ProcessState.Success() {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func execute(cmd string, args ...interface{}) {
	executeEnv(nil, cmd, args...)
}

func executeEnv(env []string, cmd string, args ...interface{}) {
	prefix := ""
	if len(env) > 0 {
		prefix = strings.Join(env, " ") + " "
	}
	fmt.Printf("%s%s %s\n", prefix, cmd, strings.Join(quotemaybe(strflatten(args)), " "))
	executeq(env, cmd, args...)
}

func quotemaybe(args []string) []string {
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = fmt.Sprintf("%q", args[i])
		}
	}
	return args
}

func getoutput(cmd string, args ...interface{}) string {
	x := exec.Command(cmd, strflatten(args)...)
	x.Env = os.Environ()
	out, err := x.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		log.Fatal(err)
	}
	if !x.ProcessState.Success() {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		os.Exit(1)
	}
	return string(out)
}

func installedExecutablePath() string {
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		return filepath.Join(gobin, "deet")
	}
	gopath := strings.Split(getoutput("go", "env", "GOPATH"), ":")
	return filepath.Join(strings.TrimSpace(gopath[0]), "bin", "deet")
}

func buildFlags() []string {
	buildSHA, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		// not a checkout, main.Build stays empty
		return nil
	}
	return []string{"-ldflags=-X main.Build=" + strings.TrimSpace(string(buildSHA))}
}

func testFlags() []string {
	testFlags := []string{"-count", "1", "-p", "1"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	if NOTimeout {
		testFlags = append(testFlags, "-timeout", "0")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	if TestSet == "" && TestBuildMode == "" {
		if TestRegex != "" {
			fmt.Printf("Can not use --test-run without --test-set\n")
			os.Exit(1)
		}

		testStandard()
		return
	}

	if TestSet == "" {
		TestSet = "all"
	}

	if TestBuildMode == "" {
		TestBuildMode = "normal"
	}

	testCmdIntl(TestSet, TestRegex, TestBuildMode)
}

func testStandard() {
	fmt.Println("Testing default build mode")
	testCmdIntl("all", "", "normal")
	if TestIncludePIE && runtime.GOOS == "linux" && runtime.GOARCH == "amd64" {
		fmt.Println("\nTesting PIE buildmode")
		testCmdIntl("relocated", "", "pie")
	}
}

func testCmdIntl(testSet, testRegex, testBuildMode string) {
	testPackages := testSetToPackages(testSet)
	if len(testPackages) == 0 {
		fmt.Printf("Unknown test set %q\n", testSet)
		os.Exit(1)
	}

	if testRegex != "" && len(testPackages) != 1 {
		fmt.Printf("Can not use test-run with test set %q\n", testSet)
		os.Exit(1)
	}

	var env []string
	switch testBuildMode {
	case "", "normal":
	case "pie":
		env = append(env, "DEET_TEST_BUILDMODE=pie")
	default:
		fmt.Printf("Unknown build mode %q\n", testBuildMode)
		os.Exit(1)
	}

	runFlag := ""
	if testRegex != "" {
		runFlag = "-run=" + testRegex
	}
	executeEnv(env, "go", "test", testFlags(), buildFlags(), testPackages, runFlag)
}

func testSetToPackages(testSet string) []string {
	switch testSet {
	case "", "all":
		return allPackages()

	case "basic":
		return []string{"github.com/go-deet/deet/pkg/proc", "github.com/go-deet/deet/pkg/proc/native", "github.com/go-deet/deet/service/debugger", "github.com/go-deet/deet/pkg/terminal"}

	case "dap":
		return []string{"github.com/go-deet/deet/service/dap"}

	case "relocated":
		return []string{"github.com/go-deet/deet/service/debugger", "github.com/go-deet/deet/pkg/terminal", "github.com/go-deet/deet/service/dap"}

	default:
		for _, pkg := range allPackages() {
			if pkg == testSet || strings.HasSuffix(pkg, "/"+testSet) {
				return []string{pkg}
			}
		}
		return nil
	}
}

func allPackages() []string {
	r := []string{}
	for _, dir := range strings.Split(getoutput("go", "list", "./..."), "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" || strings.Contains(dir, "/_scripts") {
			continue
		}
		r = append(r, dir)
	}
	sort.Strings(r)
	return r
}

func main() {
	NewMakeCommands().Execute()
}
