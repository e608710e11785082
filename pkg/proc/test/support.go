package test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

// BuildFlags changes how a fixture is compiled.
type BuildFlags uint32

const (
	// BuildModePIE builds a position independent executable.
	BuildModePIE BuildFlags = 1 << iota
)

// Fixtures is a map of fixture name (plus build flags) to Fixture.
var Fixtures = make(map[string]Fixture)

var fixturesMu sync.Mutex

// FindFixturesDir returns the path of the _fixtures directory.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture compiles _fixtures/<name>.c with debug information and frame
// pointers. The test is skipped if no C compiler is available.
// DEET_TEST_BUILDMODE=pie forces position independent fixtures.
func BuildFixture(t testing.TB, name string, flags BuildFlags) Fixture {
	t.Helper()
	if os.Getenv("DEET_TEST_BUILDMODE") == "pie" {
		flags |= BuildModePIE
	}
	fixturesMu.Lock()
	defer fixturesMu.Unlock()

	key := fmt.Sprintf("%s/%d", name, flags)
	if f, ok := Fixtures[key]; ok {
		return f
	}

	cc, err := exec.LookPath(compiler())
	if err != nil {
		t.Skipf("no C compiler: %v", err)
	}

	source, _ := filepath.Abs(filepath.Join(FindFixturesDir(), name+".c"))

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	args := []string{"-g", "-O0", "-fno-omit-frame-pointer"}
	if flags&BuildModePIE != 0 {
		args = append(args, "-fPIE", "-pie")
	} else {
		args = append(args, "-fno-pie", "-no-pie")
	}
	args = append(args, "-o", tmpfile, source)

	out, err := exec.Command(cc, args...).CombinedOutput()
	if err != nil {
		t.Fatalf("Error compiling %s: %v\n%s", source, err, out)
	}

	Fixtures[key] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[key]
}

func compiler() string {
	if cc := os.Getenv("CC"); cc != "" {
		return cc
	}
	return "cc"
}

// RunTestsWithFixtures runs the tests and deletes the fixtures they built
// before exiting.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	// Remove the fixtures.
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}

// MustSupportNative skips the test on platforms without a native backend.
func MustSupportNative(t testing.TB) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skipf("native backend not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
}
