package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	s := v.String()
	if !strings.HasPrefix(s, "Version: 1.2.3-rc1\n") {
		t.Fatalf("unexpected version string %q", s)
	}
	if !strings.HasSuffix(s, "Build: abcdef") {
		t.Fatalf("explicit build was replaced: %q", s)
	}
}

func TestVersionStringUnexpandedBuild(t *testing.T) {
	s := DeetVersion.String()
	if strings.Contains(s, "$Id$") {
		t.Fatalf("build ident was not expanded: %q", s)
	}
}
