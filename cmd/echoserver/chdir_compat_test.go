package main

import (
	"os"
	"testing"
)

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains:
// it changes the working directory and restores it when the test ends.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
