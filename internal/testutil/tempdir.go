// Package testutil holds small test-only helpers shared across this
// module's package tests. Adapted from the teacher's
// common/testutil/tempdir.go, narrowed to the one helper still needed
// once the engine's test suite moved from plain os paths to afero.Fs:
// most package tests run against afero.NewMemMapFs() and never touch
// a real directory, but the directory-lock test needs an actual OS temp
// directory afero can't fake.
package testutil

import (
	"os"
	"testing"
)

// TempDir creates a real OS temporary directory for the duration of
// the test and schedules its removal via t.Cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lsmkv-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}
