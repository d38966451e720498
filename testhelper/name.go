package testhelper

import (
	"strings"
	"testing"
)

// LockName returns a lock name unique to this test run, derived from the
// test name so that leftover objects in a shared bucket can be traced back.
func LockName(t *testing.T) string {
	t.Helper()

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "#", "-", " ", "-").Replace(name)

	return "test-" + name + "-" + MustRandString(8)
}
