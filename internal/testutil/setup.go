// Package testutil holds shared setup for tests that need the process-wide
// address space.
package testutil

import (
	"fmt"
	"os"
	"testing"

	"github.com/joshuapare/pakit/partition/addrspace"
)

// Main initialises a small address space, runs the package tests and tears
// the reservation down again. Use it from TestMain:
//
//	func TestMain(m *testing.M) { testutil.Main(m) }
func Main(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	addrspace.UninitForTesting()
	if _, err := addrspace.Init(addrspace.SmallConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "testutil: init address space: %v\n", err)
		return 1
	}
	defer addrspace.UninitForTesting()
	return m.Run()
}

// AddressSpace returns the process-wide address space, failing the test if
// Main did not set one up.
func AddressSpace(t testing.TB) *addrspace.AddressSpace {
	t.Helper()
	as := addrspace.Get()
	if as == nil {
		t.Fatalf("address space not initialised; call testutil.Main from TestMain")
	}
	return as
}
