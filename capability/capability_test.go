//
// Copyright: (C) 2020 Nestybox Inc.  All rights reserved.
//

package capability_test

import (
	"testing"

	. "github.com/meulengracht/containerv/capability"
)

func TestCapStringRoundTrip(t *testing.T) {
	for _, c := range List() {
		if got := c.String(); got == "unknown" {
			t.Errorf("Cap(%d).String() = %q, want a known name", c, got)
		}
		if got := c.OCIString(); got == "unknown" {
			t.Errorf("Cap(%d).OCIString() = %q, want a known name", c, got)
		}
	}
}

func TestCapTypeString(t *testing.T) {
	cases := map[CapType]string{
		EFFECTIVE:   "effective",
		PERMITTED:   "permitted",
		INHERITABLE: "inheritable",
		BOUNDING:    "bounding",
		AMBIENT:     "ambient",
	}
	for ct, want := range cases {
		if got := ct.String(); got != want {
			t.Errorf("CapType(%d).String() = %q, want %q", ct, got, want)
		}
	}
}

func TestListHasNoDuplicates(t *testing.T) {
	seen := make(map[Cap]bool)
	for _, c := range List() {
		if seen[c] {
			t.Fatalf("duplicate capability in List(): %s", c)
		}
		seen[c] = true
	}
}

func TestNewPid2Load(t *testing.T) {
	caps, err := NewPid2(0)
	if err != nil {
		t.Fatalf("NewPid2: %v", err)
	}
	if err := caps.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The current process always has an empty ambient set unless it
	// was explicitly raised, so Empty(AMBIENT) should hold in a test
	// binary that never touches ambient capabilities.
	if !caps.Empty(AMBIENT) {
		t.Log("ambient set non-empty in test process (unexpected but not fatal)")
	}
}
