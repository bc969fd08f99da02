package nsmount

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestUnshareFlagsAlwaysIncludesUTS(t *testing.T) {
	flags := UnshareFlags(0)
	if flags&unix.CLONE_NEWUTS == 0 {
		t.Fatal("expected CLONE_NEWUTS to always be set")
	}
	if flags&unix.CLONE_NEWNS != 0 {
		t.Fatal("did not expect CLONE_NEWNS without CapFilesystem")
	}
}

func TestUnshareFlagsDerivedFromCapSet(t *testing.T) {
	caps := CapFilesystem | CapNetwork | CapUsers
	flags := UnshareFlags(caps)

	for _, want := range []uintptr{unix.CLONE_NEWUTS, unix.CLONE_NEWNS, unix.CLONE_NEWNET, unix.CLONE_NEWUSER} {
		if flags&want == 0 {
			t.Fatalf("expected flag %#x to be set in %#x", want, flags)
		}
	}
	if flags&unix.CLONE_NEWPID != 0 {
		t.Fatal("did not expect CLONE_NEWPID without CapProcessControl")
	}
}

func TestOptionsToFlags(t *testing.T) {
	flags := OptionsToFlags(Mount{Bind: true, Recursive: true})
	if flags&unix.MS_BIND == 0 || flags&unix.MS_REC == 0 {
		t.Fatalf("flags = %#x, want MS_BIND|MS_REC", flags)
	}

	flags = OptionsToFlags(Mount{})
	if flags != 0 {
		t.Fatalf("flags = %#x, want 0", flags)
	}
}
