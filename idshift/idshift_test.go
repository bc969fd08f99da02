package idshift

import "testing"

func TestRangeLine(t *testing.T) {
	r := Range{HostStart: 100000, ChildStart: 0, Count: 65536}
	want := "0 100000 65536\n"
	if got := r.line(); got != want {
		t.Fatalf("line() = %q, want %q", got, want)
	}
}

func TestWriteUIDRejectsSecondWrite(t *testing.T) {
	m := &Mapping{uidWritten: true}
	if err := m.WriteUID(1); err == nil {
		t.Fatal("expected error on second uid_map write")
	}
}

func TestWriteGIDRejectsSecondWrite(t *testing.T) {
	m := &Mapping{gidWritten: true}
	if err := m.WriteGID(1); err == nil {
		t.Fatal("expected error on second gid_map write")
	}
}
