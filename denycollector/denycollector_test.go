package denycollector

import (
	"encoding/binary"
	"testing"
)

func buildRecord(cgroupID, dev, ino uint64, mask, hookID uint32, comm string, name string) []byte {
	buf := make([]byte, denyEventFixedSize+len(name))
	binary.LittleEndian.PutUint64(buf[0:8], cgroupID)
	binary.LittleEndian.PutUint64(buf[8:16], dev)
	binary.LittleEndian.PutUint64(buf[16:24], ino)
	binary.LittleEndian.PutUint32(buf[24:28], mask)
	binary.LittleEndian.PutUint32(buf[28:32], hookID)
	copy(buf[32:48], comm)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(len(name)))
	copy(buf[denyEventFixedSize:], name)
	return buf
}

func TestDecodeDenyEvent(t *testing.T) {
	raw := buildRecord(42, 8, 12345, 0x3, 0, "cat", "hosts")

	event, err := decodeDenyEvent(raw)
	if err != nil {
		t.Fatal(err)
	}

	if event.CgroupID != 42 || event.Dev != 8 || event.Ino != 12345 {
		t.Fatalf("unexpected key fields: %+v", event)
	}
	if event.RequiredMask != 0x3 {
		t.Fatalf("required_mask = %#x", event.RequiredMask)
	}
	if event.Name != "hosts" {
		t.Fatalf("name = %q, want hosts", event.Name)
	}
	if commString(event.Comm) != "cat" {
		t.Fatalf("comm = %q, want cat", commString(event.Comm))
	}
}

func TestDecodeDenyEventTooShort(t *testing.T) {
	_, err := decodeDenyEvent(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestCommStringTrimsTrailingNuls(t *testing.T) {
	var comm [16]byte
	copy(comm[:], "bash")
	if got := commString(comm); got != "bash" {
		t.Fatalf("commString = %q, want bash", got)
	}
}
