package monitor

import (
	"testing"

	"github.com/spf13/afero"
)

func withMemFs(t *testing.T, files map[string]string) func() {
	t.Helper()
	mem := afero.NewMemMapFs()
	for path, content := range files {
		if err := afero.WriteFile(mem, path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to seed %s: %v", path, err)
		}
	}
	prev := appFs
	appFs = mem
	return func() { appFs = prev }
}

func TestSnapshotToleratesMissingFiles(t *testing.T) {
	restore := withMemFs(t, map[string]string{})
	defer restore()

	m := New("c-abc123", "abc123")
	snap := m.Snapshot()

	if snap.MemoryCurrent != 0 || snap.ProcessCount != 0 || snap.CPUUsageUsec != 0 {
		t.Fatalf("expected zero values for missing files, got %+v", snap)
	}
}

func TestSnapshotParsesFields(t *testing.T) {
	restore := withMemFs(t, map[string]string{
		"/sys/fs/cgroup/c-abc123/memory.current": "1048576\n",
		"/sys/fs/cgroup/c-abc123/memory.peak":    "2097152\n",
		"/sys/fs/cgroup/c-abc123/cpu.stat":       "usage_usec 500000\nuser_usec 400000\n",
		"/sys/fs/cgroup/c-abc123/cgroup.procs":   "100\n101\n",
		"/sys/fs/cgroup/c-abc123/io.stat": "8:0 rbytes=100 wbytes=200 rios=1 wios=2\n" +
			"8:16 rbytes=50 wbytes=25 rios=1 wios=1\n",
	})
	defer restore()

	m := New("c-abc123", "abc123")
	snap := m.Snapshot()

	if snap.MemoryCurrent != 1048576 {
		t.Fatalf("memory current = %d", snap.MemoryCurrent)
	}
	if snap.MemoryPeak != 2097152 {
		t.Fatalf("memory peak = %d", snap.MemoryPeak)
	}
	if snap.CPUUsageUsec != 500000 {
		t.Fatalf("cpu usage = %d", snap.CPUUsageUsec)
	}
	if snap.ProcessCount != 2 {
		t.Fatalf("process count = %d", snap.ProcessCount)
	}
	if snap.IOReadBytes != 150 || snap.IOWriteBytes != 225 {
		t.Fatalf("io bytes = %d/%d", snap.IOReadBytes, snap.IOWriteBytes)
	}
}

func TestSnapshotComputesCPUPercentAsDelta(t *testing.T) {
	restore := withMemFs(t, map[string]string{
		"/sys/fs/cgroup/c-x/cpu.stat": "usage_usec 1000000\n",
	})
	defer restore()

	m := New("c-x", "x")
	first := m.Snapshot()
	if first.CPUPercent != 0 {
		t.Fatalf("first sample should have no delta, got %v", first.CPUPercent)
	}

	restore2 := withMemFs(t, map[string]string{
		"/sys/fs/cgroup/c-x/cpu.stat": "usage_usec 1500000\n",
	})
	defer restore2()
	m.cgroup = "/sys/fs/cgroup/c-x"

	second := m.Snapshot()
	if second.CPUPercent <= 0 {
		t.Fatalf("expected positive cpu delta, got %v", second.CPUPercent)
	}
}

func TestVethName(t *testing.T) {
	name, err := vethName("abcdef1234")
	if err != nil {
		t.Fatal(err)
	}
	if name != "vethabcdef12" {
		t.Fatalf("vethName = %q", name)
	}
}
