package cgroup

import "testing"

func TestToResourcesDefaults(t *testing.T) {
	res := toResources(Limits{})

	if res.Memory == nil || *res.Memory.Max != defaultMemoryMax {
		t.Fatalf("expected default memory max %d, got %+v", defaultMemoryMax, res.Memory)
	}
	if res.CPU == nil || *res.CPU.Weight != defaultCPUWeight {
		t.Fatalf("expected default cpu weight %d, got %+v", defaultCPUWeight, res.CPU)
	}
	if res.Pids == nil || res.Pids.Max != defaultPidsMax {
		t.Fatalf("expected default pids max %d, got %+v", defaultPidsMax, res.Pids)
	}
}

func TestToResourcesOverrides(t *testing.T) {
	res := toResources(Limits{
		MemoryMax: "2147483648",
		CPUWeight: "500",
		PidsMax:   "64",
	})

	if *res.Memory.Max != 2147483648 {
		t.Fatalf("memory max = %d, want 2147483648", *res.Memory.Max)
	}
	if *res.CPU.Weight != 500 {
		t.Fatalf("cpu weight = %d, want 500", *res.CPU.Weight)
	}
	if res.Pids.Max != 64 {
		t.Fatalf("pids max = %d, want 64", res.Pids.Max)
	}
}

func TestToResourcesMaxStringsKeepDefault(t *testing.T) {
	res := toResources(Limits{MemoryMax: "max", PidsMax: "max"})

	if *res.Memory.Max != defaultMemoryMax {
		t.Fatalf("expected default memory max when \"max\" is given, got %d", *res.Memory.Max)
	}
	if res.Pids.Max != defaultPidsMax {
		t.Fatalf("expected default pids max when \"max\" is given, got %d", res.Pids.Max)
	}
}
