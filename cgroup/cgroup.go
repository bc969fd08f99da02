//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package cgroup creates and tears down the per-container cgroup v2
// unified-hierarchy group (spec §4.B), applying memory/CPU/PID limits
// and exposing the cgroup's inode as its stable id (spec §3 "cgroup
// id").
package cgroup

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/sirupsen/logrus"
)

const (
	mountpoint = "/sys/fs/cgroup"

	// defaults per spec §3 "Cgroup limits".
	defaultMemoryMax = 1 << 30 // 1 GiB
	defaultCPUWeight = 100
	defaultPidsMax   = 256
)

// Limits is the optional-strings cgroup configuration from spec §3.
// A zero value field applies the component default.
type Limits struct {
	MemoryMax string // bytes, or "max"
	CPUWeight string // 1-10000
	PidsMax   string // integer, or "max"
}

// Group wraps the cgroup2 manager for a single container's cgroup.
type Group struct {
	Hostname string
	manager  *cgroup2.Manager
	id       uint64
}

// CheckAvailable verifies cgroup v2 is mounted at /sys/fs/cgroup
// (spec §6 "Kernel prerequisites").
func CheckAvailable() error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(mountpoint, &st); err != nil {
		return fmt.Errorf("failed to stat %s: %w", mountpoint, err)
	}

	// cgroup2 unified hierarchy has a distinct magic from the v1
	// tmpfs-based hierarchy.
	const cgroup2SuperMagic = 0x63677270
	if st.Type != cgroup2SuperMagic {
		return fmt.Errorf("%s is not a cgroup v2 mount", mountpoint)
	}

	return nil
}

// Init creates /sys/fs/cgroup/<hostname>, applies limits, and joins
// pid to it (spec §4.B). Writes are sequential; the first failure
// aborts and reports the offending control file.
func Init(hostname string, pid int, limits Limits) (*Group, error) {
	resources := toResources(limits)

	mgr, err := cgroup2.NewManager(mountpoint, "/"+hostname, resources)
	if err != nil {
		return nil, fmt.Errorf("failed to create cgroup %s: %w", hostname, err)
	}

	if err := mgr.AddProc(uint64(pid)); err != nil {
		return nil, fmt.Errorf("failed to add pid %d to cgroup.procs: %w", pid, err)
	}

	id, err := cgroupID(hostname)
	if err != nil {
		logrus.WithField("cgroup", hostname).Warnf("failed to resolve cgroup id: %v", err)
	}

	return &Group{
		Hostname: hostname,
		manager:  mgr,
		id:       id,
	}, nil
}

// ID returns the cgroup id (the inode number of its directory),
// stable for the cgroup's lifetime (spec §3 invariant).
func (g *Group) ID() uint64 {
	return g.id
}

// Free removes the cgroup directory; the kernel only allows this
// once it is empty of processes (spec §4.B).
func (g *Group) Free() error {
	if err := g.manager.Delete(); err != nil {
		return fmt.Errorf("failed to delete cgroup %s: %w", g.Hostname, err)
	}
	return nil
}

func cgroupID(hostname string) (uint64, error) {
	path := mountpoint + "/" + hostname
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("failed to read inode for %s", path)
	}
	return st.Ino, nil
}

func toResources(limits Limits) *cgroup2.Resources {
	memMax := int64(defaultMemoryMax)
	if limits.MemoryMax != "" && limits.MemoryMax != "max" {
		if v, err := strconv.ParseInt(limits.MemoryMax, 10, 64); err == nil {
			memMax = v
		}
	}

	weight := uint64(defaultCPUWeight)
	if limits.CPUWeight != "" {
		if v, err := strconv.ParseUint(limits.CPUWeight, 10, 64); err == nil {
			weight = v
		}
	}

	pidsMax := int64(defaultPidsMax)
	if limits.PidsMax != "" && limits.PidsMax != "max" {
		if v, err := strconv.ParseInt(limits.PidsMax, 10, 64); err == nil {
			pidsMax = v
		}
	}

	return &cgroup2.Resources{
		Memory: &cgroup2.Memory{
			Max: &memMax,
		},
		CPU: &cgroup2.CPU{
			Weight: &weight,
		},
		Pids: &cgroup2.Pids{
			Max: pidsMax,
		},
	}
}
