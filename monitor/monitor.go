//
// Copyright 2020 - 2022 Nestybox, Inc.
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

// Package monitor assembles observability snapshots for a running
// container: cgroup memory/cpu/pid counters and veth network counters
// (spec §4.I). Readers tolerate empty or missing files, returning
// zero rather than an error, since monitoring must never fail a
// running container.
package monitor

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var appFs = afero.NewOsFs()

// Snapshot is a point-in-time observability read for one container.
type Snapshot struct {
	MemoryCurrent uint64
	MemoryPeak    uint64
	CPUUsageUsec  uint64
	CPUPercent    float64
	ProcessCount  int
	IOReadBytes   uint64
	IOWriteBytes  uint64
	IOReadOps     uint64
	IOWriteOps    uint64
	NetRxBytes    uint64
	NetTxBytes    uint64
}

// Monitor tracks the previous cpu.stat read needed to compute CPU%
// as a first-difference (spec §4.I).
type Monitor struct {
	mu       sync.Mutex
	cgroup   string
	vethIf   string
	lastUsec uint64
}

// New returns a Monitor for the cgroup at /sys/fs/cgroup/<hostname>
// and the veth interface paired with containerID (spec §4.I); an
// empty or malformed containerID disables the network counters rather
// than failing the monitor outright.
func New(hostname, containerID string) *Monitor {
	vethIf, _ := vethName(containerID)
	return &Monitor{
		cgroup: "/sys/fs/cgroup/" + hostname,
		vethIf: vethIf,
	}
}

// Snapshot reads the current counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	usec := readUsageUsec(m.cgroup + "/cpu.stat")

	var pct float64
	if m.lastUsec != 0 && usec > m.lastUsec {
		pct = float64(usec-m.lastUsec) / 1e6 * 100
	}
	m.lastUsec = usec

	rb, wb, rio, wio := readIOStat(m.cgroup + "/io.stat")
	rxBytes, txBytes := readNetDev(m.vethIf)

	return Snapshot{
		MemoryCurrent: readUint(m.cgroup + "/memory.current"),
		MemoryPeak:    readUint(m.cgroup + "/memory.peak"),
		CPUUsageUsec:  usec,
		CPUPercent:    pct,
		ProcessCount:  countLines(m.cgroup + "/cgroup.procs"),
		IOReadBytes:   rb,
		IOWriteBytes:  wb,
		IOReadOps:     rio,
		IOWriteOps:    wio,
		NetRxBytes:    rxBytes,
		NetTxBytes:    txBytes,
	}
}

func readUint(path string) uint64 {
	data, err := afero.ReadFile(appFs, path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func readUsageUsec(path string) uint64 {
	f, err := appFs.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) == 2 && fields[0] == "usage_usec" {
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}

func countLines(path string) int {
	f, err := appFs.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.TrimSpace(s.Text()) != "" {
			count++
		}
	}
	return count
}

// readIOStat sums rbytes/wbytes/rios/wios across every device line in
// io.stat (format: "<major>:<minor> rbytes=N wbytes=N rios=N wios=N ...").
func readIOStat(path string) (rbytes, wbytes, rios, wios uint64) {
	f, err := appFs.Open(path)
	if err != nil {
		return 0, 0, 0, 0
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		for _, field := range fields {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			v, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				continue
			}
			switch kv[0] {
			case "rbytes":
				rbytes += v
			case "wbytes":
				wbytes += v
			case "rios":
				rios += v
			case "wios":
				wios += v
			}
		}
	}
	return
}

// readNetDev parses /proc/net/dev for the named interface, returning
// (rx bytes, tx bytes). /proc/net/dev's columns are: face, bytes,
// packets, errs, drop, fifo, frame, compressed, multicast (receive),
// then the same set (transmit).
func readNetDev(iface string) (rxBytes, txBytes uint64) {
	f, err := appFs.Open("/proc/net/dev")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) != iface {
			continue
		}

		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			return 0, 0
		}

		rx, _ := strconv.ParseUint(fields[0], 10, 64)
		tx, _ := strconv.ParseUint(fields[8], 10, 64)
		return rx, tx
	}
	return 0, 0
}

// vethName derives the interface name for a container id the way the
// host side names veth pairs ("veth" + id prefix, spec §4.I).
func vethName(containerID string) (string, error) {
	if len(containerID) < 1 {
		return "", fmt.Errorf("empty container id")
	}
	n := len(containerID)
	if n > 8 {
		n = 8
	}
	return "veth" + containerID[:n], nil
}
