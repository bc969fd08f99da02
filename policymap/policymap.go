// Package policymap owns the pinned BPF maps backing the policy
// enforcement plane: creation/reuse/ABI-check/unpin lifecycle, bulk
// insert/delete on behalf of the policy compiler, and the deny-event
// ring buffers consumed by the denycollector package (spec §4.G).
package policymap

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/meulengracht/containerv/denycollector"
	"github.com/meulengracht/containerv/policy"
)

// State is the manager's own lifecycle state (spec §4.G).
type State int

const (
	Uninitialized State = iota
	Available
)

const (
	pinDir = "/sys/fs/bpf/cvd"

	maxEntriesFS  = 10240
	maxEntriesNet = 8192
)

// mapNames is the six maps the manager owns, in the order spec §4.G
// lists them.
var mapNames = []string{
	"policy",
	"dir_policy",
	"basename_policy",
	"net_create",
	"net_tuple",
	"net_unix",
}

// mapSpecs describes the expected (type, key size, value size) triple
// for each map, used for the ABI check on pin reuse (spec §4.G step 4,
// §8 "pinned-map ABI check").
var mapSpecs = map[string]ebpf.MapSpec{
	"policy": {
		Name:       "policy",
		Type:       ebpf.Hash,
		KeySize:    24, // cgroup_id, dev, ino : 3x u64
		ValueSize:  4,  // allow-mask
		MaxEntries: maxEntriesFS,
	},
	"dir_policy": {
		Name:       "dir_policy",
		Type:       ebpf.Hash,
		KeySize:    24,
		ValueSize:  8, // mask + flags : 2x u32
		MaxEntries: maxEntriesFS,
	},
	"basename_policy": {
		Name:       "basename_policy",
		Type:       ebpf.Hash,
		KeySize:    24,
		ValueSize:  264, // up to 8 rule records
		MaxEntries: maxEntriesFS,
	},
	"net_create": {
		Name:       "net_create",
		Type:       ebpf.Hash,
		KeySize:    12, // family, type, proto : 3x u32
		ValueSize:  4,
		MaxEntries: 4096,
	},
	"net_tuple": {
		Name:       "net_tuple",
		Type:       ebpf.Hash,
		KeySize:    34, // family, type, proto, port, addr[16]
		ValueSize:  4,
		MaxEntries: maxEntriesNet,
	},
	"net_unix": {
		Name:       "net_unix",
		Type:       ebpf.Hash,
		KeySize:    116, // type, proto, path[108]
		ValueSize:  4,
		MaxEntries: maxEntriesNet,
	},
}

// denyRingNames are the two ring buffers feeding the deny-event
// collector (spec §4.G step 8, §4.H); they are pinned like the policy
// maps but are not part of the six-map ABI-check set.
var denyRingNames = []string{"fs_denials", "net_denials"}

const ringBufferSize = 1 << 20 // 1 MiB, must be a power of two

// Tracker is the per-container record of installed kernel-map keys
// (spec §3 "Container tracker").
type Tracker struct {
	ContainerID string
	CgroupID    uint64
	EntryCounts map[string]int
	Keys        map[string][]interface{}

	PopulateMicros uint64
	CleanupMicros  uint64
}

// Manager owns the six pinned maps and the per-container trackers.
type Manager struct {
	mu        sync.Mutex
	state     State
	maps      map[string]*ebpf.Map
	trackers  map[string]*Tracker
	collector *denycollector.Collector
}

// Initialize performs the bring-up sequence from spec §4.G. On any
// unrecoverable precondition (LSM absent, pin dir unwritable) it
// leaves the manager Uninitialized rather than returning an error:
// subsequent operations become no-ops, per spec §4.G "falls back to
// seccomp-only enforcement". It opens or creates the maps and ring
// buffers and starts the deny collector; it loads and attaches no BPF
// programs.
func Initialize() (*Manager, error) {
	m := &Manager{
		maps:     make(map[string]*ebpf.Map),
		trackers: make(map[string]*Tracker),
	}

	if !lsmHasBPF() {
		logrus.WithField("subsystem", "policymap").Warn("BPF-LSM not available, enforcement plane disabled")
		return m, nil
	}

	raiseMemlockLimit()

	if err := os.MkdirAll(pinDir, 0700); err != nil {
		logrus.WithField("subsystem", "policymap").Warnf("pin dir %s unwritable: %v", pinDir, err)
		return m, nil
	}

	for _, name := range mapNames {
		mp, err := m.openOrCreateMap(name)
		if err != nil {
			logrus.WithField("subsystem", "policymap").Warnf("failed to open/create map %s: %v", name, err)
			return m, nil
		}
		m.maps[name] = mp
	}

	if err := m.writeVerifyNetMaps(); err != nil {
		logrus.WithField("subsystem", "policymap").Warnf("write-verify probe failed: %v", err)
		return m, nil
	}

	denyMaps := make(map[string]*ebpf.Map)
	for _, name := range denyRingNames {
		mp, err := m.openOrCreateRingBuffer(name)
		if err != nil {
			logrus.WithField("subsystem", "policymap").Warnf("failed to open/create ring buffer %s: %v", name, err)
			return m, nil
		}
		denyMaps[name] = mp
	}

	collector, err := denycollector.New(denyMaps["fs_denials"], denyMaps["net_denials"])
	if err != nil {
		logrus.WithField("subsystem", "policymap").Warnf("failed to start deny-event collector: %v", err)
		return m, nil
	}
	m.collector = collector

	m.state = Available
	return m, nil
}

// openOrCreateRingBuffer mirrors openOrCreateMap but for the
// BPF_MAP_TYPE_RINGBUF maps backing the deny-event channels.
func (m *Manager) openOrCreateRingBuffer(name string) (*ebpf.Map, error) {
	pinPath := pinDir + "/" + name

	if existing, err := ebpf.LoadPinnedMap(pinPath, nil); err == nil {
		if info, infoErr := existing.Info(); infoErr == nil && info.Type == ebpf.RingBuf {
			return existing, nil
		}
		existing.Close()
		os.Remove(pinPath)
	}

	spec := &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.RingBuf,
		MaxEntries: ringBufferSize,
	}

	mp, err := ebpf.NewMap(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring buffer %s: %w", name, err)
	}

	if err := mp.Pin(pinPath); err != nil && !os.IsExist(err) {
		logrus.WithField("subsystem", "policymap").Warnf("failed to pin ring buffer %s: %v", name, err)
	}

	return mp, nil
}

// lsmHasBPF scans /sys/kernel/security/lsm for the whole word "bpf"
// (spec §4.G step 1).
func lsmHasBPF() bool {
	data, err := os.ReadFile("/sys/kernel/security/lsm")
	if err != nil {
		return false
	}

	re := regexp.MustCompile(`(^|,)bpf(,|$)`)
	return re.MatchString(strings.TrimSpace(string(data)))
}

// raiseMemlockLimit is best-effort: failures are logged, not fatal
// (spec §4.G step 2).
func raiseMemlockLimit() {
	rlim := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rlim); err != nil {
		logrus.WithField("subsystem", "policymap").Debugf("failed to raise memlock limit: %v", err)
	}
}

// openOrCreateMap attempts to reuse a pinned map; if the pin is
// absent, or its ABI differs from the expected spec, it is unlinked
// and a fresh map is created and pinned (spec §4.G step 4, §7
// "AbiMismatch").
func (m *Manager) openOrCreateMap(name string) (*ebpf.Map, error) {
	pinPath := pinDir + "/" + name
	expected := mapSpecs[name]

	existing, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err == nil {
		info, infoErr := existing.Info()
		if infoErr == nil && abiMatches(info, expected) {
			return existing, nil
		}
		existing.Close()
		os.Remove(pinPath)
	}

	spec := expected
	mp, err := ebpf.NewMap(&spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create map %s: %w", name, err)
	}

	if err := mp.Pin(pinPath); err != nil && !os.IsExist(err) {
		logrus.WithField("subsystem", "policymap").Warnf("failed to pin map %s: %v", name, err)
	}

	return mp, nil
}

func abiMatches(info *ebpf.MapInfo, expected ebpf.MapSpec) bool {
	return info.Type == expected.Type &&
		info.KeySize == expected.KeySize &&
		info.ValueSize == expected.ValueSize
}

// writeVerifyNetMaps inserts a probe entry with cgroup_id = ~0 into
// each net map, then deletes it, to catch read-only mount states
// (spec §4.G step 7).
func (m *Manager) writeVerifyNetMaps() error {
	probeCgroupID := ^uint64(0)

	for _, name := range []string{"net_create", "net_tuple", "net_unix"} {
		mp, ok := m.maps[name]
		if !ok {
			continue
		}

		key := make([]byte, mapSpecs[name].KeySize)
		value := make([]byte, mapSpecs[name].ValueSize)

		if err := mp.Put(key, value); err != nil {
			return fmt.Errorf("write-verify probe failed for %s (cgroup %d): %w", name, probeCgroupID, err)
		}
		if err := mp.Delete(key); err != nil {
			return fmt.Errorf("write-verify probe cleanup failed for %s: %w", name, err)
		}
	}

	return nil
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PopulatePolicy compiles and installs the policy triples for a
// container, recording every inserted key in its tracker (spec §4.G).
func (m *Manager) PopulatePolicy(containerID, rootfs, hostname string, p policy.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Available {
		return nil
	}

	start := time.Now()

	compiler := &policy.Compiler{RootfsPath: rootfs, Hostname: hostname}
	triples, err := compiler.Compile(p)
	if err != nil {
		return err
	}

	tracker, ok := m.trackers[containerID]
	if !ok {
		cgroupID, err := policy.ResolveCgroupID(hostname)
		if err != nil {
			return err
		}
		tracker = &Tracker{
			ContainerID: containerID,
			CgroupID:    cgroupID,
			EntryCounts: make(map[string]int),
			Keys:        make(map[string][]interface{}),
		}
		m.trackers[containerID] = tracker
	}

	for _, t := range triples {
		mp, ok := m.maps[t.Map]
		if !ok {
			continue
		}

		if tracker.EntryCounts[t.Map] >= int(mapSpecs[t.Map].MaxEntries) {
			return fmt.Errorf("Exhausted: map %s at capacity", t.Map)
		}

		if err := mp.Put(t.Key, t.Value); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", t.Map, err)
		}

		tracker.Keys[t.Map] = append(tracker.Keys[t.Map], t.Key)
		tracker.EntryCounts[t.Map]++
	}

	tracker.PopulateMicros = uint64(time.Since(start).Microseconds())
	return nil
}

// CleanupPolicy deletes every key recorded in a container's tracker
// and removes the tracker. Missing tracker is a success, not an error
// (spec §4.G, idempotence).
func (m *Manager) CleanupPolicy(containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker, ok := m.trackers[containerID]
	if !ok {
		return nil
	}

	for mapName, keys := range tracker.Keys {
		mp, ok := m.maps[mapName]
		if !ok {
			continue
		}
		for _, key := range keys {
			mp.Delete(key)
		}
	}

	delete(m.trackers, containerID)
	return nil
}

// Metrics is the surface returned by GetMetrics (spec §4.G, SPEC_FULL
// supplement "GetMetrics on the policy map manager").
type Metrics struct {
	EntryCounts    map[string]map[string]int // containerID -> map -> count
	PopulateMicros map[string]uint64
	CleanupMicros  map[string]uint64
}

// GetMetrics returns per-map entry counts and populate/cleanup timing
// for every tracked container.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := Metrics{
		EntryCounts:    make(map[string]map[string]int),
		PopulateMicros: make(map[string]uint64),
		CleanupMicros:  make(map[string]uint64),
	}

	for id, t := range m.trackers {
		metrics.EntryCounts[id] = t.EntryCounts
		metrics.PopulateMicros[id] = t.PopulateMicros
		metrics.CleanupMicros[id] = t.CleanupMicros
	}

	return metrics
}

// Shutdown stops the deny thread and closes the ring-buffer readers.
// Maps are left pinned: they persist across daemon restarts (spec
// §4.G, SPEC_FULL supplement "idempotent shutdown").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Available {
		return
	}

	if m.collector != nil {
		m.collector.Stop()
	}

	m.state = Uninitialized
}

