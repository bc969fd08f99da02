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

// Package nsmount computes the namespace clone flags for a container's
// child process and builds its mount namespace: remounting "/" private,
// bind-mounting caller-supplied sources, chrooting into the rootfs,
// and mounting synthetic /proc, /sys and /tmp (spec §4.C).
package nsmount

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/meulengracht/containerv/utils"
)

// CapSet is the bitset over {filesystem, network, process-control,
// ipc, cgroups, users} from spec §3 "Capability set". Each bit
// conditionally adds an unshare flag.
type CapSet uint32

const (
	CapFilesystem CapSet = 1 << iota
	CapNetwork
	CapProcessControl
	CapIPC
	CapCgroups
	CapUsers
)

// Mount is the abstract mount request a caller supplies; Flags
// translate to MS_* per spec §4.C.
type Mount struct {
	Source      string
	Target      string // relative to rootfs
	Type        string
	Bind        bool
	Recursive   bool
	ReadOnly    bool
	Create      bool // create Target (mode 0755) if it doesn't exist
}

func (c CapSet) has(bit CapSet) bool { return c&bit != 0 }

// UnshareFlags derives the unshare(2) flags from the capability set.
// CLONE_NEWUTS is always included.
func UnshareFlags(caps CapSet) uintptr {
	flags := uintptr(unix.CLONE_NEWUTS)

	if caps.has(CapFilesystem) {
		flags |= unix.CLONE_NEWNS
	}
	if caps.has(CapNetwork) {
		flags |= unix.CLONE_NEWNET
	}
	if caps.has(CapProcessControl) {
		flags |= unix.CLONE_NEWPID
	}
	if caps.has(CapIPC) {
		flags |= unix.CLONE_NEWIPC
	}
	if caps.has(CapCgroups) {
		flags |= unix.CLONE_NEWCGROUP
	}
	if caps.has(CapUsers) {
		flags |= unix.CLONE_NEWUSER
	}

	return flags
}

// Build performs the mount-namespace construction sequence described
// in spec §4.C: private-remount "/", bind-mount runtimeDir into the
// rootfs (if filesystem capability is set), apply the caller-supplied
// mounts, chroot into rootfs, and mount synthetic /proc, /sys, /tmp.
// A failing individual mount is fatal.
func Build(rootfs string, caps CapSet, runtimeDir string, mounts []Mount) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("failed to make / private: %w", err)
	}

	if caps.has(CapFilesystem) && runtimeDir != "" {
		target := filepath.Join(rootfs, runtimeDir)
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("failed to create runtime dir mount point %s: %w", target, err)
		}
		if err := unix.Mount(runtimeDir, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("failed to bind-mount runtime dir %s: %w", runtimeDir, err)
		}
	}

	// Apply shallowest targets first so a child mount's parent
	// directory is guaranteed to exist by the time it's mounted.
	targets := make([]string, len(mounts))
	byTarget := make(map[string]Mount, len(mounts))
	for i, m := range mounts {
		targets[i] = m.Target
		byTarget[m.Target] = m
	}
	utils.FilepathSort(targets)

	for _, t := range targets {
		if err := applyMount(rootfs, byTarget[t]); err != nil {
			return err
		}
	}

	if err := os.Chdir(rootfs); err != nil {
		return fmt.Errorf("chdir(%s): %w", rootfs, err)
	}
	if err := unix.Chroot(rootfs); err != nil {
		return fmt.Errorf("chroot(%s): %w", rootfs, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir(/): %w", err)
	}

	return mountSynthetic()
}

// applyMount translates a single abstract Mount into the
// corresponding mount(2) call, creating Target under rootfs first if
// requested and absent (spec §4.C edge case).
func applyMount(rootfs string, m Mount) error {
	target := filepath.Join(rootfs, m.Target)

	if _, err := os.Stat(target); os.IsNotExist(err) {
		if !m.Create {
			return fmt.Errorf("mount target %s does not exist", target)
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("failed to create mount target %s: %w", target, err)
		}
	}

	flags := OptionsToFlags(m)

	if err := unix.Mount(m.Source, target, m.Type, uintptr(flags), ""); err != nil {
		return fmt.Errorf("failed to mount %s -> %s: %w", m.Source, target, err)
	}

	if m.ReadOnly {
		remountFlags := uintptr(flags) | unix.MS_REMOUNT | unix.MS_RDONLY
		if err := unix.Mount(m.Source, target, m.Type, remountFlags, ""); err != nil {
			return fmt.Errorf("failed to remount %s read-only: %w", target, err)
		}
	}

	return nil
}

// OptionsToFlags converts a Mount's abstract option bits {bind,
// recursive} to their MS_* representation. readonly is not included:
// applyMount applies it as a separate MS_REMOUNT|MS_RDONLY call, and
// create is handled before mounting since it's not a mount(2) flag.
func OptionsToFlags(m Mount) int {
	var flags int
	if m.Bind {
		flags |= unix.MS_BIND
	}
	if m.Recursive {
		flags |= unix.MS_REC
	}
	return flags
}

func mountSynthetic() error {
	synthetic := []struct {
		source, target, fstype string
		flags                  uintptr
	}{
		{"proc", "/proc", "proc", 0},
		{"sysfs", "/sys", "sysfs", 0},
		{"tmpfs", "/tmp", "tmpfs", 0},
	}

	for _, s := range synthetic {
		if err := os.MkdirAll(s.target, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.target, err)
		}
		if err := unix.Mount(s.source, s.target, s.fstype, s.flags, ""); err != nil {
			return fmt.Errorf("failed to mount %s: %w", s.target, err)
		}
	}

	return nil
}
