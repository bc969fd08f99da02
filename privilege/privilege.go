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

// Package privilege implements the bring-up primitives a container's
// child process runs before executing the idle loop: capability
// dropping, user/group switching, no-new-privs, and a classic-BPF
// seccomp filter.
package privilege

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/meulengracht/containerv/capability"
)

// DroppedCapabilities is the fixed blacklist dropped from the
// bounding set at the end of bring-up (spec §4.A).
var DroppedCapabilities = []capability.Cap{
	capability.CAP_AUDIT_CONTROL,
	capability.CAP_AUDIT_READ,
	capability.CAP_AUDIT_WRITE,
	capability.CAP_DAC_READ_SEARCH,
	capability.CAP_FSETID,
	capability.CAP_IPC_LOCK,
	capability.CAP_MAC_ADMIN,
	capability.CAP_MAC_OVERRIDE,
	capability.CAP_MKNOD,
	capability.CAP_SETFCAP,
	capability.CAP_SYSLOG,
	capability.CAP_SYS_ADMIN,
	capability.CAP_SYS_BOOT,
	capability.CAP_SYS_MODULE,
	capability.CAP_SYS_NICE,
	capability.CAP_SYS_RAWIO,
	capability.CAP_SYS_RESOURCE,
	capability.CAP_SYS_TIME,
	capability.CAP_WAKE_ALARM,
}

// keptInheritable is the fixed set granted to the inheritable set
// while switching to the unprivileged uid/gid (spec §4.A).
var keptInheritable = []capability.Cap{
	capability.CAP_CHOWN,
	capability.CAP_DAC_OVERRIDE,
	capability.CAP_DAC_READ_SEARCH,
	capability.CAP_FOWNER,
	capability.CAP_FSETID,
	capability.CAP_SETGID,
	capability.CAP_SETUID,
	capability.CAP_SYS_ADMIN,
	capability.CAP_SETFCAP,
}

// DropCapabilities clears DroppedCapabilities from the bounding set
// (PR_CAPBSET_DROP, one prctl per capability) and from the
// inheritable set of the calling process.
func DropCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("failed to load process capabilities: %w", err)
	}

	if err := caps.Load(); err != nil {
		return fmt.Errorf("failed to load process capabilities: %w", err)
	}

	// Load does not read the bounding set, so start from a full one:
	// Apply(BOUNDS) drops every capability that is not set in it.
	caps.Fill(capability.BOUNDS)
	caps.Unset(capability.BOUNDING|capability.INHERITABLE, DroppedCapabilities...)

	if err := caps.Apply(capability.BOUNDS); err != nil {
		return fmt.Errorf("failed to drop bounding capabilities: %w", err)
	}

	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("failed to drop inheritable capabilities: %w", err)
	}

	return nil
}

// SwitchUserWithCapabilities switches the calling (root) process to
// uid/gid, keeping the fixed keptInheritable set alive across the
// switch via PR_SET_KEEPCAPS, then reapplies it as the effective set.
//
// Fails if the process does not currently have effective root: the
// initial escalation is a precondition, not something this function
// performs.
func SwitchUserWithCapabilities(uid, gid int) error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("switch_user_with_capabilities requires effective root")
	}

	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("failed to load process capabilities: %w", err)
	}

	if err := caps.Load(); err != nil {
		return fmt.Errorf("failed to load process capabilities: %w", err)
	}

	caps.Set(capability.INHERITABLE, keptInheritable...)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("failed to grant inheritable capability set: %w", err)
	}

	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_KEEPCAPS): %w", err)
	}

	if err := syscall.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid(%d): %w", gid, err)
	}
	if err := syscall.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid(%d): %w", uid, err)
	}

	caps.Set(capability.EFFECTIVE|capability.PERMITTED, keptInheritable...)
	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("failed to reapply capability set post-switch: %w", err)
	}

	return nil
}

// ApplyNoNewPrivs sets PR_SET_NO_NEW_PRIVS, a precondition for
// installing an unprivileged seccomp filter.
func ApplyNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}
