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

package privilege

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SeccompLevel selects the action a blocked syscall triggers.
type SeccompLevel int

const (
	// SeccompStandard returns EPERM for a blocked syscall.
	SeccompStandard SeccompLevel = iota
	// SeccompParanoid kills the process for a blocked syscall.
	SeccompParanoid
)

// blockedSyscalls is the fixed set denied at minimum by apply_seccomp
// (spec §4.A).
var blockedSyscalls = []uint32{
	unix.SYS_PTRACE,
	unix.SYS_PROCESS_VM_READV,
	unix.SYS_PROCESS_VM_WRITEV,
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_SWAPON,
	unix.SYS_SWAPOFF,
	unix.SYS_REBOOT,
	unix.SYS_KEXEC_LOAD,
}

const (
	bpfLd  = 0x00
	bpfJmp = 0x05
	bpfRet = 0x06

	bpfW   = 0x00
	bpfAbs = 0x20

	bpfJeq = 0x10
	bpfK   = 0x00

	seccompRetAllow = 0x7fff0000
	seccompRetKill  = 0x00000000
	seccompRetErrno = 0x00050000 // | EPERM in low 16 bits

	// offsetof(struct seccomp_data, nr) on every Linux architecture.
	seccompDataNrOffset = 0
)

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// buildSeccompFilter assembles a classic BPF program: load the syscall
// number, compare against each blocked syscall (kill or EPERM on
// match), otherwise allow.
func buildSeccompFilter(level SeccompLevel) []unix.SockFilter {
	denyAction := uint32(seccompRetErrno | (uint32(unix.EPERM) & 0xffff))
	if level == SeccompParanoid {
		denyAction = seccompRetKill
	}

	prog := []unix.SockFilter{
		bpfStmt(bpfLd|bpfW|bpfAbs, seccompDataNrOffset),
	}

	for _, nr := range blockedSyscalls {
		// jump +0 to the deny statement immediately below, skip it (+1)
		// otherwise, so the chain falls through to the next comparison.
		prog = append(prog, bpfJump(bpfJmp|bpfJeq|bpfK, nr, 0, 1))
		prog = append(prog, bpfStmt(bpfRet|bpfK, denyAction))
	}

	prog = append(prog, bpfStmt(bpfRet|bpfK, seccompRetAllow))

	return prog
}

// ApplySeccomp installs a classic-BPF seccomp filter blocking ptrace,
// process_vm_readv/writev, mount, umount2, swapon/off, reboot and
// kexec_load. level selects whether a blocked call kills the process
// or returns EPERM (spec §4.A).
func ApplySeccomp(level SeccompLevel) error {
	prog := buildSeccompFilter(level)

	sockProg := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}

	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&sockProg)))
	if errno != 0 {
		return fmt.Errorf("prctl(PR_SET_SECCOMP): %w", errno)
	}

	return nil
}
