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

// Package idshift writes the host/child uid and gid mapping into a
// freshly unshared process's /proc/<pid>/{uid_map,gid_map} files.
//
// The kernel only accepts a single write to these files per process;
// a second write fails with EPERM. Mapping enforces that constraint by
// tracking whether each of its uid and gid maps has already been
// written.
package idshift

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Range is a single uid or gid mapping triple: count ids starting at
// ChildStart inside the namespace map to HostStart outside it.
type Range struct {
	HostStart  uint32
	ChildStart uint32
	Count      uint32
}

// Mapping holds the uid and gid ranges applied to a child process
// during the namespace-setup handshake (spec §3 "UID/GID range").
type Mapping struct {
	UID Range
	GID Range

	uidWritten bool
	gidWritten bool
}

func (r Range) line() string {
	return fmt.Sprintf("%d %d %d\n", r.ChildStart, r.HostStart, r.Count)
}

// WriteUID writes the uid_map for pid exactly once. A second call
// returns an error without touching the file.
func (m *Mapping) WriteUID(pid int) error {
	if m.uidWritten {
		return errors.New("uid_map already written for this process")
	}

	path := fmt.Sprintf("/proc/%d/uid_map", pid)
	if err := writeMapFile(path, m.UID.line()); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}

	m.uidWritten = true
	return nil
}

// WriteGID writes the gid_map for pid exactly once. setgroups must be
// denied first on kernels that require it; the caller is responsible
// for that (see container package's handshake sequencing), since it's
// a process-wide precondition rather than a property of the range.
func (m *Mapping) WriteGID(pid int) error {
	if m.gidWritten {
		return errors.New("gid_map already written for this process")
	}

	path := fmt.Sprintf("/proc/%d/gid_map", pid)
	if err := writeMapFile(path, m.GID.line()); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}

	m.gidWritten = true
	return nil
}

// DenySetgroups writes "deny" to /proc/<pid>/setgroups, required by
// the kernel before an unprivileged process may write its gid_map.
func DenySetgroups(pid int) error {
	path := fmt.Sprintf("/proc/%d/setgroups", pid)
	return writeMapFile(path, "deny")
}

func writeMapFile(path string, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return err
	}

	return nil
}
