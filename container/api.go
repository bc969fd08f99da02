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

package container

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/meulengracht/containerv/control"
	"github.com/meulengracht/containerv/pathres"
	"github.com/meulengracht/containerv/pidfd"
	"github.com/meulengracht/containerv/pidmonitor"
)

// SpawnOptions configures a single Spawn call (spec §6 "spawn").
type SpawnOptions struct {
	Argv []string
	Envp []string
	UID  int32
	GID  int32
	Wait bool
}

// Spawn starts path inside the container and returns its pid (spec
// §6 "spawn"). If opts.Wait is set, Spawn blocks until the process
// has been observed to exit via the pid monitor.
func (c *Container) Spawn(path string, opts SpawnOptions) (int, error) {
	if c.snapshotState() != Running {
		return 0, errors.New("InvalidArgument: container is not running")
	}

	req := control.SpawnRequest{
		Path: path,
		Argv: opts.Argv,
		Envp: opts.Envp,
		UID:  opts.UID,
		GID:  opts.GID,
	}

	pid, err := c.client.Spawn(req)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.trackedPids[pid] = struct{}{}
	c.mu.Unlock()

	if c.pidMon != nil {
		c.pidMon.AddEvent([]pidmonitor.PidEvent{{Pid: uint32(pid), Event: pidmonitor.Exit}})
	}

	if opts.Wait && c.pidMon != nil {
		for {
			events := c.pidMon.WaitEvent()
			for _, e := range events {
				if int(e.Pid) == pid {
					return pid, nil
				}
			}
		}
	}

	return pid, nil
}

// Kill delivers SIGTERM to pid via the container's control socket,
// and independently (best-effort, race-free) via pidfd from the host
// side (spec §6 "kill").
func (c *Container) Kill(pid int) error {
	if err := c.client.Kill(pid); err != nil {
		return err
	}

	if fd, err := pidfd.Open(pid, 0); err == nil {
		fd.SendSignal(syscall.SIGTERM, 0)
	}

	c.mu.Lock()
	delete(c.trackedPids, pid)
	c.mu.Unlock()

	return nil
}

// Upload copies host files into the container at the given
// container-relative paths (spec §6 "upload").
func (c *Container) Upload(hostPaths, containerPaths []string) ([]int32, error) {
	if len(hostPaths) != len(containerPaths) {
		return nil, errors.New("InvalidArgument: hostPaths/containerPaths length mismatch")
	}
	if len(hostPaths) > control.MaxFds {
		return nil, errors.New("Exhausted: more than 16 files in one upload")
	}

	fds := make([]int, 0, len(hostPaths))
	var files []*os.File
	for _, p := range hostPaths {
		if err := pathres.PathAccess(os.Getpid(), p, pathres.R_OK); err != nil {
			return nil, errors.Wrapf(err, "InvalidArgument: cannot read %s", p)
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, errors.Wrapf(err, "SystemCall: open %s", p)
		}
		files = append(files, f)
		fds = append(fds, int(f.Fd()))
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	return c.client.Upload(containerPaths, fds)
}

// Download copies container files to the given host paths (spec §6
// "download").
func (c *Container) Download(containerPaths, hostPaths []string) ([]int32, error) {
	if len(containerPaths) != len(hostPaths) {
		return nil, errors.New("InvalidArgument: containerPaths/hostPaths length mismatch")
	}

	fds, status, err := c.client.Download(containerPaths)
	if err != nil {
		return nil, err
	}

	// The container sends one fd per successfully opened path, in path
	// order, so fds are consumed only for entries whose status is 0.
	next := 0
	for i := range status {
		if status[i] != 0 {
			continue
		}
		if next >= len(fds) {
			status[i] = -1
			continue
		}
		fd := fds[next]
		next++
		if i >= len(hostPaths) {
			unix.Close(fd)
			continue
		}
		src := os.NewFile(uintptr(fd), containerPaths[i])
		dst, err := os.Create(hostPaths[i])
		if err != nil {
			status[i] = -1
			src.Close()
			continue
		}
		copyFile(dst, src)
		dst.Close()
		src.Close()
	}

	return status, nil
}

func copyFile(dst, src *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			dst.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Join enters a running container's namespaces and chroot from the
// calling OS thread (spec §6 "join(container_id)"). The caller must
// keep the calling goroutine locked to its OS thread (runtime.LockOSThread)
// since setns(2) only affects the calling thread.
func Join(containerID string) error {
	c, err := Get(containerID)
	if err != nil {
		return err
	}

	cl, err := control.Dial(c.RuntimeDir)
	if err != nil {
		return errors.Wrap(err, "Handshake: dial control socket for join")
	}
	defer cl.Close()

	fds, kinds, err := cl.GetFds()
	if err != nil {
		return err
	}

	order := []control.NSKind{
		control.NSUser, control.NSUts, control.NSIpc,
		control.NSNetwork, control.NSPid, control.NSCgroup, control.NSMount,
	}

	byKind := make(map[control.NSKind]int)
	for i, k := range kinds {
		if i < len(fds) {
			byKind[k] = fds[i]
		}
	}

	for _, k := range order {
		fd, ok := byKind[k]
		if !ok {
			continue
		}
		if err := unix.Setns(fd, 0); err != nil {
			return errors.Wrapf(err, "SystemCall: setns kind %d", k)
		}
	}

	root, err := cl.GetRoot()
	if err != nil {
		return err
	}

	if err := unix.Chdir(root); err != nil {
		return errors.Wrap(err, "SystemCall: chdir into joined root")
	}
	if err := unix.Chroot(root); err != nil {
		return errors.Wrap(err, "SystemCall: chroot into joined root")
	}

	return nil
}
