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
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/meulengracht/containerv/control"
	"github.com/meulengracht/containerv/utils"
)

// controlSocketName is the basename of the in-container control
// socket; it lives inside the bind-mounted runtime directory so the
// same absolute path resolves both from the host and from inside the
// container's chroot (spec §4.D, §6).
const controlSocketName = "control"

// childHandler answers control-socket commands from inside the
// container's PID 1 (spec §4.D).
type childHandler struct {
	rootfs string

	mu   sync.Mutex
	cmds map[int]*exec.Cmd
}

func newControlServer(runtimeDir, rootfs string) (*control.Server, error) {
	path := filepath.Join(runtimeDir, controlSocketName)

	h := &childHandler{rootfs: rootfs, cmds: make(map[int]*exec.Cmd)}
	return control.Listen(path, h)
}

func (h *childHandler) HandleGetRoot() (string, error) {
	return h.rootfs, nil
}

func (h *childHandler) HandleGetFds() ([]int, []control.NSKind, error) {
	kinds := []control.NSKind{
		control.NSUts, control.NSMount, control.NSNetwork,
		control.NSPid, control.NSIpc, control.NSCgroup, control.NSUser,
	}

	var fds []int
	var types []control.NSKind
	for _, k := range kinds {
		path := nsPath(k)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		fds = append(fds, int(f.Fd()))
		types = append(types, k)
	}

	return fds, types, nil
}

func nsPath(k control.NSKind) string {
	name := map[control.NSKind]string{
		control.NSUts:     "uts",
		control.NSMount:   "mnt",
		control.NSNetwork: "net",
		control.NSPid:     "pid",
		control.NSIpc:     "ipc",
		control.NSCgroup:  "cgroup",
		control.NSUser:    "user",
	}[k]
	return "/proc/self/ns/" + name
}

func (h *childHandler) HandleSpawn(req control.SpawnRequest) (int, error) {
	for _, kv := range req.Envp {
		if _, _, err := utils.GetEnvVarInfo(kv); err != nil {
			return 0, errors.Wrap(err, "InvalidArgument: spawn env")
		}
	}

	cmd := exec.Command(req.Path, req.Argv...)
	cmd.Env = utils.StringSliceUniquify(req.Envp)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	if req.UID >= 0 || req.GID >= 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(req.UID),
			Gid: uint32(req.GID),
		}
	}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "SystemCall: spawn")
	}

	pid := cmd.Process.Pid

	h.mu.Lock()
	h.cmds[pid] = cmd
	h.mu.Unlock()

	go func() {
		cmd.Wait()
		h.mu.Lock()
		delete(h.cmds, pid)
		h.mu.Unlock()
	}()

	return pid, nil
}

func (h *childHandler) HandleKill(pid int) error {
	h.mu.Lock()
	cmd, ok := h.cmds[pid]
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("InvalidArgument: no tracked process %d", pid)
	}
	if cmd.Process == nil {
		return errors.New("InvalidArgument: process already reaped")
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

func (h *childHandler) HandleUpload(paths []string, fds []int) ([]int32, error) {
	status := make([]int32, len(paths))
	for i, p := range paths {
		if i >= len(fds) {
			status[i] = -1
			continue
		}
		src := os.NewFile(uintptr(fds[i]), p)
		dst, err := os.Create(p)
		if err != nil {
			status[i] = -1
			src.Close()
			continue
		}
		if _, err := io.Copy(dst, src); err != nil {
			status[i] = -1
		}
		dst.Close()
		src.Close()
	}
	return status, nil
}

func (h *childHandler) HandleDownload(paths []string) ([]int, []int32, error) {
	fds := make([]int, 0, len(paths))
	status := make([]int32, len(paths))
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			status[i] = -1
			continue
		}
		fds = append(fds, int(f.Fd()))
	}
	return fds, status, nil
}

func (h *childHandler) HandleDestroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cmd := range h.cmds {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	return nil
}
