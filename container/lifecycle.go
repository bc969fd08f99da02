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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/stringid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/meulengracht/containerv/cgroup"
	"github.com/meulengracht/containerv/control"
	"github.com/meulengracht/containerv/monitor"
	"github.com/meulengracht/containerv/nsmount"
	"github.com/meulengracht/containerv/pidmonitor"
)

const runtimeRoot = "/run/containerv"

// destroyWait bounds how long Destroy waits for the log thread and
// child-to-host DOWN event before it gives up and frees resources
// anyway (spec §4.E "Destroy sequence").
const destroyWait = 2 * time.Second

func randomSuffix() string {
	buf := make([]byte, 3)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Create brings up a new container: it spawns the re-exec'd child,
// drives the namespace-setup handshake to completion, and — once the
// child reports UP — dials the control socket and transitions to
// RUNNING (spec §4.E).
func Create(rootfs string, opts CreateOptions) (*Container, error) {
	if err := cgroup.CheckAvailable(); err != nil {
		return nil, errors.Wrap(err, "NotAvailable")
	}

	longID := stringid.GenerateRandomID()
	runtimeDir := filepath.Join(runtimeRoot, "c-"+randomSuffix())
	if err := os.MkdirAll(runtimeDir, 0700); err != nil {
		return nil, errors.Wrap(err, "SystemCall: create runtime dir")
	}

	c := &Container{
		ID:          longID,
		Rootfs:      rootfs,
		RuntimeDir:  runtimeDir,
		Hostname:    opts.Hostname,
		State:       Created,
		Caps:        opts.Caps,
		trackedPids: make(map[int]struct{}),
		policyMgr:   opts.PolicyMgr,
		logStop:     make(chan struct{}),
		logDone:     make(chan struct{}),
	}

	if err := c.spawnChild(opts); err != nil {
		os.RemoveAll(runtimeDir)
		c.setState(Failed)
		return nil, err
	}
	c.setState(ChildRunning)

	if err := c.runHandshake(opts); err != nil {
		c.teardownOnFailure()
		c.setState(Failed)
		return nil, err
	}

	cg, err := cgroup.Init(opts.Hostname, c.cmd.Process.Pid, opts.Limits)
	if err != nil {
		logrus.WithField("subsystem", "container").Warnf("%s: cgroup init failed: %v", c.ShortID(), err)
	}
	c.cgroup = cg

	c.client, err = control.Dial(runtimeDir)
	if err != nil {
		c.teardownOnFailure()
		c.setState(Failed)
		return nil, errors.Wrap(err, "Handshake: dial control socket")
	}

	c.monitor = monitor.New(opts.Hostname, c.ID)

	pm, err := pidmonitor.New(&pidmonitor.Cfg{Poll: 200})
	if err == nil {
		c.pidMon = pm
	}

	if opts.Policy != nil && opts.PolicyMgr != nil {
		if err := opts.PolicyMgr.PopulatePolicy(c.ID, rootfs, opts.Hostname, *opts.Policy); err != nil {
			logrus.WithField("subsystem", "container").Warnf("populate_policy failed: %v", err)
		} else {
			c.hasPolicy = true
		}
	}

	go c.drainLogs()

	c.setState(Running)
	globalRegistry.add(c)

	return c, nil
}

// spawnChild re-execs the embedding binary with the namespace clone
// flags set (spec §4.C/§4.E): clone(2) places the new process
// directly into the requested namespaces, so — unlike a raw fork(2)
// from within the Go runtime — no unsafe post-exec fork is needed for
// CLONE_NEWPID to really make the child PID 1 of its namespace.
func (c *Container) spawnChild(opts CreateOptions) error {
	hostToChildR, hostToChildW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "SystemCall: host-to-child pipe")
	}
	childToHostR, childToHostW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "SystemCall: child-to-host pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "SystemCall: stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "SystemCall: stderr pipe")
	}

	selfExe := "/proc/self/exe"

	mountsJSON, err := json.Marshal(opts.Mounts)
	if err != nil {
		return errors.Wrap(err, "InvalidArgument: encode mounts")
	}

	cmd := exec.Command(selfExe)
	cmd.ExtraFiles = []*os.File{hostToChildR, childToHostW, stdoutW, stderrW}
	cmd.Env = append(os.Environ(),
		reexecEnvVar+"=1",
		"_CONTAINERV_ROOTFS="+c.Rootfs,
		"_CONTAINERV_HOSTNAME="+opts.Hostname,
		"_CONTAINERV_RUNTIMEDIR="+c.RuntimeDir,
		"_CONTAINERV_CAPS="+strconv.FormatUint(uint64(opts.Caps), 10),
		"_CONTAINERV_SECCOMP="+strconv.Itoa(int(opts.SeccompLevel)),
		"_CONTAINERV_USERNS="+boolEnv(opts.Caps&nsmount.CapUsers != 0),
		"_CONTAINERV_MOUNTS="+string(mountsJSON),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: nsmount.UnshareFlags(opts.Caps),
		Pdeathsig:  unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		hostToChildR.Close()
		hostToChildW.Close()
		childToHostR.Close()
		childToHostW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return errors.Wrap(err, "SystemCall: fork child")
	}

	// parent keeps the write end of host-to-child and read end of
	// child-to-host; the rest were only needed by the child.
	hostToChildR.Close()
	childToHostW.Close()
	stdoutW.Close()
	stderrW.Close()

	c.cmd = cmd
	c.hostToChildW = hostToChildW
	c.childToHostR = childToHostR
	c.stdoutR = stdoutR
	c.stderrR = stderrR

	return nil
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// runHandshake drives spec §4.E steps 2-4 from the host side: wait
// for WAITING_FOR_NS_SETUP (if user-ns requested), write the uid/gid
// maps exactly once, ack, then wait for UP.
func (c *Container) runHandshake(opts CreateOptions) error {
	if opts.Caps&nsmount.CapUsers != 0 {
		ev, err := readEvent(c.childToHostR)
		if err != nil {
			return errors.Wrap(err, "Handshake")
		}
		if ev.Type != eventWaitingForNSSetup {
			return errors.Errorf("Handshake: unexpected event %d waiting for ns setup", ev.Type)
		}

		c.setState(SetupNS)

		status := int32(0)
		if opts.IDMapping != nil {
			pid := c.cmd.Process.Pid
			if err := denySetgroupsBestEffort(pid); err != nil {
				logrus.WithField("subsystem", "container").Warnf("deny setgroups: %v", err)
			}
			if err := opts.IDMapping.WriteGID(pid); err != nil {
				status = 1
			}
			if err := opts.IDMapping.WriteUID(pid); err != nil {
				status = 1
			}
		}

		if err := writeEvent(c.hostToChildW, event{Type: eventAck, Status: status}); err != nil {
			return errors.Wrap(err, "Handshake: write ack")
		}
		if status != 0 {
			return errors.New("Handshake: id mapping failed")
		}
	}

	c.setState(ChildUpWait)

	ev, err := readEvent(c.childToHostR)
	if err != nil {
		return errors.Wrap(err, "Handshake: waiting for UP")
	}
	if ev.Type == eventDown {
		return errors.Errorf("Handshake: child reported failure status %d before UP", ev.Status)
	}
	if ev.Type != eventUp {
		return errors.Errorf("Handshake: unexpected event %d waiting for UP", ev.Type)
	}

	return nil
}

func denySetgroupsBestEffort(pid int) error {
	path := fmt.Sprintf("/proc/%d/setgroups", pid)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("deny")
	return err
}

func (c *Container) teardownOnFailure() {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
	}
	if c.hostToChildW != nil {
		c.hostToChildW.Close()
	}
	if c.childToHostR != nil {
		c.childToHostR.Close()
	}
	if c.stdoutR != nil {
		c.stdoutR.Close()
	}
	if c.stderrR != nil {
		c.stderrR.Close()
	}
	os.RemoveAll(c.RuntimeDir)
}

// Destroy shuts a running container down (spec §4.E "Destroy
// sequence"): it asks the container to self-terminate over the
// control socket, waits a bounded time for the log thread and DOWN
// event, then frees every host-side resource regardless of whether
// the container cooperated.
func (c *Container) Destroy() error {
	c.setState(Destroying)

	if c.client != nil {
		if err := c.client.Destroy(); err != nil {
			logrus.WithField("subsystem", "container").Warnf("%s: destroy rpc failed: %v", c.ShortID(), err)
		}
		c.client.Close()
	}

	done := make(chan struct{})
	go func() {
		readEvent(c.childToHostR)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(destroyWait):
		logrus.WithField("subsystem", "container").Warn("timed out waiting for DOWN event")
	}

	close(c.logStop)
	select {
	case <-c.logDone:
	case <-time.After(destroyWait):
	}

	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Signal(syscall.SIGTERM)
		c.cmd.Wait()
	}

	if c.pidMon != nil {
		c.pidMon.Close()
	}

	if c.hasPolicy && c.policyMgr != nil {
		if err := c.policyMgr.CleanupPolicy(c.ID); err != nil {
			logrus.WithField("subsystem", "container").Warnf("cleanup_policy failed: %v", err)
		}
	}

	if c.cgroup != nil {
		if err := c.cgroup.Free(); err != nil {
			logrus.WithField("subsystem", "container").Warnf("cgroup free failed: %v", err)
		}
	}

	os.RemoveAll(c.RuntimeDir)
	globalRegistry.remove(c.ID)
	c.setState(Gone)

	return nil
}
