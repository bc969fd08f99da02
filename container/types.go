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

// Package container implements the container lifecycle state machine
// (spec §4.E), the host/child handshake, and the external container
// API (spec §6): Create, Spawn, Kill, Upload, Download, Destroy, Join.
package container

import (
	"os"
	"os/exec"
	"sync"

	"github.com/meulengracht/containerv/cgroup"
	"github.com/meulengracht/containerv/control"
	"github.com/meulengracht/containerv/formatter"
	"github.com/meulengracht/containerv/idshift"
	"github.com/meulengracht/containerv/monitor"
	"github.com/meulengracht/containerv/nsmount"
	"github.com/meulengracht/containerv/pidmonitor"
	"github.com/meulengracht/containerv/policy"
	"github.com/meulengracht/containerv/policymap"
	"github.com/meulengracht/containerv/privilege"
)

// State is a node in the lifecycle state machine (spec §4.E).
type State int

const (
	Created State = iota
	ChildRunning
	SetupNS
	ChildUpWait
	Running
	Destroying
	Gone
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case ChildRunning:
		return "CHILD_RUNNING"
	case SetupNS:
		return "SETUP_NS"
	case ChildUpWait:
		return "CHILD_UP_WAIT"
	case Running:
		return "RUNNING"
	case Destroying:
		return "DESTROYING"
	case Gone:
		return "GONE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// CreateOptions configures a new container (spec §3, §6).
type CreateOptions struct {
	Hostname     string
	Caps         nsmount.CapSet
	Mounts       []nsmount.Mount
	IDMapping    *idshift.Mapping
	Limits       cgroup.Limits
	Policy       *policy.Policy
	SeccompLevel privilege.SeccompLevel
	PolicyMgr    *policymap.Manager
}

// Container is a single tracked container instance (spec §3
// "Container record").
type Container struct {
	mu sync.Mutex

	ID         string
	Rootfs     string
	RuntimeDir string
	Hostname   string
	State      State
	Caps       nsmount.CapSet

	cmd          *exec.Cmd
	hostToChildW *os.File
	childToHostR *os.File
	stdoutR      *os.File
	stderrR      *os.File

	client  *control.Client
	cgroup  *cgroup.Group
	monitor *monitor.Monitor
	pidMon  *pidmonitor.PidMon

	policyMgr *policymap.Manager
	hasPolicy bool

	trackedPids map[int]struct{}

	logStop chan struct{}
	logDone chan struct{}
}

// snapshotState reads the current state under lock.
func (c *Container) snapshotState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	c.State = s
	c.mu.Unlock()
}

// ShortID returns the truncated display form of the container's id,
// for log and CLI output (spec §6 external interfaces).
func (c *Container) ShortID() string {
	return formatter.ContainerID{ID: c.ID}.ShortID()
}
