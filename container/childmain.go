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
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/meulengracht/containerv/nsmount"
	"github.com/meulengracht/containerv/privilege"
)

func sleepShort() { time.Sleep(250 * time.Millisecond) }

type childInit struct {
	rootfs       string
	hostname     string
	runtimeDir   string
	caps         nsmount.CapSet
	seccompLevel int
	wantUserNS   bool
	mounts       []nsmount.Mount

	hostToChild *os.File
	childToHost *os.File
	stdoutW     *os.File
	stderrW     *os.File
}

// childMain runs the in-container half of the handshake (spec §4.E
// steps 1, 3, 4): emit WAITING_FOR_NS_SETUP if a user namespace was
// requested, wait for the host's ack, then perform mounts/chroot,
// drop capabilities, open the control socket, and emit UP. It returns
// the process's final exit status; callers must os.Exit it directly
// since stdout/stderr have already been redirected away from the
// init's own fds.
func childMain(ci childInit) int {
	log := logrus.WithField("subsystem", "container-init")

	if err := unix.Sethostname([]byte(ci.hostname)); err != nil {
		return reportDown(ci.childToHost, fatalf("sethostname", err))
	}

	if ci.wantUserNS {
		if err := writeEvent(ci.childToHost, event{Type: eventWaitingForNSSetup}); err != nil {
			return fatalf("emit WAITING_FOR_NS_SETUP", err)
		}

		ack, err := readEvent(ci.hostToChild)
		if err != nil {
			return fatalf("read handshake ack", err)
		}
		if ack.Status != 0 {
			log.Errorf("host reported handshake failure: status=%d", ack.Status)
			return signalExitStatus(int(ack.Status))
		}
	}

	if err := nsmount.Build(ci.rootfs, ci.caps, ci.runtimeDir, ci.mounts); err != nil {
		return reportDown(ci.childToHost, fatalf("mount build", err))
	}

	if err := privilege.ApplySeccomp(privilege.SeccompLevel(ci.seccompLevel)); err != nil {
		log.Warnf("seccomp not applied: %v", err)
	}

	if err := privilege.DropCapabilities(); err != nil {
		return reportDown(ci.childToHost, fatalf("drop capabilities", err))
	}

	if err := privilege.ApplyNoNewPrivs(); err != nil {
		log.Warnf("no_new_privs not applied: %v", err)
	}

	srv, err := newControlServer(ci.runtimeDir, ci.rootfs)
	if err != nil {
		return reportDown(ci.childToHost, fatalf("open control socket", err))
	}
	defer srv.Close()

	if err := writeEvent(ci.childToHost, event{Type: eventUp}); err != nil {
		return fatalf("emit UP", err)
	}

	go reapLoop()

	if err := srv.Serve(); err != nil {
		log.Errorf("control socket serve error: %v", err)
	}

	writeEvent(ci.childToHost, event{Type: eventDown})
	return 0
}

func reportDown(w *os.File, status int) int {
	writeEvent(w, event{Type: eventDown, Status: int32(status)})
	return status
}

func reapLoop() {
	for {
		reapChildren()
		// reapChildren drains what's currently exitable; sleep briefly
		// to avoid a busy loop between SIGCHLD-less polls.
		sleepShort()
	}
}
