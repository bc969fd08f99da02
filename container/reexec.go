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
	"encoding/json"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/meulengracht/containerv/nsmount"
)

// reexecEnvVar marks a re-exec'd process as the container init. The
// embedding binary must call RunChildInit() as the first statement of
// main(), before the Go runtime has spun up extra OS threads that
// would make a raw fork(2) unsafe — the same constraint that led
// runc's libcontainer to re-exec itself rather than fork in place.
const reexecEnvVar = "_CONTAINERV_INIT"

// Child-to-host / host-to-child pipe fd slots, fixed by ExtraFiles
// ordering in spawnChild.
const (
	fdHostToChildR = 3
	fdChildToHostW = 4
	fdStdoutW      = 5
	fdStderrW      = 6
)

// RunChildInit must be called unconditionally as the first statement
// of the embedding program's main(). If the process was re-exec'd as
// a container init (reexecEnvVar set) it never returns: it runs the
// handshake and idle loop and calls os.Exit itself. Otherwise it
// returns immediately and normal program execution continues.
func RunChildInit() {
	if os.Getenv(reexecEnvVar) != "1" {
		return
	}

	rootfs := os.Getenv("_CONTAINERV_ROOTFS")
	hostname := os.Getenv("_CONTAINERV_HOSTNAME")
	runtimeDir := os.Getenv("_CONTAINERV_RUNTIMEDIR")
	caps, _ := strconv.ParseUint(os.Getenv("_CONTAINERV_CAPS"), 10, 32)
	seccompLevel, _ := strconv.Atoi(os.Getenv("_CONTAINERV_SECCOMP"))
	wantUserNS := os.Getenv("_CONTAINERV_USERNS") == "1"

	var mounts []nsmount.Mount
	json.Unmarshal([]byte(os.Getenv("_CONTAINERV_MOUNTS")), &mounts)

	hostToChild := os.NewFile(fdHostToChildR, "host-to-child")
	childToHost := os.NewFile(fdChildToHostW, "child-to-host")
	stdoutW := os.NewFile(fdStdoutW, "stdout")
	stderrW := os.NewFile(fdStderrW, "stderr")

	status := childMain(childInit{
		rootfs:       rootfs,
		hostname:     hostname,
		runtimeDir:   runtimeDir,
		caps:         nsmountCapSet(caps),
		seccompLevel: seccompLevel,
		wantUserNS:   wantUserNS,
		mounts:       mounts,
		hostToChild:  hostToChild,
		childToHost:  childToHost,
		stdoutW:      stdoutW,
		stderrW:      stderrW,
	})

	os.Exit(status)
}

// signalExitStatus encodes a fatal subsystem error per spec §7
// ("fatal failures exit with a nonzero status whose low byte carries
// the originating subsystem's error code").
func signalExitStatus(code int) int {
	return code & 0xff
}

func fatalf(stage string, err error) int {
	logrus.WithField("subsystem", "container-init").Errorf("%s: %v", stage, err)
	return signalExitStatus(1)
}

// reapChildren reaps every already-exited child without blocking
// (wait4 with WNOHANG), the init process's duty as PID 1 inside the
// container's pid namespace.
func reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
