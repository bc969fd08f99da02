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
	"bufio"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// logPollTimeoutMillis bounds each poll(2) wait so the drain loop can
// notice logStop even with no log output (mirrors pidmonitor's
// command-channel-then-poll-period loop, adapted from a fixed sleep
// to an actual poll() wait since these are blocking read fds, not a
// pid table scan).
const logPollTimeoutMillis = 500

// drainLogs runs as the dedicated log thread (spec §4.E "Pipes"): it
// polls the child's stdout and stderr pipes and forwards each line to
// the structured logger, tagged by stream, until both pipes hit EOF
// or logStop fires.
func (c *Container) drainLogs() {
	defer close(c.logDone)

	fds := []unix.PollFd{
		{Fd: int32(c.stdoutR.Fd()), Events: unix.POLLIN},
		{Fd: int32(c.stderrR.Fd()), Events: unix.POLLIN},
	}

	stdoutScanner := bufio.NewScanner(c.stdoutR)
	stderrScanner := bufio.NewScanner(c.stderrR)

	log := logrus.WithField("subsystem", "container").WithField("container", c.ID)

	open := map[int]bool{0: true, 1: true}

	for open[0] || open[1] {
		select {
		case <-c.logStop:
			return
		default:
		}

		n, err := unix.Poll(fds, logPollTimeoutMillis)
		if err != nil || n == 0 {
			continue
		}

		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 && open[0] {
			if stdoutScanner.Scan() {
				log.Infof("[stdout] %s", stdoutScanner.Text())
			} else {
				open[0] = false
			}
		}
		if fds[1].Revents&(unix.POLLIN|unix.POLLHUP) != 0 && open[1] {
			if stderrScanner.Scan() {
				log.Warnf("[stderr] %s", stderrScanner.Text())
			} else {
				open[1] = false
			}
		}
	}
}
