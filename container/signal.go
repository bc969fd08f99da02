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
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// InstallSIGINTHandler wires up the host-boundary SIGINT behavior
// from spec §7: "only SIGINT at the CLI boundary causes immediate
// destroy + exit". It destroys every tracked container and exits with
// 128+signal, matching common shell conventions for signal-terminated
// processes.
func InstallSIGINTHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT)

	go func() {
		sig := <-ch
		logrus.WithField("subsystem", "container").Warnf("received %s, destroying all containers", sig)

		for _, id := range List() {
			c, err := Get(id)
			if err != nil {
				continue
			}
			if err := c.Destroy(); err != nil {
				logrus.WithField("subsystem", "container").Errorf("destroy %s failed: %v", c.ShortID(), err)
			}
		}

		os.Exit(128 + int(unix.SIGINT))
	}()
}
