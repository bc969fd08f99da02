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

// Package denycollector runs the deny-event consumer thread: it reads
// policy-violation records off the fs and net ring buffers and logs
// them structurally (spec §4.H). Its shutdown idiom (a command
// channel drained on a bounded wait) mirrors pidmonitor's pidMon loop.
package denycollector

import (
	"encoding/binary"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"
)

// pollTimeout is the shutdown-polling interval, mirroring the
// epoll_wait 1-second timeout from spec §4.H/§5.
const pollTimeout = 1 * time.Second

// hookNames resolves a hook_id to its LSM hook name (spec glossary).
var hookNames = map[uint32]string{
	0: "file_open",
	1: "bprm_check_security",
	2: "inode_create",
	3: "inode_unlink",
	4: "path_truncate",
	5: "socket_create",
	6: "socket_bind",
	7: "socket_connect",
	8: "socket_listen",
	9: "socket_accept",
}

// DenyEvent is the kernel→userspace deny record (spec §6).
type DenyEvent struct {
	CgroupID     uint64
	Dev          uint64
	Ino          uint64
	RequiredMask uint32
	HookID       uint32
	Comm         [16]byte
	Name         string
}

const denyEventFixedSize = 8 + 8 + 8 + 4 + 4 + 16 + 4 // up to name_len, name[] follows

// Collector owns the two ring-buffer readers and the consumer
// goroutines.
type Collector struct {
	fs, net *ringbuf.Reader
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New wraps the fs and net deny ring buffers and launches one
// consumer goroutine per channel.
func New(fsMap, netMap *ebpf.Map) (*Collector, error) {
	fsReader, err := ringbuf.NewReader(fsMap)
	if err != nil {
		return nil, err
	}

	netReader, err := ringbuf.NewReader(netMap)
	if err != nil {
		fsReader.Close()
		return nil, err
	}

	c := &Collector{
		fs:     fsReader,
		net:    netReader,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go c.run()

	return c, nil
}

// run consumes both ring buffers until Stop is called. Consume errors
// other than a closed reader are fatal for the thread (spec §4.H);
// they are logged since the deny thread's failures never surface to
// the caller.
func (c *Collector) run() {
	defer close(c.doneCh)

	done := make(chan struct{})
	go c.consume(c.fs, "fs", done)
	go c.consume(c.net, "net", done)

	<-c.stopCh
	c.fs.Close()
	c.net.Close()
	<-done
	<-done
}

func (c *Collector) consume(r *ringbuf.Reader, channel string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		r.SetDeadline(time.Now().Add(pollTimeout))

		record, err := r.Read()
		if err != nil {
			if ringbuf.IsClosed(err) {
				return
			}
			// deadline timeouts are expected shutdown-polling wakeups.
			if netTimeoutErr(err) {
				continue
			}
			logrus.WithField("subsystem", "denycollector").Errorf("%s ring buffer read error: %v", channel, err)
			return
		}

		event, err := decodeDenyEvent(record.RawSample)
		if err != nil {
			logrus.WithField("subsystem", "denycollector").Warnf("failed to decode %s deny event: %v", channel, err)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"subsystem":     "denycollector",
			"channel":       channel,
			"cgroup_id":     event.CgroupID,
			"dev":           event.Dev,
			"ino":           event.Ino,
			"required_mask": event.RequiredMask,
			"hook":          hookNames[event.HookID],
			"comm":          commString(event.Comm),
			"name":          event.Name,
		}).Debug("policy violation")
	}
}

// netTimeoutErr reports whether err is a deadline-exceeded error from
// the ring buffer reader (not a real failure, just the shutdown poll
// waking up with nothing to read).
func netTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

func commString(comm [16]byte) string {
	n := 0
	for n < len(comm) && comm[n] != 0 {
		n++
	}
	return string(comm[:n])
}

// decodeDenyEvent unpacks the fixed {cgroup_id, dev, ino,
// required_mask, hook_id, comm[16], name_len, name[...]} record (spec
// §6).
func decodeDenyEvent(raw []byte) (DenyEvent, error) {
	if len(raw) < denyEventFixedSize {
		return DenyEvent{}, errShortRecord(len(raw))
	}

	var e DenyEvent
	e.CgroupID = binary.LittleEndian.Uint64(raw[0:8])
	e.Dev = binary.LittleEndian.Uint64(raw[8:16])
	e.Ino = binary.LittleEndian.Uint64(raw[16:24])
	e.RequiredMask = binary.LittleEndian.Uint32(raw[24:28])
	e.HookID = binary.LittleEndian.Uint32(raw[28:32])
	copy(e.Comm[:], raw[32:48])
	nameLen := binary.LittleEndian.Uint32(raw[48:52])

	nameStart := denyEventFixedSize
	nameEnd := nameStart + int(nameLen)
	if nameEnd > len(raw) {
		nameEnd = len(raw)
	}
	e.Name = string(raw[nameStart:nameEnd])

	return e, nil
}

type errShortRecord int

func (e errShortRecord) Error() string {
	return "deny event record too short"
}

// Stop signals both consumer goroutines to exit and waits for them.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
