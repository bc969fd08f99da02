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

package control

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Client is the host-side end of the control socket. Each client
// binds its own "client-<random>" datagram socket and talks to the
// container's "control" socket (spec §4.D).
type Client struct {
	conn       *net.UnixConn
	serverAddr *net.UnixAddr
	localPath  string
}

// Dial creates a client socket under runtimeDir and connects it to
// the container's control socket.
func Dial(runtimeDir string) (*Client, error) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	localPath := filepath.Join(runtimeDir, fmt.Sprintf("client-%06x", rnd.Uint32()&0xffffff))
	serverPath := filepath.Join(runtimeDir, "control")

	os.Remove(localPath)
	localAddr := &net.UnixAddr{Name: localPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "SystemCall: control client bind")
	}

	return &Client{
		conn:       conn,
		serverAddr: &net.UnixAddr{Name: serverPath, Net: "unixgram"},
		localPath:  localPath,
	}, nil
}

// Close tears down the client socket and removes its backing file.
func (c *Client) Close() error {
	err := c.conn.Close()
	os.Remove(c.localPath)
	return err
}

func (c *Client) roundTrip(cmd CommandType, payload []byte, sendFds []int, wantFds int) (reply []byte, fds []int, err error) {
	msg := append(encodeHeader(header{Type: uint32(cmd), Length: uint32(len(payload))}), payload...)

	var oob []byte
	if len(sendFds) > 0 {
		if len(sendFds) > MaxFds {
			return nil, nil, errors.New("Exhausted: more than 16 fds in one control message")
		}
		oob = syscall.UnixRights(sendFds...)
	}

	if _, _, err := c.conn.WriteMsgUnix(msg, oob, c.serverAddr); err != nil {
		return nil, nil, errors.Wrap(err, "SystemCall: control socket write")
	}

	buf := make([]byte, maxDatagram)
	respOob := make([]byte, syscall.CmsgSpace(wantFds*4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, respOob)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Handshake: control socket read reply")
	}

	fds, _ = parseRights(respOob[:oobn])
	return buf[:n], fds, nil
}

// GetRoot asks the container for its rootfs path.
func (c *Client) GetRoot() (string, error) {
	reply, _, err := c.roundTrip(GetRoot, nil, nil, 0)
	if err != nil {
		return "", err
	}
	return trimNulString(reply), nil
}

// GetFds asks the container for its namespace file descriptors, used
// by join() (spec §6).
func (c *Client) GetFds() ([]int, []NSKind, error) {
	reply, fds, err := c.roundTrip(GetFds, nil, nil, NSCount)
	if err != nil {
		return nil, nil, err
	}
	if len(reply) < 4 {
		return nil, nil, errors.New("SystemCall: short GETFDS reply")
	}
	count := int(reply[0]) | int(reply[1])<<8 | int(reply[2])<<16 | int(reply[3])<<24
	types := make([]NSKind, 0, count)
	for i := 0; i < count && 4+i < len(reply); i++ {
		types = append(types, NSKind(reply[4+i]))
	}
	return fds, types, nil
}

// Spawn asks the container to start a new process.
func (c *Client) Spawn(req SpawnRequest) (int, error) {
	payload := EncodeSpawnRequest(req)
	reply, _, err := c.roundTrip(Spawn, payload, nil, 0)
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, errors.New("SystemCall: short SPAWN reply")
	}
	pid := int(int32(reply[0]) | int32(reply[1])<<8 | int32(reply[2])<<16 | int32(reply[3])<<24)
	if pid < 0 {
		return 0, errors.Errorf("SystemCall: spawn failed: %s", string(reply[4:]))
	}
	return pid, nil
}

// Kill asks the container to terminate a tracked process.
func (c *Client) Kill(pid int) error {
	payload := make([]byte, 4)
	putInt32(payload, int32(pid))
	reply, _, err := c.roundTrip(Kill, payload, nil, 0)
	if err != nil {
		return err
	}
	if len(reply) < 4 {
		return errors.New("SystemCall: short KILL reply")
	}
	status := int32(reply[0]) | int32(reply[1])<<8 | int32(reply[2])<<16 | int32(reply[3])<<24
	if status != 0 {
		return errors.Errorf("SystemCall: kill failed: %s", string(reply[4:]))
	}
	return nil
}

// Upload hands the container read-only fds for host files it should
// copy in, paired positionally with containerPaths.
func (c *Client) Upload(containerPaths []string, hostFds []int) ([]int32, error) {
	payload := encodeStrings(containerPaths)
	reply, _, err := c.roundTrip(Upload, payload, hostFds, 0)
	if err != nil {
		return nil, err
	}
	return decodeStatusArray(reply), nil
}

// Download asks the container for read fds to containerPaths.
func (c *Client) Download(containerPaths []string) ([]int, []int32, error) {
	payload := encodeStrings(containerPaths)
	reply, fds, err := c.roundTrip(Download, payload, nil, len(containerPaths))
	if err != nil {
		return nil, nil, err
	}
	return fds, decodeStatusArray(reply), nil
}

// Destroy tells the container to shut itself down.
func (c *Client) Destroy() error {
	_, _, err := c.roundTrip(Destroy, nil, nil, 0)
	return err
}

func decodeStatusArray(buf []byte) []int32 {
	n := len(buf) / 4
	out := make([]int32, n)
	for i := 0; i < n; i++ {
		out[i] = int32(buf[i*4]) | int32(buf[i*4+1])<<8 | int32(buf[i*4+2])<<16 | int32(buf[i*4+3])<<24
	}
	return out
}

func trimNulString(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}
