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
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// maxDatagram is large enough for every command this protocol defines;
// SPAWN's argv/envp payload is the biggest and is bounded by the
// caller anyway.
const maxDatagram = 64 * 1024

// Handler answers one control-socket command and returns the reply
// payload plus any fds to pass back via SCM_RIGHTS (spec §4.D).
type Handler interface {
	HandleGetRoot() (string, error)
	HandleGetFds() (fds []int, types []NSKind, err error)
	HandleSpawn(req SpawnRequest) (pid int, err error)
	HandleKill(pid int) error
	HandleUpload(paths []string, fds []int) (status []int32, err error)
	HandleDownload(paths []string) (fds []int, status []int32, err error)
	HandleDestroy() error
}

// Server is the in-container end of the control socket. It is opened
// after chroot so the socket path lives inside the container's mount
// namespace (spec §4.D).
type Server struct {
	conn    *net.UnixConn
	handler Handler
}

// Listen binds the server socket at path (normally
// "<runtime_dir>/control", already relative to the post-chroot root).
func Listen(path string, h Handler) (*Server, error) {
	os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, errors.Wrap(err, "SystemCall: control socket listen")
	}

	return &Server{conn: conn, handler: h}, nil
}

// Close tears down the listening socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Serve runs the idle loop: commands are read and processed
// sequentially, one at a time, so concurrent clients are naturally
// serialized by the single-reader socket (spec §4.D "Ordering").
// Serve returns nil when a DESTROY command is handled.
func (s *Server) Serve() error {
	buf := make([]byte, maxDatagram)
	oob := make([]byte, syscall.CmsgSpace(MaxFds*4))

	for {
		n, oobn, _, from, err := s.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			return errors.Wrap(err, "SystemCall: control socket read")
		}

		fds, ferr := parseRights(oob[:oobn])
		if ferr != nil {
			continue
		}

		h, err := decodeHeader(buf[:n])
		if err != nil {
			continue
		}
		payload := buf[headerSize:n]

		reply, replyFds, done, herr := s.dispatch(CommandType(h.Type), payload, fds)
		if herr != nil {
			reply = encodeErrorReply(herr)
		}

		if from != nil {
			s.reply(from, reply, replyFds)
		}

		if done {
			return nil
		}
	}
}

func (s *Server) reply(to *net.UnixAddr, payload []byte, fds []int) {
	var oob []byte
	if len(fds) > 0 {
		oob = syscall.UnixRights(fds...)
	}
	s.conn.WriteMsgUnix(payload, oob, to)
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "SystemCall: parse control message")
	}

	var fds []int
	for _, m := range msgs {
		rights, err := syscall.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}

	if len(fds) > MaxFds {
		return nil, errors.New("Exhausted: control message carries more than 16 fds")
	}

	return fds, nil
}

func encodeErrorReply(err error) []byte {
	msg := err.Error()
	buf := make([]byte, 4+len(msg))
	// a negative int32 status followed by the error string, matching
	// the "pid or negative error" shape used by SPAWN/KILL (spec §4.D).
	putInt32(buf[0:4], -1)
	copy(buf[4:], msg)
	return buf
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (s *Server) dispatch(cmd CommandType, payload []byte, fds []int) (reply []byte, replyFds []int, done bool, err error) {
	switch cmd {
	case GetRoot:
		root, err := s.handler.HandleGetRoot()
		if err != nil {
			return nil, nil, false, err
		}
		return append([]byte(root), 0), nil, false, nil

	case GetFds:
		nsFds, types, err := s.handler.HandleGetFds()
		if err != nil {
			return nil, nil, false, err
		}
		buf := make([]byte, 4+len(types))
		putInt32(buf[0:4], int32(len(types)))
		for i, t := range types {
			buf[4+i] = byte(t)
		}
		return buf, nsFds, false, nil

	case Spawn:
		req, err := DecodeSpawnRequest(payload)
		if err != nil {
			return nil, nil, false, err
		}
		pid, err := s.handler.HandleSpawn(req)
		if err != nil {
			return nil, nil, false, err
		}
		buf := make([]byte, 4)
		putInt32(buf, int32(pid))
		return buf, nil, false, nil

	case Kill:
		if len(payload) < 4 {
			return nil, nil, false, errors.New("InvalidArgument: kill payload too short")
		}
		pid := int(int32(payload[0]) | int32(payload[1])<<8 | int32(payload[2])<<16 | int32(payload[3])<<24)
		if err := s.handler.HandleKill(pid); err != nil {
			return nil, nil, false, err
		}
		buf := make([]byte, 4)
		putInt32(buf, 0)
		return buf, nil, false, nil

	case Upload:
		paths := decodeStrings(payload)
		status, err := s.handler.HandleUpload(paths, fds)
		if err != nil {
			return nil, nil, false, err
		}
		return encodeStatusArray(status), nil, false, nil

	case Download:
		paths := decodeStrings(payload)
		downFds, status, err := s.handler.HandleDownload(paths)
		if err != nil {
			return nil, nil, false, err
		}
		return encodeStatusArray(status), downFds, false, nil

	case Destroy:
		err := s.handler.HandleDestroy()
		return []byte{}, nil, true, err

	default:
		return nil, nil, false, errors.New("InvalidArgument: unknown control command")
	}
}

func encodeStatusArray(status []int32) []byte {
	buf := make([]byte, 4*len(status))
	for i, s := range status {
		putInt32(buf[i*4:i*4+4], s)
	}
	return buf
}
