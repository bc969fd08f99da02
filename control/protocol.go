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

// Package control implements the AF_UNIX/SOCK_DGRAM control-socket
// protocol between the host and a container's idle loop (spec §4.D).
package control

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CommandType identifies a control-socket message (spec §4.D).
type CommandType uint32

const (
	GetRoot CommandType = iota
	GetFds
	Spawn
	Kill
	Upload
	Download
	Destroy
)

func (c CommandType) String() string {
	switch c {
	case GetRoot:
		return "GETROOT"
	case GetFds:
		return "GETFDS"
	case Spawn:
		return "SPAWN"
	case Kill:
		return "KILL"
	case Upload:
		return "UPLOAD"
	case Download:
		return "DOWNLOAD"
	case Destroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// headerSize is the wire size of the fixed {type:u32, length:u32}
// command header (spec §4.D).
const headerSize = 8

// MaxFds is the largest number of file descriptors a single message's
// SCM_RIGHTS ancillary data may carry (spec §7 Exhausted, §8).
const MaxFds = 16

// NSCount is the number of namespace kinds GETFDS reports fds for:
// uts, mount, network, pid, ipc, cgroup, user (spec glossary
// CV_NS_COUNT, mirrors nsmount.CapSet plus the always-unshared uts
// namespace).
const NSCount = 7

// NSKind indexes the types[] array returned by GETFDS.
type NSKind int

const (
	NSUts NSKind = iota
	NSMount
	NSNetwork
	NSPid
	NSIpc
	NSCgroup
	NSUser
)

// header is the fixed command envelope every message starts with.
type header struct {
	Type   uint32
	Length uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errors.New("SystemCall: short control message header")
	}
	return header{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// SpawnRequest is the SPAWN command payload (spec §4.D): packed
// {path_len, arg_len, env_len, path, argv-flattened, envp-flattened,
// uid, gid, flags}.
type SpawnRequest struct {
	Path  string
	Argv  []string
	Envp  []string
	UID   int32
	GID   int32
	Flags uint32
}

const spawnFlagWait uint32 = 1 << 0

// encodeStrings flattens a slice of strings into NUL-separated bytes.
func encodeStrings(ss []string) []byte {
	var out []byte
	for _, s := range ss {
		out = append(out, []byte(s)...)
		out = append(out, 0)
	}
	return out
}

func decodeStrings(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			out = append(out, string(buf[start:i]))
			start = i + 1
		}
	}
	return out
}

// EncodeSpawnRequest packs a SpawnRequest per spec §4.D.
func EncodeSpawnRequest(r SpawnRequest) []byte {
	pathBytes := append([]byte(r.Path), 0)
	argvBytes := encodeStrings(r.Argv)
	envpBytes := encodeStrings(r.Envp)

	buf := make([]byte, 0, 12+len(pathBytes)+len(argvBytes)+len(envpBytes)+12)

	var lens [12]byte
	binary.LittleEndian.PutUint32(lens[0:4], uint32(len(pathBytes)))
	binary.LittleEndian.PutUint32(lens[4:8], uint32(len(argvBytes)))
	binary.LittleEndian.PutUint32(lens[8:12], uint32(len(envpBytes)))
	buf = append(buf, lens[:]...)

	buf = append(buf, pathBytes...)
	buf = append(buf, argvBytes...)
	buf = append(buf, envpBytes...)

	var tail [12]byte
	binary.LittleEndian.PutUint32(tail[0:4], uint32(r.UID))
	binary.LittleEndian.PutUint32(tail[4:8], uint32(r.GID))
	binary.LittleEndian.PutUint32(tail[8:12], r.Flags)
	buf = append(buf, tail[:]...)

	return buf
}

// DecodeSpawnRequest unpacks a SpawnRequest encoded by
// EncodeSpawnRequest.
func DecodeSpawnRequest(buf []byte) (SpawnRequest, error) {
	if len(buf) < 12 {
		return SpawnRequest{}, errors.New("InvalidArgument: spawn payload too short")
	}

	pathLen := binary.LittleEndian.Uint32(buf[0:4])
	argLen := binary.LittleEndian.Uint32(buf[4:8])
	envLen := binary.LittleEndian.Uint32(buf[8:12])

	off := 12
	need := off + int(pathLen) + int(argLen) + int(envLen) + 12
	if len(buf) < need {
		return SpawnRequest{}, errors.New("InvalidArgument: spawn payload truncated")
	}

	path := buf[off : off+int(pathLen)]
	off += int(pathLen)
	argv := buf[off : off+int(argLen)]
	off += int(argLen)
	envp := buf[off : off+int(envLen)]
	off += int(envLen)

	uid := int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	gid := int32(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
	flags := binary.LittleEndian.Uint32(buf[off+8 : off+12])

	trimNul := func(b []byte) string {
		if n := len(b); n > 0 && b[n-1] == 0 {
			b = b[:n-1]
		}
		return string(b)
	}

	return SpawnRequest{
		Path:  trimNul(path),
		Argv:  decodeStrings(argv),
		Envp:  decodeStrings(envp),
		UID:   uid,
		GID:   gid,
		Flags: flags,
	}, nil
}
