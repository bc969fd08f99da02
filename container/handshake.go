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
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/meulengracht/containerv/nsmount"
)

// eventType is the small fixed-size message exchanged over the
// host/child pipes during the handshake (spec §4.E).
type eventType uint32

const (
	eventWaitingForNSSetup eventType = iota
	eventAck
	eventUp
	eventDown
)

// event is {type:u32, status:i32}, the wire shape of every handshake
// message.
type event struct {
	Type   eventType
	Status int32
}

const eventSize = 8

func writeEvent(w *os.File, e event) error {
	var buf [eventSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Status))
	_, err := w.Write(buf[:])
	return err
}

func readEvent(r *os.File) (event, error) {
	var buf [eventSize]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return event{}, errors.Wrap(err, "Handshake: peer pipe closed unexpectedly")
	}
	return event{
		Type:   eventType(binary.LittleEndian.Uint32(buf[0:4])),
		Status: int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

func readFull(r *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func nsmountCapSet(bits uint64) nsmount.CapSet {
	return nsmount.CapSet(uint32(bits))
}
