// Copyright 2020 The LakeOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package naive

import (
	"encoding/binary"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

// LMP: message passing over a shared one-page argument buffer. Each side
// owns half of the page; a message is a small header plus payload written
// into the sender's half, announced by a call on the session endpoint.
// One capability may ride along with any message.
//
// Buffer half layout: flag byte, opcode byte, u16 payload length, payload.
const (
	lmpBufSize  = lakeos.FrameSize
	lmpHalfSize = lmpBufSize / 2
	lmpHdrSize  = 4

	// MaxLmpPayload is the largest payload one message carries.
	MaxLmpPayload = lmpHalfSize - lmpHdrSize
)

// LmpMessage is one framed message.
type LmpMessage struct {
	Opcode  uint8
	Payload []byte

	// CapSlot is a capability to transfer, zero for none. On receive it
	// is the slot the cap landed in.
	CapSlot uint64
}

// LmpRole selects which buffer half a peer writes.
type LmpRole uint8

const (
	LmpServer LmpRole = iota
	LmpClient
)

// LmpChannel is one established session.
type LmpChannel struct {
	rt   *Runtime
	ep   EpRef
	role LmpRole

	// bufVaddr is where this side mapped the shared argument buffer.
	bufVaddr uint64
}

func (ch *LmpChannel) sendHalf() uint64 {
	if ch.role == LmpServer {
		return ch.bufVaddr
	}
	return ch.bufVaddr + lmpHalfSize
}

func (ch *LmpChannel) recvHalf() uint64 {
	if ch.role == LmpClient {
		return ch.bufVaddr
	}
	return ch.bufVaddr + lmpHalfSize
}

func (ch *LmpChannel) writeMessage(msg LmpMessage) {
	if len(msg.Payload) > MaxLmpPayload {
		msg.Payload = msg.Payload[:MaxLmpPayload]
	}
	half := ch.sendHalf()
	hdr := make([]byte, lmpHdrSize)
	hdr[0] = 1
	hdr[1] = msg.Opcode
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(msg.Payload)))
	ch.rt.WriteBytes(half, hdr)
	if len(msg.Payload) > 0 {
		ch.rt.WriteBytes(half+lmpHdrSize, msg.Payload)
	}
}

func (ch *LmpChannel) readMessage(capSlot uint64) (LmpMessage, bool) {
	half := ch.recvHalf()
	hdr := ch.rt.ReadBytes(half, lmpHdrSize)
	if hdr[0] == 0 {
		return LmpMessage{}, false
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:]))
	msg := LmpMessage{
		Opcode:  hdr[1],
		CapSlot: capSlot,
	}
	if n > 0 {
		msg.Payload = ch.rt.ReadBytes(half+lmpHdrSize, n)
	}
	ch.rt.WriteBytes(half, []byte{0})
	return msg, true
}

// Roundtrip performs one client exchange: write the request, call the
// session endpoint, read the response. The returned cap slot is non-zero
// when the server transferred a capability. A request that sends a cap
// cannot also receive one; the transfer register carries one direction per
// message.
func (ch *LmpChannel) Roundtrip(req LmpMessage) (LmpMessage, error) {
	ch.writeMessage(req)
	recvSlot := uint64(0)
	if req.CapSlot == 0 {
		var err error
		recvSlot, err = ch.rt.AllocSlot()
		if err != nil {
			return LmpMessage{}, err
		}
	}
	resp, err := ch.ep.CallRecv([]uint64{uint64(req.Opcode)}, req.CapSlot, recvSlot)
	if err != nil {
		if recvSlot != 0 {
			ch.rt.FreeSlot(recvSlot)
		}
		return LmpMessage{}, err
	}
	capSlot := uint64(0)
	if resp.CapMoved {
		capSlot = recvSlot
	} else if recvSlot != 0 {
		ch.rt.FreeSlot(recvSlot)
	}
	msg, ok := ch.readMessage(capSlot)
	if !ok {
		return LmpMessage{}, Errno(lakeos.EInvalidValue)
	}
	return msg, nil
}

// LmpConnect establishes a session with the service listening on
// serviceEp: a connect call returns the badged session endpoint, a second
// call returns the shared argument buffer, which the client maps.
func LmpConnect(rt *Runtime, serviceEp EpRef) (*LmpChannel, error) {
	sessSlot, err := rt.AllocSlot()
	if err != nil {
		return nil, err
	}
	if _, err := serviceEp.CallRecv(nil, 0, sessSlot); err != nil {
		rt.FreeSlot(sessSlot)
		return nil, err
	}
	sessEp := EpRef{CapRef{rt, sessSlot}}

	bufSlot, err := rt.AllocSlot()
	if err != nil {
		return nil, err
	}
	if _, err := sessEp.CallRecv(nil, 0, bufSlot); err != nil {
		rt.FreeSlot(bufSlot)
		return nil, err
	}
	bufVaddr, err := rt.vmem.Alloc(lmpBufSize)
	if err != nil {
		return nil, err
	}
	ram := RamRef{CapRef{rt, bufSlot}}
	if err := rt.mapWithTables(ram, bufVaddr, lakeos.ReadWrite); err != nil {
		return nil, err
	}
	return &LmpChannel{rt: rt, ep: sessEp, role: LmpClient, bufVaddr: bufVaddr}, nil
}
