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
	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

// LmpHandler processes one framed request and returns the response. A
// non-zero CapSlot on the response transfers that cap to the client.
type LmpHandler func(session uint64, req LmpMessage) LmpMessage

// LmpListener serves LMP sessions over one service endpoint. Connections
// and requests all arrive on the endpoint; the badge minted per session
// tells them apart. The loop is synchronous: one request at a time,
// answered with a reply before the next receive.
type LmpListener struct {
	rt      *Runtime
	ep      EpRef
	handler LmpHandler

	// OnNotification, when set, consumes signal deliveries on the
	// service endpoint (an attached IRQ line lands here).
	OnNotification func(bits uint64)

	sessions  map[uint64]*lmpSession
	nextBadge uint64
}

type lmpSession struct {
	ch      *LmpChannel
	bufSlot uint64
	bufSent bool
}

// NewLmpListener wraps the service endpoint at epSlot.
func NewLmpListener(rt *Runtime, epSlot uint64) *LmpListener {
	return &LmpListener{
		rt:        rt,
		ep:        EpRef{CapRef{rt, epSlot}},
		sessions:  make(map[uint64]*lmpSession),
		nextBadge: 1,
	}
}

// Serve dispatches handler until steps deliveries (requests or
// notifications) have been handled; steps < 0 serves forever.
func (l *LmpListener) Serve(handler LmpHandler, steps int) error {
	l.handler = handler
	recvSlot, err := l.rt.AllocSlot()
	if err != nil {
		return err
	}
	msg, err := l.ep.Recv(recvSlot)
	if err != nil {
		return err
	}
	for i := 0; steps < 0 || i < steps; i++ {
		if msg.Type == lakeos.MsgTypeNotification {
			if l.OnNotification != nil && len(msg.Words) > 0 {
				l.OnNotification(msg.Words[0])
			}
			if msg, err = l.ep.Recv(recvSlot); err != nil {
				return err
			}
			continue
		}
		reply, replyCap := l.process(msg, recvSlot)
		if msg.CapMoved {
			// The landed cap now belongs to the handler; later
			// transfers need a fresh destination.
			if recvSlot, err = l.rt.AllocSlot(); err != nil {
				return err
			}
		}
		if replyCap != 0 {
			if err := l.ep.ReplyWithCap(reply, replyCap); err != nil {
				return err
			}
			if msg, err = l.ep.Recv(recvSlot); err != nil {
				return err
			}
		} else {
			// The common path answers and blocks for the next
			// request in one atomic step.
			if msg, err = l.ep.ReplyRecv(reply, recvSlot); err != nil {
				return err
			}
		}
	}
	return nil
}

// process handles one delivery and returns the reply words plus an
// optional cap to transfer with the reply.
func (l *LmpListener) process(msg Message, recvSlot uint64) ([]uint64, uint64) {
	if !msg.Badged {
		// A connect call: mint a badged session endpoint and hand it
		// back.
		badge := l.nextBadge
		l.nextBadge++
		slot, err := l.rt.AllocSlot()
		if err != nil {
			return []uint64{^uint64(0)}, 0
		}
		if err := l.ep.Mint(slot, badge); err != nil {
			return []uint64{^uint64(0)}, 0
		}
		l.sessions[badge] = &lmpSession{}
		return nil, slot
	}

	sess := l.sessions[msg.Badge]
	if sess == nil {
		return []uint64{^uint64(0)}, 0
	}
	if sess.ch == nil {
		// First badged call: build the shared argument buffer and
		// transfer a derived copy.
		bufVaddr, bufSlot, err := l.rt.AllocRamAt(0)
		if err != nil {
			return []uint64{^uint64(0)}, 0
		}
		dupSlot, err := l.rt.AllocSlot()
		if err != nil {
			return []uint64{^uint64(0)}, 0
		}
		ram := RamRef{CapRef{l.rt, bufSlot}}
		if err := ram.Derive(dupSlot); err != nil {
			return []uint64{^uint64(0)}, 0
		}
		sess.ch = &LmpChannel{rt: l.rt, role: LmpServer, bufVaddr: bufVaddr}
		sess.bufSlot = bufSlot
		sess.bufSent = true
		return nil, dupSlot
	}

	// A request: the payload sits in the client half of the buffer.
	req, ok := sess.ch.readMessage(func() uint64 {
		if msg.CapMoved {
			return recvSlot
		}
		return 0
	}())
	if !ok {
		return []uint64{^uint64(0)}, 0
	}
	resp := l.handler(msg.Badge, req)
	sess.ch.writeMessage(resp)
	if resp.CapSlot != 0 {
		return []uint64{0}, resp.CapSlot
	}
	return []uint64{0}, 0
}
