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

package kernel

import (
	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// Endpoint is the IPC rendezvous object: a FIFO of waiting TCBs plus a
// 64-bit signal word for notification delivery.
type Endpoint struct {
	queue  tcbQueue
	signal uint64
}

// EpState is the endpoint's derived state.
type EpState uint8

const (
	EpFree EpState = iota
	EpSending
	EpReceiving
	EpSignalPending
)

// String implements fmt.Stringer.
func (s EpState) String() string {
	switch s {
	case EpFree:
		return "Free"
	case EpSending:
		return "Sending"
	case EpReceiving:
		return "Receiving"
	default:
		return "SignalPending"
	}
}

// state derives the endpoint state from the signal word and the head
// waiter.
func (e *Endpoint) state() EpState {
	if e.signal != 0 {
		return EpSignalPending
	}
	head := e.queue.peek()
	if head == nil {
		return EpFree
	}
	switch head.State() {
	case ThreadSending:
		return EpSending
	case ThreadReceiving:
		return EpReceiving
	default:
		panic("endpoint waiter is neither sending nor receiving")
	}
}

// EndpointCap is the typed view of an endpoint capability. The badge rides
// on the cap, not the object: every mint can carry a different badge. The
// attachment links the endpoint to an IRQ line.
type EndpointCap struct {
	*Slot
}

func mintEndpoint(slot *Slot, paddr uint64, badge uint64) {
	slot.set(lakeos.Endpoint, paddr, badge, 0, &Endpoint{})
}

func (c EndpointCap) endpoint() *Endpoint {
	return c.obj.(*Endpoint)
}

// Badge returns the cap's badge; zero means unbadged.
func (c EndpointCap) Badge() uint64 {
	return c.arg1
}

// AttachedIrq returns the attached IRQ line, or -1.
func (c EndpointCap) AttachedIrq() int {
	if c.arg2 == 0 {
		return -1
	}
	return int(c.arg2 - 1)
}

func (c EndpointCap) setAttachedIrq(irq int) {
	c.arg2 = uint64(irq) + 1
}

// handleSend delivers the caller's message if a receiver is parked,
// otherwise parks the caller in Sending state. Not an error: the thread
// blocks.
func (c EndpointCap) handleSend(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	e := c.endpoint()
	switch e.state() {
	case EpReceiving:
		receiver := e.queue.dequeue()
		k.deliver(caller, info, receiver, c.Badge(), false)
		receiver.setState(ThreadReady)
		k.sched(k.curCPU).push(receiver)
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
	default:
		caller.detach()
		caller.setState(ThreadSending)
		caller.sendingBadge = c.Badge()
		e.queue.enqueue(caller)
	}
	return nil
}

// handleRecv completes against a pending signal or parked sender,
// otherwise parks the caller in Receiving state, unmasking the attached
// IRQ line before it sleeps.
func (c EndpointCap) handleRecv(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	e := c.endpoint()
	switch e.state() {
	case EpSignalPending:
		caller.TF.SetMR(1, e.signal)
		caller.TF.SetBadge(lakeos.NoBadge)
		caller.TF.SetRespInfo(lakeos.NotificationResp())
		e.signal = 0
	case EpSending:
		sender := e.queue.dequeue()
		sinfo, err := sender.TF.MsgInfo()
		if err != nil {
			sinfo = lakeos.MsgInfo{}
		}
		if sender.pendingFault != nil {
			// A parked faulter: deliver the synthesized fault
			// message instead of its registers.
			k.deliverFault(sender, caller)
		} else {
			k.deliver(sender, sinfo, caller, sender.sendingBadge, sinfo.Op == lakeos.SysEndpointCall)
			if sinfo.Op == lakeos.SysEndpointCall {
				// The sender stays parked until the reply.
				sender.setState(ThreadSending)
			} else {
				sender.setState(ThreadReady)
				sender.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
				k.sched(k.curCPU).push(sender)
			}
		}
	default:
		caller.detach()
		caller.setState(ThreadReceiving)
		e.queue.enqueue(caller)
		if irq := c.AttachedIrq(); irq >= 0 {
			k.irqs.listen(k, irq)
		}
	}
	return nil
}

// handleCall is send immediately followed by receive on a one-shot reply
// cap minted from the caller's TCB.
func (c EndpointCap) handleCall(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	e := c.endpoint()
	switch e.state() {
	case EpReceiving:
		receiver := e.queue.dequeue()
		caller.sendingBadge = c.Badge()
		k.deliver(caller, info, receiver, c.Badge(), true)
		receiver.setState(ThreadReady)
		k.sched(k.curCPU).push(receiver)
		caller.detach()
		caller.setState(ThreadSending)
	default:
		caller.detach()
		caller.setState(ThreadSending)
		caller.sendingBadge = c.Badge()
		e.queue.enqueue(caller)
	}
	return nil
}

// handleReply consumes the caller's reply cap, waking the original caller.
// With recv set it atomically blocks the caller back on the endpoint.
func (c EndpointCap) handleReply(k *Kernel, info lakeos.MsgInfo, caller *TCB, recv bool) error {
	r, ok := caller.reply()
	if !ok {
		return syserr.ErrCapabilityType
	}
	target := r.waitingTCB()
	caller.clearReply()

	if target.pendingFault != nil {
		// Fault replies carry no payload; the faulter just resumes.
		target.pendingFault = nil
		target.setState(ThreadReady)
		k.sched(k.curCPU).push(target)
	} else {
		// A reply echoes the badge the caller invoked with.
		k.deliver(caller, info, target, target.sendingBadge, false)
		target.setState(ThreadReady)
		k.sched(k.curCPU).push(target)
	}

	if !recv {
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil
	}
	return c.handleRecv(k, info, caller)
}

// doSetSignal ORs sig into the signal word, waking the head receiver with
// a notification if one is parked.
func (c EndpointCap) doSetSignal(k *Kernel, sig uint64) {
	e := c.endpoint()
	state := e.state()
	e.signal |= sig
	if state == EpReceiving {
		receiver := e.queue.dequeue()
		receiver.TF.SetMR(1, e.signal)
		receiver.TF.SetBadge(lakeos.NoBadge)
		receiver.TF.SetRespInfo(lakeos.NotificationResp())
		receiver.setState(ThreadReady)
		k.sched(k.curCPU).push(receiver)
		e.signal = 0
	}
}

// sendFault parks tcb on this endpoint carrying fault, delivering
// immediately if a receiver is parked.
func (c EndpointCap) sendFault(k *Kernel, tcb *TCB, fault lakeos.Fault) {
	e := c.endpoint()
	tcb.pendingFault = &fault
	tcb.detach()
	tcb.setState(ThreadSending)
	tcb.sendingBadge = c.Badge()
	if e.state() == EpReceiving {
		receiver := e.queue.dequeue()
		k.deliverFault(tcb, receiver)
		receiver.setState(ThreadReady)
		k.sched(k.curCPU).push(receiver)
		return
	}
	e.queue.enqueue(tcb)
}

// handleInvocation dispatches endpoint-directed syscalls.
func (c EndpointCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysEndpointSend:
		return c.handleSend(k, info, caller)
	case lakeos.SysEndpointRecv:
		return c.handleRecv(k, info, caller)
	case lakeos.SysEndpointCall:
		return c.handleCall(k, info, caller)
	case lakeos.SysEndpointReply:
		return c.handleReply(k, info, caller, false)
	case lakeos.SysEndpointReplyRecv:
		return c.handleReply(k, info, caller, true)
	case lakeos.SysEndpointMint:
		if info.Length < 2 {
			return syserr.ErrInvalidValue
		}
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		dst, err := cspace.LookupSlot(caller.TF.MR(1))
		if err != nil {
			return err
		}
		if !dst.IsNull() {
			return syserr.ErrSlotNotEmpty
		}
		dst.set(lakeos.Endpoint, c.Paddr(), caller.TF.MR(2), c.arg2, c.endpoint())
		c.appendNext(dst)
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil
	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(c.Type()))
		caller.TF.SetMR(2, c.Badge())
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 2))
		return nil
	default:
		return syserr.ErrUnsupportedOp
	}
}

// ReplyCap is the one-shot capability naming a caller parked in a call.
type ReplyCap struct {
	*Slot
}

func (c ReplyCap) waitingTCB() *TCB {
	return c.obj.(*TCB)
}
