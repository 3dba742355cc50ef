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
	"github.com/vincenthouyi/lakeos/pkg/arch"
	"github.com/vincenthouyi/lakeos/pkg/kernel/vspace"
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// ThreadState is the scheduling state of a TCB.
type ThreadState uint8

const (
	ThreadReady ThreadState = iota
	ThreadSending
	ThreadReceiving
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "Ready"
	case ThreadSending:
		return "Sending"
	case ThreadReceiving:
		return "Receiving"
	default:
		return "Unknown"
	}
}

// TCBBase recovers a TCB's base physical address from any address inside
// it, relying on the object's natural alignment.
func TCBBase(addr uint64) uint64 {
	return addr &^ (lakeos.TcbObjSize - 1)
}

// TCB is a thread control block. It owns the saved user context, the
// CSpace and VSpace root slots, the reply and fault-handler slots, the
// timeslice counter and the intrusive queue node that links it into at
// most one wait or ready queue.
type TCB struct {
	// TF is the saved user context. It sits at the object's base: a
	// kernel stack pointer into the frame recovers the TCB with
	// TCBBase.
	TF arch.TrapFrame

	paddr uint64

	cspaceSlot Slot
	vspaceSlot Slot
	faultSlot  Slot
	replySlot  Slot

	timeSlice int64
	state     ThreadState
	node      queueNode

	// sendingBadge is the badge of the endpoint cap used for the send
	// this TCB is currently parked on.
	sendingBadge uint64

	// pendingFault is non-nil while the TCB is parked on its fault
	// handler endpoint.
	pendingFault *lakeos.Fault

	k *Kernel
}

func (k *Kernel) newTCB(paddr uint64) *TCB {
	t := &TCB{paddr: paddr, k: k}
	t.node.tcb = t
	k.objects[paddr] = t
	return t
}

// Paddr returns the TCB object's base physical address.
func (t *TCB) Paddr() uint64 {
	return t.paddr
}

// State returns the scheduling state.
func (t *TCB) State() ThreadState {
	return t.state
}

// setState transitions the thread state.
func (t *TCB) setState(s ThreadState) {
	t.state = s
}

// detach pulls the TCB out of whatever queue holds it and resets it to
// Ready. This is the cancellation path used by fault IPC and reply
// delivery.
func (t *TCB) detach() {
	t.node.detach()
	t.state = ThreadReady
}

// CSpace returns the thread's root CNode.
func (t *TCB) CSpace() (CNodeCap, error) {
	c, err := t.cspaceSlot.asCNode()
	if err != nil {
		return CNodeCap{}, syserr.ErrCSpaceNotFound
	}
	return c, nil
}

// VSpace returns the thread's address space view.
func (t *TCB) VSpace() (*vspace.VSpace, error) {
	v, err := t.vspaceSlot.asVTable()
	if err != nil {
		return nil, err
	}
	return vspace.New(t.k.machine.Mem, v.Paddr()), nil
}

// ASID returns the thread's address-space id, derived from the root
// table's physical address.
func (t *TCB) ASID() (uint64, error) {
	v, err := t.vspaceSlot.asVTable()
	if err != nil {
		return 0, err
	}
	return vspace.ASIDOf(v.Paddr()), nil
}

// installCSpace derives the given CNode cap into the TCB's cspace slot.
func (t *TCB) installCSpace(c CNodeCap) error {
	return c.Slot.copyInto(&t.cspaceSlot)
}

// installVSpace installs the root table cap and stamps it as mapped at
// level 1 with the derived ASID.
func (t *TCB) installVSpace(v VTableCap) error {
	if err := v.Slot.copyInto(&t.vspaceSlot); err != nil {
		return err
	}
	rootCap, _ := t.vspaceSlot.asVTable()
	rootCap.setMapped(0, vspace.ASIDOf(v.Paddr()), 1)
	return nil
}

// installFaultHandler copies an endpoint cap into the fault-handler slot.
func (t *TCB) installFaultHandler(e EndpointCap) error {
	return e.Slot.copyInto(&t.faultSlot)
}

// faultHandler returns the fault-handler endpoint, if configured.
func (t *TCB) faultHandler() (EndpointCap, bool) {
	e, err := t.faultSlot.asEndpoint()
	return e, err == nil
}

// reply returns the single-use reply cap parked in the TCB, if any.
func (t *TCB) reply() (ReplyCap, bool) {
	r, err := t.replySlot.asReply()
	return r, err == nil
}

// setReply mints a one-shot reply cap naming caller into the TCB's reply
// slot, replacing any previous one.
func (t *TCB) setReply(caller *TCB) {
	t.replySlot.clear()
	t.replySlot.set(lakeos.Reply, caller.paddr, 0, 0, caller)
}

// clearReply consumes the reply slot.
func (t *TCB) clearReply() {
	t.replySlot.clear()
}

// TcbCap is the typed view of a TCB capability.
type TcbCap struct {
	*Slot
}

func (c TcbCap) tcb() *TCB {
	return c.obj.(*TCB)
}

// mintTcb populates slot with a TCB cap for a freshly retyped object.
func (k *Kernel) mintTcb(slot *Slot, paddr uint64) {
	slot.set(lakeos.Tcb, paddr, 0, 0, k.newTCB(paddr))
}

// handleInvocation dispatches TCB-directed syscalls.
func (c TcbCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	t := c.tcb()
	switch info.Op {
	case lakeos.SysTcbConfigure:
		if info.Length < 2 {
			return syserr.ErrInvalidValue
		}
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		vspaceSlot, err := cspace.LookupSlot(caller.TF.MR(1))
		if err != nil {
			return err
		}
		vcap, err := vspaceSlot.asVTable()
		if err != nil {
			return err
		}
		cspaceSlot, err := cspace.LookupSlot(caller.TF.MR(2))
		if err != nil {
			return err
		}
		ccap, err := cspaceSlot.asCNode()
		if err != nil {
			return err
		}
		if err := t.installVSpace(vcap); err != nil {
			return err
		}
		if err := t.installCSpace(ccap); err != nil {
			return err
		}
		if info.Length >= 3 && caller.TF.MR(3) != 0 {
			faultSlot, err := cspace.LookupSlot(caller.TF.MR(3))
			if err != nil {
				return err
			}
			ecap, err := faultSlot.asEndpoint()
			if err != nil {
				return err
			}
			if err := t.installFaultHandler(ecap); err != nil {
				return err
			}
		}
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysTcbSetRegisters:
		if info.Length < 3 {
			return syserr.ErrInvalidValue
		}
		flags := caller.TF.MR(1)
		if flags&lakeos.TcbSetPC != 0 {
			t.TF.SetELR(caller.TF.MR(2))
		}
		if flags&lakeos.TcbSetSP != 0 {
			t.TF.SetSP(caller.TF.MR(3))
		}
		t.TF.SPSR = arch.SPSRUserDefault
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysTcbResume:
		// Resuming an already-queued thread must not duplicate its
		// queue entry.
		if !t.node.linked() {
			t.setState(ThreadReady)
			k.sched(k.curCPU).push(t)
		}
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(c.Type()))
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 1))
		return nil

	default:
		return syserr.ErrUnsupportedOp
	}
}
