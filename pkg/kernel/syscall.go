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

// handleSyscall decodes the invocation in caller's trap frame, locates the
// capability named by mr[0] in its CSpace, and routes to the per-type
// handler. Errors are reported synchronously through the response-info
// word; a blocked IPC is not an error.
func (k *Kernel) handleSyscall(caller *TCB) {
	err := k.dispatchSyscall(caller)
	if err == nil {
		return
	}
	e := syserr.FromError(err)
	caller.TF.SetRespInfo(lakeos.SyscallResp(e.Errno(), 0))
	switch e.Errno() {
	case lakeos.EVSpaceTableMiss, lakeos.EVSpaceSlotOccupied:
		// The affected level rides in the first response register.
		caller.TF.SetMR(1, uint64(e.Level()))
	}
}

func (k *Kernel) dispatchSyscall(caller *TCB) error {
	info, err := caller.TF.MsgInfo()
	if err != nil {
		return syserr.ErrUnsupportedOp
	}

	// The null-cap trapdoor works before the thread has a CSpace.
	cspace, cserr := caller.CSpace()
	if cserr != nil {
		return k.handleNullInvocation(info, caller)
	}

	slot, err := cspace.LookupSlot(caller.TF.MR(0))
	if err != nil {
		return err
	}

	switch slot.Type() {
	case lakeos.NullObj:
		return k.handleNullInvocation(info, caller)
	case lakeos.Untyped:
		c, _ := slot.asUntyped()
		return c.handleInvocation(k, info, caller)
	case lakeos.CNode:
		c, _ := slot.asCNode()
		return k.handleCNodeInvocation(c, info, caller)
	case lakeos.Tcb:
		c, _ := slot.asTcb()
		return c.handleInvocation(k, info, caller)
	case lakeos.Ram:
		c, _ := slot.asRam()
		return c.handleInvocation(k, info, caller)
	case lakeos.VTable:
		c, _ := slot.asVTable()
		return c.handleInvocation(k, info, caller)
	case lakeos.Endpoint:
		c, _ := slot.asEndpoint()
		return c.handleInvocation(k, info, caller)
	case lakeos.Reply:
		return syserr.ErrUnsupportedOp
	case lakeos.Monitor:
		c := MonitorCap{slot}
		return c.handleInvocation(k, info, caller)
	case lakeos.Interrupt:
		c := InterruptCap{slot}
		return c.handleInvocation(k, info, caller)
	default:
		return syserr.ErrCapabilityType
	}
}

// handleCNodeInvocation wraps the CNode handler so a delete of a mapped
// ram cap also tears down its translation entry.
func (k *Kernel) handleCNodeInvocation(c CNodeCap, info lakeos.MsgInfo, caller *TCB) error {
	if info.Op == lakeos.SysCNodeDelete && info.Length >= 1 {
		if slot, err := c.lookupNonNull(caller.TF.MR(1)); err == nil {
			k.unmapDeleted(slot)
		}
	}
	return c.handleInvocation(k, info, caller)
}

// unmapDeleted clears live translation state owned by a capability about
// to be deleted, including its descendants.
func (k *Kernel) unmapDeleted(slot *Slot) {
	for s := slot.next; s != nil && s.isDescendantOf(slot); s = s.next {
		k.unmapDeleted(s)
	}
	if ram, err := slot.asRam(); err == nil && ram.MappedVaddr() != 0 {
		ram.unmapPage(k)
	}
}

// handleNullInvocation serves the operations valid on an empty slot: the
// no-op syscall and the pre-bootstrap DebugPrint trapdoor.
func (k *Kernel) handleNullInvocation(info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysNull:
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysDebugPrint:
		if info.Length < 1 {
			return syserr.ErrInvalidValue
		}
		k.kputc(rune(caller.TF.MR(1)))
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(lakeos.NullObj))
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 1))
		return nil

	default:
		return syserr.ErrUnsupportedOp
	}
}

// handleUserFault translates an EL0 exception into a fault IPC on the
// thread's fault-handler endpoint. A thread without a handler halts.
func (k *Kernel) handleUserFault(t *TCB, fault lakeos.Fault) {
	ep, ok := t.faultHandler()
	if !ok {
		k.kprintf("thread %#x faulted with no handler: %v at %#x, halting", t.Paddr(), fault.Kind, fault.Address)
		t.detach()
		t.setState(ThreadSending)
		return
	}
	ep.sendFault(k, t, fault)
}
