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
	"fmt"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

// SysError is a failed invocation: the errno from the response-info word,
// plus the affected level for the translation errors.
type SysError struct {
	Errno lakeos.Errno
	Level uint64
}

// Error implements error.
func (e *SysError) Error() string {
	if e.Errno == lakeos.EVSpaceTableMiss || e.Errno == lakeos.EVSpaceSlotOccupied {
		return fmt.Sprintf("syscall failed: %v(level=%d)", e.Errno, e.Level)
	}
	return fmt.Sprintf("syscall failed: %v", e.Errno)
}

// Errno builds the error for a bare error number.
func Errno(e lakeos.Errno) *SysError {
	return &SysError{Errno: e}
}

// call issues a syscall and converts a non-OK errno into an error.
func (rt *Runtime) call(info lakeos.MsgInfo, args [6]uint64) (lakeos.RespInfo, [6]uint64, uint64, error) {
	resp, out, badge := rt.ctx.Syscall(info, args)
	if resp.Errno != lakeos.OK {
		return resp, out, badge, &SysError{Errno: resp.Errno, Level: out[1]}
	}
	return resp, out, badge, nil
}

// CapRef names one capability slot in the thread's CSpace.
type CapRef struct {
	rt   *Runtime
	Slot uint64
}

// Cap binds a slot index to this runtime.
func (rt *Runtime) Cap(slot uint64) CapRef {
	return CapRef{rt, slot}
}

// Typed slot views.

// Untyped views slot as an untyped cap.
func (rt *Runtime) Untyped(slot uint64) UntypedRef {
	return UntypedRef{rt.Cap(slot)}
}

// Tcb views slot as a TCB cap.
func (rt *Runtime) Tcb(slot uint64) TcbRef {
	return TcbRef{rt.Cap(slot)}
}

// Ep views slot as an endpoint cap.
func (rt *Runtime) Ep(slot uint64) EpRef {
	return EpRef{rt.Cap(slot)}
}

// Ram views slot as a frame cap.
func (rt *Runtime) Ram(slot uint64) RamRef {
	return RamRef{rt.Cap(slot)}
}

// VTableAt views slot as a translation-table cap.
func (rt *Runtime) VTableAt(slot uint64) VTableRef {
	return VTableRef{rt.Cap(slot)}
}

// DebugPrint emits one rune through the kernel's diagnostic trapdoor.
func (rt *Runtime) DebugPrint(r rune) {
	rt.ctx.Syscall(lakeos.MsgInfo{Op: lakeos.SysDebugPrint, Length: 1},
		[6]uint64{lakeos.InitSlotNull, uint64(r)})
}

// DebugPrintStr emits a string rune by rune.
func (rt *Runtime) DebugPrintStr(s string) {
	for _, r := range s {
		rt.DebugPrint(r)
	}
}

// Identify reports the object type behind a slot, plus its type-specific
// payload words.
func (c CapRef) Identify() (lakeos.ObjType, [6]uint64, error) {
	_, out, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysCapIdentify}, [6]uint64{c.Slot})
	if err != nil {
		return lakeos.NullObj, out, err
	}
	return lakeos.ObjType(out[1]), out, nil
}

// UntypedRef is a typed view over an untyped cap slot.
type UntypedRef struct {
	CapRef
}

// Retype carves count objects of objType into the slot range starting at
// dstStart.
func (c UntypedRef) Retype(objType lakeos.ObjType, bitSize, dstStart, count uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{c.Slot, uint64(objType), bitSize, dstStart, count})
	return err
}

// TcbRef is a typed view over a TCB cap slot.
type TcbRef struct {
	CapRef
}

// Configure installs the thread's VSpace root, CSpace root and optional
// fault-handler endpoint.
func (c TcbRef) Configure(vspaceSlot, cspaceSlot, faultEpSlot uint64) error {
	length := 2
	if faultEpSlot != 0 {
		length = 3
	}
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysTcbConfigure, Length: length},
		[6]uint64{c.Slot, vspaceSlot, cspaceSlot, faultEpSlot})
	return err
}

// SetRegisters primes the thread's program counter and stack pointer.
func (c TcbRef) SetRegisters(setPC bool, pc uint64, setSP bool, sp uint64) error {
	var flags uint64
	if setPC {
		flags |= lakeos.TcbSetPC
	}
	if setSP {
		flags |= lakeos.TcbSetSP
	}
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysTcbSetRegisters, Length: 3},
		[6]uint64{c.Slot, flags, pc, sp})
	return err
}

// Resume places the thread on the scheduler.
func (c TcbRef) Resume() error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysTcbResume}, [6]uint64{c.Slot})
	return err
}

// EpRef is a typed view over an endpoint cap slot.
type EpRef struct {
	CapRef
}

// Message is one delivered IPC.
type Message struct {
	Type      lakeos.MsgType
	Words     []uint64
	Badge     uint64
	Badged    bool
	NeedReply bool
	CapMoved  bool
}

func messageFrom(resp lakeos.RespInfo, out [6]uint64, badge uint64) Message {
	words := make([]uint64, 0, resp.Length)
	for i := 1; i <= resp.Length && i < len(out); i++ {
		words = append(words, out[i])
	}
	return Message{
		Type:      resp.Type,
		Words:     words,
		Badge:     badge,
		Badged:    resp.Badged,
		NeedReply: resp.NeedReply,
		CapMoved:  resp.CapTransfer,
	}
}

// Send transfers up to four words, optionally with a capability named by
// capSlot (zero means none).
func (c EpRef) Send(words []uint64, capSlot uint64) error {
	args := [6]uint64{c.Slot}
	n := copy(args[1:5], words)
	info := lakeos.MsgInfo{Op: lakeos.SysEndpointSend, Length: n}
	if capSlot != 0 {
		args[5] = capSlot
		info.CapTransfer = true
	}
	_, _, _, err := c.rt.call(info, args)
	return err
}

// Recv blocks for the next delivery, accepting a transferred cap into
// recvSlot when non-zero.
func (c EpRef) Recv(recvSlot uint64) (Message, error) {
	args := [6]uint64{c.Slot}
	args[5] = recvSlot
	resp, out, badge, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, args)
	if err != nil {
		return Message{}, err
	}
	return messageFrom(resp, out, badge), nil
}

// Call sends words and blocks for the reply.
func (c EpRef) Call(words []uint64, capSlot uint64) (Message, error) {
	return c.CallRecv(words, capSlot, 0)
}

// CallRecv is Call with an explicit receive slot for a cap transferred in
// the reply. The transfer register is shared between directions: a call
// can send a cap or receive one, not both.
func (c EpRef) CallRecv(words []uint64, sendCapSlot, recvSlot uint64) (Message, error) {
	args := [6]uint64{c.Slot}
	n := copy(args[1:5], words)
	info := lakeos.MsgInfo{Op: lakeos.SysEndpointCall, Length: n}
	if sendCapSlot != 0 {
		args[5] = sendCapSlot
		info.CapTransfer = true
	} else {
		args[5] = recvSlot
	}
	resp, out, badge, err := c.rt.call(info, args)
	if err != nil {
		return Message{}, err
	}
	return messageFrom(resp, out, badge), nil
}

// Reply answers the last call received on this thread.
func (c EpRef) Reply(words []uint64) error {
	return c.ReplyWithCap(words, 0)
}

// ReplyWithCap answers the last call, transferring the cap at capSlot
// into the caller's designated receive slot.
func (c EpRef) ReplyWithCap(words []uint64, capSlot uint64) error {
	args := [6]uint64{c.Slot}
	n := copy(args[1:5], words)
	info := lakeos.MsgInfo{Op: lakeos.SysEndpointReply, Length: n}
	if capSlot != 0 {
		args[5] = capSlot
		info.CapTransfer = true
	}
	_, _, _, err := c.rt.call(info, args)
	return err
}

// ReplyRecv atomically answers the last call and blocks for the next one.
func (c EpRef) ReplyRecv(words []uint64, recvSlot uint64) (Message, error) {
	args := [6]uint64{c.Slot}
	n := copy(args[1:5], words)
	args[5] = recvSlot
	resp, out, badge, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysEndpointReplyRecv, Length: n}, args)
	if err != nil {
		return Message{}, err
	}
	return messageFrom(resp, out, badge), nil
}

// Mint copies the endpoint cap into dstSlot with a badge.
func (c EpRef) Mint(dstSlot, badge uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysEndpointMint, Length: 2},
		[6]uint64{c.Slot, dstSlot, badge})
	return err
}

// RamRef is a typed view over a frame cap slot.
type RamRef struct {
	CapRef
}

// Map installs the frame at vaddr with the given permission.
func (c RamRef) Map(vaddr uint64, perm lakeos.Permission) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysRamMap, Length: 2},
		[6]uint64{c.Slot, vaddr, perm.Encode()})
	return err
}

// Derive copies the frame cap, unmapped, into dstSlot.
func (c RamRef) Derive(dstSlot uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysDerive, Length: 1},
		[6]uint64{c.Slot, dstSlot})
	return err
}

// VTableRef is a typed view over a translation-table cap slot.
type VTableRef struct {
	CapRef
}

// Map installs the table at level (2 PUD, 3 PD, 4 PT) covering vaddr in
// the space rooted at rootSlot.
func (c VTableRef) Map(rootSlot, vaddr, level uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysVTableMap, Length: 3},
		[6]uint64{c.Slot, rootSlot, vaddr, level})
	return err
}

// CNodeRef is a typed view over a CNode cap slot.
type CNodeRef struct {
	CapRef
}

// Copy duplicates the cap at srcSlot into dstSlot.
func (c CNodeRef) Copy(srcSlot, dstSlot uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysCapCopy, Length: 2},
		[6]uint64{c.Slot, srcSlot, dstSlot})
	return err
}

// Delete revokes and clears the cap at slot.
func (c CNodeRef) Delete(slot uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysCNodeDelete, Length: 1},
		[6]uint64{c.Slot, slot})
	return err
}

// MonitorRef is a typed view over the monitor cap slot.
type MonitorRef struct {
	CapRef
}

// MintUntyped forges an untyped cap over a raw physical range into
// dstSlot.
func (c MonitorRef) MintUntyped(dstSlot, paddr, bitSize uint64, device bool) error {
	var dev uint64
	if device {
		dev = 1
	}
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysMonitorMintUntyped, Length: 4},
		[6]uint64{c.Slot, dstSlot, paddr, bitSize, dev})
	return err
}

// InsertTcbToCpu places the TCB at tcbSlot on cpu's scheduler.
func (c MonitorRef) InsertTcbToCpu(tcbSlot, cpu uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysMonitorInsertTcbToCpu, Length: 2},
		[6]uint64{c.Slot, tcbSlot, cpu})
	return err
}

// IrqRef is a typed view over the IRQ-controller cap slot.
type IrqRef struct {
	CapRef
}

// Attach routes line irq to the endpoint at epSlot.
func (c IrqRef) Attach(epSlot, irq uint64) error {
	_, _, _, err := c.rt.call(lakeos.MsgInfo{Op: lakeos.SysInterruptAttachIrq, Length: 2},
		[6]uint64{c.Slot, epSlot, irq})
	return err
}
