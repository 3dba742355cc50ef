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
	"testing"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/machine"
)

// spawnThread retypes a TCB sharing init's CSpace and VSpace, optionally
// with a fault-handler endpoint, and returns it with its slot.
func spawnThread(t *testing.T, k *Kernel, init *TCB, faultEpSlot uint64) (*TCB, uint64) {
	t.Helper()
	cspace, _ := init.CSpace()
	utSlot := findUntyped(t, cspace, 12)
	tcbSlot := allocSlots(k, 1)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Tcb), 0, tcbSlot, 1})
	mustOK(t, resp, "retype TCB")

	length := 2
	if faultEpSlot != 0 {
		length = 3
	}
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysTcbConfigure, Length: length},
		[6]uint64{tcbSlot, k.BootInfo().Header.InitVSpaceSlot, k.selfSlot, faultEpSlot})
	mustOK(t, resp, "configure TCB")

	tcb, err := k.LookupTCB(init, tcbSlot)
	if err != nil {
		t.Fatalf("LookupTCB: %v", err)
	}
	return tcb, tcbSlot
}

// newEndpoint retypes an endpoint into a fresh slot.
func newEndpoint(t *testing.T, k *Kernel, init *TCB) uint64 {
	t.Helper()
	cspace, _ := init.CSpace()
	utSlot := findUntyped(t, cspace, 10)
	epSlot := allocSlots(k, 1)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Endpoint), 0, epSlot, 1})
	mustOK(t, resp, "retype endpoint")
	return epSlot
}

func endpointOf(t *testing.T, cspace CNodeCap, slot uint64) *Endpoint {
	t.Helper()
	ep, err := cspace.SlotAt(slot).asEndpoint()
	if err != nil {
		t.Fatalf("endpoint slot: %v", err)
	}
	return ep.endpoint()
}

func TestSendRecvRoundtrip(t *testing.T) {
	k, init, cspace := bootTestKernel(t)
	epSlot := newEndpoint(t, k, init)
	e := endpointOf(t, cspace, epSlot)
	receiver, _ := spawnThread(t, k, init, 0)

	// The receiver blocks: endpoint state becomes Receiving with
	// exactly one queued TCB (property 4).
	invoke(k, receiver, lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, [6]uint64{epSlot})
	if got := e.state(); got != EpReceiving {
		t.Fatalf("endpoint state: got %v, want Receiving", got)
	}
	if receiver.State() != ThreadReceiving || !receiver.node.linked() {
		t.Fatal("receiver not parked on endpoint queue")
	}
	if e.queue.peek() != receiver {
		t.Fatal("queue head is not the receiver")
	}

	// The send completes both sides (property 6).
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointSend, Length: 2},
		[6]uint64{epSlot, 0x11, 0x22})
	mustOK(t, resp, "send")
	if init.State() != ThreadReady {
		t.Error("sender not Ready after rendezvous")
	}
	if receiver.State() != ThreadReady {
		t.Error("receiver not Ready after rendezvous")
	}
	if got := receiver.TF.MR(1); got != 0x11 {
		t.Errorf("receiver mr1: got 0x%x, want 0x11", got)
	}
	if got := receiver.TF.MR(2); got != 0x22 {
		t.Errorf("receiver mr2: got 0x%x, want 0x22", got)
	}
	rr := receiver.TF.RespInfo()
	if rr.Type != lakeos.MsgTypeMessage || rr.Length != 2 || rr.Badged {
		t.Errorf("receiver respinfo: %+v", rr)
	}
	if got := e.state(); got != EpFree {
		t.Errorf("endpoint state after rendezvous: got %v, want Free", got)
	}
}

func TestSenderBlocksUntilRecv(t *testing.T) {
	k, init, cspace := bootTestKernel(t)
	epSlot := newEndpoint(t, k, init)
	e := endpointOf(t, cspace, epSlot)
	peer, _ := spawnThread(t, k, init, 0)

	// No receiver: the sender parks (not an error).
	invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointSend, Length: 1},
		[6]uint64{epSlot, 0xab})
	if init.State() != ThreadSending || e.state() != EpSending {
		t.Fatal("sender did not park on the endpoint")
	}

	// The receive drains the parked sender.
	resp, _, _ := invoke(k, peer, lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, [6]uint64{epSlot})
	mustOK(t, resp, "recv")
	if got := peer.TF.MR(1); got != 0xab {
		t.Errorf("payload: got 0x%x, want 0xab", got)
	}
	if init.State() != ThreadReady {
		t.Error("sender not released by receive")
	}
	sr := init.TF.RespInfo()
	if sr.Errno != lakeos.OK {
		t.Errorf("sender errno: %v", sr.Errno)
	}
}

func TestCallReplyRecvEcho(t *testing.T) {
	k, init, _ := bootTestKernel(t)
	epSlot := newEndpoint(t, k, init)
	server, _ := spawnThread(t, k, init, 0)

	// Mint a badged cap for the caller.
	badged := allocSlots(k, 1)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointMint, Length: 2},
		[6]uint64{epSlot, badged, 7})
	mustOK(t, resp, "mint")

	// Server blocks first; the call rendezvouses immediately.
	invoke(k, server, lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, [6]uint64{epSlot})
	invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointCall, Length: 2},
		[6]uint64{badged, 0x11, 0x22})

	// The server woke with the payload, the badge, and a pending
	// reply.
	sr := server.TF.RespInfo()
	if !sr.NeedReply || !sr.Badged {
		t.Fatalf("server respinfo: %+v", sr)
	}
	if server.TF.Badge() != 7 {
		t.Fatalf("server badge: got %d, want 7", server.TF.Badge())
	}
	if _, ok := server.reply(); !ok {
		t.Fatal("server holds no reply cap")
	}
	if init.State() != ThreadSending {
		t.Fatal("caller not parked for reply")
	}

	// Echo back via reply-recv; the caller resumes with its payload
	// and the badge it used, the server parks for the next request.
	invoke(k, server, lakeos.MsgInfo{Op: lakeos.SysEndpointReplyRecv, Length: 2},
		[6]uint64{epSlot, 0x11, 0x22})

	if init.State() != ThreadReady {
		t.Fatal("caller not resumed by reply")
	}
	if got := init.TF.MR(1); got != 0x11 {
		t.Errorf("caller mr1: got 0x%x", got)
	}
	if got := init.TF.MR(2); got != 0x22 {
		t.Errorf("caller mr2: got 0x%x", got)
	}
	if got := init.TF.Badge(); got != 7 {
		t.Errorf("caller badge: got %d, want 7", got)
	}
	if server.State() != ThreadReceiving {
		t.Error("server not parked for the next request")
	}
	if _, ok := server.reply(); ok {
		t.Error("reply cap not consumed")
	}
}

func TestCapTransfer(t *testing.T) {
	k, init, cspace := bootTestKernel(t)
	epSlot := newEndpoint(t, k, init)
	receiver, _ := spawnThread(t, k, init, 0)

	// Something to move: a second endpoint cap.
	payloadEp := newEndpoint(t, k, init)
	recvSlot := allocSlots(k, 1)

	// The receiver designates its receive slot in the transfer
	// register.
	invoke(k, receiver, lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, [6]uint64{epSlot, 0, 0, 0, 0, recvSlot})

	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointSend, Length: 1, CapTransfer: true},
		[6]uint64{epSlot, 0x1, 0, 0, 0, payloadEp})
	mustOK(t, resp, "send with cap")

	rr := receiver.TF.RespInfo()
	if !rr.CapTransfer {
		t.Fatal("receiver saw no cap transfer")
	}
	moved := cspace.SlotAt(recvSlot)
	src := cspace.SlotAt(payloadEp)
	if moved.Type() != lakeos.Endpoint || moved.Paddr() != src.Paddr() {
		t.Fatalf("moved cap mismatch: %v", moved)
	}
	// Derivation link preserved: the copy sits right after its source.
	if src.next != moved {
		t.Error("transferred cap not linked after source")
	}
}

func TestSignalDelivery(t *testing.T) {
	k, init, cspace := bootTestKernel(t)
	m := k.Machine()
	epSlot := newEndpoint(t, k, init)
	receiver, _ := spawnThread(t, k, init, 0)

	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysInterruptAttachIrq, Length: 2},
		[6]uint64{lakeos.InitSlotIrqController, epSlot, 29})
	mustOK(t, resp, "attach irq")

	// Blocking on the attached endpoint unmasks the line.
	invoke(k, receiver, lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, [6]uint64{epSlot})
	if !m.Intc.Enabled(29) {
		t.Fatal("line 29 not unmasked by receive")
	}

	// Fire the line and take the interrupt.
	m.Intc.Raise(29)
	k.HandleTrap(0, Trap{IRQ: true})

	rr := receiver.TF.RespInfo()
	if rr.Type != lakeos.MsgTypeNotification {
		t.Fatalf("receiver got %v, want Notification", rr.Type)
	}
	if got := receiver.TF.MR(1); got&(1<<29) == 0 {
		t.Errorf("notification payload 0x%x missing bit 29", got)
	}
	if m.Intc.Enabled(29) {
		t.Error("line 29 not masked after delivery")
	}
	if got := endpointOf(t, cspace, epSlot).signal; got != 0 {
		t.Errorf("signal word not cleared: 0x%x", got)
	}
}

func TestSignalLatchedWithoutReceiver(t *testing.T) {
	k, init, cspace := bootTestKernel(t)
	epSlot := newEndpoint(t, k, init)
	e := endpointOf(t, cspace, epSlot)

	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysInterruptAttachIrq, Length: 2},
		[6]uint64{lakeos.InitSlotIrqController, epSlot, 3})
	mustOK(t, resp, "attach irq")

	m := k.Machine()
	m.Intc.Enable(3)
	m.Intc.Raise(3)
	k.HandleTrap(0, Trap{IRQ: true})

	if e.state() != EpSignalPending || e.signal&(1<<3) == 0 {
		t.Fatalf("signal not latched: state %v signal 0x%x", e.state(), e.signal)
	}

	// A later receive completes immediately with the latched bits.
	resp, out, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, [6]uint64{epSlot})
	if resp.Type != lakeos.MsgTypeNotification {
		t.Fatalf("got %v, want Notification", resp.Type)
	}
	if out[1]&(1<<3) == 0 {
		t.Errorf("payload 0x%x missing bit 3", out[1])
	}
	if e.signal != 0 {
		t.Error("signal word not cleared by receive")
	}
}

func TestFaultIPC(t *testing.T) {
	k, init, _ := bootTestKernel(t)
	faultEp := newEndpoint(t, k, init)
	faulter, _ := spawnThread(t, k, init, faultEp)

	// The handler (init) parks in receive first.
	invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointRecv}, [6]uint64{faultEp})

	fault := lakeos.Fault{Access: lakeos.FaultData, Address: 0xdead000, Level: 4, Kind: lakeos.FaultTranslation}
	k.mu.Lock()
	k.curCPU = 0
	k.handleUserFault(faulter, fault)
	k.mu.Unlock()

	rr := init.TF.RespInfo()
	if rr.Type != lakeos.MsgTypeFault || !rr.NeedReply {
		t.Fatalf("handler respinfo: %+v", rr)
	}
	var buf [lakeos.FaultMsgLen]uint64
	for i := range buf {
		buf[i] = init.TF.MR(i + 1)
	}
	got := lakeos.DecodeFault(buf)
	if got != fault {
		t.Fatalf("fault decode: got %+v, want %+v", got, fault)
	}
	if faulter.State() != ThreadSending || faulter.node.linked() {
		t.Fatal("faulter not parked")
	}

	// Replying resumes the faulter.
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysEndpointReply}, [6]uint64{faultEp})
	mustOK(t, resp, "fault reply")
	if faulter.State() != ThreadReady || faulter.pendingFault != nil {
		t.Fatal("faulter not resumed by reply")
	}
}

func TestUnmapFaultsAfterDelete(t *testing.T) {
	k, init, _ := bootTestKernel(t)
	m := k.Machine()
	cspace, _ := init.CSpace()

	utSlot := findUntyped(t, cspace, 14)
	ramSlot := allocSlots(k, 1)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Ram), 12, ramSlot, 1})
	mustOK(t, resp, "retype ram")

	// Next page over from the boot-info frame, whose tables exist.
	const vaddr = lakeos.BootInfoVaddr + lakeos.FrameSize
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRamMap, Length: 2},
		[6]uint64{ramSlot, vaddr, lakeos.ReadWrite.Encode()})
	mustOK(t, resp, "ram map")

	// Run as init so its ASID is live, then touch the page.
	k.Schedule(0)
	cpu := m.CPU(0)
	if fault := cpu.StoreUser64(vaddr, 0x1234); fault != nil {
		t.Fatalf("store after map faulted: %v", fault)
	}
	if v, fault := cpu.LoadUser64(vaddr); fault != nil || v != 0x1234 {
		t.Fatalf("load after store: v=0x%x fault=%v", v, fault)
	}

	// Deleting the mapped cap unmaps and invalidates the TLB; the next
	// access takes a level-4 translation fault.
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysCNodeDelete, Length: 1},
		[6]uint64{k.selfSlot, ramSlot})
	mustOK(t, resp, "delete mapped ram")

	fault := cpu.StoreUser64(vaddr, 0x5678)
	if fault == nil {
		t.Fatal("store after unmap did not fault")
	}
	if fault.Kind != machine.MMUFaultTranslation || fault.Level != 4 {
		t.Fatalf("fault: %+v, want level-4 translation", fault)
	}
}
