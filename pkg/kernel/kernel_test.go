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
	"github.com/vincenthouyi/lakeos/pkg/arch"
	"github.com/vincenthouyi/lakeos/pkg/bootimage"
	"github.com/vincenthouyi/lakeos/pkg/initramfs"
	"github.com/vincenthouyi/lakeos/pkg/machine"
)

// bootTestKernel brings up a kernel on a small machine with a stub boot
// image and returns it with the init TCB and its CSpace.
func bootTestKernel(t *testing.T) (*Kernel, *TCB, CNodeCap) {
	t.Helper()
	cfg := machine.Config{RAMSize: 64 << 20, NumCPUs: 2, TickMicros: 1000, UARTBaud: 115200}
	m, err := machine.New(cfg)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	members, order := bootimage.DefaultMembers()
	raw, err := initramfs.Build(members, order)
	if err != nil {
		t.Fatalf("initramfs.Build: %v", err)
	}
	img, err := initramfs.FromBytes(raw)
	if err != nil {
		t.Fatalf("initramfs.FromBytes: %v", err)
	}
	k := New(m, cfg.TickMicros)
	if err := k.Boot(BootParams{Initramfs: img}); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	init := k.BootInfo().InitTCB
	cspace, err := init.CSpace()
	if err != nil {
		t.Fatalf("init CSpace: %v", err)
	}
	return k, init, cspace
}

// invoke runs one syscall on behalf of tcb, returning the decoded
// response.
func invoke(k *Kernel, tcb *TCB, info lakeos.MsgInfo, args [6]uint64) (lakeos.RespInfo, [6]uint64, uint64) {
	for i, a := range args {
		tcb.TF.SetMR(i, a)
	}
	tcb.TF.XRegs[arch.MsgInfoReg] = info.Encode()
	k.mu.Lock()
	k.curCPU = 0
	k.handleSyscall(tcb)
	k.mu.Unlock()

	var out [6]uint64
	for i := range out {
		out[i] = tcb.TF.MR(i)
	}
	return tcb.TF.RespInfo(), out, tcb.TF.Badge()
}

func mustOK(t *testing.T, resp lakeos.RespInfo, what string) {
	t.Helper()
	if resp.Errno != lakeos.OK {
		t.Fatalf("%s: errno %v", what, resp.Errno)
	}
}

// findUntyped returns the index of an init untyped of at least minBits.
func findUntyped(t *testing.T, cspace CNodeCap, minBits uint64) uint64 {
	t.Helper()
	for i := uint64(lakeos.InitSlotUntypedStart); i < cspace.Size(); i++ {
		ut, err := cspace.SlotAt(i).asUntyped()
		if err != nil {
			break
		}
		if ut.BitSize() >= minBits && ut.FreeOffset() == 0 {
			return i
		}
	}
	t.Fatal("no free untyped large enough")
	return 0
}

func TestBootInitCSpaceLayout(t *testing.T) {
	_, _, cspace := bootTestKernel(t)

	if got := cspace.SlotAt(lakeos.InitSlotNull).Type(); got != lakeos.NullObj {
		t.Errorf("slot 0: got %v, want Null", got)
	}
	if got := cspace.SlotAt(lakeos.InitSlotMonitor).Type(); got != lakeos.Monitor {
		t.Errorf("slot 1: got %v, want Monitor", got)
	}
	if got := cspace.SlotAt(lakeos.InitSlotIrqController).Type(); got != lakeos.Interrupt {
		t.Errorf("slot 2: got %v, want Interrupt", got)
	}

	// Untypeds run from slot 3 in descending address order.
	var prev uint64
	first := true
	count := 0
	for i := uint64(lakeos.InitSlotUntypedStart); ; i++ {
		ut, err := cspace.SlotAt(i).asUntyped()
		if err != nil {
			break
		}
		count++
		if !first && ut.Paddr() > prev {
			t.Errorf("untyped at slot %d out of order: 0x%x after 0x%x", i, ut.Paddr(), prev)
		}
		prev = ut.Paddr()
		first = false
		if ut.Paddr()%ut.Size() != 0 {
			t.Errorf("untyped at slot %d not naturally aligned: 0x%x size 0x%x", i, ut.Paddr(), ut.Size())
		}
	}
	if count == 0 {
		t.Fatal("no untypeds carved")
	}
}

func TestTCBBaseRecovery(t *testing.T) {
	k, init, _ := bootTestKernel(t)

	// A pointer anywhere into the TCB recovers the object.
	for _, off := range []uint64{0, 8, lakeos.TcbObjSize - 1} {
		if got := k.TCBFromKernelSP(init.Paddr() + off); got != init {
			t.Errorf("TCBFromKernelSP(base+%d) = %p, want %p", off, got, init)
		}
	}
}

func TestSlotTypeConsistency(t *testing.T) {
	_, _, cspace := bootTestKernel(t)

	// Typed views reject mismatched tags (no aliasing between types).
	mon := cspace.SlotAt(lakeos.InitSlotMonitor)
	if _, err := mon.asUntyped(); err == nil {
		t.Error("monitor slot viewed as untyped")
	}
	if _, err := mon.asEndpoint(); err == nil {
		t.Error("monitor slot viewed as endpoint")
	}
	ut := cspace.SlotAt(lakeos.InitSlotUntypedStart)
	if _, err := ut.asTcb(); err == nil {
		t.Error("untyped slot viewed as TCB")
	}
}

func TestDebugPrintTrapdoor(t *testing.T) {
	k, init, _ := bootTestKernel(t)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysDebugPrint, Length: 1},
		[6]uint64{lakeos.InitSlotNull, 'A'})
	mustOK(t, resp, "DebugPrint")
}
