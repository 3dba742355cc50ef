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
)

// childUntyped carves a fresh sub-untyped of the given size so tests get
// exact accounting.
func childUntyped(t *testing.T, k *Kernel, init *TCB, cspace CNodeCap, bits uint64) (UntypedCap, uint64) {
	t.Helper()
	parent := findUntyped(t, cspace, bits)
	dst := k.nextFreeSlot
	k.nextFreeSlot++
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{parent, uint64(lakeos.Untyped), bits, dst, 1})
	mustOK(t, resp, "retype child untyped")
	ut, err := cspace.SlotAt(dst).asUntyped()
	if err != nil {
		t.Fatalf("child untyped: %v", err)
	}
	return ut, dst
}

func allocSlots(k *Kernel, n uint64) uint64 {
	start := k.nextFreeSlot
	k.nextFreeSlot += n
	return start
}

func TestRetypeAccounting(t *testing.T) {
	k, init, cspace := bootTestKernel(t)

	// A 2^12 untyped holds exactly four 2^10 TCBs.
	ut, utSlot := childUntyped(t, k, init, cspace, 12)

	for i := 0; i < 3; i++ {
		dst := allocSlots(k, 1)
		resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
			[6]uint64{utSlot, uint64(lakeos.Tcb), 0, dst, 1})
		mustOK(t, resp, "retype TCB")
	}
	if got := ut.FreeOffset(); got != 3<<lakeos.TcbObjBits {
		t.Fatalf("free offset after 3 TCBs: got 0x%x, want 0x%x", got, 3<<lakeos.TcbObjBits)
	}

	// The fourth fits exactly.
	fourth := allocSlots(k, 1)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Tcb), 0, fourth, 1})
	mustOK(t, resp, "fourth TCB")

	// The fifth does not.
	fifth := allocSlots(k, 1)
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Tcb), 0, fifth, 1})
	if resp.Errno != lakeos.EInvalidValue {
		t.Fatalf("fifth TCB: got %v, want InvalidValue", resp.Errno)
	}

	// Deleting descendants never merges space back.
	before := ut.FreeOffset()
	for _, victim := range []uint64{fourth - 2, fourth - 1} {
		resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysCNodeDelete, Length: 1},
			[6]uint64{k.selfSlot, victim})
		mustOK(t, resp, "delete TCB cap")
	}
	if got := ut.FreeOffset(); got != before {
		t.Fatalf("free offset changed by delete: 0x%x -> 0x%x", before, got)
	}
}

func TestRetypeContainment(t *testing.T) {
	k, init, cspace := bootTestKernel(t)
	ut, utSlot := childUntyped(t, k, init, cspace, 16)

	start := allocSlots(k, 4)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Endpoint), 0, start, 4})
	mustOK(t, resp, "retype endpoints")

	var total uint64
	for s := ut.next; s != nil && s.isDescendantOf(ut.Slot); s = s.next {
		if s.Paddr() < ut.Paddr() || s.Paddr() >= ut.Paddr()+ut.Size() {
			t.Errorf("descendant at 0x%x outside untyped [0x%x, 0x%x)", s.Paddr(), ut.Paddr(), ut.Paddr()+ut.Size())
		}
		total += 1 << lakeos.EndpointObjBits
	}
	if total > ut.Size() {
		t.Errorf("descendants total 0x%x exceeds untyped size 0x%x", total, ut.Size())
	}
	if got, want := ut.FreeOffset(), uint64(4)<<lakeos.EndpointObjBits; got != want {
		t.Errorf("free offset: got 0x%x, want 0x%x", got, want)
	}
}

func TestRetypeOccupiedDestination(t *testing.T) {
	k, init, cspace := bootTestKernel(t)
	_, utSlot := childUntyped(t, k, init, cspace, 14)

	dst := allocSlots(k, 2)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Endpoint), 0, dst, 1})
	mustOK(t, resp, "first retype")

	// A range overlapping the occupied slot fails whole.
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{utSlot, uint64(lakeos.Endpoint), 0, dst, 2})
	if resp.Errno != lakeos.ESlotNotEmpty {
		t.Fatalf("occupied destination: got %v, want SlotNotEmpty", resp.Errno)
	}
}

func TestDeviceUntypedRules(t *testing.T) {
	k, init, cspace := bootTestKernel(t)

	// Forge a device untyped over the UART page via the monitor.
	dst := allocSlots(k, 1)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysMonitorMintUntyped, Length: 4},
		[6]uint64{lakeos.InitSlotMonitor, dst, 0x3f215000, 12, 1})
	mustOK(t, resp, "mint device untyped")

	// Device untypeds refuse every type but Ram.
	tcbDst := allocSlots(k, 1)
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{dst, uint64(lakeos.Tcb), 0, tcbDst, 1})
	if resp.Errno != lakeos.EInvalidValue {
		t.Fatalf("device->TCB: got %v, want InvalidValue", resp.Errno)
	}

	ramDst := allocSlots(k, 1)
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysRetype, Length: 4},
		[6]uint64{dst, uint64(lakeos.Ram), 12, ramDst, 1})
	mustOK(t, resp, "device->Ram")
	ram, err := cspace.SlotAt(ramDst).asRam()
	if err != nil {
		t.Fatalf("device ram: %v", err)
	}
	if !ram.IsDevice() {
		t.Error("device provenance not propagated to Ram descendant")
	}
}
