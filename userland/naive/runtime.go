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

// Package naive is the user-level runtime: it mirrors the thread's
// capability namespace and address space, allocates CSpace slots and
// virtual memory, and wraps the syscall ABI in typed capability
// references. Servers are built directly on it.
package naive

import (
	"encoding/binary"
	"fmt"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/platform"
)

// Runtime is one thread's userland state.
type Runtime struct {
	ctx *platform.Context

	// BootInfo is the decoded boot-info frame; only the init thread
	// has one, children inherit what their parent passes along.
	BootInfo    lakeos.BootInfoHeader
	BootEntries []lakeos.BootInfoEntry

	slots *SlotAllocator
	vmem  *VMAllocator

	// Root views of the thread's own spaces.
	CSpace  CNodeRef
	Monitor MonitorRef
	Irq     IrqRef

	untypeds []UntypedRef
}

// NewRuntime builds the init thread's runtime by decoding the boot-info
// frame the kernel mapped for it.
func NewRuntime(ctx *platform.Context) (*Runtime, error) {
	rt := &Runtime{ctx: ctx}

	raw := make([]byte, lakeos.FrameSize)
	ctx.LoadBytes(lakeos.BootInfoVaddr, raw)
	hdr, entries, err := lakeos.DecodeBootInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding boot info: %w", err)
	}
	rt.BootInfo = hdr
	rt.BootEntries = entries
	rt.slots = NewSlotAllocator(hdr.FirstFreeSlot, lakeos.InitCSpaceSize)
	rt.vmem = NewVMAllocator(userHeapBase, userHeapTop)

	rt.CSpace = CNodeRef{CapRef{rt, hdr.InitCSpaceSlot}}
	rt.Monitor = MonitorRef{CapRef{rt, lakeos.InitSlotMonitor}}
	rt.Irq = IrqRef{CapRef{rt, lakeos.InitSlotIrqController}}

	// Harvest the carved untypeds by identifying slots until the types
	// stop being untyped.
	for i := uint64(lakeos.InitSlotUntypedStart); ; i++ {
		c := CapRef{rt, i}
		t, _, err := c.Identify()
		if err != nil || t != lakeos.Untyped {
			break
		}
		rt.untypeds = append(rt.untypeds, UntypedRef{c})
	}
	return rt, nil
}

// NewChildRuntime builds a runtime for a spawned thread that shares the
// init CSpace. Slot and heap ranges are partitioned by the parent.
func NewChildRuntime(ctx *platform.Context, parent *Runtime, slotLo, slotHi, heapLo, heapHi uint64) *Runtime {
	rt := &Runtime{
		ctx:      ctx,
		BootInfo: parent.BootInfo,
		slots:    NewSlotAllocator(slotLo, slotHi),
		vmem:     NewVMAllocator(heapLo, heapHi),
		untypeds: parent.untypeds,
	}
	rt.CSpace = CNodeRef{CapRef{rt, parent.CSpace.Slot}}
	rt.Monitor = MonitorRef{CapRef{rt, lakeos.InitSlotMonitor}}
	rt.Irq = IrqRef{CapRef{rt, lakeos.InitSlotIrqController}}
	// Shared-CSpace children must not race the parent's untyped
	// bookkeeping; each ref re-binds to this runtime.
	for i := range rt.untypeds {
		rt.untypeds[i] = UntypedRef{CapRef{rt, parent.untypeds[i].Slot}}
	}
	return rt
}

// User heap layout for runtime allocations.
const (
	userHeapBase = 0x2000_0000
	userHeapTop  = 0x3000_0000
)

// Context returns the raw execution context.
func (rt *Runtime) Context() *platform.Context {
	return rt.ctx
}

// LimitSlots caps the slot allocator's frontier, reserving [limit, ...)
// for ranges handed to other threads.
func (rt *Runtime) LimitSlots(limit uint64) {
	if limit < rt.slots.limit {
		rt.slots.limit = limit
	}
}

// AllocSlot claims a free CSpace index.
func (rt *Runtime) AllocSlot() (uint64, error) {
	return rt.slots.Alloc()
}

// FreeSlot returns an index to the allocator.
func (rt *Runtime) FreeSlot(slot uint64) {
	rt.slots.Free(slot)
}

// AllocObject retypes one object of the given type out of the first
// untyped that still fits it, returning the new cap's slot.
func (rt *Runtime) AllocObject(objType lakeos.ObjType, bitSize uint64) (uint64, error) {
	slot, err := rt.AllocSlot()
	if err != nil {
		return 0, err
	}
	for _, ut := range rt.untypeds {
		if err := ut.Retype(objType, bitSize, slot, 1); err == nil {
			return slot, nil
		}
	}
	rt.FreeSlot(slot)
	return 0, Errno(lakeos.ESizeTooSmall)
}

// AllocRamAt maps a fresh writable frame at vaddr (zero picks a heap
// address), returning the chosen address and the frame cap slot.
func (rt *Runtime) AllocRamAt(vaddr uint64) (uint64, uint64, error) {
	slot, err := rt.AllocObject(lakeos.Ram, lakeos.FrameBits)
	if err != nil {
		return 0, 0, err
	}
	if vaddr == 0 {
		vaddr, err = rt.vmem.Alloc(lakeos.FrameSize)
		if err != nil {
			return 0, 0, err
		}
	}
	ram := RamRef{CapRef{rt, slot}}
	if err := rt.mapWithTables(ram, vaddr, lakeos.ReadWrite); err != nil {
		return 0, 0, err
	}
	return vaddr, slot, nil
}

// mapWithTables installs a frame, allocating intermediate tables on
// translation misses the way the kernel reports them.
func (rt *Runtime) mapWithTables(ram RamRef, vaddr uint64, perm lakeos.Permission) error {
	for {
		err := ram.Map(vaddr, perm)
		if err == nil {
			return nil
		}
		se, ok := err.(*SysError)
		if !ok || se.Errno != lakeos.EVSpaceTableMiss {
			return err
		}
		tslot, terr := rt.AllocObject(lakeos.VTable, 12)
		if terr != nil {
			return terr
		}
		vt := VTableRef{CapRef{rt, tslot}}
		if err := vt.Map(rt.BootInfo.InitVSpaceSlot, vaddr, se.Level); err != nil {
			return err
		}
	}
}

// MapDevice maps a granted device frame cap at a fresh heap address.
func (rt *Runtime) MapDevice(ramSlot uint64) (uint64, error) {
	vaddr, err := rt.vmem.Alloc(lakeos.FrameSize)
	if err != nil {
		return 0, err
	}
	if err := rt.mapWithTables(RamRef{rt.Cap(ramSlot)}, vaddr, lakeos.ReadWrite); err != nil {
		return 0, err
	}
	return vaddr, nil
}

// ReadU8 loads one byte of user memory; device registers are accessed
// byte-wide.
func (rt *Runtime) ReadU8(vaddr uint64) byte {
	var b [1]byte
	rt.ctx.LoadBytes(vaddr, b[:])
	return b[0]
}

// WriteU8 stores one byte of user memory.
func (rt *Runtime) WriteU8(vaddr uint64, v byte) {
	rt.ctx.StoreBytes(vaddr, []byte{v})
}

// ReadBytes copies user memory at vaddr into a fresh buffer.
func (rt *Runtime) ReadBytes(vaddr uint64, n int) []byte {
	buf := make([]byte, n)
	rt.ctx.LoadBytes(vaddr, buf)
	return buf
}

// WriteBytes copies buf into user memory at vaddr.
func (rt *Runtime) WriteBytes(vaddr uint64, buf []byte) {
	rt.ctx.StoreBytes(vaddr, buf)
}

// ReadU64 loads one word of user memory.
func (rt *Runtime) ReadU64(vaddr uint64) uint64 {
	var b [8]byte
	rt.ctx.LoadBytes(vaddr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// WriteU64 stores one word of user memory.
func (rt *Runtime) WriteU64(vaddr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	rt.ctx.StoreBytes(vaddr, b[:])
}
