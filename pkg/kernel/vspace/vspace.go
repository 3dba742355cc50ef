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

// Package vspace manages the four-level translation tables backing a
// virtual address space. Tables live in physical memory; every operation
// reads and writes live descriptors, so the MMU model observes exactly
// what the kernel installed. Levels are counted from the root: PGD is 1,
// PUD 2, PD 3, PT 4; the frame slot inside a PT is reported as level 5 in
// occupancy errors.
package vspace

import (
	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/arch"
	"github.com/vincenthouyi/lakeos/pkg/machine"
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// TableEntries is the number of descriptors per table.
const TableEntries = 512

// TableSize is the byte size of one table.
const TableSize = TableEntries * 8

// TableSizeBits is log2(TableSize).
const TableSizeBits = 12

// Index extracts the table index for the given level (1-based from the
// root) out of a virtual address.
func Index(vaddr uint64, level int) uint64 {
	shift := uint(12 + 9*(4-level))
	return (vaddr >> shift) & (TableEntries - 1)
}

// ASIDOf derives the address-space id of a root table from its physical
// address, using PA bits 12..27. This binds ASIDs to VSpaces without a
// separate allocator.
func ASIDOf(rootPaddr uint64) uint64 {
	return (rootPaddr >> 12) & 0xffff
}

// RootFromASID recovers the root table's physical address from a derived
// ASID. The inversion is exact while RAM fits below 2^28, which the
// machine configuration guarantees.
func RootFromASID(asid uint64) uint64 {
	return asid << 12
}

// SlotRef names one descriptor slot: the table holding it and the entry
// index.
type SlotRef struct {
	TablePaddr uint64
	Index      uint64
}

func (s SlotRef) paddr() uint64 {
	return s.TablePaddr + s.Index*8
}

// VSpace is a view over one address space's table tree.
type VSpace struct {
	mem  *machine.PhysMem
	root uint64
}

// New returns a VSpace rooted at the PGD with the given physical address.
func New(mem *machine.PhysMem, rootPaddr uint64) *VSpace {
	return &VSpace{mem: mem, root: rootPaddr}
}

// Root returns the root table's physical address.
func (vs *VSpace) Root() uint64 {
	return vs.root
}

// ASID returns the space's derived address-space id.
func (vs *VSpace) ASID() uint64 {
	return ASIDOf(vs.root)
}

// Entry reads the descriptor in slot.
func (vs *VSpace) Entry(slot SlotRef) (Entry, error) {
	w, err := vs.mem.Uint64(slot.paddr())
	if err != nil {
		return Zero, syserr.ErrInvalidValue
	}
	return Entry(w), nil
}

func (vs *VSpace) setEntry(c *machine.CPU, slot SlotRef, e Entry) error {
	if err := vs.mem.SetUint64(slot.paddr(), uint64(e)); err != nil {
		return syserr.ErrInvalidValue
	}
	arch.DCCleanByVAPoU(c, slot.paddr())
	return nil
}

// LookupSlot descends to the slot for vaddr inside the level-`tableLevel`
// table (PGD is 1, PT is 4). A missing intermediate table fails with a
// TableMiss naming the absent level.
func (vs *VSpace) LookupSlot(vaddr uint64, tableLevel int) (SlotRef, error) {
	if tableLevel < 1 || tableLevel > 4 {
		return SlotRef{}, syserr.ErrInvalidValue
	}
	table := vs.root
	for l := 1; l < tableLevel; l++ {
		slot := SlotRef{TablePaddr: table, Index: Index(vaddr, l)}
		e, err := vs.Entry(slot)
		if err != nil {
			return SlotRef{}, err
		}
		if !e.IsValid() {
			return SlotRef{}, syserr.TableMiss(uint8(l + 1))
		}
		table = e.Paddr()
	}
	return SlotRef{TablePaddr: table, Index: Index(vaddr, tableLevel)}, nil
}

// MapEntry installs e at install-level `level` for vaddr: 2..4 install a
// next-level table into its parent slot, 5 installs a frame into the PT.
// It fails with SlotOccupied if the slot is already valid and TableMiss if
// the path has unresolved levels.
func (vs *VSpace) MapEntry(c *machine.CPU, vaddr uint64, level int, e Entry) error {
	slot, err := vs.installSlot(vaddr, level)
	if err != nil {
		return err
	}
	cur, err := vs.Entry(slot)
	if err != nil {
		return err
	}
	if cur.IsValid() {
		return syserr.SlotOccupied(uint8(level))
	}
	return vs.setEntry(c, slot, e)
}

// UnmapEntry clears the install-level `level` slot for vaddr and cleans
// the freed entry to the point of unification. TLB invalidation is the
// caller's responsibility, scoped to the space's ASID.
func (vs *VSpace) UnmapEntry(c *machine.CPU, vaddr uint64, level int) error {
	slot, err := vs.installSlot(vaddr, level)
	if err != nil {
		return err
	}
	cur, err := vs.Entry(slot)
	if err != nil {
		return err
	}
	if !cur.IsValid() {
		return syserr.ErrVSpaceCapUnmapped
	}
	return vs.setEntry(c, slot, Zero)
}

// installSlot maps the install-level numbering (PUD table=2, PD=3, PT=4,
// frame=5) onto the parent slot that receives the entry.
func (vs *VSpace) installSlot(vaddr uint64, level int) (SlotRef, error) {
	if level < 2 || level > 5 {
		return SlotRef{}, syserr.ErrInvalidValue
	}
	return vs.LookupSlot(vaddr, level-1)
}

// MapTable installs a next-level table at the given level (2 for a PUD, 3
// for a PD, 4 for a PT).
func (vs *VSpace) MapTable(c *machine.CPU, vaddr uint64, level int, tablePaddr uint64) error {
	if level < 2 || level > 4 {
		return syserr.ErrInvalidValue
	}
	return vs.MapEntry(c, vaddr, level, TableEntry(tablePaddr))
}

// MapFrame installs a 4 KiB page mapping with the policy attributes for
// perm and memory type.
func (vs *VSpace) MapFrame(c *machine.CPU, vaddr uint64, paddr uint64, perm lakeos.Permission, device bool) error {
	e, err := FramePolicy(paddr, perm, device)
	if err != nil {
		return err
	}
	return vs.MapEntry(c, vaddr, 5, e)
}

// FramePolicy applies the fixed attribute policy to a user frame mapping:
// normal memory inner-shareable write-back, device memory non-shareable
// nGnRnE, execute-never unless the permission is executable.
func FramePolicy(paddr uint64, perm lakeos.Permission, device bool) (Entry, error) {
	var ap AccessPermission
	switch {
	case perm.Readable && perm.Writable:
		ap = ReadWrite
	case perm.Readable:
		ap = ReadOnly
	case perm.Writable:
		return Zero, syserr.ErrVSpacePermission
	default:
		ap = KernelOnly
	}
	attr, sh := Normal, InnerShareable
	if device {
		attr, sh = DevicenGnRnE, NonShareable
	}
	return PageEntry(paddr, !perm.Executable, false, true, sh, ap, attr), nil
}

// KernelBlockEntry is the fixed-policy 2 MiB kernel mapping used when the
// boot CPU populates the high half.
func KernelBlockEntry(paddr uint64, device bool) Entry {
	attr := Normal
	if device {
		attr = DevicenGnRnE
	}
	return BlockEntry(paddr, true, true, true, InnerShareable, KernelOnly, attr)
}
