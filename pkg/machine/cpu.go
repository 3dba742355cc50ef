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

package machine

import (
	"fmt"
)

// Translation-table descriptor bits (VMSAv8-64, 4 KiB granule).
const (
	DescValid = 1 << 0
	DescTable = 1 << 1 // at non-leaf levels; at the last level, marks a page

	DescAttrIdxShift = 2
	DescAttrIdxMask  = 0x7

	DescAPShift = 6
	DescAPMask  = 0x3

	DescSHShift = 8
	DescSHMask  = 0x3

	DescAF = 1 << 10
	DescNG = 1 << 11

	DescUXN = 1 << 54

	// DescAddrMask extracts the output address from a descriptor.
	DescAddrMask = (uint64(1)<<48 - 1) &^ (FrameSize - 1)
)

// Access permission field values (AP[2:1]).
const (
	APKernelOnly = 0b00
	APReadWrite  = 0b01
	APKernelRead = 0b10
	APReadOnly   = 0b11
)

// SCTLR bits.
const (
	SCTLRMmuEnable = 1 << 0
)

// TTBR ASID placement.
const (
	TTBRASIDShift = 48
	TTBRAddrMask  = uint64(1)<<TTBRASIDShift - 1
)

// KernelVABase is the lowest high-half virtual address; translations at or
// above it walk TTBR1.
const KernelVABase = 0xffff_0000_0000_0000

// Access describes one user memory access for translation purposes.
type Access struct {
	Write bool
	Exec  bool
}

// MMUFaultKind classifies a failed translation.
type MMUFaultKind uint8

const (
	MMUFaultTranslation MMUFaultKind = iota
	MMUFaultPermission
	MMUFaultAddressSize
)

// MMUFault is the fault a user access takes when translation fails. Level
// counts translation levels from the root: 1 is the PGD, 4 the final table.
type MMUFault struct {
	Addr   uint64
	Level  uint8
	Kind   MMUFaultKind
	Access Access
}

// Error implements error.
func (f *MMUFault) Error() string {
	kind := "translation"
	switch f.Kind {
	case MMUFaultPermission:
		kind = "permission"
	case MMUFaultAddressSize:
		kind = "address size"
	}
	return fmt.Sprintf("%s fault at va 0x%x level %d", kind, f.Addr, f.Level)
}

type tlbEntry struct {
	paddrPage uint64
	writable  bool
	execable  bool
}

// CPU models one core: the EL1 system registers the kernel programs, and a
// TLB that caches completed walks. The TLB is deliberately not transparent:
// a mapping removed from the tables stays visible until the kernel issues
// the matching invalidation, exactly as on hardware.
type CPU struct {
	id  int
	mem *PhysMem

	// EL1 system registers.
	MAIR  uint64
	TCR   uint64
	TTBR0 uint64
	TTBR1 uint64
	SCTLR uint64
	ELR   uint64
	ESR   uint64
	FAR   uint64
	SPSR  uint64

	// TPIDRRO is the read-only thread id register the kernel uses to
	// publish the CPU id to userland.
	TPIDRRO uint64

	// tlb maps asid<<48|page to a cached leaf translation for non-global
	// entries; globalTLB caches nG=0 entries for all ASIDs.
	tlb       map[uint64]tlbEntry
	globalTLB map[uint64]tlbEntry
}

func newCPU(id int, mem *PhysMem) *CPU {
	return &CPU{
		id:        id,
		mem:       mem,
		tlb:       make(map[uint64]tlbEntry),
		globalTLB: make(map[uint64]tlbEntry),
	}
}

// ID returns the affinity id of the core.
func (c *CPU) ID() int {
	return c.id
}

// MPIDR returns the multiprocessor affinity register value.
func (c *CPU) MPIDR() uint64 {
	return uint64(c.id)
}

// MMUEnabled reports whether stage-1 translation is on.
func (c *CPU) MMUEnabled() bool {
	return c.SCTLR&SCTLRMmuEnable != 0
}

// ASID returns the current address-space id programmed in TTBR0.
func (c *CPU) ASID() uint64 {
	return c.TTBR0 >> TTBRASIDShift
}

// TLBInvalidateAll drops every cached translation on this core.
func (c *CPU) TLBInvalidateAll() {
	c.tlb = make(map[uint64]tlbEntry)
	c.globalTLB = make(map[uint64]tlbEntry)
}

// TLBInvalidateASID drops the cached translations tagged with asid.
func (c *CPU) TLBInvalidateASID(asid uint64) {
	for k := range c.tlb {
		if k>>TTBRASIDShift == asid {
			delete(c.tlb, k)
		}
	}
}

func (c *CPU) tlbKey(vaddr uint64) uint64 {
	return c.ASID()<<TTBRASIDShift | vaddr&^uint64(FrameSize-1)
}

// Translate resolves a user (EL0) virtual address against the live
// translation tables, honoring the TLB. On success the physical address is
// returned and the leaf translation is cached.
func (c *CPU) Translate(vaddr uint64, acc Access) (uint64, *MMUFault) {
	if !c.MMUEnabled() {
		return vaddr, nil
	}
	off := vaddr & (FrameSize - 1)
	page := vaddr &^ uint64(FrameSize-1)
	if e, ok := c.tlb[c.tlbKey(vaddr)]; ok {
		if f := checkPerms(e, vaddr, acc); f != nil {
			return 0, f
		}
		return e.paddrPage | off, nil
	}
	if e, ok := c.globalTLB[page]; ok {
		if f := checkPerms(e, vaddr, acc); f != nil {
			return 0, f
		}
		return e.paddrPage | off, nil
	}

	e, global, fault := c.walk(vaddr, acc)
	if fault != nil {
		return 0, fault
	}
	if global {
		c.globalTLB[page] = e
	} else {
		c.tlb[c.tlbKey(vaddr)] = e
	}
	return e.paddrPage | off, nil
}

func checkPerms(e tlbEntry, vaddr uint64, acc Access) *MMUFault {
	if acc.Write && !e.writable {
		return &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultPermission, Access: acc}
	}
	if acc.Exec && !e.execable {
		return &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultPermission, Access: acc}
	}
	return nil
}

// walk performs the four-level table walk. It returns the leaf entry and
// whether it is global (nG clear).
func (c *CPU) walk(vaddr uint64, acc Access) (tlbEntry, bool, *MMUFault) {
	if vaddr>>48 != 0 && vaddr < KernelVABase {
		return tlbEntry{}, false, &MMUFault{Addr: vaddr, Level: 1, Kind: MMUFaultAddressSize, Access: acc}
	}
	root := c.TTBR0 & TTBRAddrMask
	if vaddr >= KernelVABase {
		root = c.TTBR1 & TTBRAddrMask
	}

	table := root
	for level := 1; level <= 4; level++ {
		shift := uint(12 + 9*(4-level))
		idx := (vaddr >> shift) & 0x1ff
		desc, err := c.mem.Uint64(table + idx*8)
		if err != nil {
			return tlbEntry{}, false, &MMUFault{Addr: vaddr, Level: uint8(level), Kind: MMUFaultAddressSize, Access: acc}
		}
		if desc&DescValid == 0 {
			return tlbEntry{}, false, &MMUFault{Addr: vaddr, Level: uint8(level), Kind: MMUFaultTranslation, Access: acc}
		}
		isTable := desc&DescTable != 0
		if level < 4 && isTable {
			table = desc & DescAddrMask
			continue
		}
		if level == 4 && !isTable {
			// Level-3 descriptors with bits[1:0]=01 are reserved.
			return tlbEntry{}, false, &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultTranslation, Access: acc}
		}
		// A leaf: a block at level 2 or 3, or a page at level 4.
		blockSize := uint64(1) << shift
		base := desc & DescAddrMask &^ (blockSize - 1)
		ap := (desc >> DescAPShift) & DescAPMask
		if ap == APKernelOnly || ap == APKernelRead {
			return tlbEntry{}, false, &MMUFault{Addr: vaddr, Level: uint8(level), Kind: MMUFaultPermission, Access: acc}
		}
		e := tlbEntry{
			paddrPage: base | (vaddr &^ uint64(FrameSize-1) & (blockSize - 1)),
			writable:  ap == APReadWrite,
			execable:  desc&DescUXN == 0,
		}
		if f := checkPerms(e, vaddr, acc); f != nil {
			return tlbEntry{}, false, f
		}
		return e, desc&DescNG == 0, nil
	}
	return tlbEntry{}, false, &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultTranslation, Access: acc}
}

// LoadUser performs a user-mode byte load through the MMU.
func (c *CPU) LoadUser(vaddr uint64) (byte, *MMUFault) {
	paddr, fault := c.Translate(vaddr, Access{})
	if fault != nil {
		return 0, fault
	}
	b, err := c.mem.Byte(paddr)
	if err != nil {
		return 0, &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultAddressSize}
	}
	return b, nil
}

// StoreUser performs a user-mode byte store through the MMU.
func (c *CPU) StoreUser(vaddr uint64, v byte) *MMUFault {
	paddr, fault := c.Translate(vaddr, Access{Write: true})
	if fault != nil {
		return fault
	}
	if err := c.mem.SetByte(paddr, v); err != nil {
		return &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultAddressSize, Access: Access{Write: true}}
	}
	return nil
}

// LoadUser64 performs a user-mode word load through the MMU. The access
// must not straddle a page boundary.
func (c *CPU) LoadUser64(vaddr uint64) (uint64, *MMUFault) {
	if vaddr%8 != 0 {
		return 0, &MMUFault{Addr: vaddr, Level: 0, Kind: MMUFaultAddressSize}
	}
	paddr, fault := c.Translate(vaddr, Access{})
	if fault != nil {
		return 0, fault
	}
	v, err := c.mem.Uint64(paddr)
	if err != nil {
		return 0, &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultAddressSize}
	}
	return v, nil
}

// StoreUser64 performs a user-mode word store through the MMU.
func (c *CPU) StoreUser64(vaddr uint64, v uint64) *MMUFault {
	if vaddr%8 != 0 {
		return &MMUFault{Addr: vaddr, Level: 0, Kind: MMUFaultAddressSize, Access: Access{Write: true}}
	}
	paddr, fault := c.Translate(vaddr, Access{Write: true})
	if fault != nil {
		return fault
	}
	if err := c.mem.SetUint64(paddr, v); err != nil {
		return &MMUFault{Addr: vaddr, Level: 4, Kind: MMUFaultAddressSize, Access: Access{Write: true}}
	}
	return nil
}
