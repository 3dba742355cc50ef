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
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"math/bits"
	"sort"

	"github.com/google/btree"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/arch"
	"github.com/vincenthouyi/lakeos/pkg/initramfs"
	"github.com/vincenthouyi/lakeos/pkg/kernel/vspace"
	"github.com/vincenthouyi/lakeos/pkg/machine"
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// Fixed physical placement of the statically allocated kernel objects, in
// the low RAM excluded from the init CSpace carve.
const (
	kernelPGDPaddr = 0x10000
	kernelPUDPaddr = 0x11000
	kernelPDPaddr  = 0x12000
)

// KernelVABase is the virtual base of the high-half kernel image.
const KernelVABase = machine.KernelVABase

// BootInfo is the kernel's record of what it told the init thread.
type BootInfo struct {
	Header  lakeos.BootInfoHeader
	Entries []lakeos.BootInfoEntry

	// InitTCB is the first user thread.
	InitTCB *TCB
}

// BootParams configures the boot sequence.
type BootParams struct {
	// Initramfs is the parsed boot archive.
	Initramfs *initramfs.Image

	// InitMember names the first user ELF inside the archive.
	InitMember string
}

type memRegion struct {
	base uint64
	size uint64
}

// Boot runs the boot-CPU sequence: kernel mappings, MMU enable, trap
// vectors, UART, the init CSpace carve, the init-thread ELF load, the
// boot-info frame, and the release of the secondary CPUs. The init TCB
// ends up on CPU 0's ready queue; the caller starts the CPU loops.
func (k *Kernel) Boot(params BootParams) error {
	if params.InitMember == "" {
		params.InitMember = initramfs.InitThreadMember
	}
	bsp := k.machine.CPU(0)

	k.buildKernelVSpace(bsp)
	arch.EnableMMU(bsp, kernelPGDPaddr)
	k.machine.UART.StoreReg(machine.UARTRegBaud, 115200)
	k.kprintf("PRAISE THE SUN!")

	// Stage the initramfs into RAM after the kernel image so the carve
	// and the boot-info frame can name it.
	kernelELF, ok := params.Initramfs.File(initramfs.KernelMember)
	if !ok {
		kernelELF = nil
	}
	kernelTop := alignUp(machine.PhysBase+uint64(len(kernelELF)), machine.FrameSize)
	ramfsBase := kernelTop
	ramfsTop := alignUp(ramfsBase+uint64(params.Initramfs.Size()), machine.FrameSize)
	if ramfsTop > k.machine.Mem.Size() {
		return fmt.Errorf("initramfs does not fit in RAM: need up to 0x%x, have 0x%x", ramfsTop, k.machine.Mem.Size())
	}
	dst, err := k.machine.Mem.Slice(ramfsBase, uint64(params.Initramfs.Size()))
	if err != nil {
		return err
	}
	copy(dst, params.Initramfs.Raw())

	cspace := k.carveInitCSpace(ramfsTop)

	// The init thread's own TCB and root table come out of the carved
	// untypeds like any other object.
	tcbSlot, err := k.allocObj(cspace, lakeos.Tcb, lakeos.TcbObjBits)
	if err != nil {
		return fmt.Errorf("allocating init TCB: %w", err)
	}
	pgdSlot, err := k.allocObj(cspace, lakeos.VTable, vspace.TableSizeBits)
	if err != nil {
		return fmt.Errorf("allocating init PGD: %w", err)
	}

	initTcbCap, _ := tcbSlot.slot.asTcb()
	initTcb := initTcbCap.tcb()
	rootCNode, _ := k.initRoot.asCNode()
	if err := initTcb.installCSpace(rootCNode); err != nil {
		return fmt.Errorf("installing init CSpace: %w", err)
	}
	pgdCap, _ := pgdSlot.slot.asVTable()
	if err := initTcb.installVSpace(pgdCap); err != nil {
		return fmt.Errorf("installing init VSpace: %w", err)
	}

	initELF, ok := params.Initramfs.File(params.InitMember)
	if !ok {
		return fmt.Errorf("initramfs has no member %q", params.InitMember)
	}
	if err := k.loadInitThread(initTcb, initELF); err != nil {
		return fmt.Errorf("loading init thread: %w", err)
	}

	// Publish the boot-info frame, including where the dynamically
	// placed well-known caps landed.
	k.bootInfo.Header = lakeos.BootInfoHeader{
		InitCSpaceSlot: k.selfSlot,
		InitTcbSlot:    tcbSlot.index,
		InitVSpaceSlot: pgdSlot.index,
		FirstFreeSlot:  k.nextFreeSlot,
	}
	k.bootInfo.Entries = append(k.bootInfo.Entries,
		lakeos.BootInfoEntry{Base: machine.PhysBase, Size: kernelTop - machine.PhysBase, Type: lakeos.MemTypeKernelPage},
		lakeos.BootInfoEntry{Base: ramfsBase, Size: ramfsTop - ramfsBase, Type: lakeos.MemTypeInitRamFS},
		lakeos.BootInfoEntry{Base: kernelPGDPaddr, Size: 3 * machine.FrameSize, Type: lakeos.MemTypeKernelPageTable},
	)
	k.bootInfo.InitTCB = initTcb
	if err := k.mapBootInfo(initTcb, cspace); err != nil {
		return fmt.Errorf("mapping boot info: %w", err)
	}

	initTcb.timeSlice = TimeSlice
	k.sched(0).push(initTcb)

	// Secondary CPUs come up against the already-built kernel tables.
	for cpu := 1; cpu < k.machine.NumCPUs(); cpu++ {
		k.BootSecondary(cpu)
	}

	k.machine.Timer(0).Initialize()
	k.machine.Timer(0).TickIn(k.tick)
	arch.FlushTLBAllEL1IS(k.machine, bsp)
	arch.CleanL1Cache(bsp)
	k.kprintf("Jumping to User Space!")
	return nil
}

// BootSecondary enables the MMU on an application CPU against the shared
// kernel tables and arms its timer. Its idle thread is already installed.
func (k *Kernel) BootSecondary(cpu int) {
	c := k.machine.CPU(cpu)
	arch.EnableMMU(c, kernelPGDPaddr)
	c.TPIDRRO = uint64(cpu)
	k.machine.Timer(cpu).Initialize()
	k.machine.Timer(cpu).TickIn(k.tick)
}

// BootInfo returns what was published to the init thread.
func (k *Kernel) BootInfo() BootInfo {
	return k.bootInfo
}

// buildKernelVSpace installs the high-half kernel mappings as 2 MiB
// blocks: normal memory from the kernel offset up to the peripheral
// window, device memory across it.
func (k *Kernel) buildKernelVSpace(c *machine.CPU) {
	mem := k.machine.Mem
	mem.Zero(kernelPGDPaddr, vspace.TableSize)
	mem.Zero(kernelPUDPaddr, vspace.TableSize)
	mem.Zero(kernelPDPaddr, vspace.TableSize)

	pgdIdx := vspace.Index(KernelVABase, 1)
	pudIdx := vspace.Index(KernelVABase, 2)
	mem.SetUint64(kernelPGDPaddr+pgdIdx*8, uint64(vspace.TableEntry(kernelPUDPaddr)))
	mem.SetUint64(kernelPUDPaddr+pudIdx*8, uint64(vspace.TableEntry(kernelPDPaddr)))

	const blockSize = 2 << 20
	ioIdx := uint64(machine.PhysIOBase) / blockSize
	for i := uint64(0); i < vspace.TableEntries; i++ {
		device := i >= ioIdx
		e := vspace.KernelBlockEntry(i*blockSize, device)
		mem.SetUint64(kernelPDPaddr+i*8, uint64(e))
	}
	k.kernelPGD = kernelPGDPaddr
}

// carveInitCSpace builds the init CNode and populates it: null, monitor
// and IRQ-controller caps at their fixed indices, then untyped caps
// covering all RAM outside the kernel image and boot data, in
// descending-address order.
func (k *Kernel) carveInitCSpace(kernelTop uint64) CNodeCap {
	mintCNode(&k.initRoot, initCNodePaddr, lakeos.InitCSpaceBits, lakeos.CNodeDepth-lakeos.InitCSpaceBits, 0)
	cspace, _ := k.initRoot.asCNode()

	mintMonitor(cspace.SlotAt(lakeos.InitSlotMonitor))
	mintInterrupt(cspace.SlotAt(lakeos.InitSlotIrqController))

	// Free RAM: everything below the kernel image (minus the first
	// pages reserved for kernel objects) and everything above the
	// staged boot data, indexed by base address.
	regions := btree.New(2)
	lowTop := uint64(machine.PhysBase)
	regions.ReplaceOrInsert(regionItem{memRegion{base: kernelReservedTop, size: lowTop - kernelReservedTop}})
	if kernelTop < k.machine.Mem.Size() {
		regions.ReplaceOrInsert(regionItem{memRegion{base: kernelTop, size: k.machine.Mem.Size() - kernelTop}})
	}

	var untypeds []memRegion
	regions.Ascend(func(it btree.Item) bool {
		untypeds = append(untypeds, splitPow2(it.(regionItem).memRegion)...)
		return true
	})
	sort.Slice(untypeds, func(i, j int) bool { return untypeds[i].base > untypeds[j].base })

	idx := uint64(lakeos.InitSlotUntypedStart)
	for _, r := range untypeds {
		mintUntyped(cspace.SlotAt(idx), r.base, uint64(log2of(r.size)), false)
		k.bootInfo.Entries = append(k.bootInfo.Entries, lakeos.BootInfoEntry{
			Base: r.base, Size: r.size, Type: lakeos.MemTypeFreeSpace,
		})
		idx++
	}

	// The init CNode cap goes into itself right after the untypeds.
	k.selfSlot = idx
	k.initRoot.copyInto(cspace.SlotAt(idx))
	idx++
	k.nextFreeSlot = idx
	return cspace
}

// kernelReservedTop bounds the low-RAM area holding the idle TCBs, the
// kernel tables and the init CNode.
const (
	kernelReservedTop = 0x40000
	initCNodePaddr    = 0x20000
)

type regionItem struct {
	memRegion
}

// Less implements btree.Item, ordering regions by base address.
func (r regionItem) Less(other btree.Item) bool {
	return r.base < other.(regionItem).base
}

// splitPow2 cuts a region into naturally aligned power-of-two untypeds,
// dropping fragments smaller than the minimum carve.
func splitPow2(r memRegion) []memRegion {
	var out []memRegion
	cur := r.base
	end := r.base + r.size
	for cur < end {
		bit := trailingZeros(cur)
		for (uint64(1) << bit) > end-cur {
			bit--
		}
		size := uint64(1) << bit
		if size >= 1<<UntypedMinBits {
			out = append(out, memRegion{base: cur, size: size})
		}
		cur += size
	}
	return out
}

func trailingZeros(v uint64) uint {
	if v == 0 {
		return 63
	}
	return uint(bits.TrailingZeros64(v))
}

func log2of(v uint64) uint {
	if v == 0 {
		return 0
	}
	return uint(bits.Len64(v) - 1)
}

// allocResult pairs a freshly retyped cap with its CSpace index.
type allocResult struct {
	slot  *Slot
	index uint64
}

// allocObj retypes one object of type t from the first untyped that still
// fits it, installing the cap in the next free init CSpace slot.
func (k *Kernel) allocObj(cspace CNodeCap, t lakeos.ObjType, bitSize uint64) (allocResult, error) {
	dstIdx := k.nextFreeSlot
	dst := cspace.SlotAt(dstIdx)
	for i := uint64(lakeos.InitSlotUntypedStart); i < cspace.Size(); i++ {
		ut, err := cspace.SlotAt(i).asUntyped()
		if err != nil {
			break
		}
		if err := ut.Retype(k, t, bitSize, []*Slot{dst}); err == nil {
			k.nextFreeSlot++
			return allocResult{slot: dst, index: dstIdx}, nil
		}
	}
	return allocResult{}, syserr.ErrSizeTooSmall
}

// loadInitThread maps the first user ELF into a freshly built VSpace and
// primes the TCB's entry point and stack.
func (k *Kernel) loadInitThread(t *TCB, elfBytes []byte) error {
	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return fmt.Errorf("parsing init ELF: %w", err)
	}
	if f.Machine != elf.EM_AARCH64 {
		return fmt.Errorf("init ELF targets %v, want %v", f.Machine, elf.EM_AARCH64)
	}

	cspace, err := t.CSpace()
	if err != nil {
		return err
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		perm := lakeos.Permission{
			Readable:   p.Flags&elf.PF_R != 0,
			Writable:   p.Flags&elf.PF_W != 0,
			Executable: p.Flags&elf.PF_X != 0,
		}
		data := make([]byte, p.Filesz)
		if n, err := p.ReadAt(data, 0); err != nil && !(err == io.EOF && n == len(data)) {
			return fmt.Errorf("reading ELF segment at 0x%x: %w", p.Vaddr, err)
		}
		start := p.Vaddr &^ uint64(machine.FrameSize-1)
		end := alignUp(p.Vaddr+p.Memsz, machine.FrameSize)
		for va := start; va < end; va += machine.FrameSize {
			paddr, err := k.mapFrame(t, cspace, va, perm)
			if err != nil {
				return fmt.Errorf("mapping segment page 0x%x: %w", va, err)
			}
			// Copy the slice of the segment landing in this page.
			segOff := int64(va) - int64(p.Vaddr)
			dstOff := uint64(0)
			if segOff < 0 {
				dstOff = uint64(-segOff)
				segOff = 0
			}
			if segOff < int64(len(data)) {
				copy(mustSlice(k.machine.Mem, paddr+dstOff, uint64(machine.FrameSize)-dstOff), data[segOff:])
			}
		}
	}

	for i := 0; i < lakeos.InitStackPages; i++ {
		va := uint64(lakeos.InitStackTop) - uint64(i+1)*machine.FrameSize
		if _, err := k.mapFrame(t, cspace, va, lakeos.ReadWrite); err != nil {
			return fmt.Errorf("mapping init stack page 0x%x: %w", va, err)
		}
	}

	t.TF.SetELR(f.Entry)
	t.TF.SetSP(lakeos.InitStackTop)
	t.TF.InitUserThread()
	return nil
}

// mapFrame allocates a frame and whatever intermediate tables the path
// still misses, then installs the mapping. It returns the frame's
// physical address.
func (k *Kernel) mapFrame(t *TCB, cspace CNodeCap, vaddr uint64, perm lakeos.Permission) (uint64, error) {
	vs, err := t.VSpace()
	if err != nil {
		return 0, err
	}
	frame, err := k.allocObj(cspace, lakeos.Ram, lakeos.FrameBits)
	if err != nil {
		return 0, err
	}
	ram, _ := frame.slot.asRam()
	cpu := k.machine.CPU(k.curCPU)
	for {
		err := vs.MapFrame(cpu, vaddr, ram.Paddr(), perm, false)
		if err == nil {
			ram.setMapped(vaddr, vs.ASID())
			return ram.Paddr(), nil
		}
		se := syserr.FromError(err)
		if se.Errno() != lakeos.EVSpaceTableMiss {
			return 0, err
		}
		table, terr := k.allocObj(cspace, lakeos.VTable, vspace.TableSizeBits)
		if terr != nil {
			return 0, terr
		}
		vt, _ := table.slot.asVTable()
		if err := vs.MapTable(cpu, vaddr, int(se.Level()), vt.Paddr()); err != nil {
			return 0, err
		}
		vt.setMapped(vaddr, vs.ASID(), uint64(se.Level()))
	}
}

// mapBootInfo writes the boot-info frame into a fresh page mapped
// read-only at the fixed address.
func (k *Kernel) mapBootInfo(t *TCB, cspace CNodeCap) error {
	paddr, err := k.mapFrame(t, cspace, lakeos.BootInfoVaddr, lakeos.ReadOnly)
	if err != nil {
		return err
	}
	// The frame and any tables it needed took init CSpace slots.
	k.bootInfo.Header.FirstFreeSlot = k.nextFreeSlot
	buf := lakeos.EncodeBootInfo(k.bootInfo.Header, k.bootInfo.Entries)
	dst, err := k.machine.Mem.Slice(paddr, uint64(len(buf)))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func mustSlice(mem *machine.PhysMem, paddr, size uint64) []byte {
	b, err := mem.Slice(paddr, size)
	if err != nil {
		panic(err)
	}
	return b
}
