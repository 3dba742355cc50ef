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

// RamCap is the typed view of a physical-frame capability. The mapped
// virtual address and ASID are recorded on the cap when it is installed in
// a VSpace, tying the entry's lifecycle to the cap.
type RamCap struct {
	*Slot
}

const (
	ramBitsShift = 4
	ramBitsMask  = 0x3f
	ramReadBit   = 1 << 10
	ramWriteBit  = 1 << 11
	ramDeviceBit = 1
	ramVaddrMask = uint64(0xfffffffff000)
	ramASIDShift = 48
)

func mintRam(slot *Slot, paddr, bitSize uint64, writable, readable, device bool) {
	var arg1 uint64 = (bitSize & ramBitsMask) << ramBitsShift
	if writable {
		arg1 |= ramWriteBit
	}
	if readable {
		arg1 |= ramReadBit
	}
	var arg2 uint64
	if device {
		arg2 = ramDeviceBit
	}
	slot.set(lakeos.Ram, paddr, arg1, arg2, nil)
}

// BitSize returns log2 of the frame size.
func (c RamCap) BitSize() uint64 {
	return c.arg1 >> ramBitsShift & ramBitsMask
}

// IsWritable reports the cap's write right.
func (c RamCap) IsWritable() bool {
	return c.arg1&ramWriteBit != 0
}

// IsReadable reports the cap's read right.
func (c RamCap) IsReadable() bool {
	return c.arg1&ramReadBit != 0
}

// IsDevice reports device provenance.
func (c RamCap) IsDevice() bool {
	return c.arg2&ramDeviceBit != 0
}

// MappedVaddr returns the virtual address this cap is installed at, zero
// if unmapped.
func (c RamCap) MappedVaddr() uint64 {
	return c.arg2 & ramVaddrMask
}

// MappedASID returns the ASID the mapping belongs to.
func (c RamCap) MappedASID() uint64 {
	return c.arg2 >> ramASIDShift
}

func (c RamCap) setMapped(vaddr, asid uint64) {
	c.arg2 = asid<<ramASIDShift | vaddr&ramVaddrMask | c.arg2&ramDeviceBit
}

// mapPage installs the frame at vaddr in vs, clamping the requested rights
// to the cap's own.
func (c RamCap) mapPage(k *Kernel, caller *TCB, vaddr uint64, perm lakeos.Permission) error {
	if c.MappedVaddr() != 0 {
		return syserr.ErrVSpaceCapMapped
	}
	if perm.Writable && !c.IsWritable() {
		return syserr.ErrVSpacePermission
	}
	if perm.Readable && !c.IsReadable() {
		return syserr.ErrVSpacePermission
	}
	vs, err := caller.VSpace()
	if err != nil {
		return err
	}
	cpu := k.machine.CPU(k.curCPU)
	if err := vs.MapFrame(cpu, vaddr, c.Paddr(), perm, c.IsDevice()); err != nil {
		return err
	}
	c.setMapped(vaddr, vs.ASID())
	return nil
}

// unmapPage clears the installed entry and invalidates the TLB for the
// mapping's ASID on every core. The owning space is recovered from the
// recorded ASID; deleting the cap is the unmap operation.
func (c RamCap) unmapPage(k *Kernel) error {
	vaddr := c.MappedVaddr()
	if vaddr == 0 {
		return syserr.ErrVSpaceCapUnmapped
	}
	vs := vspace.New(k.machine.Mem, vspace.RootFromASID(c.MappedASID()))
	cpu := k.machine.CPU(k.curCPU)
	if err := vs.UnmapEntry(cpu, vaddr, 5); err != nil {
		return err
	}
	arch.DMB(cpu)
	arch.InvalidateTLBASID(k.machine, cpu, c.MappedASID())
	c.setMapped(0, 0)
	return nil
}

// handleInvocation dispatches Ram-directed syscalls.
func (c RamCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysRamMap:
		if info.Length < 2 {
			return syserr.ErrInvalidValue
		}
		vaddr := caller.TF.MR(1)
		perm := lakeos.DecodePermission(caller.TF.MR(2))
		if err := c.mapPage(k, caller, vaddr, perm); err != nil {
			return err
		}
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysDerive:
		if info.Length < 1 {
			return syserr.ErrInvalidValue
		}
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		dst, err := cspace.LookupSlot(caller.TF.MR(1))
		if err != nil {
			return err
		}
		if !dst.IsNull() {
			return syserr.ErrSlotNotEmpty
		}
		// A derived ram cap starts unmapped; only rights and
		// provenance carry over.
		mintRam(dst, c.Paddr(), c.BitSize(), c.IsWritable(), c.IsReadable(), c.IsDevice())
		c.appendNext(dst)
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(c.Type()))
		caller.TF.SetMR(2, c.BitSize())
		caller.TF.SetMR(3, c.MappedVaddr())
		caller.TF.SetMR(4, c.MappedASID())
		caller.TF.SetMR(5, boolWord(c.IsDevice()))
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 5))
		return nil

	default:
		return syserr.ErrUnsupportedOp
	}
}
