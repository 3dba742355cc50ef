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

// VTableCap is the typed view of a translation-table capability. The
// mapped virtual address, ASID and level are recorded in the slot that
// owns the table.
type VTableCap struct {
	*Slot
}

const (
	vtableVaddrMask = uint64(1)<<48 - 1
	vtableASIDShift = 48
)

func mintVTable(slot *Slot, paddr uint64) {
	slot.set(lakeos.VTable, paddr, 0, 0, nil)
}

// MappedVaddr returns the virtual prefix this table serves.
func (c VTableCap) MappedVaddr() uint64 {
	return c.arg1 & vtableVaddrMask
}

// MappedASID returns the owning space's ASID.
func (c VTableCap) MappedASID() uint64 {
	return c.arg1 >> vtableASIDShift
}

// MappedLevel returns the level the table is installed at; root tables are
// level 1, zero means uninstalled.
func (c VTableCap) MappedLevel() uint64 {
	return c.arg2
}

func (c VTableCap) setMapped(vaddr, asid, level uint64) {
	c.arg1 = asid<<vtableASIDShift | vaddr&vtableVaddrMask
	c.arg2 = level
}

// handleInvocation dispatches VTable-directed syscalls.
func (c VTableCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysVTableMap:
		if info.Length < 3 {
			return syserr.ErrInvalidValue
		}
		if c.MappedLevel() != 0 {
			return syserr.ErrVSpaceCapMapped
		}
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		rootSlot, err := cspace.LookupSlot(caller.TF.MR(1))
		if err != nil {
			return err
		}
		root, err := rootSlot.asVTable()
		if err != nil {
			return err
		}
		vaddr := caller.TF.MR(2)
		level := int(caller.TF.MR(3))
		if level < 2 || level > 4 {
			return syserr.ErrInvalidValue
		}
		vs := k.vspaceOf(root)
		if err := vs.MapTable(k.machine.CPU(k.curCPU), vaddr, level, c.Paddr()); err != nil {
			return err
		}
		c.setMapped(vaddr, vs.ASID(), uint64(level))
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
		if err := c.Slot.copyInto(dst); err != nil {
			return err
		}
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(c.Type()))
		caller.TF.SetMR(2, c.MappedVaddr())
		caller.TF.SetMR(3, c.MappedASID())
		caller.TF.SetMR(4, c.MappedLevel())
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 4))
		return nil

	default:
		return syserr.ErrUnsupportedOp
	}
}
