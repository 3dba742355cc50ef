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
	"github.com/vincenthouyi/lakeos/pkg/kernel/vspace"
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// UntypedCap is the typed view of an untyped-memory capability: a
// physically contiguous power-of-two span with a bump offset marking the
// first unused byte. Typed objects are carved from it and never merge
// back.
type UntypedCap struct {
	*Slot
}

const (
	untypedBitsMask    = 0x3f
	untypedOffsetShift = 6

	// UntypedMinBits is the smallest untyped worth carving.
	UntypedMinBits = 4
)

// mintUntyped populates slot with an untyped cap over
// [paddr, paddr+2^bitSize).
func mintUntyped(slot *Slot, paddr uint64, bitSize uint64, device bool) {
	var dev uint64
	if device {
		dev = 1
	}
	slot.set(lakeos.Untyped, paddr, dev, bitSize&untypedBitsMask, nil)
}

// BitSize returns log2 of the region size.
func (c UntypedCap) BitSize() uint64 {
	return c.arg2 & untypedBitsMask
}

// Size returns the region size in bytes.
func (c UntypedCap) Size() uint64 {
	return 1 << c.BitSize()
}

// FreeOffset returns the bump offset of the first unused byte.
func (c UntypedCap) FreeOffset() uint64 {
	return c.arg2 >> untypedOffsetShift
}

func (c UntypedCap) setFreeOffset(off uint64) {
	c.arg2 = c.arg2&untypedBitsMask | off<<untypedOffsetShift
}

// IsDevice reports whether the span is device memory.
func (c UntypedCap) IsDevice() bool {
	return c.arg1 != 0
}

// objSizeBits returns the object size exponent used for a retype: fixed
// for TCB and endpoint objects, the caller's for the variably sized types.
func objSizeBits(t lakeos.ObjType, requested uint64) (uint64, error) {
	switch t {
	case lakeos.Tcb:
		return lakeos.TcbObjBits, nil
	case lakeos.Endpoint:
		return lakeos.EndpointObjBits, nil
	case lakeos.CNode, lakeos.Ram, lakeos.Untyped:
		if requested > 63 {
			return 0, syserr.ErrInvalidValue
		}
		return requested, nil
	case lakeos.VTable:
		// Translation tables are page sized regardless of the request.
		return vspace.TableSizeBits, nil
	default:
		return 0, syserr.ErrInvalidValue
	}
}

// Retype carves count objects of type t and size 2^bitSize out of the
// untyped's tail, installing one capability per destination slot. All
// destinations must be empty; the new caps join the derivation list
// directly after the untyped. Device untypeds only retype to Ram and
// propagate their provenance.
func (c UntypedCap) Retype(k *Kernel, t lakeos.ObjType, bitSize uint64, dsts []*Slot) error {
	for _, d := range dsts {
		if !d.IsNull() {
			return syserr.ErrSlotNotEmpty
		}
	}
	if c.IsDevice() && t != lakeos.Ram {
		return syserr.ErrInvalidValue
	}
	sizeBits, err := objSizeBits(t, bitSize)
	if err != nil {
		return err
	}
	objSize := uint64(1) << sizeBits
	count := uint64(len(dsts))
	total := count * objSize
	alignedOff := alignUp(c.FreeOffset(), objSize)
	if alignedOff+total > c.Size() {
		return syserr.ErrInvalidValue
	}

	for i, d := range dsts {
		paddr := c.Paddr() + alignedOff + uint64(i)*objSize
		switch t {
		case lakeos.Untyped:
			mintUntyped(d, paddr, sizeBits, c.IsDevice())
		case lakeos.CNode:
			radix := cnodeRadixForSize(sizeBits)
			mintCNode(d, paddr, radix, lakeos.CNodeDepth-radix, 0)
		case lakeos.Tcb:
			k.mintTcb(d, paddr)
		case lakeos.Ram:
			mintRam(d, paddr, sizeBits, true, true, c.IsDevice())
			if !c.IsDevice() {
				k.machine.Mem.Zero(paddr, objSize)
			}
		case lakeos.VTable:
			mintVTable(d, paddr)
			k.machine.Mem.Zero(paddr, objSize)
		case lakeos.Endpoint:
			mintEndpoint(d, paddr, 0)
		default:
			return syserr.ErrInvalidValue
		}
		c.appendNext(d)
	}
	c.setFreeOffset(alignedOff + total)
	return nil
}

// handleInvocation dispatches untyped-directed syscalls.
func (c UntypedCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysRetype:
		if info.Length < 4 {
			return syserr.ErrInvalidValue
		}
		objType := lakeos.ObjType(caller.TF.MR(1))
		bitSize := caller.TF.MR(2)
		slotStart := caller.TF.MR(3)
		slotCount := caller.TF.MR(4)
		if slotCount == 0 || slotCount > lakeos.InitCSpaceSize {
			return syserr.ErrInvalidValue
		}
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		dsts := make([]*Slot, 0, slotCount)
		for i := uint64(0); i < slotCount; i++ {
			slot, err := cspace.LookupSlot(slotStart + i)
			if err != nil {
				return err
			}
			dsts = append(dsts, slot)
		}
		if err := c.Retype(k, objType, bitSize, dsts); err != nil {
			return err
		}
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(c.Type()))
		caller.TF.SetMR(2, c.Paddr())
		caller.TF.SetMR(3, c.BitSize())
		caller.TF.SetMR(4, boolWord(c.IsDevice()))
		caller.TF.SetMR(5, c.FreeOffset())
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 5))
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

	default:
		return syserr.ErrUnsupportedOp
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
