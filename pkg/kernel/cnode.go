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

// CNodeObj is the object behind a CNode capability: an ordered sequence of
// capability slots of power-of-two length.
type CNodeObj struct {
	slots []Slot
}

// CNodeCap is the typed view of a CNode capability. The cap carries the
// radix (index bits resolved by this level), the guard size and the guard
// value used during address resolution.
type CNodeCap struct {
	*Slot
}

const (
	cnodeRadixMask  = 0x3f
	cnodeGuardShift = 8
	cnodeGuardMask  = 0x3f
)

func cnodeArg1(radixBits, guardBits uint64) uint64 {
	return radixBits&cnodeRadixMask | (guardBits&cnodeGuardMask)<<cnodeGuardShift
}

// mintCNode populates slot with a CNode cap over a freshly allocated slot
// array.
func mintCNode(slot *Slot, paddr uint64, radixBits, guardBits, guard uint64) {
	obj := &CNodeObj{slots: make([]Slot, 1<<radixBits)}
	slot.set(lakeos.CNode, paddr, cnodeArg1(radixBits, guardBits), guard, obj)
}

func (c CNodeCap) object() *CNodeObj {
	return c.obj.(*CNodeObj)
}

// RadixBits returns the number of index bits this level resolves.
func (c CNodeCap) RadixBits() uint64 {
	return c.arg1 & cnodeRadixMask
}

// GuardBits returns the number of key bits pre-matched by the guard.
func (c CNodeCap) GuardBits() uint64 {
	return c.arg1 >> cnodeGuardShift & cnodeGuardMask
}

// Guard returns the guard value.
func (c CNodeCap) Guard() uint64 {
	return c.arg2
}

// Size returns the slot count.
func (c CNodeCap) Size() uint64 {
	return 1 << c.RadixBits()
}

// SlotAt returns slot i of the node without resolution.
func (c CNodeCap) SlotAt(i uint64) *Slot {
	return &c.object().slots[i]
}

// cnodeLookupError is the internal classification of a failed resolution.
// Both kinds surface as LookupError on the wire.
type cnodeLookupError uint8

const (
	errGuardMismatch cnodeLookupError = iota
	errDepthExhausted
)

// Error implements error.
func (e cnodeLookupError) Error() string {
	if e == errGuardMismatch {
		return "guard mismatch"
	}
	return "lookup depth exhausted"
}

// resolveAddress walks the guarded radix tree for key, consuming depth
// bits. At each level the top guardBits of the remaining key must match
// the node's guard, and the following radixBits select the slot. When the
// level consumes exactly the remaining bits the slot is returned even if
// it holds a CNode.
func (c CNodeCap) resolveAddress(key uint64, depth uint64) (*Slot, error) {
	node := c
	remaining := depth
	for {
		radixBits := node.RadixBits()
		guardBits := node.GuardBits()
		levelBits := radixBits + guardBits

		if levelBits > remaining {
			return nil, errDepthExhausted
		}
		guard := uint64(0)
		if guardBits > 0 {
			guard = key >> (remaining - guardBits) & (1<<guardBits - 1)
		}
		if guard != node.guardValue() {
			return nil, errGuardMismatch
		}

		idx := uint64(0)
		if radixBits > 0 {
			idx = key >> (remaining - levelBits) & (1<<radixBits - 1)
		}
		slot := node.SlotAt(idx)

		remaining -= levelBits
		if remaining == 0 {
			return slot, nil
		}
		next, err := slot.asCNode()
		if err != nil {
			// Depth remains but the path ends here; the slot is
			// still the result, matching the tie-break for flat
			// spaces addressed with a full-width key.
			return slot, nil
		}
		node = next
	}
}

// guardValue returns the guard compared against the key's top bits.
func (c CNodeCap) guardValue() uint64 {
	bitsN := c.GuardBits()
	if bitsN == 0 {
		return 0
	}
	return c.Guard() & (1<<bitsN - 1)
}

// LookupSlot resolves key against the node with the full lookup depth.
func (c CNodeCap) LookupSlot(key uint64) (*Slot, error) {
	slot, err := c.resolveAddress(key, lakeos.CNodeDepth)
	if err != nil {
		return nil, syserr.ErrLookup
	}
	return slot, nil
}

// lookupNonNull resolves key and requires a populated slot.
func (c CNodeCap) lookupNonNull(key uint64) (*Slot, error) {
	slot, err := c.LookupSlot(key)
	if err != nil {
		return nil, err
	}
	if slot.IsNull() {
		return nil, syserr.ErrLookup
	}
	return slot, nil
}

// handleInvocation dispatches CNode-directed syscalls.
func (c CNodeCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(c.Type()))
		caller.TF.SetMR(2, c.Size())
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 2))
		return nil

	case lakeos.SysCapCopy:
		if info.Length < 2 {
			return syserr.ErrInvalidValue
		}
		src, err := c.lookupNonNull(caller.TF.MR(1))
		if err != nil {
			return err
		}
		dst, err := c.LookupSlot(caller.TF.MR(2))
		if err != nil {
			return err
		}
		if err := src.copyInto(dst); err != nil {
			return err
		}
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysCNodeDelete:
		if info.Length < 1 {
			return syserr.ErrInvalidValue
		}
		slot, err := c.lookupNonNull(caller.TF.MR(1))
		if err != nil {
			return err
		}
		slot.revoke()
		slot.clear()
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	default:
		return syserr.ErrUnsupportedOp
	}
}

// cnodeRadixForSize computes the radix of a CNode occupying 2^bitSize
// bytes.
func cnodeRadixForSize(bitSize uint64) uint64 {
	if bitSize < lakeos.CNodeEntryBits {
		return 0
	}
	return bitSize - lakeos.CNodeEntryBits
}
