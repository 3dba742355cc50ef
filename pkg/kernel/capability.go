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
	"fmt"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// Slot is one capability cell: a type tag, the physical address of the
// backing object, two type-specific argument words, and the prev/next links
// of the derivation list. The kernel-side object state (TCB, endpoint,
// CNode slots, reply target) rides along in obj and is shared by every
// copy of the capability.
//
// Field layout of the argument words, by type:
//
//	Untyped:  arg1 = device flag
//	          arg2 = bitSize[5:0] | freeOffset<<6
//	CNode:    arg1 = radixBits[5:0] | guardBits<<8
//	          arg2 = guard value
//	Ram:      arg1 = bitSize<<4 | readable<<10 | writable<<11
//	          arg2 = device[0] | mappedVaddr[47:12] | asid<<48
//	VTable:   arg1 = mappedVaddr[47:0] | asid<<48
//	          arg2 = mapped level
//	Endpoint: arg1 = badge
//	          arg2 = 0 when unattached, else irq+1
type Slot struct {
	typ   lakeos.ObjType
	paddr uint64
	arg1  uint64
	arg2  uint64

	prev *Slot
	next *Slot

	obj any
}

// Type returns the slot's type tag.
func (s *Slot) Type() lakeos.ObjType {
	return s.typ
}

// Paddr returns the physical address of the backing object.
func (s *Slot) Paddr() uint64 {
	return s.paddr
}

// IsNull reports whether the slot is empty.
func (s *Slot) IsNull() bool {
	return s.typ == lakeos.NullObj
}

// String implements fmt.Stringer.
func (s *Slot) String() string {
	return fmt.Sprintf("%v@0x%x", s.typ, s.paddr)
}

// set populates an empty slot. The caller is responsible for the
// derivation-list insert.
func (s *Slot) set(typ lakeos.ObjType, paddr, arg1, arg2 uint64, obj any) {
	s.typ = typ
	s.paddr = paddr
	s.arg1 = arg1
	s.arg2 = arg2
	s.obj = obj
}

// appendNext inserts child directly after s in the derivation list. This is
// the only insert shape: retyped objects, copies and mints all become the
// first sibling after their source.
func (s *Slot) appendNext(child *Slot) {
	child.next = s.next
	child.prev = s
	if s.next != nil {
		s.next.prev = child
	}
	s.next = child
}

// unlink removes s from the derivation list.
func (s *Slot) unlink() {
	if s.prev != nil {
		s.prev.next = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev = nil
	s.next = nil
}

// clear empties the slot, unlinking it from the derivation list.
func (s *Slot) clear() {
	s.unlink()
	*s = Slot{}
}

// isDescendantOf reports whether s derives from parent: for an untyped
// parent, by physical containment; otherwise by sharing the parent's
// object address.
func (s *Slot) isDescendantOf(parent *Slot) bool {
	if parent.typ == lakeos.Untyped {
		u := UntypedCap{parent}
		return s.paddr >= parent.paddr && s.paddr < parent.paddr+u.Size()
	}
	return s.paddr == parent.paddr && s.typ == parent.typ
}

// revoke deletes every descendant of s, walking the derivation list
// forward until the next capability is no longer a descendant. s itself is
// left in place.
func (s *Slot) revoke() {
	for s.next != nil && s.next.isDescendantOf(s) {
		next := s.next
		next.revoke()
		next.clear()
	}
}

// copyInto duplicates s into the empty slot dst and links dst as the first
// sibling after s.
func (s *Slot) copyInto(dst *Slot) error {
	if !dst.IsNull() {
		return syserr.ErrSlotNotEmpty
	}
	dst.set(s.typ, s.paddr, s.arg1, s.arg2, s.obj)
	s.appendNext(dst)
	return nil
}

// asCNode returns the typed view, checking the tag.
func (s *Slot) asCNode() (CNodeCap, error) {
	if s.typ != lakeos.CNode {
		return CNodeCap{}, syserr.ErrCapabilityType
	}
	return CNodeCap{s}, nil
}

func (s *Slot) asUntyped() (UntypedCap, error) {
	if s.typ != lakeos.Untyped {
		return UntypedCap{}, syserr.ErrCapabilityType
	}
	return UntypedCap{s}, nil
}

func (s *Slot) asTcb() (TcbCap, error) {
	if s.typ != lakeos.Tcb {
		return TcbCap{}, syserr.ErrCapabilityType
	}
	return TcbCap{s}, nil
}

func (s *Slot) asRam() (RamCap, error) {
	if s.typ != lakeos.Ram {
		return RamCap{}, syserr.ErrCapabilityType
	}
	return RamCap{s}, nil
}

func (s *Slot) asVTable() (VTableCap, error) {
	if s.typ != lakeos.VTable {
		return VTableCap{}, syserr.ErrCapabilityType
	}
	return VTableCap{s}, nil
}

func (s *Slot) asEndpoint() (EndpointCap, error) {
	if s.typ != lakeos.Endpoint {
		return EndpointCap{}, syserr.ErrCapabilityType
	}
	return EndpointCap{s}, nil
}

func (s *Slot) asReply() (ReplyCap, error) {
	if s.typ != lakeos.Reply {
		return ReplyCap{}, syserr.ErrCapabilityType
	}
	return ReplyCap{s}, nil
}
