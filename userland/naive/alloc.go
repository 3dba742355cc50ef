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

package naive

import (
	"sort"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

// SlotAllocator hands out CSpace indices from a half-open range, reusing
// freed slots before advancing the frontier.
type SlotAllocator struct {
	next  uint64
	limit uint64
	freed []uint64
}

// NewSlotAllocator covers [first, limit).
func NewSlotAllocator(first, limit uint64) *SlotAllocator {
	return &SlotAllocator{next: first, limit: limit}
}

// Alloc claims a free index.
func (a *SlotAllocator) Alloc() (uint64, error) {
	if n := len(a.freed); n > 0 {
		s := a.freed[n-1]
		a.freed = a.freed[:n-1]
		return s, nil
	}
	if a.next >= a.limit {
		return 0, Errno(lakeos.ELookupError)
	}
	s := a.next
	a.next++
	return s, nil
}

// AllocRange claims count consecutive indices from the frontier.
func (a *SlotAllocator) AllocRange(count uint64) (uint64, error) {
	if a.next+count > a.limit {
		return 0, Errno(lakeos.ELookupError)
	}
	s := a.next
	a.next += count
	return s, nil
}

// Free returns an index.
func (a *SlotAllocator) Free(slot uint64) {
	a.freed = append(a.freed, slot)
}

// VMAllocator hands out page-aligned virtual ranges from a bump frontier.
type VMAllocator struct {
	next uint64
	top  uint64
}

// NewVMAllocator covers [base, top).
func NewVMAllocator(base, top uint64) *VMAllocator {
	return &VMAllocator{next: base, top: top}
}

// Alloc claims size bytes, rounded up to whole pages.
func (a *VMAllocator) Alloc(size uint64) (uint64, error) {
	size = (size + lakeos.FrameSize - 1) &^ uint64(lakeos.FrameSize-1)
	if a.next+size > a.top {
		return 0, Errno(lakeos.ESizeTooSmall)
	}
	v := a.next
	a.next += size
	return v, nil
}

// Slab size classes, from pointer-size cells up to a whole page.
const (
	slabMinBits = 3
	slabMaxBits = lakeos.FrameBits
)

// Slab is the size-class allocator layered over mapped heap pages: each
// class keeps a free list of virtual addresses and refills by mapping a
// fresh page and splitting it.
type Slab struct {
	rt    *Runtime
	free  [slabMaxBits - slabMinBits + 1][]uint64
	inUse map[uint64]uint
}

// NewSlab builds an empty allocator over rt's heap.
func NewSlab(rt *Runtime) *Slab {
	return &Slab{rt: rt, inUse: make(map[uint64]uint)}
}

func slabClass(size uint64) uint {
	c := uint(slabMinBits)
	for uint64(1)<<c < size {
		c++
	}
	return c
}

// Alloc returns the user virtual address of a fresh cell of at least size
// bytes.
func (s *Slab) Alloc(size uint64) (uint64, error) {
	if size == 0 || size > lakeos.FrameSize {
		return 0, Errno(lakeos.EInvalidValue)
	}
	c := slabClass(size)
	idx := c - slabMinBits
	if len(s.free[idx]) == 0 {
		base, _, err := s.rt.AllocRamAt(0)
		if err != nil {
			return 0, err
		}
		cell := uint64(1) << c
		for off := uint64(0); off+cell <= lakeos.FrameSize; off += cell {
			s.free[idx] = append(s.free[idx], base+off)
		}
		// Keep the free list address-ordered so reuse stays local.
		sort.Slice(s.free[idx], func(i, j int) bool { return s.free[idx][i] < s.free[idx][j] })
	}
	n := len(s.free[idx])
	v := s.free[idx][n-1]
	s.free[idx] = s.free[idx][:n-1]
	s.inUse[v] = c
	return v, nil
}

// Free returns a cell obtained from Alloc.
func (s *Slab) Free(vaddr uint64) {
	c, ok := s.inUse[vaddr]
	if !ok {
		return
	}
	delete(s.inUse, vaddr)
	s.free[c-slabMinBits] = append(s.free[c-slabMinBits], vaddr)
}
