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

package vspace

import (
	"github.com/vincenthouyi/lakeos/pkg/arch"
	"github.com/vincenthouyi/lakeos/pkg/machine"
)

// AccessPermission is the AP field of a leaf descriptor.
type AccessPermission uint64

const (
	KernelOnly AccessPermission = machine.APKernelOnly
	ReadWrite  AccessPermission = machine.APReadWrite
	KernelRead AccessPermission = machine.APKernelRead
	ReadOnly   AccessPermission = machine.APReadOnly
)

// Shareability is the SH field of a leaf descriptor.
type Shareability uint64

const (
	NonShareable   Shareability = 0b00
	OuterShareable Shareability = 0b10
	InnerShareable Shareability = 0b11
)

// MemoryAttr selects a MAIR attribute index.
type MemoryAttr uint64

const (
	Normal       MemoryAttr = arch.MemAttrNormal
	NormalNC     MemoryAttr = arch.MemAttrNormalNC
	DevicenGnRnE MemoryAttr = arch.MemAttrDevicenGnRnE
	DevicenGnRE  MemoryAttr = arch.MemAttrDevicenGnRE
	DeviceGRE    MemoryAttr = arch.MemAttrDeviceGRE
)

// Entry is one 64-bit translation-table descriptor.
type Entry uint64

// Zero is the invalid entry.
const Zero Entry = 0

// TableEntry builds a descriptor pointing at a next-level table.
func TableEntry(paddr uint64) Entry {
	return Entry(paddr&machine.DescAddrMask | machine.DescTable | machine.DescValid)
}

// BlockEntry builds a large-leaf descriptor (1 GiB at the PUD level, 2 MiB
// at the PD level).
func BlockEntry(paddr uint64, uxn, global, af bool, sh Shareability, ap AccessPermission, attr MemoryAttr) Entry {
	return leafEntry(paddr, uxn, global, af, sh, ap, attr, false)
}

// PageEntry builds a 4 KiB leaf descriptor for the final level.
func PageEntry(paddr uint64, uxn, global, af bool, sh Shareability, ap AccessPermission, attr MemoryAttr) Entry {
	return leafEntry(paddr, uxn, global, af, sh, ap, attr, true)
}

func leafEntry(paddr uint64, uxn, global, af bool, sh Shareability, ap AccessPermission, attr MemoryAttr, page bool) Entry {
	e := paddr&machine.DescAddrMask |
		uint64(sh)<<machine.DescSHShift |
		uint64(ap)<<machine.DescAPShift |
		uint64(attr)<<machine.DescAttrIdxShift |
		machine.DescValid
	if uxn {
		e |= machine.DescUXN
	}
	if !global {
		e |= machine.DescNG
	}
	if af {
		e |= machine.DescAF
	}
	if page {
		e |= machine.DescTable
	}
	return Entry(e)
}

// IsValid reports whether the entry translates.
func (e Entry) IsValid() bool {
	return uint64(e)&machine.DescValid != 0
}

// IsTable reports whether a valid non-leaf entry points at a next-level
// table.
func (e Entry) IsTable() bool {
	return e.IsValid() && uint64(e)&machine.DescTable != 0
}

// Paddr returns the output address of the entry.
func (e Entry) Paddr() uint64 {
	return uint64(e) & machine.DescAddrMask
}
