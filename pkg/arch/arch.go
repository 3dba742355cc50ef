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

// Package arch is the AArch64 seam between the kernel and the machine
// model: system-register programming, barriers, cache and TLB maintenance,
// the trap-frame layout and the exception-syndrome encoding. The kernel
// only touches hardware through this package.
package arch

import (
	"runtime"

	"github.com/vincenthouyi/lakeos/pkg/machine"
)

// Memory attribute indices programmed into MAIR, in fixed policy order.
const (
	MemAttrNormal = iota
	MemAttrNormalNC
	MemAttrDevicenGnRnE
	MemAttrDevicenGnRE
	MemAttrDeviceGRE
)

// MAIR attribute encodings for each index.
const (
	mairNormal       = 0xff
	mairNormalNC     = 0x44
	mairDevicenGnRnE = 0x00
	mairDevicenGnRE  = 0x04
	mairDeviceGRE    = 0x0c
)

// MAIRValue is the fixed attribute configuration installed at MMU enable.
const MAIRValue = mairNormal<<(MemAttrNormal*8) |
	mairNormalNC<<(MemAttrNormalNC*8) |
	mairDevicenGnRnE<<(MemAttrDevicenGnRnE*8) |
	mairDevicenGnRE<<(MemAttrDevicenGnRE*8) |
	mairDeviceGRE<<(MemAttrDeviceGRE*8)

// CPUID returns the core's affinity id from MPIDR.
func CPUID(c *machine.CPU) int {
	return int(c.MPIDR() & 0xff)
}

// DSB is a full data synchronization barrier. Ordering is implicit in the
// model; the call sites keep the discipline the real kernel needs.
func DSB(c *machine.CPU) {}

// DMB is a data memory barrier.
func DMB(c *machine.CPU) {}

// ISB is an instruction synchronization barrier.
func ISB(c *machine.CPU) {}

// WFE waits for an event. On the model it yields the processor.
func WFE() {
	runtime.Gosched()
}

// WFI waits for an interrupt.
func WFI() {
	runtime.Gosched()
}

// DCCleanByVAPoU cleans the data-cache line holding vaddr to the point of
// unification. Coherent by construction in the model.
func DCCleanByVAPoU(c *machine.CPU, vaddr uint64) {
	DSB(c)
}

// CleanL1Cache cleans and invalidates the local D-cache by set/way and the
// I-cache, as done once on the boot path.
func CleanL1Cache(c *machine.CPU) {
	DSB(c)
	ISB(c)
}

// SetMAIR programs the memory-attribute indirection register.
func SetMAIR(c *machine.CPU, v uint64) {
	c.MAIR = v
	ISB(c)
}

// InstallKernelVSpace points TTBR1 at the shared kernel tables.
func InstallKernelVSpace(c *machine.CPU, pgd uint64) {
	DSB(c)
	c.TTBR1 = pgd
	ISB(c)
}

// InstallUserVSpace installs a user root table with its ASID in TTBR0.
func InstallUserVSpace(c *machine.CPU, asid, pgd uint64) {
	DSB(c)
	c.TTBR0 = asid<<machine.TTBRASIDShift | pgd&machine.TTBRAddrMask
	ISB(c)
}

// EnableMMU programs MAIR, installs the kernel tables and turns on stage-1
// translation for this core.
func EnableMMU(c *machine.CPU, kernelPGD uint64) {
	SetMAIR(c, MAIRValue)
	InstallKernelVSpace(c, kernelPGD)
	c.SCTLR |= machine.SCTLRMmuEnable
	ISB(c)
	c.TLBInvalidateAll()
}

// FlushTLBAllEL1IS invalidates all EL1 translations on every core in the
// inner-shareable domain.
func FlushTLBAllEL1IS(m *machine.Machine, c *machine.CPU) {
	DSB(c)
	for _, cpu := range m.CPUs {
		cpu.TLBInvalidateAll()
	}
	DSB(c)
	ISB(c)
}

// InvalidateTLBASID invalidates translations tagged with asid on every
// core (broadcast, inner shareable).
func InvalidateTLBASID(m *machine.Machine, c *machine.CPU, asid uint64) {
	DSB(c)
	for _, cpu := range m.CPUs {
		cpu.TLBInvalidateASID(asid)
	}
	DSB(c)
	ISB(c)
}
