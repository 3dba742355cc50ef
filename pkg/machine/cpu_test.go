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

import "testing"

const (
	tRoot  = 0x100000
	tPUD   = 0x101000
	tPD    = 0x102000
	tPT    = 0x103000
	tFrame = 0x200000
	tVaddr = 0x4000_0000
)

// buildTables wires a four-level path for tVaddr -> tFrame with the given
// leaf descriptor bits.
func buildTables(t *testing.T, m *Machine, leafBits uint64) *CPU {
	t.Helper()
	mem := m.Mem
	for _, p := range []uint64{tRoot, tPUD, tPD, tPT} {
		mem.Zero(p, FrameSize)
	}
	idx := func(level int) uint64 {
		return (uint64(tVaddr) >> uint(12+9*(4-level))) & 0x1ff
	}
	mem.SetUint64(tRoot+idx(1)*8, tPUD|DescTable|DescValid)
	mem.SetUint64(tPUD+idx(2)*8, tPD|DescTable|DescValid)
	mem.SetUint64(tPD+idx(3)*8, tPT|DescTable|DescValid)
	mem.SetUint64(tPT+idx(4)*8, tFrame|leafBits|DescTable|DescValid)

	cpu := m.CPU(0)
	cpu.SCTLR |= SCTLRMmuEnable
	asid := uint64(tRoot >> 12)
	cpu.TTBR0 = asid<<TTBRASIDShift | tRoot
	cpu.TLBInvalidateAll()
	return cpu
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(Config{RAMSize: 16 << 20, NumCPUs: 2, TickMicros: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestTranslateWalk(t *testing.T) {
	m := newTestMachine(t)
	cpu := buildTables(t, m, uint64(APReadWrite)<<DescAPShift|DescAF|DescNG)

	paddr, fault := cpu.Translate(tVaddr+0x123, Access{Write: true})
	if fault != nil {
		t.Fatalf("translate: %v", fault)
	}
	if paddr != tFrame+0x123 {
		t.Fatalf("paddr: got 0x%x, want 0x%x", paddr, uint64(tFrame+0x123))
	}
}

func TestTranslateMissLevels(t *testing.T) {
	m := newTestMachine(t)
	cpu := buildTables(t, m, uint64(APReadWrite)<<DescAPShift|DescAF|DescNG)

	// An address under a different root slot misses at level 1.
	_, fault := cpu.Translate(0x80_0000_0000, Access{})
	if fault == nil || fault.Level != 1 || fault.Kind != MMUFaultTranslation {
		t.Fatalf("distant vaddr: %+v", fault)
	}

	// One sharing only the PGD entry misses at the PUD, level 2.
	_, fault = cpu.Translate(0xc000_0000, Access{})
	if fault == nil || fault.Level != 2 {
		t.Fatalf("same-PGD vaddr: %+v", fault)
	}

	// A neighbor page inside the same PT misses at level 4.
	_, fault = cpu.Translate(tVaddr+FrameSize, Access{})
	if fault == nil || fault.Level != 4 {
		t.Fatalf("neighbor page: %+v", fault)
	}
}

func TestTranslatePermissions(t *testing.T) {
	m := newTestMachine(t)
	// Read-only, execute-never leaf.
	cpu := buildTables(t, m, uint64(APReadOnly)<<DescAPShift|DescAF|DescNG|DescUXN)

	if _, fault := cpu.Translate(tVaddr, Access{}); fault != nil {
		t.Fatalf("read: %v", fault)
	}
	if _, fault := cpu.Translate(tVaddr, Access{Write: true}); fault == nil || fault.Kind != MMUFaultPermission {
		t.Fatalf("write to read-only: %+v", fault)
	}
	if _, fault := cpu.Translate(tVaddr, Access{Exec: true}); fault == nil || fault.Kind != MMUFaultPermission {
		t.Fatalf("exec of UXN page: %+v", fault)
	}

	// Kernel-only pages are invisible to EL0.
	cpu2 := buildTables(t, m, uint64(APKernelOnly)<<DescAPShift|DescAF|DescNG)
	if _, fault := cpu2.Translate(tVaddr, Access{}); fault == nil || fault.Kind != MMUFaultPermission {
		t.Fatalf("EL0 access to kernel page: %+v", fault)
	}
}

func TestTLBStaleness(t *testing.T) {
	m := newTestMachine(t)
	cpu := buildTables(t, m, uint64(APReadWrite)<<DescAPShift|DescAF|DescNG)

	if _, fault := cpu.Translate(tVaddr, Access{}); fault != nil {
		t.Fatalf("prime TLB: %v", fault)
	}

	// Clearing the PT entry without invalidation leaves the cached
	// translation live, exactly like hardware.
	idx4 := (uint64(tVaddr) >> 12) & 0x1ff
	m.Mem.SetUint64(tPT+idx4*8, 0)
	if _, fault := cpu.Translate(tVaddr, Access{}); fault != nil {
		t.Fatalf("stale TLB should still translate: %v", fault)
	}

	// The ASID-scoped invalidation drops it.
	cpu.TLBInvalidateASID(cpu.ASID())
	if _, fault := cpu.Translate(tVaddr, Access{}); fault == nil {
		t.Fatal("translation survived invalidation")
	}
}

func TestTLBASIDTagging(t *testing.T) {
	m := newTestMachine(t)
	cpu := buildTables(t, m, uint64(APReadWrite)<<DescAPShift|DescAF|DescNG)

	if _, fault := cpu.Translate(tVaddr, Access{}); fault != nil {
		t.Fatalf("prime TLB: %v", fault)
	}

	// Switching to a different ASID with an empty root must not reuse
	// the cached entry.
	const otherRoot = 0x180000
	m.Mem.Zero(otherRoot, FrameSize)
	cpu.TTBR0 = uint64(otherRoot>>12)<<TTBRASIDShift | otherRoot
	if _, fault := cpu.Translate(tVaddr, Access{}); fault == nil {
		t.Fatal("entry leaked across ASIDs")
	}
}

func TestUARTMMIOAndIrq(t *testing.T) {
	m := newTestMachine(t)

	m.UART.Input([]byte("hi"))
	if !m.Intc.Enabled(UARTIrq) {
		m.Intc.Enable(UARTIrq)
	}
	if got := m.Intc.PendingIRQ(); got != UARTIrq {
		t.Fatalf("pending irq: got %d, want %d", got, UARTIrq)
	}

	// Register reads drain the queue through the MMIO window.
	if st, _ := m.Mem.Uint64(UARTPhysBase + UARTRegLSR); st&1 == 0 {
		t.Fatal("LSR shows no data ready")
	}
	b, _ := m.Mem.Uint64(UARTPhysBase + UARTRegIO)
	if byte(b) != 'h' {
		t.Fatalf("rx: got %q, want 'h'", byte(b))
	}
}

func TestTimerLatch(t *testing.T) {
	m := newTestMachine(t)
	tm := m.Timer(0)
	tm.Initialize()
	tm.TickIn(1000)
	if tm.IsPending() {
		t.Fatal("pending before deadline")
	}
	tm.Advance(999)
	if tm.IsPending() {
		t.Fatal("pending too early")
	}
	tm.Advance(1)
	if !tm.IsPending() {
		t.Fatal("not pending at deadline")
	}
	tm.TickIn(1000)
	if tm.IsPending() {
		t.Fatal("rearm did not clear the latch")
	}
}
