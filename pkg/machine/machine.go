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

// Package machine models the board the kernel runs on: physical memory, the
// per-CPU core state (system registers, MMU and TLB), the interrupt
// controller, the mini-UART and the per-CPU generic timers. The model is
// driven entirely by the kernel and the user-execution harness; nothing in
// it advances on its own.
package machine

// Physical layout constants. The kernel image loads at PhysBase; the
// peripheral window starts at PhysIOBase.
const (
	PhysBase   = 0x80000
	PhysIOBase = 0x3f00_0000
	IOSize     = 0x0100_0000

	// UARTIrq is the interrupt line of the mini-UART.
	UARTIrq = 29

	// NumIrqs is the number of interrupt lines on the controller.
	NumIrqs = 64
)

// Machine is one modeled board.
type Machine struct {
	// Mem is the physical memory, including the MMIO dispatch window.
	Mem *PhysMem

	// CPUs holds one core per configured CPU, indexed by affinity id.
	CPUs []*CPU

	// Intc is the shared interrupt controller.
	Intc *IntController

	// UART is the mini-UART behind the console.
	UART *MiniUART

	// Timers holds the per-CPU generic timers.
	Timers []*Timer
}

// New builds a machine from cfg. The returned machine has all CPUs halted;
// memory is zeroed.
func New(cfg Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mem := newPhysMem(cfg.RAMSize)
	intc := newIntController()
	m := &Machine{
		Mem:  mem,
		Intc: intc,
		UART: newMiniUART(intc),
	}
	mem.registerMMIO(UARTPhysBase, uint64(FrameSize), m.UART)
	for i := 0; i < cfg.NumCPUs; i++ {
		m.CPUs = append(m.CPUs, newCPU(i, mem))
		m.Timers = append(m.Timers, newTimer(i))
	}
	return m, nil
}

// NumCPUs returns the number of modeled cores.
func (m *Machine) NumCPUs() int {
	return len(m.CPUs)
}

// CPU returns the core with the given affinity id.
func (m *Machine) CPU(id int) *CPU {
	return m.CPUs[id]
}

// Timer returns the generic timer of the given CPU.
func (m *Machine) Timer(cpu int) *Timer {
	return m.Timers[cpu]
}

// PendingIRQ reports whether any enabled interrupt line or the given CPU's
// timer is pending.
func (m *Machine) PendingIRQ(cpu int) bool {
	return m.Timers[cpu].IsPending() || m.Intc.hasPending()
}

// FrameSize is the machine page granule.
const FrameSize = 4096
