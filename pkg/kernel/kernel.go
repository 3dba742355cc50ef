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

// Package kernel is the capability microkernel core: capability slots and
// their derivation tree, CNode guarded lookup, untyped retyping, TCBs, the
// endpoint IPC state machine, the per-CPU round-robin scheduler, the IRQ
// table and the syscall and fault dispatch paths.
//
// One kernel thread of control exists per CPU; the kernel is not
// preemptible on its own stack. A trap enters through HandleTrap with IRQs
// masked, mutates state under the big kernel lock, and leaves by restoring
// the TCB chosen by the scheduler's activation.
package kernel

import (
	"fmt"
	"sync"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/arch"
	"github.com/vincenthouyi/lakeos/pkg/kernel/vspace"
	"github.com/vincenthouyi/lakeos/pkg/machine"
)

// Trap is what the hardware hands the kernel on entry: the syndrome and
// fault-address registers for a synchronous exception, or the IRQ flag.
type Trap struct {
	ESR uint64
	FAR uint64
	IRQ bool
}

type percpuState struct {
	sched   scheduler
	current *TCB
}

// Kernel is one booted kernel instance over a machine.
type Kernel struct {
	// mu is the big kernel lock, taken at trap entry and released at
	// trap exit. Per-CPU state needs no further locking; the capability
	// graph and endpoint queues are shared and rely on it.
	mu sync.Mutex

	machine *machine.Machine
	tick    uint32

	percpu []percpuState
	irqs   irqTable

	// objects maps a TCB's base physical address back to it; the
	// current-thread weak reference is recomputed from the trap frame
	// location through this table.
	objects map[uint64]*TCB

	// initRoot anchors the init CNode cap outside any CNode; it is the
	// derivation root for everything the init thread owns.
	initRoot Slot

	kernelPGD uint64
	curCPU    int

	// selfSlot and nextFreeSlot track where the boot carve placed the
	// init CNode's own cap and the first unoccupied index.
	selfSlot     uint64
	nextFreeSlot uint64

	bootInfo BootInfo
}

// New builds an unbooted kernel over m.
func New(m *machine.Machine, tick uint32) *Kernel {
	k := &Kernel{
		machine: m,
		tick:    tick,
		percpu:  make([]percpuState, m.NumCPUs()),
		objects: make(map[uint64]*TCB),
	}
	for cpu := range k.percpu {
		idle := k.newTCB(idleTCBPaddr(cpu))
		idle.TF.SPSR = arch.SPSRKernelMasked
		idle.timeSlice = TimeSlice
		k.percpu[cpu].sched.idle = idle
	}
	return k
}

// idleTCBPaddr places the per-CPU idle TCBs in the low RAM the boot
// carving skips.
func idleTCBPaddr(cpu int) uint64 {
	return 0x1000 + uint64(cpu)*lakeos.TcbObjSize
}

// Machine returns the underlying machine model.
func (k *Kernel) Machine() *machine.Machine {
	return k.machine
}

func (k *Kernel) sched(cpu int) *scheduler {
	return &k.percpu[cpu].sched
}

// Current returns the TCB last activated on cpu.
func (k *Kernel) Current(cpu int) *TCB {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.percpu[cpu].current
}

// TCBFromKernelSP recovers the TCB owning a trap frame from a kernel
// pointer into it, by masking down to the object's alignment.
func (k *Kernel) TCBFromKernelSP(sp uint64) *TCB {
	return k.objects[TCBBase(sp)]
}

// LookupTCB resolves a TCB capability in t's CSpace. The platform harness
// uses it to bind user programs to threads userland created.
func (k *Kernel) LookupTCB(t *TCB, slot uint64) (*TCB, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cspace, err := t.CSpace()
	if err != nil {
		return nil, err
	}
	s, err := cspace.LookupSlot(slot)
	if err != nil {
		return nil, err
	}
	c, err := s.asTcb()
	if err != nil {
		return nil, err
	}
	return c.tcb(), nil
}

// IdleTCB returns cpu's dedicated idle thread.
func (k *Kernel) IdleTCB(cpu int) *TCB {
	return k.percpu[cpu].sched.idle
}

// HandleTrap is the single kernel entry: the arch layer has saved the user
// context into the running TCB's trap frame and hands over the cause. The
// return value is the TCB whose context the CPU must restore, chosen by
// the scheduler's activation.
func (k *Kernel) HandleTrap(cpu int, t Trap) *TCB {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.curCPU = cpu

	cur := k.percpu[cpu].current
	if cur == nil {
		cur = k.percpu[cpu].sched.idle
	}

	if t.IRQ {
		k.handleIRQ(cpu, cur)
	} else {
		k.handleSync(cpu, cur, t)
	}
	return k.activate(cpu)
}

// Schedule runs the scheduler's activation on cpu outside a trap; the
// boot path uses it for the first entry to userland.
func (k *Kernel) Schedule(cpu int) *TCB {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.curCPU = cpu
	return k.activate(cpu)
}

func (k *Kernel) handleIRQ(cpu int, cur *TCB) {
	timer := k.machine.Timer(cpu)
	if timer.IsPending() {
		cur.timeSlice -= int64(k.tick)
		timer.TickIn(k.tick)
		return
	}
	k.irqs.receive(k)
}

func (k *Kernel) handleSync(cpu int, cur *TCB, t Trap) {
	syn := arch.DecodeSyndrome(t.ESR)
	if syn.SameEL {
		// A fault on the kernel's own stack is unrecoverable.
		panic(fmt.Sprintf("kernel-mode exception: %v at 0x%x", syn, t.FAR))
	}
	switch syn.Kind {
	case arch.SynSvc:
		k.handleSyscall(cur)
	case arch.SynDataAbort:
		k.handleUserFault(cur, lakeos.Fault{
			Access:  lakeos.FaultData,
			Address: t.FAR,
			Level:   syn.Level,
			Kind:    syn.Fault,
		})
	case arch.SynInstructionAbort:
		k.handleUserFault(cur, lakeos.Fault{
			Access:  lakeos.FaultPrefetch,
			Address: t.FAR,
			Level:   syn.Level,
			Kind:    syn.Fault,
		})
	default:
		// Anything else from EL0 is a fault with no finer
		// classification.
		k.handleUserFault(cur, lakeos.Fault{
			Access:  lakeos.FaultData,
			Address: t.FAR,
			Kind:    lakeos.FaultOther,
		})
	}
}

// activate picks the next TCB on cpu, installs its address space and
// returns it for context restore. The idle TCB runs when the queue is
// empty.
func (k *Kernel) activate(cpu int) *TCB {
	next := k.sched(cpu).next()
	if next != k.sched(cpu).idle {
		if asid, err := next.ASID(); err == nil {
			v, _ := next.vspaceSlot.asVTable()
			c := k.machine.CPU(cpu)
			arch.InstallUserVSpace(c, asid, v.Paddr())
			c.TLBInvalidateASID(asid)
		}
	}
	k.percpu[cpu].current = next
	return next
}

// vspaceOf builds the table view rooted at a VTable cap.
func (k *Kernel) vspaceOf(root VTableCap) *vspace.VSpace {
	return vspace.New(k.machine.Mem, root.Paddr())
}

// kprintf writes a kernel diagnostic line to the modeled console.
func (k *Kernel) kprintf(format string, args ...any) {
	s := fmt.Sprintf("[Kernel:%d] ", k.curCPU) + fmt.Sprintf(format, args...) + "\n"
	for i := 0; i < len(s); i++ {
		k.machine.UART.WriteByte(s[i])
	}
}

// kputc writes one rune to the console; the DebugPrint path.
func (k *Kernel) kputc(r rune) {
	for _, b := range []byte(string(r)) {
		k.machine.UART.WriteByte(b)
	}
}
