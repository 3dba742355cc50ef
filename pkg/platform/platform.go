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

// Package platform drives user execution over the machine model. Each user
// thread runs as a goroutine rendezvousing with its CPU's loop: the loop
// resumes the thread, the thread runs until it takes a trap (syscall,
// memory fault, or a pending interrupt observed at an operation boundary),
// and the trap re-enters the kernel. Exactly one user context runs per CPU
// at any moment, preserving the kernel's one-thread-of-control-per-CPU
// model.
package platform

import (
	"sync"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/arch"
	"github.com/vincenthouyi/lakeos/pkg/kernel"
	"github.com/vincenthouyi/lakeos/pkg/machine"
)

// Program is the code of one user thread, run against its Context.
type Program func(ctx *Context)

// Harness couples a booted kernel with the user programs of its threads.
type Harness struct {
	K *kernel.Kernel
	M *machine.Machine

	mu       sync.Mutex
	contexts map[*kernel.TCB]*Context
	current  []*kernel.TCB
}

// NewHarness builds a harness over a booted kernel.
func NewHarness(k *kernel.Kernel) *Harness {
	return &Harness{
		K:        k,
		M:        k.Machine(),
		contexts: make(map[*kernel.TCB]*Context),
		current:  make([]*kernel.TCB, k.Machine().NumCPUs()),
	}
}

// Spawn attaches program as the user code of tcb. The program starts
// parked; it runs when the scheduler activates the TCB.
func (h *Harness) Spawn(tcb *kernel.TCB, program Program) *Context {
	ctx := &Context{
		h:      h,
		tcb:    tcb,
		resume: make(chan int),
		trap:   make(chan kernel.Trap),
	}
	h.mu.Lock()
	h.contexts[tcb] = ctx
	h.mu.Unlock()
	go func() {
		cpu := <-ctx.resume
		ctx.cpu = cpu
		program(ctx)
		ctx.exited = true
		// A returned program parks forever in a syscall-shaped trap
		// that never completes.
		ctx.trap <- kernel.Trap{ESR: arch.EncodeSvc(0)}
	}()
	return ctx
}

// Start performs the initial activation on cpu.
func (h *Harness) Start(cpu int) {
	h.current[cpu] = h.K.Schedule(cpu)
}

// Step runs one trap cycle on cpu: resume the current thread until it
// traps, hand the trap to the kernel, record the next activation. It
// returns false when the CPU is idle with nothing pending.
func (h *Harness) Step(cpu int) bool {
	cur := h.current[cpu]
	if cur == nil {
		h.Start(cpu)
		cur = h.current[cpu]
	}

	// Interrupts are taken at operation boundaries; a pending line
	// preempts before the thread runs again.
	if h.M.PendingIRQ(cpu) {
		h.current[cpu] = h.K.HandleTrap(cpu, kernel.Trap{IRQ: true})
		return true
	}

	if cur == h.K.IdleTCB(cpu) {
		return false
	}

	h.mu.Lock()
	ctx := h.contexts[cur]
	h.mu.Unlock()
	if ctx == nil || ctx.exited {
		// No user code behind this TCB: nothing can run it.
		return false
	}

	ctx.resume <- cpu
	t := <-ctx.trap
	h.current[cpu] = h.K.HandleTrap(cpu, t)
	return true
}

// RunUntil steps cpu until cond holds or the step budget is exhausted,
// firing the CPU timer whenever the machine goes fully quiet. It reports
// whether cond held.
func (h *Harness) RunUntil(cpu int, maxSteps int, cond func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return true
		}
		if !h.Step(cpu) {
			h.M.Timer(cpu).Fire()
		}
	}
	return cond()
}

// Context is the user-side view of one running thread.
type Context struct {
	h      *Harness
	tcb    *kernel.TCB
	cpu    int
	resume chan int
	trap   chan kernel.Trap
	exited bool
}

// TCB returns the thread's control block.
func (c *Context) TCB() *kernel.TCB {
	return c.tcb
}

// doTrap hands a trap to the CPU loop and parks until the thread is next
// activated.
func (c *Context) doTrap(t kernel.Trap) {
	c.trap <- t
	c.cpu = <-c.resume
}

// checkIRQ takes a pending interrupt at this operation boundary.
func (c *Context) checkIRQ() {
	if c.h.M.PendingIRQ(c.cpu) {
		c.doTrap(kernel.Trap{IRQ: true})
	}
}

// Syscall issues an svc #1 with the given message info and argument
// registers, returning the decoded response, the response registers and
// the delivery badge.
func (c *Context) Syscall(info lakeos.MsgInfo, args [6]uint64) (lakeos.RespInfo, [6]uint64, uint64) {
	c.checkIRQ()
	tf := &c.tcb.TF
	for i, a := range args {
		tf.SetMR(i, a)
	}
	tf.XRegs[arch.MsgInfoReg] = info.Encode()
	c.doTrap(kernel.Trap{ESR: arch.EncodeSvc(1)})

	resp := tf.RespInfo()
	var out [6]uint64
	for i := range out {
		out[i] = tf.MR(i)
	}
	return resp, out, tf.Badge()
}

// Load64 reads a word of user memory through the MMU, faulting (and
// retrying after resume) like a load instruction.
func (c *Context) Load64(vaddr uint64) uint64 {
	for {
		c.checkIRQ()
		v, fault := c.h.M.CPU(c.cpu).LoadUser64(vaddr)
		if fault == nil {
			return v
		}
		c.doTrap(kernel.Trap{ESR: arch.EncodeDataAbort(fault), FAR: fault.Addr})
	}
}

// Store64 writes a word of user memory through the MMU, faulting (and
// retrying after resume) like a store instruction.
func (c *Context) Store64(vaddr, v uint64) {
	for {
		c.checkIRQ()
		fault := c.h.M.CPU(c.cpu).StoreUser64(vaddr, v)
		if fault == nil {
			return
		}
		c.doTrap(kernel.Trap{ESR: arch.EncodeDataAbort(fault), FAR: fault.Addr})
	}
}

// LoadBytes copies user memory into buf, one byte at a time through the
// MMU.
func (c *Context) LoadBytes(vaddr uint64, buf []byte) {
	for i := range buf {
		for {
			c.checkIRQ()
			b, fault := c.h.M.CPU(c.cpu).LoadUser(vaddr + uint64(i))
			if fault == nil {
				buf[i] = b
				break
			}
			c.doTrap(kernel.Trap{ESR: arch.EncodeDataAbort(fault), FAR: fault.Addr})
		}
	}
}

// StoreBytes copies buf into user memory through the MMU.
func (c *Context) StoreBytes(vaddr uint64, buf []byte) {
	for i := range buf {
		for {
			c.checkIRQ()
			fault := c.h.M.CPU(c.cpu).StoreUser(vaddr+uint64(i), buf[i])
			if fault == nil {
				break
			}
			c.doTrap(kernel.Trap{ESR: arch.EncodeDataAbort(fault), FAR: fault.Addr})
		}
	}
}

// Yield issues the null syscall, giving the kernel a scheduling point.
func (c *Context) Yield() {
	c.Syscall(lakeos.MsgInfo{Op: lakeos.SysNull}, [6]uint64{})
}
