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
	"testing"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

func queueLen(s *scheduler) int {
	n := 0
	for node := s.queue.head.next; node != nil && node != &s.queue.head; node = node.next {
		n++
	}
	return n
}

func TestResumeIdempotent(t *testing.T) {
	k, init, _ := bootTestKernel(t)
	tcb, tcbSlot := spawnThread(t, k, init, 0)

	for i := 0; i < 3; i++ {
		resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysTcbResume}, [6]uint64{tcbSlot})
		mustOK(t, resp, "resume")
	}

	// One queue entry for the resumed thread, one for init.
	if got := queueLen(k.sched(0)); got != 2 {
		t.Fatalf("ready queue length: got %d, want 2", got)
	}
	if tcb.State() != ThreadReady {
		t.Errorf("state: %v", tcb.State())
	}
}

func TestTimesliceRotation(t *testing.T) {
	k, init, _ := bootTestKernel(t)
	other, otherSlot := spawnThread(t, k, init, 0)
	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysTcbResume}, [6]uint64{otherSlot})
	mustOK(t, resp, "resume")

	first := k.Schedule(0)
	if first != init {
		t.Fatalf("first activation: got %p, want init", first)
	}

	// With the tick equal to the timeslice, every timer interrupt
	// rotates the head.
	ticksPerSlice := TimeSlice / int(k.tick)
	want := []*TCB{other, init, other, init}
	for round, expect := range want {
		var cur *TCB
		for i := 0; i < ticksPerSlice; i++ {
			k.machine.Timer(0).Fire()
			cur = k.HandleTrap(0, Trap{IRQ: true})
		}
		if cur != expect {
			t.Fatalf("rotation %d: got %v, want %v", round, cur.Paddr(), expect.Paddr())
		}
	}
}

func TestIdleWhenQueueEmpty(t *testing.T) {
	k, _, _ := bootTestKernel(t)

	// CPU 1 has no ready threads; activation yields its idle TCB.
	got := k.Schedule(1)
	if got != k.IdleTCB(1) {
		t.Fatalf("empty queue activation: got %v, want idle", got)
	}
}

func TestMonitorInsertTcbToCpu(t *testing.T) {
	k, init, _ := bootTestKernel(t)
	tcb, tcbSlot := spawnThread(t, k, init, 0)

	resp, _, _ := invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysMonitorInsertTcbToCpu, Length: 2},
		[6]uint64{lakeos.InitSlotMonitor, tcbSlot, 1})
	mustOK(t, resp, "insert to cpu")

	if got := k.sched(1).head(); got != tcb {
		t.Fatalf("cpu1 head: got %v, want the inserted TCB", got)
	}
	// Re-inserting is a no-op, as with resume.
	resp, _, _ = invoke(k, init, lakeos.MsgInfo{Op: lakeos.SysMonitorInsertTcbToCpu, Length: 2},
		[6]uint64{lakeos.InitSlotMonitor, tcbSlot, 1})
	mustOK(t, resp, "re-insert")
	if got := queueLen(k.sched(1)); got != 1 {
		t.Fatalf("cpu1 queue length: got %d, want 1", got)
	}
}
