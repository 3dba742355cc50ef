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

// TimeSlice is the budget, in modeled microseconds, refilled when a TCB
// rotates to the head of its ready queue.
const TimeSlice = 1000

// scheduler is one CPU's ready queue plus its dedicated idle TCB. There
// are no priorities; rotation is pure round-robin on timeslice expiry.
type scheduler struct {
	queue tcbQueue
	idle  *TCB
}

// push appends a Ready TCB at the tail.
func (s *scheduler) push(t *TCB) {
	s.queue.enqueue(t)
}

// pop removes and returns the head.
func (s *scheduler) pop() *TCB {
	return s.queue.dequeue()
}

// head returns the head without removing it.
func (s *scheduler) head() *TCB {
	return s.queue.peek()
}

// next picks the TCB to run: the head, rotated to the tail first if its
// timeslice is spent (the new head is refilled). An empty queue yields the
// idle TCB.
func (s *scheduler) next() *TCB {
	head := s.head()
	if head == nil {
		return s.idle
	}
	if head.timeSlice <= 0 {
		s.push(s.pop())
		head = s.head()
		head.timeSlice = TimeSlice
	}
	return head
}
