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

// queueNode is the intrusive link embedded in every TCB. A TCB is on at
// most one queue at any moment; detach is always safe, linked or not.
type queueNode struct {
	prev, next *queueNode
	tcb        *TCB
}

// linked reports whether the node is on some queue.
func (n *queueNode) linked() bool {
	return n.prev != nil
}

// detach unlinks the node from whatever queue holds it.
func (n *queueNode) detach() {
	if n.prev == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

// tcbQueue is a FIFO of TCBs threaded through their queue nodes. The
// sentinel head makes enqueue/dequeue branch-free.
type tcbQueue struct {
	head queueNode
}

func (q *tcbQueue) init() {
	q.head.prev = &q.head
	q.head.next = &q.head
}

func (q *tcbQueue) lazyInit() {
	if q.head.next == nil {
		q.init()
	}
}

// empty reports whether the queue holds no TCB.
func (q *tcbQueue) empty() bool {
	q.lazyInit()
	return q.head.next == &q.head
}

// enqueue appends tcb at the tail.
func (q *tcbQueue) enqueue(tcb *TCB) {
	q.lazyInit()
	n := &tcb.node
	tail := q.head.prev
	n.prev = tail
	n.next = &q.head
	tail.next = n
	q.head.prev = n
}

// dequeue removes and returns the head TCB, or nil.
func (q *tcbQueue) dequeue() *TCB {
	q.lazyInit()
	if q.empty() {
		return nil
	}
	n := q.head.next
	n.detach()
	return n.tcb
}

// peek returns the head TCB without removing it, or nil.
func (q *tcbQueue) peek() *TCB {
	q.lazyInit()
	if q.empty() {
		return nil
	}
	return q.head.next.tcb
}
