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

import "sync"

// Timer models one per-CPU generic timer. The kernel arms it with TickIn;
// the simulator (or a test) advances modeled time with Advance, which
// latches the pending flag when the deadline passes. The pending flag stays
// set until the kernel rearms.
type Timer struct {
	mu      sync.Mutex
	cpu     int
	enabled bool
	// remaining modeled microseconds until fire; meaningful while armed.
	remaining uint64
	armed     bool
	pending   bool
}

func newTimer(cpu int) *Timer {
	return &Timer{cpu: cpu}
}

// Initialize enables the timer for its CPU.
func (t *Timer) Initialize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
}

// TickIn arms the timer to fire after us microseconds of modeled time and
// clears the pending latch.
func (t *Timer) TickIn(us uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = uint64(us)
	t.armed = true
	t.pending = false
}

// Advance moves modeled time forward by us microseconds.
func (t *Timer) Advance(us uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.armed {
		return
	}
	if us >= t.remaining {
		t.remaining = 0
		t.armed = false
		t.pending = true
	} else {
		t.remaining -= us
	}
}

// Fire latches the pending flag immediately, regardless of the armed
// deadline. Tests use this for deterministic tick delivery.
func (t *Timer) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		t.armed = false
		t.pending = true
	}
}

// IsPending reports whether the timer interrupt is asserted.
func (t *Timer) IsPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
