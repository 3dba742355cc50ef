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

// IntController models the shared 64-line interrupt controller. A line is
// delivered when it is both pending (the device raised it) and enabled
// (the kernel unmasked it).
type IntController struct {
	pending uint64
	enabled uint64
}

func newIntController() *IntController {
	return &IntController{}
}

// Raise marks line irq pending. Devices call this; the line stays pending
// until acknowledged.
func (ic *IntController) Raise(irq int) {
	ic.pending |= 1 << uint(irq)
}

// Enable unmasks line irq.
func (ic *IntController) Enable(irq int) {
	ic.enabled |= 1 << uint(irq)
}

// Disable masks line irq.
func (ic *IntController) Disable(irq int) {
	ic.enabled &^= 1 << uint(irq)
}

// Enabled reports whether line irq is unmasked.
func (ic *IntController) Enabled(irq int) bool {
	return ic.enabled&(1<<uint(irq)) != 0
}

// PendingIRQ returns the lowest pending enabled line and acknowledges it,
// or -1 if none is deliverable.
func (ic *IntController) PendingIRQ() int {
	deliverable := ic.pending & ic.enabled
	if deliverable == 0 {
		return -1
	}
	for irq := 0; irq < NumIrqs; irq++ {
		if deliverable&(1<<uint(irq)) != 0 {
			ic.pending &^= 1 << uint(irq)
			return irq
		}
	}
	return -1
}

func (ic *IntController) hasPending() bool {
	return ic.pending&ic.enabled != 0
}
