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
	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/machine"
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// irqTable routes interrupt lines to badged endpoint caps. The kernel's
// own timer interrupt never passes through it. Mutations take the kernel
// lock like every other trap-path operation.
type irqTable struct {
	eps [machine.NumIrqs]Slot
}

// attach installs a copy of ep for line irq, replacing any previous
// attachment.
func (it *irqTable) attach(irq int, ep EndpointCap) error {
	if irq < 0 || irq >= machine.NumIrqs {
		return syserr.ErrInvalidValue
	}
	it.eps[irq].clear()
	return ep.Slot.copyInto(&it.eps[irq])
}

// receive reads the pending IRQ from the platform controller, masks it,
// and signals the attached endpoint with bit 1<<irq. Unattached lines are
// masked and dropped.
func (it *irqTable) receive(k *Kernel) {
	irq := k.machine.Intc.PendingIRQ()
	if irq < 0 {
		return
	}
	k.machine.Intc.Disable(irq)
	ep, err := it.eps[irq].asEndpoint()
	if err != nil {
		return
	}
	ep.doSetSignal(k, 1<<uint(irq))
}

// listen unmasks line irq at the controller.
func (it *irqTable) listen(k *Kernel, irq int) {
	if irq >= 0 && irq < machine.NumIrqs {
		k.machine.Intc.Enable(irq)
	}
}

// InterruptCap is the typed view of the IRQ-controller capability held by
// the init thread.
type InterruptCap struct {
	*Slot
}

func mintInterrupt(slot *Slot) {
	slot.set(lakeos.Interrupt, 0, 0, 0, nil)
}

// handleInvocation dispatches IRQ-controller syscalls.
func (c InterruptCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysInterruptAttachIrq:
		if info.Length < 2 {
			return syserr.ErrInvalidValue
		}
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		epSlot, err := cspace.lookupNonNull(caller.TF.MR(1))
		if err != nil {
			return err
		}
		ep, err := epSlot.asEndpoint()
		if err != nil {
			return err
		}
		irq := int(caller.TF.MR(2))
		ep.setAttachedIrq(irq)
		if err := k.irqs.attach(irq, ep); err != nil {
			return err
		}
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysCapIdentify:
		caller.TF.SetMR(1, uint64(c.Type()))
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 1))
		return nil

	default:
		return syserr.ErrUnsupportedOp
	}
}
