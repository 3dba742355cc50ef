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
	"github.com/vincenthouyi/lakeos/pkg/syserr"
)

// MonitorCap is the super-user capability handed to the init thread: it
// mints untypeds from raw physical ranges and places TCBs on other CPUs'
// schedulers.
type MonitorCap struct {
	*Slot
}

func mintMonitor(slot *Slot) {
	slot.set(lakeos.Monitor, 0, 0, 0, nil)
}

// handleInvocation dispatches monitor syscalls.
func (c MonitorCap) handleInvocation(k *Kernel, info lakeos.MsgInfo, caller *TCB) error {
	switch info.Op {
	case lakeos.SysMonitorMintUntyped:
		if info.Length < 4 {
			return syserr.ErrInvalidValue
		}
		slotIdx := caller.TF.MR(1)
		paddr := caller.TF.MR(2)
		bitSize := caller.TF.MR(3)
		isDevice := caller.TF.MR(4) == 1
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		dst, err := cspace.LookupSlot(slotIdx)
		if err != nil {
			return err
		}
		if !dst.IsNull() {
			return syserr.ErrSlotNotEmpty
		}
		mintUntyped(dst, paddr, bitSize, isDevice)
		caller.TF.SetRespInfo(lakeos.SyscallResp(lakeos.OK, 0))
		return nil

	case lakeos.SysMonitorInsertTcbToCpu:
		if info.Length < 2 {
			return syserr.ErrInvalidValue
		}
		cspace, err := caller.CSpace()
		if err != nil {
			return err
		}
		tcbSlot, err := cspace.lookupNonNull(caller.TF.MR(1))
		if err != nil {
			return err
		}
		tcap, err := tcbSlot.asTcb()
		if err != nil {
			return err
		}
		cpu := int(caller.TF.MR(2))
		if cpu < 0 || cpu >= k.machine.NumCPUs() {
			return syserr.ErrInvalidValue
		}
		t := tcap.tcb()
		if !t.node.linked() {
			t.setState(ThreadReady)
			k.sched(cpu).push(t)
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
