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
)

// capTransferReg is the message register naming the transferred cap: the
// source CSpace index on the sending side, the destination index on the
// receiving side.
const capTransferReg = 5

// deliver copies one IPC from sender to receiver: the message registers
// named by info, the optional capability, the badge, and, for a call, the
// one-shot reply cap minted from the sender's TCB. The receiver's
// response-info and badge registers are written; scheduling transitions
// stay with the caller.
func (k *Kernel) deliver(sender *TCB, info lakeos.MsgInfo, receiver *TCB, badge uint64, needReply bool) {
	msglen := info.Length
	if msglen > lakeos.IPCMaxArgs {
		msglen = lakeos.IPCMaxArgs
	}
	for i := 1; i <= msglen; i++ {
		receiver.TF.SetMR(i, sender.TF.MR(i))
	}

	capMoved := false
	if info.CapTransfer {
		capMoved = k.transferCap(sender, receiver)
	}

	if needReply {
		receiver.setReply(sender)
	}

	receiver.TF.SetBadge(badge)
	receiver.TF.SetRespInfo(lakeos.RespInfo{
		Type:        lakeos.MsgTypeMessage,
		Length:      msglen,
		CapTransfer: capMoved,
		NeedReply:   needReply,
		Badged:      badge != lakeos.NoBadge,
		Errno:       lakeos.OK,
	})
}

// transferCap copies the sender's designated cap slot into the receiver's
// designated receive slot, preserving the derivation link. A missing or
// occupied destination drops the transfer rather than failing the IPC.
func (k *Kernel) transferCap(sender, receiver *TCB) bool {
	scspace, err := sender.CSpace()
	if err != nil {
		return false
	}
	src, err := scspace.lookupNonNull(sender.TF.MR(capTransferReg))
	if err != nil {
		return false
	}
	rcspace, err := receiver.CSpace()
	if err != nil {
		return false
	}
	dst, err := rcspace.LookupSlot(receiver.TF.MR(capTransferReg))
	if err != nil {
		return false
	}
	if err := src.copyInto(dst); err != nil {
		return false
	}
	return true
}

// deliverFault writes the fault message synthesized for faulter into the
// receiver's registers, minting the reply cap that resumes the faulter.
func (k *Kernel) deliverFault(faulter, receiver *TCB) {
	buf := faulter.pendingFault.Encode()
	for i, w := range buf {
		receiver.TF.SetMR(i+1, w)
	}
	receiver.setReply(faulter)
	receiver.TF.SetBadge(faulter.sendingBadge)
	resp := lakeos.FaultResp(lakeos.FaultMsgLen)
	resp.Badged = faulter.sendingBadge != lakeos.NoBadge
	receiver.TF.SetRespInfo(resp)
}
