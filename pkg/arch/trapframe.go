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

package arch

import (
	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

// SPSR values written when a thread frame is initialized.
const (
	// SPSRUserDefault runs the thread at EL0 with interrupts enabled.
	SPSRUserDefault = 0x0

	// SPSRKernelMasked runs at EL1h with IRQs masked; used for the idle
	// frame.
	SPSRKernelMasked = 0x3c5
)

// MsgInfoReg is the register index carrying the message-info word on entry
// and the response-info word on exit.
const MsgInfoReg = 6

// BadgeReg is the register index carrying the delivery badge on IPC return.
const BadgeReg = 0

// TrapFrame is the saved user context: all integer registers, the EL0
// stack pointer, the exception link register and the saved processor
// state. It lives at the base of its owning TCB so that a pointer into the
// frame recovers the TCB by masking.
type TrapFrame struct {
	XRegs [31]uint64
	SP    uint64
	ELR   uint64
	SPSR  uint64
}

// MR returns message register idx. Message registers alias x0..x6.
func (tf *TrapFrame) MR(idx int) uint64 {
	return tf.XRegs[idx]
}

// SetMR writes message register idx.
func (tf *TrapFrame) SetMR(idx int, v uint64) {
	tf.XRegs[idx] = v
}

// MsgInfo decodes the message-info word from the frame.
func (tf *TrapFrame) MsgInfo() (lakeos.MsgInfo, error) {
	return lakeos.DecodeMsgInfo(tf.XRegs[MsgInfoReg])
}

// SetRespInfo writes the response-info word into the frame.
func (tf *TrapFrame) SetRespInfo(r lakeos.RespInfo) {
	tf.XRegs[MsgInfoReg] = r.Encode()
}

// RespInfo decodes the response-info word from the frame.
func (tf *TrapFrame) RespInfo() lakeos.RespInfo {
	return lakeos.DecodeRespInfo(tf.XRegs[MsgInfoReg])
}

// SetBadge writes the delivery badge.
func (tf *TrapFrame) SetBadge(b uint64) {
	tf.XRegs[BadgeReg] = b
}

// Badge returns the delivery badge.
func (tf *TrapFrame) Badge() uint64 {
	return tf.XRegs[BadgeReg]
}

// SetELR sets the resume program counter.
func (tf *TrapFrame) SetELR(pc uint64) {
	tf.ELR = pc
}

// SetSP sets the EL0 stack pointer.
func (tf *TrapFrame) SetSP(sp uint64) {
	tf.SP = sp
}

// InitUserThread sets the processor state for a fresh EL0 thread,
// preserving PC, SP and the register file.
func (tf *TrapFrame) InitUserThread() {
	tf.SPSR = SPSRUserDefault
}
