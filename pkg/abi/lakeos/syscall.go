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

package lakeos

import "fmt"

// SyscallOp is the invocation opcode carried in the message-info word. Every
// syscall is an invocation of the capability named by mr[0]; the opcode
// selects the per-type handler.
type SyscallOp uint8

const (
	SysNull SyscallOp = iota
	SysDebugPrint
	SysCapIdentify
	SysDerive
	SysCapCopy
	SysRetype
	SysTcbConfigure
	SysTcbResume
	SysTcbSetRegisters
	SysEndpointMint
	SysEndpointSend
	SysEndpointRecv
	SysEndpointCall
	SysEndpointReply
	SysEndpointReplyRecv
	SysRamMap
	SysVTableMap
	SysCNodeDelete
	SysMonitorMintUntyped
	SysMonitorInsertTcbToCpu
	SysInterruptAttachIrq

	numSyscallOps
)

// String implements fmt.Stringer.
func (op SyscallOp) String() string {
	if int(op) < len(syscallOpNames) {
		return syscallOpNames[op]
	}
	return fmt.Sprintf("SyscallOp(%d)", uint8(op))
}

var syscallOpNames = [...]string{
	SysNull:                  "NullSyscall",
	SysDebugPrint:            "DebugPrint",
	SysCapIdentify:           "CapIdentify",
	SysDerive:                "Derive",
	SysCapCopy:               "CapCopy",
	SysRetype:                "Retype",
	SysTcbConfigure:          "TcbConfigure",
	SysTcbResume:             "TcbResume",
	SysTcbSetRegisters:       "TcbSetRegisters",
	SysEndpointMint:          "EndpointMint",
	SysEndpointSend:          "EndpointSend",
	SysEndpointRecv:          "EndpointRecv",
	SysEndpointCall:          "EndpointCall",
	SysEndpointReply:         "EndpointReply",
	SysEndpointReplyRecv:     "EndpointReplyRecv",
	SysRamMap:                "RamMap",
	SysVTableMap:             "VTableMap",
	SysCNodeDelete:           "CNodeDelete",
	SysMonitorMintUntyped:    "MonitorMintUntyped",
	SysMonitorInsertTcbToCpu: "MonitorInsertTcbToCpu",
	SysInterruptAttachIrq:    "InterruptAttachIrq",
}

// MsgInfo is the decoded form of the message-info word passed in x6 on
// syscall entry.
//
// Word layout:
//
//	-----------------------------------------------
//	|  opcode |msglen|C|                          |
//	|    8    |  4   |1|        reserved          |
//	-----------------------------------------------
//	C: cap-transfer flag
type MsgInfo struct {
	Op          SyscallOp
	Length      int
	CapTransfer bool
}

const (
	msgInfoOpShift  = 56
	msgInfoLenShift = 52
	msgInfoLenMask  = 0xf
	msgInfoCapShift = 51
)

// Encode packs the message info into its register representation.
func (m MsgInfo) Encode() uint64 {
	w := uint64(m.Op)<<msgInfoOpShift | (uint64(m.Length)&msgInfoLenMask)<<msgInfoLenShift
	if m.CapTransfer {
		w |= 1 << msgInfoCapShift
	}
	return w
}

// DecodeMsgInfo unpacks a message-info word. It fails on an opcode outside
// the defined range; all other bit patterns decode.
func DecodeMsgInfo(w uint64) (MsgInfo, error) {
	op := SyscallOp(w >> msgInfoOpShift)
	if op >= numSyscallOps {
		return MsgInfo{}, fmt.Errorf("invalid syscall opcode %d", uint8(op))
	}
	return MsgInfo{
		Op:          op,
		Length:      int((w >> msgInfoLenShift) & msgInfoLenMask),
		CapTransfer: w>>msgInfoCapShift&1 == 1,
	}, nil
}

// MsgType distinguishes the delivery forms reported in the response-info
// word.
type MsgType uint8

const (
	MsgTypeInvalid MsgType = iota
	MsgTypeMessage
	MsgTypeNotification
	MsgTypeFault
)

// String implements fmt.Stringer.
func (t MsgType) String() string {
	switch t {
	case MsgTypeMessage:
		return "Message"
	case MsgTypeNotification:
		return "Notification"
	case MsgTypeFault:
		return "Fault"
	default:
		return "Invalid"
	}
}

// RespInfo is the decoded form of the response-info word written back to x6
// before returning to userland.
//
// Word layout:
//
//	-----------------------------------------------
//	|type|msglen|C|R|B| errno |                   |
//	|  2 |  4   |1|1|1|   6   |      reserved     |
//	-----------------------------------------------
//	C: cap transfer, R: need reply, B: badged
type RespInfo struct {
	Type        MsgType
	Length      int
	CapTransfer bool
	NeedReply   bool
	Badged      bool
	Errno       Errno
}

const (
	respInfoTypeShift  = 62
	respInfoLenShift   = 58
	respInfoLenMask    = 0xf
	respInfoCapShift   = 57
	respInfoReplyShift = 56
	respInfoBadgeShift = 55
	respInfoErrShift   = 49
	respInfoErrMask    = 0x3f
)

// Encode packs the response info into its register representation.
func (r RespInfo) Encode() uint64 {
	w := uint64(r.Type)<<respInfoTypeShift |
		(uint64(r.Length)&respInfoLenMask)<<respInfoLenShift |
		(uint64(r.Errno)&respInfoErrMask)<<respInfoErrShift
	if r.CapTransfer {
		w |= 1 << respInfoCapShift
	}
	if r.NeedReply {
		w |= 1 << respInfoReplyShift
	}
	if r.Badged {
		w |= 1 << respInfoBadgeShift
	}
	return w
}

// DecodeRespInfo unpacks a response-info word.
func DecodeRespInfo(w uint64) RespInfo {
	return RespInfo{
		Type:        MsgType(w >> respInfoTypeShift),
		Length:      int((w >> respInfoLenShift) & respInfoLenMask),
		CapTransfer: w>>respInfoCapShift&1 == 1,
		NeedReply:   w>>respInfoReplyShift&1 == 1,
		Badged:      w>>respInfoBadgeShift&1 == 1,
		Errno:       Errno((w >> respInfoErrShift) & respInfoErrMask),
	}
}

// SyscallResp builds the response info for an ordinary syscall return.
func SyscallResp(errno Errno, length int) RespInfo {
	return RespInfo{Type: MsgTypeMessage, Length: length, Errno: errno}
}

// NotificationResp builds the response info for a signal delivery.
func NotificationResp() RespInfo {
	return RespInfo{Type: MsgTypeNotification, Length: 1}
}

// FaultResp builds the response info for a kernel-synthesized fault message.
func FaultResp(length int) RespInfo {
	return RespInfo{Type: MsgTypeFault, Length: length, NeedReply: true}
}
