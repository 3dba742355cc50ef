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
	"fmt"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/machine"
)

// Exception classes (ESR_EL1.EC) the kernel distinguishes.
const (
	ecUnknown        = 0b000000
	ecWfiWfe         = 0b000001
	ecSvc64          = 0b010101
	ecIAbortLowerEL  = 0b100000
	ecIAbortSameEL   = 0b100001
	ecPCAlignment    = 0b100010
	ecDAbortLowerEL  = 0b100100
	ecDAbortSameEL   = 0b100101
	ecSPAlignment    = 0b100110
	ecSError         = 0b101111
	ecBrk            = 0b111100
	esrECShift       = 26
	esrISSMask       = 0xffffff
	issFaultKindMask = 0b111100
	issFaultLvlMask  = 0b11
)

// Syndrome is the decoded exception syndrome.
type Syndrome struct {
	Kind  SyndromeKind
	Imm   uint16           // SVC/BRK immediate
	Fault lakeos.FaultKind // abort classification
	Level uint8            // translation level, root = 1

	// SameEL marks an abort taken from EL1 itself; those are fatal.
	SameEL bool
}

// SyndromeKind enumerates the exception shapes the dispatcher handles.
type SyndromeKind uint8

const (
	SynUnknown SyndromeKind = iota
	SynSvc
	SynInstructionAbort
	SynDataAbort
	SynPCAlignment
	SynSPAlignment
	SynSError
	SynBrk
	SynWfiWfe
)

// String implements fmt.Stringer.
func (s Syndrome) String() string {
	switch s.Kind {
	case SynSvc:
		return fmt.Sprintf("Svc(%d)", s.Imm)
	case SynInstructionAbort:
		return fmt.Sprintf("InstructionAbort(%v, level %d)", s.Fault, s.Level)
	case SynDataAbort:
		return fmt.Sprintf("DataAbort(%v, level %d)", s.Fault, s.Level)
	case SynPCAlignment:
		return "PCAlignmentFault"
	case SynSPAlignment:
		return "SPAlignmentFault"
	case SynSError:
		return "SError"
	case SynBrk:
		return fmt.Sprintf("Brk(%d)", s.Imm)
	case SynWfiWfe:
		return "WfiWfe"
	default:
		return "Unknown"
	}
}

// DecodeSyndrome converts a raw ESR value into a Syndrome (ref: D1.10.4).
func DecodeSyndrome(esr uint64) Syndrome {
	iss := uint32(esr & esrISSMask)
	switch esr >> esrECShift & 0x3f {
	case ecSvc64:
		return Syndrome{Kind: SynSvc, Imm: uint16(iss)}
	case ecIAbortLowerEL, ecIAbortSameEL:
		return Syndrome{
			Kind:   SynInstructionAbort,
			Fault:  faultKind(iss),
			Level:  uint8(iss&issFaultLvlMask) + 1,
			SameEL: esr>>esrECShift&0x3f == ecIAbortSameEL,
		}
	case ecDAbortLowerEL, ecDAbortSameEL:
		return Syndrome{
			Kind:   SynDataAbort,
			Fault:  faultKind(iss),
			Level:  uint8(iss&issFaultLvlMask) + 1,
			SameEL: esr>>esrECShift&0x3f == ecDAbortSameEL,
		}
	case ecPCAlignment:
		return Syndrome{Kind: SynPCAlignment}
	case ecSPAlignment:
		return Syndrome{Kind: SynSPAlignment}
	case ecSError:
		return Syndrome{Kind: SynSError}
	case ecBrk:
		return Syndrome{Kind: SynBrk, Imm: uint16(iss)}
	case ecWfiWfe:
		return Syndrome{Kind: SynWfiWfe}
	default:
		return Syndrome{Kind: SynUnknown}
	}
}

func faultKind(iss uint32) lakeos.FaultKind {
	switch iss & issFaultKindMask {
	case 0b000000:
		return lakeos.FaultAddressSize
	case 0b000100:
		return lakeos.FaultTranslation
	case 0b001000:
		return lakeos.FaultAccessFlag
	case 0b001100:
		return lakeos.FaultPermission
	case 0b100000:
		return lakeos.FaultAlignment
	case 0b110000:
		return lakeos.FaultTlbConflict
	default:
		return lakeos.FaultOther
	}
}

// EncodeSvc builds the ESR value for an SVC from EL0.
func EncodeSvc(imm uint16) uint64 {
	return uint64(ecSvc64)<<esrECShift | uint64(imm)
}

// EncodeDataAbort builds the ESR value for a data abort from EL0 produced
// by the MMU model.
func EncodeDataAbort(f *machine.MMUFault) uint64 {
	return uint64(ecDAbortLowerEL)<<esrECShift | uint64(abortISS(f))
}

// EncodeInstructionAbort builds the ESR value for a prefetch abort from EL0.
func EncodeInstructionAbort(f *machine.MMUFault) uint64 {
	return uint64(ecIAbortLowerEL)<<esrECShift | uint64(abortISS(f))
}

func abortISS(f *machine.MMUFault) uint32 {
	var kind uint32
	switch f.Kind {
	case machine.MMUFaultTranslation:
		kind = 0b000100
	case machine.MMUFaultPermission:
		kind = 0b001100
	default:
		kind = 0b000000
	}
	lvl := uint32(0)
	if f.Level >= 1 {
		lvl = uint32(f.Level - 1)
	}
	return kind | lvl&issFaultLvlMask
}
