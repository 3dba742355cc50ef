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

// IPCMaxArgs is the number of general-purpose message registers carried by
// one IPC transfer, in addition to the optional capability slot.
const IPCMaxArgs = 4

// NoBadge is delivered in the badge register when the sender's endpoint cap
// carried no badge.
const NoBadge = 0

// Fault kinds synthesized from the exception syndrome on a user-mode fault.
type FaultKind uint8

const (
	FaultAddressSize FaultKind = iota
	FaultTranslation
	FaultAccessFlag
	FaultPermission
	FaultAlignment
	FaultTlbConflict
	FaultOther
)

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	switch k {
	case FaultAddressSize:
		return "AddressSize"
	case FaultTranslation:
		return "Translation"
	case FaultAccessFlag:
		return "AccessFlag"
	case FaultPermission:
		return "Permission"
	case FaultAlignment:
		return "Alignment"
	case FaultTlbConflict:
		return "TlbConflict"
	default:
		return "Other"
	}
}

// Fault access classes.
const (
	FaultData     = 0
	FaultPrefetch = 1
)

// FaultMsgLen is the number of message registers in a fault IPC.
const FaultMsgLen = 3

// Fault describes a user-mode exception as delivered to the thread's
// fault-handler endpoint.
type Fault struct {
	// Access is FaultData or FaultPrefetch.
	Access uint8

	// Address is the faulting virtual address (FAR).
	Address uint64

	// Level is the translation level the walk failed at.
	Level uint8

	// Kind classifies the fault.
	Kind FaultKind
}

// Encode packs the fault into its three-word IPC message form.
func (f Fault) Encode() [FaultMsgLen]uint64 {
	return [FaultMsgLen]uint64{
		uint64(f.Access),
		f.Address,
		uint64(f.Level)<<32 | uint64(f.Kind),
	}
}

// DecodeFault unpacks a three-word fault message.
func DecodeFault(buf [FaultMsgLen]uint64) Fault {
	return Fault{
		Access:  uint8(buf[0]),
		Address: buf[1],
		Level:   uint8(buf[2] >> 32),
		Kind:    FaultKind(buf[2] & 0xff),
	}
}
