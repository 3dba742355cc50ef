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

// Permission carries the access rights requested for a RamMap invocation,
// encoded as the low three bits of a message register.
type Permission struct {
	Readable   bool
	Writable   bool
	Executable bool
}

// ReadWrite is the common data-page permission.
var ReadWrite = Permission{Readable: true, Writable: true}

// ReadOnly grants read access only.
var ReadOnly = Permission{Readable: true}

// ReadExec is the text-segment permission.
var ReadExec = Permission{Readable: true, Executable: true}

const (
	permReadBit  = 0b100
	permWriteBit = 0b010
	permExecBit  = 0b001
)

// Encode packs the permission into its register representation.
func (p Permission) Encode() uint64 {
	var w uint64
	if p.Readable {
		w |= permReadBit
	}
	if p.Writable {
		w |= permWriteBit
	}
	if p.Executable {
		w |= permExecBit
	}
	return w
}

// DecodePermission unpacks a permission word.
func DecodePermission(w uint64) Permission {
	return Permission{
		Readable:   w&permReadBit != 0,
		Writable:   w&permWriteBit != 0,
		Executable: w&permExecBit != 0,
	}
}

// Register-selector flags for TcbSetRegisters.
const (
	TcbSetPC = 0b1000
	TcbSetSP = 0b0100
)
