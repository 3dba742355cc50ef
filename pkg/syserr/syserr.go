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

// Package syserr holds the error values reported through the response-info
// word. Handlers return these; the dispatcher encodes the errno (and, for
// the translation errors, the level) into the response.
package syserr

import (
	"fmt"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

// Error is a kernel invocation error. The two VSpace translation errors
// additionally carry the affected level.
type Error struct {
	errno lakeos.Errno
	level uint8
}

// Error implements error.
func (e *Error) Error() string {
	if e.errno == lakeos.EVSpaceTableMiss || e.errno == lakeos.EVSpaceSlotOccupied {
		return fmt.Sprintf("%v(level=%d)", e.errno, e.level)
	}
	return e.errno.String()
}

// Errno returns the wire error number.
func (e *Error) Errno() lakeos.Errno {
	return e.errno
}

// Level returns the translation level for the leveled errors, 0 otherwise.
func (e *Error) Level() uint8 {
	return e.level
}

// The fixed error values.
var (
	ErrCSpaceNotFound    = &Error{errno: lakeos.ECSpaceNotFound}
	ErrCapabilityType    = &Error{errno: lakeos.ECapabilityTypeError}
	ErrLookup            = &Error{errno: lakeos.ELookupError}
	ErrUnableToDerive    = &Error{errno: lakeos.EUnableToDerive}
	ErrSlotNotEmpty      = &Error{errno: lakeos.ESlotNotEmpty}
	ErrUnsupportedOp     = &Error{errno: lakeos.EUnsupportedSyscallOp}
	ErrVSpaceCapMapped   = &Error{errno: lakeos.EVSpaceCapMapped}
	ErrVSpaceCapUnmapped = &Error{errno: lakeos.EVSpaceCapNotMapped}
	ErrVSpacePermission  = &Error{errno: lakeos.EVSpacePermissionError}
	ErrInvalidValue      = &Error{errno: lakeos.EInvalidValue}
	ErrSizeTooSmall      = &Error{errno: lakeos.ESizeTooSmall}
)

// TableMiss reports a missing translation table at the given level.
func TableMiss(level uint8) *Error {
	return &Error{errno: lakeos.EVSpaceTableMiss, level: level}
}

// SlotOccupied reports an already-valid translation entry at the given
// level.
func SlotOccupied(level uint8) *Error {
	return &Error{errno: lakeos.EVSpaceSlotOccupied, level: level}
}

// FromError coerces err into an *Error, mapping unknown errors to
// InvalidValue.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return ErrInvalidValue
}
