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

import (
	"encoding/binary"
	"fmt"
)

// Boot-info frame binary layout: a BootInfoHeader of five little-endian
// 64-bit words, followed by NumEntries records of three words each
// (type-and-flags, base, size). The frame is one page; entries that do not
// fit are dropped by the producer.
const (
	bootInfoHeaderWords = 5
	bootInfoEntryWords  = 3

	bootInfoEntryNullFlag = 1 << 8
)

// MaxBootInfoEntries is the entry capacity of a one-page boot-info frame.
const MaxBootInfoEntries = (FrameSize/8 - bootInfoHeaderWords) / bootInfoEntryWords

// EncodeBootInfo serializes the header and entries into a one-page frame
// image. Entries beyond MaxBootInfoEntries are dropped and NumEntries is
// clamped to match.
func EncodeBootInfo(hdr BootInfoHeader, entries []BootInfoEntry) []byte {
	if len(entries) > MaxBootInfoEntries {
		entries = entries[:MaxBootInfoEntries]
	}
	hdr.NumEntries = uint64(len(entries))

	buf := make([]byte, FrameSize)
	put := func(i int, w uint64) {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	put(0, hdr.InitCSpaceSlot)
	put(1, hdr.InitTcbSlot)
	put(2, hdr.InitVSpaceSlot)
	put(3, hdr.FirstFreeSlot)
	put(4, hdr.NumEntries)
	for i, e := range entries {
		w := uint64(e.Type)
		if e.Null {
			w |= bootInfoEntryNullFlag
		}
		base := bootInfoHeaderWords + i*bootInfoEntryWords
		put(base, w)
		put(base+1, e.Base)
		put(base+2, e.Size)
	}
	return buf
}

// DecodeBootInfo parses a boot-info frame image.
func DecodeBootInfo(buf []byte) (BootInfoHeader, []BootInfoEntry, error) {
	if len(buf) < bootInfoHeaderWords*8 {
		return BootInfoHeader{}, nil, fmt.Errorf("boot info frame too short: %d bytes", len(buf))
	}
	get := func(i int) uint64 {
		return binary.LittleEndian.Uint64(buf[i*8:])
	}
	hdr := BootInfoHeader{
		InitCSpaceSlot: get(0),
		InitTcbSlot:    get(1),
		InitVSpaceSlot: get(2),
		FirstFreeSlot:  get(3),
		NumEntries:     get(4),
	}
	n := int(hdr.NumEntries)
	if need := (bootInfoHeaderWords + n*bootInfoEntryWords) * 8; len(buf) < need {
		return BootInfoHeader{}, nil, fmt.Errorf("boot info frame truncated: %d entries need %d bytes, have %d", n, need, len(buf))
	}
	entries := make([]BootInfoEntry, 0, n)
	for i := 0; i < n; i++ {
		base := bootInfoHeaderWords + i*bootInfoEntryWords
		w := get(base)
		entries = append(entries, BootInfoEntry{
			Null: w&bootInfoEntryNullFlag != 0,
			Type: MemType(w & 0xff),
			Base: get(base + 1),
			Size: get(base + 2),
		})
	}
	return hdr, entries, nil
}
