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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMsgInfoBitPlacement(t *testing.T) {
	w := MsgInfo{Op: SysEndpointSend, Length: 3, CapTransfer: true}.Encode()
	if got := w >> 56; got != uint64(SysEndpointSend) {
		t.Errorf("opcode bits [63:56]: got %d", got)
	}
	if got := w >> 52 & 0xf; got != 3 {
		t.Errorf("length bits [55:52]: got %d", got)
	}
	if w>>51&1 != 1 {
		t.Error("cap-transfer bit [51] clear")
	}

	back, err := DecodeMsgInfo(w)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(MsgInfo{Op: SysEndpointSend, Length: 3, CapTransfer: true}, back); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestMsgInfoRejectsBadOpcode(t *testing.T) {
	if _, err := DecodeMsgInfo(uint64(200) << 56); err == nil {
		t.Error("opcode 200 decoded")
	}
}

func TestRespInfoBitPlacement(t *testing.T) {
	r := RespInfo{
		Type:        MsgTypeNotification,
		Length:      2,
		CapTransfer: true,
		NeedReply:   true,
		Badged:      true,
		Errno:       EVSpaceTableMiss,
	}
	w := r.Encode()
	if got := w >> 62; got != uint64(MsgTypeNotification) {
		t.Errorf("type bits [63:62]: got %d", got)
	}
	if got := w >> 58 & 0xf; got != 2 {
		t.Errorf("length bits [61:58]: got %d", got)
	}
	if w>>57&1 != 1 || w>>56&1 != 1 || w>>55&1 != 1 {
		t.Error("flag bits [57:55] not all set")
	}
	if got := Errno(w >> 49 & 0x3f); got != EVSpaceTableMiss {
		t.Errorf("errno bits [54:49]: got %v", got)
	}
	if diff := cmp.Diff(r, DecodeRespInfo(w)); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestFaultEncoding(t *testing.T) {
	f := Fault{Access: FaultPrefetch, Address: 0xdead_b000, Level: 4, Kind: FaultPermission}
	if got := DecodeFault(f.Encode()); got != f {
		t.Errorf("roundtrip: got %+v, want %+v", got, f)
	}
	buf := f.Encode()
	if buf[1] != 0xdead_b000 {
		t.Errorf("address word: 0x%x", buf[1])
	}
	if buf[2]>>32 != 4 {
		t.Errorf("level field: %d", buf[2]>>32)
	}
}

func TestBootInfoRoundtrip(t *testing.T) {
	hdr := BootInfoHeader{InitCSpaceSlot: 40, InitTcbSlot: 41, InitVSpaceSlot: 42, FirstFreeSlot: 50}
	entries := []BootInfoEntry{
		{Base: 0x80000, Size: 0x40000, Type: MemTypeKernelPage},
		{Null: true},
		{Base: 0x1000000, Size: 0x1000000, Type: MemTypeFreeSpace},
	}
	buf := EncodeBootInfo(hdr, entries)
	if len(buf) != FrameSize {
		t.Fatalf("frame size: %d", len(buf))
	}
	gotHdr, gotEntries, err := DecodeBootInfo(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hdr.NumEntries = uint64(len(entries))
	if diff := cmp.Diff(hdr, gotHdr); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(entries, gotEntries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}
