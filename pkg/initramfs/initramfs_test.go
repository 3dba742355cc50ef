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

package initramfs

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
)

func TestBuildAndParse(t *testing.T) {
	members := map[string][]byte{
		KernelMember:     []byte("kernel bytes"),
		InitThreadMember: []byte("init bytes"),
		ConsoleMember:    {},
	}
	order := []string{KernelMember, InitThreadMember, ConsoleMember}

	raw, err := Build(members, order)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	img, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	for name, want := range members {
		got, ok := img.File(name)
		if !ok {
			t.Fatalf("member %s missing", name)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("member %s: got %q, want %q", name, got, want)
		}
	}
	if names := img.Names(); len(names) != len(order) {
		t.Errorf("names: %v", names)
	}
}

func TestOpenThroughAfero(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw, err := Build(map[string][]byte{ShellMember: []byte("sh")}, []string{ShellMember})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := afero.WriteFile(fs, "/boot.img", raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	img, err := Open(fs, "/boot.img")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := img.File(ShellMember); !ok {
		t.Error("shell member missing after afero roundtrip")
	}
}

func TestMissingMember(t *testing.T) {
	raw, err := Build(map[string][]byte{TimerMember: []byte("t")}, []string{TimerMember})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	img, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if _, ok := img.File("nonesuch"); ok {
		t.Error("phantom member found")
	}
}
