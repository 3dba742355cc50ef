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

// Package initramfs reads the newc cpio archive embedded in the boot
// image. The named members include the kernel ELF (rustyl4), the first
// user ELF (init_thread) and the server binaries (console, shell, timer).
package initramfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cavaliergopher/cpio"
	"github.com/spf13/afero"
)

// Well-known member names.
const (
	KernelMember     = "rustyl4"
	InitThreadMember = "init_thread"
	ConsoleMember    = "console"
	ShellMember      = "shell"
	TimerMember      = "timer"
)

// Image is a parsed initramfs.
type Image struct {
	raw     []byte
	members map[string][]byte
	order   []string
}

// FromBytes parses a newc cpio archive.
func FromBytes(data []byte) (*Image, error) {
	img := &Image{raw: data, members: make(map[string][]byte)}
	r := cpio.NewReader(bytes.NewReader(data))
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading cpio member: %w", err)
		}
		if !hdr.Mode.IsRegular() {
			continue
		}
		body := make([]byte, hdr.Size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("reading cpio member %s: %w", hdr.Name, err)
		}
		img.members[hdr.Name] = body
		img.order = append(img.order, hdr.Name)
	}
	return img, nil
}

// Open reads and parses an initramfs image from fs.
func Open(fs afero.Fs, path string) (*Image, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading initramfs %s: %w", path, err)
	}
	return FromBytes(data)
}

// Build assembles a newc cpio archive from members, for boot images built
// on the fly by tests and the simulator.
func Build(members map[string][]byte, order []string) ([]byte, error) {
	var buf bytes.Buffer
	w := cpio.NewWriter(&buf)
	for _, name := range order {
		body := members[name]
		hdr := &cpio.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing cpio header %s: %w", name, err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("writing cpio member %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finishing cpio archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Size returns the byte size of the archive.
func (i *Image) Size() int {
	return len(i.raw)
}

// Raw returns the archive bytes.
func (i *Image) Raw() []byte {
	return i.raw
}

// File returns the named member's contents.
func (i *Image) File(name string) ([]byte, bool) {
	b, ok := i.members[name]
	return b, ok
}

// Names returns the member names in archive order.
func (i *Image) Names() []string {
	return append([]string(nil), i.order...)
}
