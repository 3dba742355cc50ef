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

// Package bootimage assembles and opens the boot image: a newc cpio
// archive carrying the kernel ELF and the user binaries. The simulator
// synthesizes stub AArch64 ELFs for the built-in programs; a cross-built
// image with real binaries drops in the same way.
package bootimage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/vincenthouyi/lakeos/pkg/initramfs"
)

// Stub program layout: one RX text segment and one RW data segment.
const (
	StubTextVaddr = 0x40_0000
	StubDataVaddr = 0x50_0000
	StubDataSize  = 0x4000
)

// BuildStubELF produces a minimal AArch64 ELF64 executable: an RX text
// segment at StubTextVaddr holding payload with the entry point at its
// start, and an RW zero-filled data segment. The machine model never
// decodes the text; the payload just has to occupy real, mapped pages.
func BuildStubELF(payload []byte) []byte {
	if len(payload) == 0 {
		payload = []byte{0}
	}
	const (
		ehSize    = 64
		phSize    = 56
		phCount   = 2
		hdrSpace  = ehSize + phCount*phSize
		textOff   = 0x1000
	)

	var buf bytes.Buffer
	le := binary.LittleEndian

	// ELF header.
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* 64-bit */, 1 /* LE */, 1 /* version */}
	buf.Write(ident[:])
	binary.Write(&buf, le, uint16(2))    // ET_EXEC
	binary.Write(&buf, le, uint16(183))  // EM_AARCH64
	binary.Write(&buf, le, uint32(1))    // EV_CURRENT
	binary.Write(&buf, le, uint64(StubTextVaddr)) // entry
	binary.Write(&buf, le, uint64(ehSize))        // phoff
	binary.Write(&buf, le, uint64(0))             // shoff
	binary.Write(&buf, le, uint32(0))             // flags
	binary.Write(&buf, le, uint16(ehSize))
	binary.Write(&buf, le, uint16(phSize))
	binary.Write(&buf, le, uint16(phCount))
	binary.Write(&buf, le, uint16(0)) // shentsize
	binary.Write(&buf, le, uint16(0)) // shnum
	binary.Write(&buf, le, uint16(0)) // shstrndx

	writePhdr := func(flags uint32, off, vaddr, filesz, memsz uint64) {
		binary.Write(&buf, le, uint32(1)) // PT_LOAD
		binary.Write(&buf, le, flags)
		binary.Write(&buf, le, off)
		binary.Write(&buf, le, vaddr)
		binary.Write(&buf, le, vaddr) // paddr
		binary.Write(&buf, le, filesz)
		binary.Write(&buf, le, memsz)
		binary.Write(&buf, le, uint64(0x1000)) // align
	}
	writePhdr(0x5 /* R+X */, textOff, StubTextVaddr, uint64(len(payload)), uint64(len(payload)))
	writePhdr(0x6 /* R+W */, 0, StubDataVaddr, 0, StubDataSize)

	if pad := textOff - hdrSpace; pad > 0 {
		buf.Write(make([]byte, pad))
	}
	buf.Write(payload)
	return buf.Bytes()
}

// Assemble builds a boot image with the given members and writes it to
// path on fs.
func Assemble(fs afero.Fs, path string, members map[string][]byte, order []string) error {
	img, err := initramfs.Build(members, order)
	if err != nil {
		return fmt.Errorf("building boot image: %w", err)
	}
	if err := afero.WriteFile(fs, path, img, 0o644); err != nil {
		return fmt.Errorf("writing boot image %s: %w", path, err)
	}
	return nil
}

// DefaultMembers returns the stock member set: stub ELFs for the kernel
// and every server the simulator knows how to run.
func DefaultMembers() (map[string][]byte, []string) {
	order := []string{
		initramfs.KernelMember,
		initramfs.InitThreadMember,
		initramfs.ConsoleMember,
		initramfs.ShellMember,
		initramfs.TimerMember,
	}
	members := make(map[string][]byte, len(order))
	for _, name := range order {
		members[name] = BuildStubELF([]byte(name))
	}
	return members, order
}

// OpenLocked opens the boot image at path with an exclusive advisory
// lock, so two simulators cannot share one image. The returned release
// function drops the lock.
func OpenLocked(path string) (*initramfs.Image, func() error, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("locking boot image %s: %w", path, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("boot image %s is locked by another simulator", path)
	}
	img, err := initramfs.Open(afero.NewOsFs(), path)
	if err != nil {
		lk.Unlock()
		return nil, nil, err
	}
	return img, lk.Unlock, nil
}
