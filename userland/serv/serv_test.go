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

// Full-stack exercise: boot, spawn the servers from the init thread, and
// drive the shell through the modeled UART.
package serv_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincenthouyi/lakeos/pkg/bootimage"
	"github.com/vincenthouyi/lakeos/pkg/initramfs"
	"github.com/vincenthouyi/lakeos/pkg/kernel"
	"github.com/vincenthouyi/lakeos/pkg/machine"
	"github.com/vincenthouyi/lakeos/pkg/platform"
	"github.com/vincenthouyi/lakeos/userland/serv/console"
	"github.com/vincenthouyi/lakeos/userland/serv/initthread"
	"github.com/vincenthouyi/lakeos/userland/serv/shell"
	"github.com/vincenthouyi/lakeos/userland/serv/timer"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns the collected output.
func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bootStack(t *testing.T, shellLines int) (*kernel.Kernel, *platform.Harness, *machine.Machine, *lockedBuffer) {
	t.Helper()
	cfg := machine.Config{RAMSize: 64 << 20, NumCPUs: 1, TickMicros: 1000, UARTBaud: 115200}
	m, err := machine.New(cfg)
	require.NoError(t, err)
	out := &lockedBuffer{}
	m.UART.AttachOutput(out)

	members, order := bootimage.DefaultMembers()
	raw, err := initramfs.Build(members, order)
	require.NoError(t, err)
	img, err := initramfs.FromBytes(raw)
	require.NoError(t, err)

	k := kernel.New(m, cfg.TickMicros)
	require.NoError(t, k.Boot(kernel.BootParams{Initramfs: img}))

	h := platform.NewHarness(k)
	initTCB := k.BootInfo().InitTCB

	spawn := func(name string, tcbSlot uint64, env initthread.ChildEnv) error {
		tcb, err := k.LookupTCB(initTCB, tcbSlot)
		if err != nil {
			return err
		}
		switch name {
		case initramfs.ConsoleMember:
			h.Spawn(tcb, console.Program(env, -1))
		case initramfs.TimerMember:
			h.Spawn(tcb, timer.Program(env, -1))
		case initramfs.ShellMember:
			h.Spawn(tcb, shell.Program(env, shellLines))
		}
		return nil
	}
	h.Spawn(initTCB, initthread.Program(initthread.Config{
		Servers:       []string{initramfs.ConsoleMember, initramfs.TimerMember, initramfs.ShellMember},
		Spawn:         spawn,
		ServeRequests: -1,
	}))
	return k, h, m, out
}

func TestShellEchoOverConsole(t *testing.T) {
	_, h, m, out := bootStack(t, 2)

	// Wait for the shell prompt, then type an echo command.
	require.True(t, h.RunUntil(0, 200_000, func() bool {
		return strings.Contains(out.String(), "> ")
	}), "no shell prompt; uart: %q", out.String())

	m.UART.Input([]byte("echo hello capability world\n"))
	require.True(t, h.RunUntil(0, 400_000, func() bool {
		return strings.Contains(out.String(), "hello capability world\n")
	}), "echo output missing; uart: %q", out.String())
}

func TestShellUptimeCountsTimerIrqs(t *testing.T) {
	_, h, m, out := bootStack(t, 2)

	require.True(t, h.RunUntil(0, 200_000, func() bool {
		return strings.Contains(out.String(), "> ")
	}), "no shell prompt; uart: %q", out.String())

	// Fire the system-timer line a few times; the timer server counts
	// the notifications while parked in its receive loop.
	for i := 0; i < 3; i++ {
		m.Intc.Raise(timer.Irq)
		for step := 0; step < 5000; step++ {
			h.Step(0)
		}
	}

	m.UART.Input([]byte("uptime\n"))
	require.True(t, h.RunUntil(0, 400_000, func() bool {
		return strings.Contains(out.String(), "uptime: ")
	}), "uptime output missing; uart: %q", out.String())

	s := out.String()
	idx := strings.Index(s, "uptime: ")
	rest := s[idx+len("uptime: "):]
	assert.False(t, strings.HasPrefix(rest, "0 "), "uptime still zero after firing IRQs; uart: %q", s)
}

func TestUnknownCommand(t *testing.T) {
	_, h, m, out := bootStack(t, 2)

	require.True(t, h.RunUntil(0, 200_000, func() bool {
		return strings.Contains(out.String(), "> ")
	}))
	m.UART.Input([]byte("frobnicate\n"))
	require.True(t, h.RunUntil(0, 400_000, func() bool {
		return strings.Contains(out.String(), "unknown command: frobnicate")
	}), "unknown-command reply missing; uart: %q", out.String())
}
