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

package naive_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/bootimage"
	"github.com/vincenthouyi/lakeos/pkg/initramfs"
	"github.com/vincenthouyi/lakeos/pkg/kernel"
	"github.com/vincenthouyi/lakeos/pkg/machine"
	"github.com/vincenthouyi/lakeos/pkg/platform"
	"github.com/vincenthouyi/lakeos/userland/naive"
)

func bootHarness(t *testing.T) (*kernel.Kernel, *platform.Harness) {
	t.Helper()
	cfg := machine.Config{RAMSize: 64 << 20, NumCPUs: 1, TickMicros: 1000, UARTBaud: 115200}
	m, err := machine.New(cfg)
	require.NoError(t, err)
	members, order := bootimage.DefaultMembers()
	raw, err := initramfs.Build(members, order)
	require.NoError(t, err)
	img, err := initramfs.FromBytes(raw)
	require.NoError(t, err)
	k := kernel.New(m, cfg.TickMicros)
	require.NoError(t, k.Boot(kernel.BootParams{Initramfs: img}))
	return k, platform.NewHarness(k)
}

// must panics inside a program goroutine; testify's FailNow must not run
// off the test goroutine, and a panic surfaces with the full stack.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// sharedState passes results between program goroutines and the test;
// the harness rendezvous orders every access.
type echoState struct {
	epSlot    uint64
	badgedEp  uint64
	tcbSlot   uint64
	spawned   bool
	reply     []uint64
	badge     uint64
	done      bool
	serverSaw uint64
}

func TestEchoIPCWithBadge(t *testing.T) {
	k, h := bootHarness(t)
	st := &echoState{}

	var parent *naive.Runtime
	h.Spawn(k.BootInfo().InitTCB, func(ctx *platform.Context) {
		rt, err := naive.NewRuntime(ctx)
		must(err)
		parent = rt

		epSlot, err := rt.AllocObject(lakeos.Endpoint, lakeos.EndpointObjBits)
		must(err)
		st.epSlot = epSlot

		badged, err := rt.AllocSlot()
		must(err)
		must(rt.Ep(epSlot).Mint(badged, 7))
		st.badgedEp = badged

		tcbSlot, err := rt.AllocObject(lakeos.Tcb, lakeos.TcbObjBits)
		must(err)
		tcb := rt.Tcb(tcbSlot)
		must(tcb.Configure(rt.BootInfo.InitVSpaceSlot, rt.BootInfo.InitCSpaceSlot, 0))
		must(tcb.SetRegisters(true, 0, true, 0)) // cosmetic for host programs
		st.tcbSlot = tcbSlot

		// Wait for the host to attach the server program.
		for !st.spawned {
			ctx.Yield()
		}
		must(tcb.Resume())

		msg, err := rt.Ep(badged).Call([]uint64{0x11, 0x22}, 0)
		must(err)
		st.reply = msg.Words
		st.badge = msg.Badge
		st.done = true
		for {
			ctx.Yield()
		}
	})

	// Step until the init program has built the server thread.
	require.True(t, h.RunUntil(0, 10_000, func() bool { return st.tcbSlot != 0 }))

	server, err := k.LookupTCB(k.BootInfo().InitTCB, st.tcbSlot)
	require.NoError(t, err)
	h.Spawn(server, func(ctx *platform.Context) {
		rt := naive.NewChildRuntime(ctx, parent, 900, 960, 0x3800_0000, 0x3900_0000)
		ep := rt.Ep(st.epSlot)
		msg, err := ep.Recv(0)
		must(err)
		st.serverSaw = msg.Badge
		// Echo the payload back and park for the next request.
		ep.ReplyRecv(msg.Words, 0)
	})
	st.spawned = true

	require.True(t, h.RunUntil(0, 50_000, func() bool { return st.done }))
	assert.Equal(t, []uint64{0x11, 0x22}, st.reply)
	assert.Equal(t, uint64(7), st.badge, "caller resumes with the badge it minted")
	assert.Equal(t, uint64(7), st.serverSaw, "server saw the sender badge")
}

func TestMapWriteUnmapFault(t *testing.T) {
	k, h := bootHarness(t)

	type faultState struct {
		handlerEp uint64
		toucher   uint64
		vaddr     uint64
		ready     bool
		spawned   bool
		fault     lakeos.Fault
		faulted   bool
	}
	st := &faultState{}
	var parent *naive.Runtime

	h.Spawn(k.BootInfo().InitTCB, func(ctx *platform.Context) {
		rt, err := naive.NewRuntime(ctx)
		must(err)
		parent = rt

		epSlot, err := rt.AllocObject(lakeos.Endpoint, lakeos.EndpointObjBits)
		must(err)
		st.handlerEp = epSlot

		vaddr, ramSlot, err := rt.AllocRamAt(0)
		must(err)
		st.vaddr = vaddr

		// The mapping works end to end before the unmap.
		rt.WriteU64(vaddr, 0xfeed)
		if got := rt.ReadU64(vaddr); got != 0xfeed {
			panic("mapped page readback failed")
		}

		tcbSlot, err := rt.AllocObject(lakeos.Tcb, lakeos.TcbObjBits)
		must(err)
		tcb := rt.Tcb(tcbSlot)
		must(tcb.Configure(rt.BootInfo.InitVSpaceSlot, rt.BootInfo.InitCSpaceSlot, epSlot))
		st.toucher = tcbSlot
		for !st.spawned {
			ctx.Yield()
		}

		// Unmap by deleting the frame cap, then let the toucher run.
		must(rt.CSpace.Delete(ramSlot))
		must(tcb.Resume())

		msg, err := rt.Ep(epSlot).Recv(0)
		must(err)
		if msg.Type != lakeos.MsgTypeFault {
			panic("handler got a non-fault message")
		}
		var buf [lakeos.FaultMsgLen]uint64
		copy(buf[:], msg.Words)
		st.fault = lakeos.DecodeFault(buf)
		st.faulted = true
		for {
			ctx.Yield()
		}
	})

	require.True(t, h.RunUntil(0, 20_000, func() bool { return st.toucher != 0 }))
	toucher, err := k.LookupTCB(k.BootInfo().InitTCB, st.toucher)
	require.NoError(t, err)
	h.Spawn(toucher, func(ctx *platform.Context) {
		rt := naive.NewChildRuntime(ctx, parent, 900, 960, 0x3800_0000, 0x3900_0000)
		st.ready = true
		// The store faults: the page is gone and the ASID's TLB
		// entries were invalidated by the unmap.
		rt.WriteU64(st.vaddr, 0x1)
	})
	st.spawned = true

	require.True(t, h.RunUntil(0, 50_000, func() bool { return st.faulted }))
	assert.Equal(t, uint8(lakeos.FaultData), st.fault.Access)
	assert.Equal(t, st.vaddr, st.fault.Address)
	assert.Equal(t, uint8(4), st.fault.Level, "a missing page reports the last level")
	assert.Equal(t, lakeos.FaultTranslation, st.fault.Kind)
}
