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

// Package initthread is the first user program: it owns the initial
// capability grant, spawns the server threads, and serves the name
// service plus memory and IRQ grants over RPC.
package initthread

import (
	"fmt"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/platform"
	"github.com/vincenthouyi/lakeos/userland/naive"
)

// ChildEnv is what a spawned server thread needs to build its runtime.
type ChildEnv struct {
	// Parent is the init runtime; children share its CSpace and
	// VSpace.
	Parent *naive.Runtime

	// NsEpSlot is the name-service endpoint, valid in the shared
	// CSpace.
	NsEpSlot uint64

	// Slot and heap partitions carved out of the parent's ranges.
	SlotLo, SlotHi uint64
	HeapLo, HeapHi uint64
}

// SpawnFunc binds a user program to the TCB the init thread created at
// tcbSlot. The host side resolves the TCB and attaches the server's code.
type SpawnFunc func(name string, tcbSlot uint64, env ChildEnv) error

// Config tunes the init thread.
type Config struct {
	// Servers are the members to spawn, in order.
	Servers []string

	// Spawn attaches programs to spawned TCBs.
	Spawn SpawnFunc

	// ServeRequests bounds the RPC loop; negative serves forever.
	ServeRequests int
}

// Program returns the init thread's user program.
func Program(cfg Config) platform.Program {
	return func(ctx *platform.Context) {
		if err := run(ctx, cfg); err != nil {
			rt, rerr := naive.NewRuntime(ctx)
			if rerr == nil {
				rt.DebugPrintStr(fmt.Sprintf("init thread failed: %v\n", err))
			}
		}
	}
}

func run(ctx *platform.Context, cfg Config) error {
	rt, err := naive.NewRuntime(ctx)
	if err != nil {
		return err
	}

	nsEpSlot, err := rt.AllocObject(lakeos.Endpoint, lakeos.EndpointObjBits)
	if err != nil {
		return fmt.Errorf("allocating name-service endpoint: %w", err)
	}

	// Partition slot and heap space among the children.
	const (
		childSlots = 64
		childHeap  = 0x0100_0000
	)
	slotBase := uint64(lakeos.InitCSpaceSize - childSlots*8)
	heapBase := uint64(0x3000_0000)
	rt.LimitSlots(slotBase)

	for i, name := range cfg.Servers {
		tcbSlot, err := rt.AllocObject(lakeos.Tcb, lakeos.TcbObjBits)
		if err != nil {
			return fmt.Errorf("allocating TCB for %s: %w", name, err)
		}
		tcb := rt.Tcb(tcbSlot)
		if err := tcb.Configure(rt.BootInfo.InitVSpaceSlot, rt.BootInfo.InitCSpaceSlot, 0); err != nil {
			return fmt.Errorf("configuring TCB for %s: %w", name, err)
		}
		// Stack and entry are cosmetic for host-attached programs,
		// but a real frame backs the stack all the same.
		stackVaddr, _, err := rt.AllocRamAt(0)
		if err != nil {
			return fmt.Errorf("allocating stack for %s: %w", name, err)
		}
		if err := tcb.SetRegisters(true, 0, true, stackVaddr+lakeos.FrameSize); err != nil {
			return fmt.Errorf("priming registers for %s: %w", name, err)
		}
		env := ChildEnv{
			Parent:   rt,
			NsEpSlot: nsEpSlot,
			SlotLo:   slotBase + uint64(i)*childSlots,
			SlotHi:   slotBase + uint64(i+1)*childSlots,
			HeapLo:   heapBase + uint64(i)*childHeap,
			HeapHi:   heapBase + uint64(i+1)*childHeap,
		}
		if cfg.Spawn != nil {
			if err := cfg.Spawn(name, tcbSlot, env); err != nil {
				return fmt.Errorf("spawning %s: %w", name, err)
			}
		}
		if err := tcb.Resume(); err != nil {
			return fmt.Errorf("resuming %s: %w", name, err)
		}
	}

	srv := newNameServer(rt)
	listener := naive.NewLmpListener(rt, nsEpSlot)
	steps := cfg.ServeRequests
	if steps == 0 {
		steps = -1
	}
	return listener.Serve(srv.handle, steps)
}

// nameServer is the registry plus resource-grant half of the init thread.
type nameServer struct {
	rt       *naive.Runtime
	services map[string]uint64
}

func newNameServer(rt *naive.Runtime) *nameServer {
	return &nameServer{rt: rt, services: make(map[string]uint64)}
}

func (s *nameServer) handle(session uint64, req naive.LmpMessage) naive.LmpMessage {
	switch req.Opcode {
	case naive.OpRegisterService:
		var body naive.RegisterServiceRequest
		if err := naive.DecodeBody(req.Payload, &body); err != nil {
			return naive.ErrResult(err.Error())
		}
		if req.CapSlot == 0 {
			return naive.ErrResult("register without a cap")
		}
		s.services[body.Name] = req.CapSlot
		return naive.OkResult(nil)

	case naive.OpLookupService:
		var body naive.LookupServiceRequest
		if err := naive.DecodeBody(req.Payload, &body); err != nil {
			return naive.ErrResult(err.Error())
		}
		slot, ok := s.services[body.Name]
		if !ok {
			return naive.ErrResult("service not found: " + body.Name)
		}
		dup, err := s.rt.AllocSlot()
		if err != nil {
			return naive.ErrResult(err.Error())
		}
		if err := s.rt.CSpace.Copy(slot, dup); err != nil {
			return naive.ErrResult(err.Error())
		}
		resp := naive.OkResult(nil)
		resp.CapSlot = dup
		return resp

	case naive.OpRequestMemory:
		var body naive.RequestMemoryRequest
		if err := naive.DecodeBody(req.Payload, &body); err != nil {
			return naive.ErrResult(err.Error())
		}
		slot, err := s.grantMemory(body)
		if err != nil {
			return naive.ErrResult(err.Error())
		}
		resp := naive.OkResult(nil)
		resp.CapSlot = slot
		return resp

	case naive.OpRequestIrq:
		dup, err := s.rt.AllocSlot()
		if err != nil {
			return naive.ErrResult(err.Error())
		}
		if err := s.rt.CSpace.Copy(s.rt.Irq.Slot, dup); err != nil {
			return naive.ErrResult(err.Error())
		}
		resp := naive.OkResult(nil)
		resp.CapSlot = dup
		return resp

	default:
		return naive.ErrResult(fmt.Sprintf("unknown opcode %d", req.Opcode))
	}
}

// grantMemory retypes a frame out of the general pool, or forges a device
// untyped over the requested physical page first.
func (s *nameServer) grantMemory(req naive.RequestMemoryRequest) (uint64, error) {
	if !req.Device {
		return s.rt.AllocObject(lakeos.Ram, lakeos.FrameBits)
	}
	utSlot, err := s.rt.AllocSlot()
	if err != nil {
		return 0, err
	}
	if err := s.rt.Monitor.MintUntyped(utSlot, req.Paddr, lakeos.FrameBits, true); err != nil {
		return 0, err
	}
	ramSlot, err := s.rt.AllocSlot()
	if err != nil {
		return 0, err
	}
	ut := s.rt.Untyped(utSlot)
	if err := ut.Retype(lakeos.Ram, lakeos.FrameBits, ramSlot, 1); err != nil {
		return 0, err
	}
	return ramSlot, nil
}
