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

// Package timer is the timer server: it attaches its service endpoint to
// a system-timer interrupt line, counts the notifications that land
// between requests, and answers uptime RPCs.
package timer

import (
	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/platform"
	"github.com/vincenthouyi/lakeos/userland/naive"
	"github.com/vincenthouyi/lakeos/userland/serv/initthread"
)

// ServiceName is the published name of the timer endpoint.
const ServiceName = "timer"

// Irq is the system-timer compare channel the server listens on; the
// kernel's scheduling tick uses the per-CPU generic timer, not this line.
const Irq = 1

// Program returns the timer server's user program.
func Program(env initthread.ChildEnv, serveRequests int) platform.Program {
	return func(ctx *platform.Context) {
		rt := naive.NewChildRuntime(ctx, env.Parent, env.SlotLo, env.SlotHi, env.HeapLo, env.HeapHi)
		srv, err := start(rt, env)
		if err != nil {
			rt.DebugPrintStr("timer: " + err.Error() + "\n")
			return
		}
		listener := naive.NewLmpListener(rt, srv.epSlot)
		listener.OnNotification = srv.onTick
		listener.Serve(srv.handle, serveRequests)
	}
}

type server struct {
	rt     *naive.Runtime
	epSlot uint64
	ticks  uint64
}

func start(rt *naive.Runtime, env initthread.ChildEnv) (*server, error) {
	ns, err := naive.Connect(rt, env.NsEpSlot)
	if err != nil {
		return nil, err
	}

	epSlot, err := rt.AllocObject(lakeos.Endpoint, lakeos.EndpointObjBits)
	if err != nil {
		return nil, err
	}
	dupSlot, err := rt.AllocSlot()
	if err != nil {
		return nil, err
	}
	if err := rt.CSpace.Copy(epSlot, dupSlot); err != nil {
		return nil, err
	}
	if err := ns.RegisterService(ServiceName, dupSlot); err != nil {
		return nil, err
	}

	irqSlot, err := ns.RequestIrq(Irq)
	if err != nil {
		return nil, err
	}
	irq := naive.IrqRef{CapRef: rt.Cap(irqSlot)}
	if err := irq.Attach(epSlot, Irq); err != nil {
		return nil, err
	}
	return &server{rt: rt, epSlot: epSlot}, nil
}

func (s *server) onTick(bits uint64) {
	if bits&(1<<Irq) != 0 {
		s.ticks++
	}
}

func (s *server) handle(session uint64, req naive.LmpMessage) naive.LmpMessage {
	switch req.Opcode {
	case naive.OpUptime:
		return naive.OkResult(naive.UptimeResponse{Ticks: s.ticks})
	default:
		return naive.ErrResult("timer: unknown opcode")
	}
}
