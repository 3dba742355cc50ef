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

// Package console is the console server: it maps the mini-UART register
// page through a device memory grant and serves read/write RPCs over the
// name service.
package console

import (
	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
	"github.com/vincenthouyi/lakeos/pkg/machine"
	"github.com/vincenthouyi/lakeos/pkg/platform"
	"github.com/vincenthouyi/lakeos/userland/naive"
	"github.com/vincenthouyi/lakeos/userland/serv/initthread"
)

// ServiceName is the published name of the console endpoint.
const ServiceName = "console"

// Program returns the console server's user program. serveRequests bounds
// the RPC loop; negative serves forever.
func Program(env initthread.ChildEnv, serveRequests int) platform.Program {
	return func(ctx *platform.Context) {
		rt := naive.NewChildRuntime(ctx, env.Parent, env.SlotLo, env.SlotHi, env.HeapLo, env.HeapHi)
		srv, err := start(rt, env)
		if err != nil {
			rt.DebugPrintStr("console: " + err.Error() + "\n")
			return
		}
		listener := naive.NewLmpListener(rt, srv.epSlot)
		listener.Serve(srv.handle, serveRequests)
	}
}

type server struct {
	rt        *naive.Runtime
	epSlot    uint64
	uartVaddr uint64
}

func start(rt *naive.Runtime, env initthread.ChildEnv) (*server, error) {
	ns, err := naive.Connect(rt, env.NsEpSlot)
	if err != nil {
		return nil, err
	}

	// The UART register page arrives as a device memory grant.
	uartSlot, err := ns.RequestMemory(machine.UARTPhysBase, lakeos.FrameSize, true)
	if err != nil {
		return nil, err
	}
	uartVaddr, err := rt.MapDevice(uartSlot)
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
	return &server{rt: rt, epSlot: epSlot, uartVaddr: uartVaddr}, nil
}

func (s *server) handle(session uint64, req naive.LmpMessage) naive.LmpMessage {
	switch req.Opcode {
	case naive.OpConsoleWrite:
		var body naive.ConsoleWriteRequest
		if err := naive.DecodeBody(req.Payload, &body); err != nil {
			return naive.ErrResult(err.Error())
		}
		for _, b := range body.Data {
			s.putc(b)
		}
		return naive.OkResult(nil)

	case naive.OpConsoleRead:
		var body naive.ConsoleReadRequest
		if err := naive.DecodeBody(req.Payload, &body); err != nil {
			return naive.ErrResult(err.Error())
		}
		var out []byte
		for len(out) < body.Max {
			b, ok := s.getc()
			if !ok {
				break
			}
			out = append(out, b)
		}
		return naive.OkResult(naive.ConsoleReadResponse{Data: out})

	default:
		return naive.ErrResult("console: unknown opcode")
	}
}

// putc spins on the line-status register until the transmitter drains,
// then writes the data register.
func (s *server) putc(b byte) {
	for s.rt.ReadU8(s.uartVaddr+machine.UARTRegLSR)&(1<<5) == 0 {
	}
	s.rt.WriteU8(s.uartVaddr+machine.UARTRegIO, b)
}

// getc polls the line-status register for buffered input.
func (s *server) getc() (byte, bool) {
	if s.rt.ReadU8(s.uartVaddr+machine.UARTRegLSR)&1 == 0 {
		return 0, false
	}
	return s.rt.ReadU8(s.uartVaddr + machine.UARTRegIO), true
}
