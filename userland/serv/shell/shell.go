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

// Package shell is the interactive shell: it reads lines through the
// console service and runs the built-in commands.
package shell

import (
	"fmt"
	"strings"

	"github.com/vincenthouyi/lakeos/pkg/platform"
	"github.com/vincenthouyi/lakeos/userland/naive"
	"github.com/vincenthouyi/lakeos/userland/serv/console"
	"github.com/vincenthouyi/lakeos/userland/serv/initthread"
	"github.com/vincenthouyi/lakeos/userland/serv/timer"
)

const prompt = "> "

// Program returns the shell's user program. maxLines bounds the REPL;
// negative runs until "exit".
func Program(env initthread.ChildEnv, maxLines int) platform.Program {
	return func(ctx *platform.Context) {
		rt := naive.NewChildRuntime(ctx, env.Parent, env.SlotLo, env.SlotHi, env.HeapLo, env.HeapHi)
		if err := run(rt, env, maxLines); err != nil {
			rt.DebugPrintStr("shell: " + err.Error() + "\n")
		}
	}
}

type shell struct {
	con *naive.RpcClient
	tmr *naive.RpcClient
	ns  *naive.RpcClient
	rt  *naive.Runtime
}

func run(rt *naive.Runtime, env initthread.ChildEnv, maxLines int) error {
	ns, err := naive.Connect(rt, env.NsEpSlot)
	if err != nil {
		return err
	}
	conSlot, err := lookupRetry(rt, ns, console.ServiceName)
	if err != nil {
		return err
	}
	con, err := naive.Connect(rt, conSlot)
	if err != nil {
		return err
	}
	sh := &shell{con: con, ns: ns, rt: rt}

	sh.print("LakeOS shell\n")
	for n := 0; maxLines < 0 || n < maxLines; n++ {
		sh.print(prompt)
		line := sh.readLine()
		if !sh.execute(line) {
			return nil
		}
	}
	return nil
}

// lookupRetry polls the name service until the target registers; servers
// come up in parallel with the shell.
func lookupRetry(rt *naive.Runtime, ns *naive.RpcClient, name string) (uint64, error) {
	var lastErr error
	for i := 0; i < 1000; i++ {
		slot, err := ns.LookupService(name)
		if err == nil {
			return slot, nil
		}
		lastErr = err
		rt.Context().Yield()
	}
	return 0, lastErr
}

func (s *shell) print(msg string) {
	s.con.ConsoleWrite([]byte(msg))
}

// readLine drains console input until a newline, yielding while the
// buffer is empty.
func (s *shell) readLine() string {
	var line []byte
	for {
		chunk, err := s.con.ConsoleRead(64)
		if err != nil {
			return string(line)
		}
		for _, b := range chunk {
			if b == '\n' || b == '\r' {
				return string(line)
			}
			line = append(line, b)
		}
		if len(chunk) == 0 {
			s.rt.Context().Yield()
		}
	}
}

// execute runs one command line; it reports false when the shell should
// exit.
func (s *shell) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "help":
		s.print("commands: help echo uptime exit\n")
	case "echo":
		s.print(strings.Join(fields[1:], " ") + "\n")
	case "uptime":
		if s.tmr == nil {
			slot, err := lookupRetry(s.rt, s.ns, timer.ServiceName)
			if err != nil {
				s.print("timer service unavailable\n")
				return true
			}
			c, err := naive.Connect(s.rt, slot)
			if err != nil {
				s.print("timer service unavailable\n")
				return true
			}
			s.tmr = c
		}
		ticks, err := s.tmr.Uptime()
		if err != nil {
			s.print("uptime failed\n")
			return true
		}
		s.print(fmt.Sprintf("uptime: %d ticks\n", ticks))
	case "exit":
		s.print("bye\n")
		return false
	default:
		s.print("unknown command: " + fields[0] + "\n")
	}
	return true
}
