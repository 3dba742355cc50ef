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

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

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

type runCmd struct {
	configPath string
	imagePath  string
	rawTTY     bool
	debug      bool
}

// Name implements subcommands.Command.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string { return "boot the kernel and attach the console" }

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return "run [-config machine.toml] [-image boot.img]\n"
}

// SetFlags implements subcommands.Command.
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "machine TOML; defaults apply when empty")
	f.StringVar(&c.imagePath, "image", "boot.img", "boot image (newc cpio)")
	f.BoolVar(&c.rawTTY, "raw-tty", true, "put the terminal in raw mode for the console")
	f.BoolVar(&c.debug, "debug", false, "verbose simulator logging")
}

// Execute implements subcommands.Command.
func (c *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log := logrus.WithField("machine", uuid.New().String()[:8])
	if c.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if err := c.run(ctx, log); err != nil {
		log.WithError(err).Error("simulator failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *runCmd) run(ctx context.Context, log *logrus.Entry) error {
	fs := afero.NewOsFs()
	cfg := machine.DefaultConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = machine.LoadConfig(fs, c.configPath); err != nil {
			return err
		}
	}

	img, release, err := bootimage.OpenLocked(c.imagePath)
	if err != nil {
		return err
	}
	defer release()

	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	m.UART.AttachOutput(os.Stdout)

	k := kernel.New(m, cfg.TickMicros)
	if err := k.Boot(kernel.BootParams{Initramfs: img}); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"cpus": cfg.NumCPUs,
		"ram":  cfg.RAMSize,
	}).Info("kernel booted")

	h := platform.NewHarness(k)
	initTCB := k.BootInfo().InitTCB
	h.Spawn(initTCB, initthread.Program(initthread.Config{
		Servers:       serversFor(img),
		Spawn:         spawner(k, h, initTCB),
		ServeRequests: -1,
	}))

	if c.rawTTY {
		if restore, err := rawTerminal(); err == nil {
			defer restore()
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// One loop multiplexes the CPUs; the kernel's own locking keeps
	// cross-CPU state sound, and the model stays free of data races on
	// guest memory.
	g.Go(func() error {
		for ctx.Err() == nil {
			busy := false
			for cpu := 0; cpu < m.NumCPUs(); cpu++ {
				if h.Step(cpu) {
					busy = true
				}
			}
			if !busy {
				time.Sleep(100 * time.Microsecond)
			}
		}
		return ctx.Err()
	})

	// The timer pacer converts wall time into modeled ticks.
	g.Go(func() error {
		lim := rate.NewLimiter(rate.Every(time.Duration(cfg.TickMicros)*time.Microsecond), 1)
		for {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			for cpu := 0; cpu < m.NumCPUs(); cpu++ {
				m.Timer(cpu).Advance(uint64(cfg.TickMicros))
			}
		}
	})

	// Stdin feeds the modeled UART.
	g.Go(func() error {
		buf := make([]byte, 64)
		for ctx.Err() == nil {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return err
			}
			m.UART.Input(buf[:n])
		}
		return ctx.Err()
	})

	return g.Wait()
}

// serversFor lists the server members actually present in the image.
func serversFor(img *initramfs.Image) []string {
	var out []string
	for _, name := range []string{initramfs.ConsoleMember, initramfs.TimerMember, initramfs.ShellMember} {
		if _, ok := img.File(name); ok {
			out = append(out, name)
		}
	}
	return out
}

// spawner binds server programs to the TCBs the init thread creates.
func spawner(k *kernel.Kernel, h *platform.Harness, initTCB *kernel.TCB) initthread.SpawnFunc {
	return func(name string, tcbSlot uint64, env initthread.ChildEnv) error {
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
			h.Spawn(tcb, shell.Program(env, -1))
		default:
			logrus.WithField("member", name).Warn("no program for member; thread will idle")
		}
		return nil
	}
}

// rawTerminal switches stdin to raw mode, returning the restore function.
func rawTerminal() (func(), error) {
	fd := int(os.Stdin.Fd())
	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	raw := *old
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, err
	}
	return func() { unix.IoctlSetTermios(fd, unix.TCSETS, old) }, nil
}
