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

// Binary lakeos boots the LakeOS kernel on the modeled machine and wires
// its console to the terminal.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(mkimageCmd), "")
	subcommands.Register(new(versionCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// version is stamped by the build.
var version = "dev"

type versionCmd struct{}

// Name implements subcommands.Command.
func (*versionCmd) Name() string { return "version" }

// Synopsis implements subcommands.Command.
func (*versionCmd) Synopsis() string { return "print the simulator version" }

// Usage implements subcommands.Command.
func (*versionCmd) Usage() string { return "version\n" }

// SetFlags implements subcommands.Command.
func (*versionCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	os.Stdout.WriteString("lakeos " + version + "\n")
	return subcommands.ExitSuccess
}
