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

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/vincenthouyi/lakeos/pkg/bootimage"
)

type mkimageCmd struct {
	out string
}

// Name implements subcommands.Command.
func (*mkimageCmd) Name() string { return "mkimage" }

// Synopsis implements subcommands.Command.
func (*mkimageCmd) Synopsis() string { return "assemble a boot image with the stock members" }

// Usage implements subcommands.Command.
func (*mkimageCmd) Usage() string { return "mkimage [-o boot.img]\n" }

// SetFlags implements subcommands.Command.
func (c *mkimageCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "o", "boot.img", "output path")
}

// Execute implements subcommands.Command.
func (c *mkimageCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	members, order := bootimage.DefaultMembers()
	if err := bootimage.Assemble(afero.NewOsFs(), c.out, members, order); err != nil {
		logrus.WithError(err).Error("mkimage failed")
		return subcommands.ExitFailure
	}
	logrus.WithField("path", c.out).Info("boot image written")
	return subcommands.ExitSuccess
}
