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

package machine

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
)

// Config describes a machine. It is the on-disk simulator configuration;
// all fields have usable defaults.
type Config struct {
	// RAMSize is the physical memory size in bytes. Must be a multiple
	// of the page size.
	RAMSize uint64 `toml:"ram_size"`

	// NumCPUs is the core count.
	NumCPUs int `toml:"num_cpus"`

	// TickMicros is the generic-timer tick interval programmed by the
	// kernel, in microseconds of modeled time.
	TickMicros uint32 `toml:"tick_micros"`

	// UARTBaud is recorded for the console; the model always behaves as
	// 115200-8N1.
	UARTBaud int `toml:"uart_baud"`
}

// DefaultConfig returns the stock Raspberry Pi 3 flavored machine.
func DefaultConfig() Config {
	return Config{
		RAMSize:    128 << 20,
		NumCPUs:    4,
		TickMicros: 1000,
		UARTBaud:   115200,
	}
}

// LoadConfig reads a TOML machine description from fs, applying defaults
// for absent fields.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("reading machine config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing machine config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RAMSize == 0 || c.RAMSize%FrameSize != 0 {
		return fmt.Errorf("ram_size 0x%x is not a positive multiple of the page size", c.RAMSize)
	}
	if c.NumCPUs < 1 {
		return fmt.Errorf("num_cpus %d: need at least one core", c.NumCPUs)
	}
	if c.RAMSize > PhysIOBase {
		return fmt.Errorf("ram_size 0x%x overlaps the peripheral window at 0x%x", c.RAMSize, uint64(PhysIOBase))
	}
	// The ASID discipline derives address-space ids from PA bits 12..27,
	// so root tables must sit below 2^28.
	if c.RAMSize > 1<<28 {
		return fmt.Errorf("ram_size 0x%x exceeds the 256 MiB addressable by the ASID scheme", c.RAMSize)
	}
	return nil
}
