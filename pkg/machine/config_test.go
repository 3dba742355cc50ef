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
	"testing"

	"github.com/spf13/afero"
)

func TestLoadConfigDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/machine.toml", []byte("num_cpus = 2\n"), 0o644)

	cfg, err := LoadConfig(fs, "/machine.toml")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NumCPUs != 2 {
		t.Errorf("num_cpus: got %d", cfg.NumCPUs)
	}
	if cfg.RAMSize != DefaultConfig().RAMSize {
		t.Errorf("ram_size default not applied: 0x%x", cfg.RAMSize)
	}
	if cfg.UARTBaud != 115200 {
		t.Errorf("uart_baud default: %d", cfg.UARTBaud)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{RAMSize: 0, NumCPUs: 1, TickMicros: 1000},
		{RAMSize: 4097, NumCPUs: 1, TickMicros: 1000},
		{RAMSize: 1 << 20, NumCPUs: 0, TickMicros: 1000},
		{RAMSize: 1 << 29, NumCPUs: 1, TickMicros: 1000},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Errorf("config %d accepted: %+v", i, cfg)
		}
	}
	if _, err := New(DefaultConfig()); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}
