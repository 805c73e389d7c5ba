// Copyright 2026 The gVisor Authors.
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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vtd.dev/vtd/pkg/vtd"
)

const tomlTopology = `
[[unit]]
[unit.caps]
num_domains = 256
sagaw = 6
mgaw = 48
coherent = true
queued_invalidation = true

[[unit.rmrr]]
start = 0x80000
end = 0x90000

[[unit.rmrr.scope]]
start_bus = 0
path = [{slot = 0x14, func = 0}]

[[unit.device]]
name = "nic"
rid = "00:02.0"
refs = 2
buffers = [4096, 8192]

[[unit.device]]
rid = "01:00.0"
share_with = "nic"

[[unit.device]]
name = "bridge"
rid = "05:00.0"
bus_wide = true
path = [{slot = 1, func = 0}, {slot = 0, func = 0}]

[[unit]]
name = "gfx"
[unit.caps]
num_domains = 16
sagaw = 4
mgaw = 48
caching_mode = true

[[unit.device]]
name = "gpu"
rid = "0x200"
identity = true
`

const yamlTopology = `
units:
  - caps:
      num_domains: 256
      sagaw: 6
      mgaw: 48
      coherent: true
      queued_invalidation: true
    rmrr:
      - start: 0x80000
        end: 0x90000
        scope:
          - start_bus: 0
            path: [{slot: 0x14, func: 0}]
    devices:
      - name: nic
        rid: "00:02.0"
        refs: 2
        buffers: [4096, 8192]
      - rid: "01:00.0"
        share_with: nic
      - name: bridge
        rid: "05:00.0"
        bus_wide: true
        path:
          - {slot: 1, func: 0}
          - {slot: 0, func: 0}
  - name: gfx
    caps:
      num_domains: 16
      sagaw: 4
      mgaw: 48
      caching_mode: true
    devices:
      - name: gpu
        rid: "0x200"
        identity: true
`

func wantTopology() *Topology {
	return &Topology{Units: []Unit{
		{
			Name: "dmar0",
			Caps: vtd.Capabilities{NumDomains: 256, SAGAW: 6, MGAW: 48, Coherent: true, QueuedInvalidation: true},
			RMRR: vtd.RMRRTable{{
				Region: vtd.Region{Start: 0x80000, End: 0x90000},
				Scopes: []vtd.DeviceScope{{StartBus: 0, Path: []vtd.PathEntry{{Slot: 0x14}}}},
			}},
			Devices: []Device{
				{Name: "nic", RID: "00:02.0", Refs: 2, Buffers: []uint64{4096, 8192}, rid: vtd.MakeRID(0, 2, 0)},
				{Name: "01:00.0", RID: "01:00.0", ShareWith: "nic", rid: vtd.MakeRID(1, 0, 0)},
				{Name: "bridge", RID: "05:00.0", BusWide: true, Path: []vtd.PathEntry{{Slot: 1}, {Slot: 0}}, rid: vtd.MakeRID(5, 0, 0)},
			},
		},
		{
			Name:    "gfx",
			Caps:    vtd.Capabilities{NumDomains: 16, SAGAW: 4, MGAW: 48, CachingMode: true},
			Devices: []Device{{Name: "gpu", RID: "0x200", Identity: true, rid: vtd.MakeRID(2, 0, 0)}},
		},
	}}
}

func TestParseTopology(t *testing.T) {
	for _, tc := range []struct {
		format string
		data   string
	}{
		{"toml", tomlTopology},
		{"yaml", yamlTopology},
	} {
		t.Run(tc.format, func(t *testing.T) {
			got, err := ParseTopology([]byte(tc.data), tc.format)
			if err != nil {
				t.Fatalf("ParseTopology: %v", err)
			}
			if diff := cmp.Diff(wantTopology(), got, cmp.AllowUnexported(Device{})); diff != "" {
				t.Errorf("topology mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeviceHelpers(t *testing.T) {
	topo, err := ParseTopology([]byte(tomlTopology), "toml")
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	devs := topo.Units[0].Devices
	if got := devs[0].Attachments(); got != 2 {
		t.Errorf("nic attachments = %d, want 2", got)
	}
	if got := devs[1].Attachments(); got != 1 {
		t.Errorf("default attachments = %d, want 1", got)
	}

	nic := devs[0].DMARDevice()
	if nic.Name != "nic" || nic.Bus != 0 || len(nic.Path) != 0 {
		t.Errorf("nic device = %+v, want no explicit scope", nic)
	}
	bridge := devs[2].DMARDevice()
	if bridge.Bus != 5 || !bridge.BusWide || len(bridge.Path) != 2 {
		t.Errorf("bridge device = %+v, want bus 5, bus-wide, two path entries", bridge)
	}
}

func TestLoadTopology(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"t.toml": tomlTopology,
		"t.yaml": yamlTopology,
		"t.yml":  yamlTopology,
		"t.json": "{}",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	for _, name := range []string{"t.toml", "t.yaml", "t.yml"} {
		got, err := LoadTopology(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("LoadTopology(%s): %v", name, err)
			continue
		}
		if diff := cmp.Diff(wantTopology(), got, cmp.AllowUnexported(Device{})); diff != "" {
			t.Errorf("LoadTopology(%s) mismatch (-want +got):\n%s", name, diff)
		}
	}
	if _, err := LoadTopology(filepath.Join(dir, "t.json")); err == nil || !strings.Contains(err.Error(), "unknown extension") {
		t.Errorf("LoadTopology(t.json) = %v, want unknown extension", err)
	}
	if _, err := LoadTopology(filepath.Join(dir, "missing.toml")); !os.IsNotExist(err) {
		t.Errorf("LoadTopology(missing.toml) = %v, want not exist", err)
	}
}

func TestTopologyErrors(t *testing.T) {
	const caps = "[unit.caps]\nnum_domains = 16\nsagaw = 4\n"
	for _, tc := range []struct {
		name string
		data string
		err  string
	}{
		{"empty", "", "no units"},
		{"unknown key", "[[unit]]\n" + caps + "color = \"red\"\n", "unknown keys"},
		{"no caps", "[[unit]]\nname = \"a\"\n", "num_domains and sagaw are required"},
		{"duplicate unit", "[[unit]]\nname = \"a\"\n" + caps + "[[unit]]\nname = \"a\"\n" + caps, "duplicate unit"},
		{"empty rmrr", "[[unit]]\n" + caps + "[[unit.rmrr]]\nstart = 0x1000\nend = 0x1000\n", "empty RMRR"},
		{"bad rid", "[[unit]]\n" + caps + "[[unit.device]]\nrid = \"00:40.0\"\n", "out of range"},
		{"duplicate device", "[[unit]]\n" + caps + "[[unit.device]]\nrid = \"00:01.0\"\n[[unit.device]]\nrid = \"00:01.0\"\n", "duplicate device"},
		{"identity buffers", "[[unit]]\n" + caps + "[[unit.device]]\nrid = \"00:01.0\"\nidentity = true\nbuffers = [4096]\n", "cannot map buffers"},
		{"empty buffer", "[[unit]]\n" + caps + "[[unit.device]]\nrid = \"00:01.0\"\nbuffers = [0]\n", "empty buffer"},
		{"share self", "[[unit]]\n" + caps + "[[unit.device]]\nname = \"a\"\nrid = \"00:01.0\"\nshare_with = \"a\"\n", "cannot share"},
		{"share unknown", "[[unit]]\n" + caps + "[[unit.device]]\nrid = \"00:01.0\"\nshare_with = \"b\"\n", "cannot share"},
		{"share bus-wide", "[[unit]]\n" + caps + "[[unit.device]]\nname = \"a\"\nrid = \"00:01.0\"\n[[unit.device]]\nrid = \"01:00.0\"\nbus_wide = true\nshare_with = \"a\"\n", "bus-wide"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTopology([]byte(tc.data), "toml")
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("ParseTopology = %v, want error containing %q", err, tc.err)
			}
		})
	}

	if _, err := ParseTopology([]byte("units:\n  - bogus: 1\n"), "yaml"); err == nil {
		t.Errorf("ParseTopology with unknown yaml field succeeded")
	}
	if _, err := ParseTopology(nil, "ini"); err == nil {
		t.Errorf("ParseTopology with unknown format succeeded")
	}
}
