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

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
	"vtd.dev/vtd/dmarsim/config"
	"vtd.dev/vtd/dmarsim/flag"
	"vtd.dev/vtd/pkg/dmar"
)

const topology = `
[[unit]]
name = "dmar0"

[unit.caps]
num_domains = 256
sagaw = 6
mgaw = 48
page_selective = true
max_address_mask = 9
coherent = true

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
buffers = [4096, 12288]

[[unit.device]]
name = "usb"
rid = "00:14.0"

[[unit.device]]
name = "nvme"
rid = "01:00.0"
share_with = "nic"

[[unit]]
name = "dmar1"

[unit.caps]
num_domains = 16
sagaw = 4
mgaw = 48
caching_mode = true
queued_invalidation = true
device_iotlb = true
pass_through = true

[[unit.device]]
name = "gpu"
rid = "02:00.0"
buffers = [4096, 4096, 4096]

[[unit.device]]
name = "sata"
rid = "03:00.0"
identity = true

[[unit.device]]
name = "bridge"
rid = "04:00.0"
bus_wide = true
`

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	args = append([]string{"--flush-timeout=50ms", "--enable-timeout=50ms", "--max-phys-addr=0x4000000"}, args...)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func loadTopology(t *testing.T) *config.Topology {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.toml")
	if err := os.WriteFile(path, []byte(topology), 0644); err != nil {
		t.Fatalf("writing topology: %v", err)
	}
	topo, err := config.LoadTopology(path)
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	return topo
}

func TestSimulate(t *testing.T) {
	for _, async := range []bool{false, true} {
		name := "sync"
		var args []string
		if async {
			name = "async"
			args = append(args, "--async-queue")
		}
		t.Run(name, func(t *testing.T) {
			results, err := simulate(context.Background(), testConfig(t, args...), loadTopology(t))
			if err != nil {
				t.Fatalf("simulate: %v", err)
			}
			if len(results) != 2 {
				t.Fatalf("got %d results, want 2", len(results))
			}

			type summary struct {
				PeakDomains, PeakContexts int
				Created, Domains, Moves   uint64
				Unloaded                  uint64
				LiveDomains, LiveContexts int
			}
			got := make(map[string]summary)
			for _, r := range results {
				got[r.name] = summary{
					PeakDomains:  r.peak.Domains,
					PeakContexts: r.peak.Contexts,
					Created:      r.final.ContextsCreated,
					Domains:      r.final.DomainsCreated,
					Moves:        r.final.Moves,
					Unloaded:     r.final.EntriesUnloaded,
					LiveDomains:  r.final.Domains,
					LiveContexts: r.final.Contexts,
				}
			}
			want := map[string]summary{
				// nvme gets its own domain, then moves into the nic's.
				"dmar0": {PeakDomains: 2, PeakContexts: 3, Created: 3, Domains: 3, Moves: 1, Unloaded: 2},
				"dmar1": {PeakDomains: 3, PeakContexts: 3, Created: 3, Domains: 3, Unloaded: 3},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("results mismatch (-want +got):\n%s", diff)
			}
			for _, r := range results {
				if r.final.ContextsFreed != r.final.ContextsCreated || r.final.DomainsDestroyed != r.final.DomainsCreated {
					t.Errorf("%s: leaked objects: %+v", r.name, r.final)
				}
			}
		})
	}
}

func TestSimulateAttachFailure(t *testing.T) {
	topo := loadTopology(t)
	// A single usable domain id cannot hold three domains.
	topo.Units[1].Caps.NumDomains = 2
	if _, err := simulate(context.Background(), testConfig(t), topo); err == nil || !strings.Contains(err.Error(), "dmar1") {
		t.Errorf("simulate = %v, want an error for dmar1", err)
	}
}

func TestWriteStats(t *testing.T) {
	results := []unitResult{
		{name: "dmar0", peak: dmar.Stats{Domains: 2, Contexts: 3}, final: dmar.Stats{ContextsCreated: 3, Moves: 1}},
		{name: "dmar1", peak: dmar.Stats{Domains: 1}, final: dmar.Stats{QIWaits: 7}},
	}
	var buf bytes.Buffer
	if err := writeStats(&buf, results); err != nil {
		t.Fatalf("writeStats: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing stats: %v\n%s", err, buf.String())
	}
	if len(parsed) != len(metrics) {
		t.Errorf("got %d metric families, want %d", len(parsed), len(metrics))
	}

	value := func(name, unit string) float64 {
		mf, ok := parsed[name]
		if !ok {
			t.Fatalf("metric %q missing", name)
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "unit" && l.GetValue() == unit {
					if c := m.GetCounter(); c != nil {
						return c.GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
		t.Fatalf("metric %q has no sample for unit %q", name, unit)
		return 0
	}
	for _, tc := range []struct {
		name string
		unit string
		want float64
	}{
		{"dmar_domains_peak", "dmar0", 2},
		{"dmar_contexts_peak", "dmar0", 3},
		{"dmar_contexts_created_total", "dmar0", 3},
		{"dmar_moves_total", "dmar0", 1},
		{"dmar_domains_peak", "dmar1", 1},
		{"dmar_qi_waits_total", "dmar1", 7},
		{"dmar_moves_total", "dmar1", 0},
	} {
		if got := value(tc.name, tc.unit); got != tc.want {
			t.Errorf("%s{unit=%q} = %v, want %v", tc.name, tc.unit, got, tc.want)
		}
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	results := []unitResult{{name: "dmar0", peak: dmar.Stats{Domains: 2, Contexts: 3}}}
	if err := writeSummary(&buf, results); err != nil {
		t.Fatalf("writeSummary: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "UNIT") {
		t.Errorf("header %q does not start with UNIT", lines[0])
	}
	if fields := strings.Fields(lines[1]); fields[0] != "dmar0" || fields[1] != "2" || fields[2] != "3" {
		t.Errorf("row = %q, want dmar0 2 3 ...", lines[1])
	}
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		what, a, b string
		want       string
		wantErr    bool
	}{
		{what: "ctx", a: "0x502", b: "0x1234001", want: "did 5 aw 2 untranslated root 0x1234000\n"},
		{what: "ctx", a: "0x502", b: "0x1234005", want: "did 5 aw 2 translated root 0x1234000\n"},
		{what: "ctx", a: "0x301", b: "0x9", want: "did 3 aw 1 pass-through\n"},
		{what: "ctx", a: "0", b: "0", want: "not present\n"},
		{what: "ctx", a: "zz", b: "0", wantErr: true},
		{what: "root", a: "0", b: "0", wantErr: true},
	} {
		var buf bytes.Buffer
		err := decode(&buf, tc.what, tc.a, tc.b)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("decode(%s, %s, %s) = %v, want error %t", tc.what, tc.a, tc.b, err, tc.wantErr)
			continue
		}
		if got := buf.String(); !tc.wantErr && got != tc.want {
			t.Errorf("decode(%s, %s, %s) = %q, want %q", tc.what, tc.a, tc.b, got, tc.want)
		}
	}
}
