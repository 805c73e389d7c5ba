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

package vtd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRID(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want RID
	}{
		{"00:02.0", 0x0010},
		{"00:04.0", 0x0020},
		{"03:1f.7", 0x03ff},
		{"0x0030", 0x0030},
		{"48", 0x0030},
	} {
		got, err := ParseRID(tc.in)
		if err != nil {
			t.Errorf("ParseRID(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseRID(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}

	r := MakeRID(3, 0x1f, 7)
	if r.Bus() != 3 || r.Slot() != 0x1f || r.Func() != 7 {
		t.Errorf("MakeRID(3, 0x1f, 7) decodes to %v", r)
	}
	if got, want := r.String(), "03:1f.7"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}

	for _, bad := range []string{"00:20.0", "00:00.8", "0x10000", "bogus"} {
		if _, err := ParseRID(bad); err == nil {
			t.Errorf("ParseRID(%q) succeeded", bad)
		}
	}
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	for _, c := range []Capabilities{
		{NumDomains: 16, SAGAW: 0x4, MGAW: 48},
		{
			NumDomains:         256,
			SAGAW:              0x6,
			MGAW:               39,
			CachingMode:        true,
			SLLPS:              SLLPS2M | SLLPS1G,
			PageSelective:      true,
			MaxAddressMask:     9,
			Coherent:           true,
			QueuedInvalidation: true,
			DeviceIOTLB:        true,
			PassThrough:        true,
		},
	} {
		capReg, ecapReg := c.Encode()
		if diff := cmp.Diff(c, ParseCapabilities(capReg, ecapReg)); diff != "" {
			t.Errorf("capabilities round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestContextEncoding(t *testing.T) {
	e := DecodeContext(ContextHi(5, 2), ContextLoTranslated(0x12345000))
	want := ContextEntry{Present: true, Type: CtxTypeUntranslated, Root: 0x12345000, DomainID: 5, AW: 2}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("translated entry mismatch (-want +got):\n%s", diff)
	}

	e = DecodeContext(ContextHi(7, 1), ContextLoPassThrough())
	if !e.Present || !e.PassThrough() || e.Root != 0 || e.DomainID != 7 {
		t.Errorf("pass-through entry decoded as %+v", e)
	}

	if DecodeContext(0, 0).Present {
		t.Errorf("zero entry decoded as present")
	}
}

func TestInvalidationChunks(t *testing.T) {
	for _, tc := range []struct {
		name       string
		base, size uint64
		mamv       int
		want       []Chunk
	}{
		{
			name: "single page",
			base: 0x1000, size: PageSize, mamv: 9,
			want: []Chunk{{0x1000, 0}},
		},
		{
			name: "aligned run",
			base: 0x10000, size: 16 * PageSize, mamv: 9,
			want: []Chunk{{0x10000, 4}},
		},
		{
			name: "misaligned start",
			base: 0x3000, size: 5 * PageSize, mamv: 9,
			want: []Chunk{{0x3000, 0}, {0x4000, 2}},
		},
		{
			name: "capped by mamv",
			base: 0, size: 8 * PageSize, mamv: 1,
			want: []Chunk{{0, 1}, {0x2000, 1}, {0x4000, 1}, {0x6000, 1}},
		},
		{
			name: "partial page rounds up",
			base: 0x2000, size: 100, mamv: 9,
			want: []Chunk{{0x2000, 0}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := InvalidationChunks(tc.base, tc.size, tc.mamv)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("InvalidationChunks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRMRRTable(t *testing.T) {
	usb := DeviceScope{StartBus: 0, Path: []PathEntry{{Slot: 0x14, Func: 0}}}
	gfx := DeviceScope{StartBus: 0, Path: []PathEntry{{Slot: 2, Func: 0}}}
	table := RMRRTable{
		{Region: Region{Start: 0xe0000, End: 0x100000}, Scopes: []DeviceScope{usb}},
		{Region: Region{Start: 0x7c000000, End: 0x80000000}, Scopes: []DeviceScope{gfx, usb}},
	}

	got := table.Regions(0, usb.Path)
	want := []Region{{0xe0000, 0x100000}, {0x7c000000, 0x80000000}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Regions(usb) mismatch (-want +got):\n%s", diff)
	}
	if got := table.Regions(1, usb.Path); len(got) != 0 {
		t.Errorf("Regions on the wrong bus = %v, want none", got)
	}
}
