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

package gas

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"vtd.dev/vtd/pkg/errors/linuxerr"
)

func TestAllocFirstFit(t *testing.T) {
	s := New(1 << 20)
	a, err := s.Alloc(0x1000, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != 0x1000 {
		t.Errorf("first Alloc = %#x, want 0x1000", a)
	}
	b, err := s.Alloc(0x1800, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b != 0x2000 {
		t.Errorf("second Alloc = %#x, want 0x2000", b)
	}
	c, err := s.Alloc(0x1000, 0x10000)
	if err != nil {
		t.Fatalf("aligned Alloc: %v", err)
	}
	if c != 0x10000 {
		t.Errorf("aligned Alloc = %#x, want 0x10000", c)
	}

	// Freeing the first range makes its hole the first fit again.
	if r := s.Free(a); r.End != 0x2000 || r.Flags != Allocated {
		t.Errorf("Free returned %+v", r)
	}
	d, err := s.Alloc(0x1000, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if d != a {
		t.Errorf("Alloc after free = %#x, want %#x", d, a)
	}
	// A two-page request does not fit in the one-page hole below b.
	s.Free(d)
	e, err := s.Alloc(0x2000, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if e != 0x4000 {
		t.Errorf("two-page Alloc = %#x, want 0x4000", e)
	}
}

func TestAllocExhausted(t *testing.T) {
	s := New(0x4000)
	for i := 0; i < 3; i++ {
		if _, err := s.Alloc(0x1000, 0); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := s.Alloc(0x1000, 0); err != linuxerr.ENOMEM {
		t.Errorf("Alloc in full space = %v, want ENOMEM", err)
	}
	if _, err := s.Alloc(0x1000, 0x3000); err != linuxerr.EINVAL {
		t.Errorf("Alloc with bad alignment = %v, want EINVAL", err)
	}
}

func TestReserve(t *testing.T) {
	s := New(1 << 32)
	if err := s.Reserve(0xfee00000, 0xfef00000, Reserved); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for _, tc := range []struct {
		name       string
		start, end uint64
		want       error
	}{
		{"inside", 0xfee01000, 0xfee02000, linuxerr.EBUSY},
		{"straddles start", 0xfed00000, 0xfee00001, linuxerr.EBUSY},
		{"straddles end", 0xfeeff000, 0xff000000, linuxerr.EBUSY},
		{"adjacent below", 0xfed00000, 0xfee00000, nil},
		{"adjacent above", 0xfef00000, 0xfef01000, nil},
		{"past end", 0xffffffff, 1 << 33, linuxerr.EINVAL},
		{"empty", 0x5000, 0x5000, linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Reserve(tc.start, tc.end, RMRR); err != tc.want {
				t.Errorf("Reserve(%#x, %#x) = %v, want %v", tc.start, tc.end, err, tc.want)
			}
		})
	}
	r, ok := s.Lookup(0xfee80000)
	if !ok || r.Flags != Reserved {
		t.Errorf("Lookup in window = %+v, %t", r, ok)
	}
	if _, ok := s.Lookup(0x1000); ok {
		t.Errorf("Lookup of free address succeeded")
	}
}

func TestAllocSkipsReserved(t *testing.T) {
	s := New(0x10000)
	if err := s.Reserve(0x1000, 0x3000, RMRR); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	a, err := s.Alloc(0x1000, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != 0x3000 {
		t.Errorf("Alloc = %#x, want 0x3000", a)
	}
	want := []Range{
		{Start: 0x1000, End: 0x3000, Flags: RMRR},
		{Start: 0x3000, End: 0x4000, Flags: Allocated},
	}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Errorf("Ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestFini(t *testing.T) {
	s := New(0x10000)
	if err := s.Reserve(0x8000, 0x9000, Reserved); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	a, err := s.Alloc(0x1000, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Fini with a live allocation did not panic")
			}
		}()
		s.Fini()
	}()
	s.Free(a)
	s.Fini()
	if s.Len() != 0 {
		t.Errorf("Len after Fini = %d", s.Len())
	}
}
