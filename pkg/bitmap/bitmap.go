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

// Package bitmap provides a fixed-size bitmap used to hand out small
// integer ids.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of bits numbered [0, Size()). The zero value has no room;
// use New.
type Bitmap struct {
	size  uint32
	count uint32
	words []uint64
}

// New returns an empty bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:  size,
		words: make([]uint64, (uint64(size)+63)/64),
	}
}

// Size returns the number of bits the bitmap holds.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty reports whether no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.count == 0
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.count
}

func (b *Bitmap) check(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
}

// Has reports whether bit i is set.
func (b *Bitmap) Has(i uint32) bool {
	b.check(i)
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.check(i)
	w := &b.words[i/64]
	if m := uint64(1) << (i % 64); *w&m == 0 {
		*w |= m
		b.count++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.check(i)
	w := &b.words[i/64]
	if m := uint64(1) << (i % 64); *w&m != 0 {
		*w &^= m
		b.count--
	}
}

// FirstZero returns the lowest clear bit at or above start. It fails when
// every such bit is set.
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d past bitmap size %d", start, b.size)
	}
	i := int(start / 64)
	w := b.words[i] | (uint64(1)<<(start%64) - 1)
	for {
		if w != ^uint64(0) {
			bit := uint32(i*64 + bits.TrailingZeros64(^w))
			if bit >= b.size {
				break
			}
			return bit, nil
		}
		i++
		if i == len(b.words) {
			break
		}
		w = b.words[i]
	}
	return 0, fmt.Errorf("no clear bit in [%d, %d)", start, b.size)
}

// ToSlice returns the set bits in increasing order.
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.count)
	for i, w := range b.words {
		for w != 0 {
			s = append(s, uint32(i*64+bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
	return s
}
