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
	"fmt"
)

// DescriptorType is the type of an invalidation request, queued or issued
// through registers.
type DescriptorType uint8

// Descriptor types.
const (
	DescContext DescriptorType = iota + 1
	DescIOTLB
	DescWait
)

// String implements fmt.Stringer.
func (t DescriptorType) String() string {
	switch t {
	case DescContext:
		return "ctx"
	case DescIOTLB:
		return "iotlb"
	case DescWait:
		return "wait"
	default:
		return fmt.Sprintf("desc(%d)", uint8(t))
	}
}

// Granularity is the scope of an invalidation.
type Granularity uint8

// Invalidation granularities.
const (
	GranGlobal Granularity = iota
	GranDomain
	GranPage
)

// String implements fmt.Stringer.
func (g Granularity) String() string {
	switch g {
	case GranGlobal:
		return "global"
	case GranDomain:
		return "domain"
	case GranPage:
		return "page"
	default:
		return fmt.Sprintf("gran(%d)", uint8(g))
	}
}

// Descriptor is one invalidation request.
type Descriptor struct {
	Type DescriptorType
	Gran Granularity

	// DomainID scopes domain and page granularity requests.
	DomainID uint16

	// Addr and AM give the page-selective range: 2^AM pages at Addr.
	Addr uint64
	AM   uint8

	// Seq is the value a wait descriptor writes to the status word once
	// every earlier descriptor has completed.
	Seq uint64

	// Interrupt asks for a completion interrupt after a wait descriptor.
	Interrupt bool
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	switch d.Type {
	case DescWait:
		return fmt.Sprintf("wait seq=%d intr=%t", d.Seq, d.Interrupt)
	case DescIOTLB:
		if d.Gran == GranPage {
			return fmt.Sprintf("iotlb page did=%d addr=%#x am=%d", d.DomainID, d.Addr, d.AM)
		}
		fallthrough
	default:
		return fmt.Sprintf("%v %v did=%d", d.Type, d.Gran, d.DomainID)
	}
}

// Chunk is one naturally aligned power-of-two run of pages.
type Chunk struct {
	Addr uint64
	AM   uint8
}

// Size returns the chunk size in bytes.
func (c Chunk) Size() uint64 {
	return uint64(1) << (uint(c.AM) + PageShift)
}

// InvalidationChunks splits [base, base+size) into the page-selective
// invalidation requests needed to cover it. Each chunk is aligned to its own
// size and spans at most 2^mamv pages. size is rounded up to whole pages.
func InvalidationChunks(base, size uint64, mamv int) []Chunk {
	base = PageRoundDown(base)
	size = PageRoundUp(size)
	var chunks []Chunk
	for size > 0 {
		am := mamv
		for ; am > 0; am-- {
			isize := uint64(1) << (uint(am) + PageShift)
			if base&(isize-1) == 0 && size >= isize {
				break
			}
		}
		c := Chunk{Addr: base, AM: uint8(am)}
		chunks = append(chunks, c)
		base += c.Size()
		size -= c.Size()
	}
	return chunks
}
