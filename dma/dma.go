// Package dma implements a first-fit scratch memory allocator over a single
// contiguous region, used by driver cores to carve out backing storage for
// virtqueue descriptor tables, ring headers and I/O buffers from a single
// mapped Frame.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package dma

import (
	"sync"

	"github.com/glenda-project/drivers/internal/glerr"
)

// block is a single allocation record in the free/used list.
type block struct {
	addr uint64
	size uint64
	used bool
}

// Region is a DMA-capable memory region: a single Frame mapped at a known
// physical and virtual base, sub-allocated with a first-fit strategy. This
// mirrors the teacher's dma package, generalized from a fixed hardware
// physical range to an arbitrary SharedBufferDescriptor-backed window so the
// same allocator serves the client side (buffers) and the driver side
// (descriptor tables, ring headers).
type Region struct {
	mu sync.Mutex

	virt uint64
	phys uint64
	size uint64
	buf  []byte

	blocks []*block
}

// NewRegion creates an allocator over buf, which must be exactly size bytes
// and already mapped such that virt+i and phys+i denote the same byte for
// 0<=i<size.
func NewRegion(buf []byte, virt, phys, size uint64) *Region {
	r := &Region{
		virt: virt,
		phys: phys,
		size: size,
		buf:  buf,
	}
	r.blocks = []*block{{addr: virt, size: size, used: false}}
	return r
}

// align rounds n up to the given power-of-two alignment.
func align(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// Alloc reserves size bytes aligned to align (must be a power of two) and
// returns the virtual address of the reservation. Returns OutOfMemory if no
// free block is large enough.
func (r *Region) Alloc(size uint64, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, glerr.New(glerr.InvalidArgs, "zero-size allocation")
	}
	if alignment == 0 {
		alignment = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, b := range r.blocks {
		if b.used {
			continue
		}

		start := align(b.addr, alignment)
		pad := start - b.addr
		need := pad + size
		if need > b.size {
			continue
		}

		var rest []*block
		if pad > 0 {
			rest = append(rest, &block{addr: b.addr, size: pad, used: false})
		}
		rest = append(rest, &block{addr: start, size: size, used: true})
		if rem := b.size - need; rem > 0 {
			rest = append(rest, &block{addr: start + size, size: rem, used: false})
		}

		r.blocks = append(r.blocks[:i], append(rest, r.blocks[i+1:]...)...)
		return start, nil
	}

	return 0, glerr.New(glerr.OutOfMemory, "no free block large enough")
}

// Free releases a previous allocation made at addr, coalescing with
// neighboring free blocks.
func (r *Region) Free(addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, b := range r.blocks {
		if b.used && b.addr == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return glerr.New(glerr.InvalidArgs, "double free or unknown address")
	}

	r.blocks[idx].used = false

	// Coalesce with the following block first so the index of the
	// previous block stays valid.
	if idx+1 < len(r.blocks) && !r.blocks[idx+1].used {
		r.blocks[idx].size += r.blocks[idx+1].size
		r.blocks = append(r.blocks[:idx+1], r.blocks[idx+2:]...)
	}
	if idx > 0 && !r.blocks[idx-1].used {
		r.blocks[idx-1].size += r.blocks[idx].size
		r.blocks = append(r.blocks[:idx], r.blocks[idx+1:]...)
	}

	return nil
}

// ToPhys translates a virtual address within the region to its physical
// counterpart, per spec §3's SharedBufferDescriptor contract:
// physical = Pp + (a - Cv), bounds-checked.
func (r *Region) ToPhys(addr, length uint64) (uint64, error) {
	if addr < r.virt || addr+length > r.virt+r.size {
		return 0, glerr.New(glerr.InvalidArgs, "address out of bounds")
	}
	return r.phys + (addr - r.virt), nil
}

// Slice returns the byte slice backing [addr, addr+length) in this region's
// own virtual addressing, for host-side memcpy access (e.g. RAM-disk reads).
func (r *Region) Slice(addr, length uint64) ([]byte, error) {
	if addr < r.virt || addr+length > r.virt+r.size {
		return nil, glerr.New(glerr.InvalidArgs, "address out of bounds")
	}
	off := addr - r.virt
	return r.buf[off : off+length], nil
}

// Base returns the region's virtual and physical base addresses and size.
func (r *Region) Base() (virt, phys, size uint64) {
	return r.virt, r.phys, r.size
}
