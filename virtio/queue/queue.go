// Package queue implements the split virtqueue: a descriptor table, an
// available ring and a used ring laid out contiguously in one buffer, with
// an intrusive free-descriptor list. Grounded on
// usbarmory-tamago/virtio/descriptor.go's struct layout and on
// bobuhiro11-gokvm/virtio/blk.go's []byte+unsafe.Pointer ring-access
// pattern, generalized to the exact offsets and fence discipline spec
// §3/§4.2 require.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package queue

import (
	"encoding/binary"

	"github.com/glenda-project/drivers/internal/glerr"
	"github.com/glenda-project/drivers/internal/mmio"
)

// Descriptor flag bits.
const (
	FlagNext  uint16 = 1 << 0
	FlagWrite uint16 = 1 << 1
)

const descSize = 16 // addr:u64, len:u32, flags:u16, next:u16

// alignUp4 rounds n up to the next multiple of 4.
func alignUp4(n int) int {
	return (n + 3) &^ 3
}

// Layout describes the byte offsets of the three sub-regions within a
// VirtQueue's backing buffer, per spec §3.
type Layout struct {
	DescOff  int
	AvailOff int
	UsedOff  int
	Size     int // total bytes required
}

// ComputeLayout returns the offsets for a queue of the given size, per
// spec §3's contiguous layout: descriptor table at 0, available ring at
// 16*size, used ring at align_up(16*size + 6 + 2*size, 4). The +6 covers
// the avail ring's flags/idx u16 pair plus its trailing used_event u16.
func ComputeLayout(size uint16) Layout {
	n := int(size)
	descOff := 0
	availOff := descSize * n
	usedOff := alignUp4(availOff + 6 + 2*n)
	usedSize := 6 + 8*n // header{flags,idx} + n*{id:u32,len:u32} + avail_event
	return Layout{
		DescOff:  descOff,
		AvailOff: availOff,
		UsedOff:  usedOff,
		Size:     usedOff + usedSize,
	}
}

// isPowerOfTwo reports whether n is a power of two.
func isPowerOfTwo(n uint16) bool {
	return n != 0 && n&(n-1) == 0
}

// VirtQueue manages one split virtqueue over a single contiguous buffer,
// per spec §3/§4.2.
type VirtQueue struct {
	Index     uint32
	size      uint16
	physBase  uint64
	space     *mmio.Space
	layout    Layout
	lastUsed  uint16
	freeHead  uint16
	numFree   uint16
}

// New constructs a VirtQueue over buf (which must be at least
// ComputeLayout(size).Size bytes), linking every descriptor into the
// initial free list rooted at index 0. Enforces spec §4.2's edge case:
// size must be a power of two and at most 32768.
func New(index uint32, size uint16, physBase uint64, buf []byte) (*VirtQueue, error) {
	if size == 0 || size > 32768 || !isPowerOfTwo(size) {
		return nil, glerr.New(glerr.InvalidArgs, "queue size must be a power of two <= 32768")
	}

	layout := ComputeLayout(size)
	if len(buf) < layout.Size {
		return nil, glerr.New(glerr.InvalidArgs, "backing buffer too small for queue size")
	}

	vq := &VirtQueue{
		Index:    index,
		size:     size,
		physBase: physBase,
		space:    mmio.NewSpace(buf),
		layout:   layout,
		freeHead: 0,
		numFree:  size,
	}

	for i := uint16(0); i < size; i++ {
		next := i + 1
		flags := FlagNext
		if i == size-1 {
			next = 0
			flags = 0
		}
		vq.writeDescRaw(i, Descriptor{Addr: 0, Len: 0, Flags: flags, Next: next})
	}

	return vq, nil
}

// Size returns the queue's descriptor count.
func (vq *VirtQueue) Size() uint16 {
	return vq.size
}

// NumFree returns the number of descriptors currently on the free list.
func (vq *VirtQueue) NumFree() uint16 {
	return vq.numFree
}

// PhysBase returns the queue's backing buffer's physical base address.
func (vq *VirtQueue) PhysBase() uint64 {
	return vq.physBase
}

// Layout exposes the computed sub-region offsets.
func (vq *VirtQueue) Layout() Layout {
	return vq.layout
}

// Descriptor mirrors spec §3's 16-byte, 16-byte-aligned descriptor.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (vq *VirtQueue) descOffset(id uint16) int {
	return vq.layout.DescOff + int(id)*descSize
}

func (vq *VirtQueue) writeDescRaw(id uint16, d Descriptor) {
	off := vq.descOffset(id)
	buf := vq.space.Bytes()
	binary.LittleEndian.PutUint64(buf[off:], d.Addr)
	binary.LittleEndian.PutUint32(buf[off+8:], d.Len)
	binary.LittleEndian.PutUint16(buf[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(buf[off+14:], d.Next)
}

func (vq *VirtQueue) readDescRaw(id uint16) Descriptor {
	off := vq.descOffset(id)
	buf := vq.space.Bytes()
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[off:]),
		Len:   binary.LittleEndian.Uint32(buf[off+8:]),
		Flags: binary.LittleEndian.Uint16(buf[off+12:]),
		Next:  binary.LittleEndian.Uint16(buf[off+14:]),
	}
}

// WriteDesc performs a volatile write of the full descriptor followed by a
// sequentially consistent fence, per spec §4.2.
func (vq *VirtQueue) WriteDesc(id uint16, d Descriptor) {
	vq.writeDescRaw(id, d)
	mmio.Fence()
}

// AllocDesc pops a descriptor from the free list. Returns (0, false) when
// num_free == 0.
func (vq *VirtQueue) AllocDesc() (uint16, bool) {
	if vq.numFree == 0 {
		return 0, false
	}
	id := vq.freeHead
	d := vq.readDescRaw(id)
	vq.freeHead = d.Next
	vq.numFree--
	return id, true
}

// FreeDesc pushes id back onto the free list, restoring the NEXT flag so
// the chain remains valid regardless of the flags the caller last wrote.
func (vq *VirtQueue) FreeDesc(id uint16) {
	d := Descriptor{Addr: 0, Len: 0, Flags: FlagNext, Next: vq.freeHead}
	vq.writeDescRaw(id, d)
	vq.freeHead = id
	vq.numFree++
}

// descNext reads back the next field and NEXT flag of a descriptor
// already written (used when walking a completed chain).
func (vq *VirtQueue) descNext(id uint16) (next uint16, hasNext bool) {
	d := vq.readDescRaw(id)
	return d.Next, d.Flags&FlagNext != 0
}

// FreeChain walks the chain rooted at head via each descriptor's NEXT flag
// and frees every descriptor in link order, per spec §4.4.3's requirement
// that a chain be freed head-to-tail.
func (vq *VirtQueue) FreeChain(head uint16) {
	id := head
	for {
		next, hasNext := vq.descNext(id)
		vq.FreeDesc(id)
		if !hasNext {
			return
		}
		id = next
	}
}

func (vq *VirtQueue) availFlagsIdx() (off int) {
	return vq.layout.AvailOff
}

func (vq *VirtQueue) availRingOff(i uint16) int {
	return vq.layout.AvailOff + 4 + int(i)*2
}

func (vq *VirtQueue) availIdx() uint16 {
	return vq.space.Read16(vq.availFlagsIdx() + 2)
}

func (vq *VirtQueue) setAvailIdx(v uint16) {
	vq.space.Write16(vq.availFlagsIdx()+2, v)
}

// Submit writes head into the available ring at avail.idx mod size,
// executes a write fence, then increments avail.idx with wrapping
// arithmetic. Does not notify the device.
func (vq *VirtQueue) Submit(head uint16) {
	idx := vq.availIdx()
	slot := idx % vq.size
	vq.space.Write16(vq.availRingOff(slot), head)
	mmio.Fence()
	vq.setAvailIdx(idx + 1)
}

func (vq *VirtQueue) usedFlagsIdx() int {
	return vq.layout.UsedOff
}

func (vq *VirtQueue) usedIdx() uint16 {
	return vq.space.Read16(vq.usedFlagsIdx() + 2)
}

func (vq *VirtQueue) usedRingOff(i uint16) int {
	return vq.layout.UsedOff + 4 + int(i)*8
}

// CanPop reports whether an unconsumed used-ring entry is available.
func (vq *VirtQueue) CanPop() bool {
	return vq.lastUsed != vq.usedIdx()
}

// Pop returns the element at last_used mod size, preceded by a read fence,
// and advances last_used with wrapping arithmetic. Returns (0, 0, false)
// when nothing is available.
func (vq *VirtQueue) Pop() (id uint32, length uint32, ok bool) {
	if !vq.CanPop() {
		return 0, 0, false
	}
	mmio.Fence()
	slot := vq.lastUsed % vq.size
	off := vq.usedRingOff(slot)
	id = vq.space.Read32(off)
	length = vq.space.Read32(off + 4)
	vq.lastUsed++
	return id, length, true
}

// PushUsed is the device side of the used ring: it writes one completion
// element at used.idx mod size and bumps used.idx, with a fence between
// the element write and the index bump so a concurrently polling driver
// observes the element before it observes the new index. Grounded on bobuhiro11-gokvm's
// virtio/net.go, which drives its software NIC's used ring the same way
// (`usedRing.Ring[usedRing.Idx%QueueSize] = ...; usedRing.Idx++`). Exists
// so this module's device-model test harnesses can complete a chain
// without reaching into the queue package's unexported layout.
func (vq *VirtQueue) PushUsed(id uint32, length uint32) {
	idx := vq.usedIdx()
	slot := idx % vq.size
	off := vq.usedRingOff(slot)
	vq.space.Write32(off, id)
	vq.space.Write32(off+4, length)
	mmio.Fence()
	vq.space.Write16(vq.usedFlagsIdx()+2, idx+1)
}
