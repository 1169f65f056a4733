// Package capability provides the host-process simulation of the Glenda
// microkernel's capability primitives (endpoints, badges, frames, UTCB,
// reply capabilities) that drivers are built on. Real drivers run as
// isolated processes talking to the kernel and each other only through
// synchronous IPC over endpoint capabilities; this package reproduces that
// boundary with Go channels and shared, mmap-backed memory so the driver
// core above it is exercised exactly as it would be against the kernel.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package capability

import (
	"sync"

	"github.com/glenda-project/drivers/internal/glerr"
	"golang.org/x/sys/unix"
)

// Badge is the per-sender integer stamp a minted endpoint carries, visible
// to the receiver. Demultiplexing interrupts from client calls is done
// solely by testing bits of the badge, per spec §5/§9.
type Badge uint64

// IRQBadge is the single reserved bit an IRQ-bound endpoint is minted with.
// It must never be handed to a client.
const IRQBadge Badge = 1 << 63

// Message is the UTCB content carried across an Endpoint: a protocol/label
// tag, a fixed set of message-register words, and at most one capability
// slot (a frame or an endpoint) received alongside it, per spec §6.
type Message struct {
	Badge Badge
	Label uint32
	Words [8]uint64
	Cap   interface{} // *Frame or *Endpoint, when the call transfers one

	reply chan Message // set by Call, consumed by RecvWithReply
}

// Endpoint is a rendezvous object for synchronous IPC: receivers block,
// senders deliver exactly one message. Modeled as a Go channel of Message,
// since both sides in this simulation are goroutines rather than kernel
// threads scheduled across address spaces.
type Endpoint struct {
	ch chan Message
}

// NewEndpoint creates an unbuffered rendezvous endpoint, matching the
// kernel's synchronous (no queuing) IPC semantics.
func NewEndpoint() *Endpoint {
	return &Endpoint{ch: make(chan Message)}
}

// Send delivers msg to the endpoint, blocking until a receiver is waiting.
func (e *Endpoint) Send(msg Message) {
	e.ch <- msg
}

// Recv blocks for the next message — the ServerLoop's sole suspension
// point per spec §5.
func (e *Endpoint) Recv() Message {
	return <-e.ch
}

// Reply is a one-shot capability handed to a driver alongside a received
// call, used to send exactly one reply message back to the caller. The
// kernel invalidates it after use; here that is enforced by nilling the
// underlying channel reference.
type Reply struct {
	mu sync.Mutex
	ch chan Message
}

func newReply(ch chan Message) *Reply {
	return &Reply{ch: ch}
}

// Send delivers the reply exactly once. A second call is a programming
// error in the driver core and panics, mirroring the kernel revoking the
// one-shot reply capability after first use.
func (r *Reply) Send(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		panic("capability: reply capability used twice")
	}
	ch := r.ch
	r.ch = nil
	ch <- msg
}

// Call performs a synchronous send-then-receive-reply round trip: send msg
// to e, then block for the single reply delivered on the Reply capability
// minted for this call.
func (e *Endpoint) Call(msg Message) Message {
	reply := make(chan Message)
	msg.reply = reply
	e.ch <- msg
	return <-reply
}

// RecvWithReply blocks for the next message, returning it along with a
// Reply capability to respond with. Used by ServerLoop so every received
// call caries its own one-shot reply slot, per spec §6's UTCB/reply model.
func (e *Endpoint) RecvWithReply() (Message, *Reply) {
	msg := <-e.ch
	var reply *Reply
	if msg.reply != nil {
		reply = newReply(msg.reply)
		msg.reply = nil
	}
	return msg, reply
}

// Frame is a page-sized (or larger) memory object capability that can be
// mapped into an address space. Backed by golang.org/x/sys/unix.Mmap'd
// anonymous shared memory so that two simulated address spaces mapping the
// "same" frame genuinely observe the same bytes, the way two processes
// mapping one frame capability would on the real microkernel.
type Frame struct {
	mu   sync.Mutex
	buf  []byte
	phys uint64
	size uint64
}

// NewFrame allocates a frame of size bytes at the given simulated physical
// address. Falls back to a plain heap slice if the host cannot provide
// anonymous shared mappings (behavior-preserving, not a feature flag: only
// the backing allocator differs).
func NewFrame(phys, size uint64) (*Frame, error) {
	if size == 0 {
		return nil, glerr.New(glerr.InvalidArgs, "zero-size frame")
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		buf = make([]byte, size)
	}

	return &Frame{buf: buf, phys: phys, size: size}, nil
}

// Map returns the byte slice backing this frame in the caller's (simulated)
// address space. Since both sides of this simulation run in one OS
// process, Map always returns the same backing array; callers treat the
// returned slice as their own private virtual mapping.
func (f *Frame) Map() []byte {
	return f.buf
}

// Phys returns the frame's physical address.
func (f *Frame) Phys() uint64 {
	return f.phys
}

// Size returns the frame's size in bytes.
func (f *Frame) Size() uint64 {
	return f.size
}

// Close unmaps the frame's backing memory with unix.Munmap and drops the
// frame's reference to it. Close does not track whether the frame came from
// unix.Mmap: on a heap-backed fallback frame, unix.Munmap finds no mapping
// and Close returns that error.
func (f *Frame) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf == nil {
		return nil
	}
	err := unix.Munmap(f.buf)
	f.buf = nil
	return err
}

// SlotAllocator mints monotonically increasing capability slot numbers from
// a reserved numeric range, per spec §5 ("capability slots... managed by a
// monotonic allocator from a reserved numeric range; freeing is not
// required for correctness but should be supported for long-running
// services").
type SlotAllocator struct {
	mu   sync.Mutex
	next uint64
	free []uint64
}

// NewSlotAllocator creates an allocator starting at base.
func NewSlotAllocator(base uint64) *SlotAllocator {
	return &SlotAllocator{next: base}
}

// Alloc returns the next free slot number, reusing a freed slot if one is
// available.
func (a *SlotAllocator) Alloc() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		return s
	}

	s := a.next
	a.next++
	return s
}

// Free releases a slot back to the allocator for reuse.
func (a *SlotAllocator) Free(slot uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, slot)
}

// IrqCap is a bound interrupt capability: the ServerLoop's receive endpoint
// is minted with IRQBadge and delivers one Message per hardware interrupt.
// The driver calls Ack after servicing, as the last step of the
// "read status -> service -> write ack -> ack IRQ cap" ordering; delivery
// through Fire and Wait does not depend on Ack having been called.
type IrqCap struct {
	notify chan struct{}
	acked  chan struct{}
}

// NewIrqCap creates an interrupt capability bound to nothing yet; Fire and
// Ack are used by the device-model simulation and the driver respectively.
func NewIrqCap() *IrqCap {
	return &IrqCap{
		notify: make(chan struct{}, 1),
		acked:  make(chan struct{}, 1),
	}
}

// Fire signals that the device raised an interrupt. Non-blocking: a second
// Fire before the first is serviced is coalesced, matching real level- or
// edge-triggered line behavior funneled through one badge bit.
func (c *IrqCap) Fire() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until an interrupt has been fired.
func (c *IrqCap) Wait() {
	<-c.notify
}

// Ack records the acknowledgement of the interrupt capability in a
// one-slot buffer; a second Ack before anything drains it is dropped. Fire
// and Wait do not consult it.
func (c *IrqCap) Ack() {
	select {
	case c.acked <- struct{}{}:
	default:
	}
}
