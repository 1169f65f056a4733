// Package ioring implements the shared-memory submission/completion ring
// between a client and a driver: a 64-byte header followed by an SQE array
// and a CQE array, bit-exact per spec §3/§6. Field naming follows
// other_examples' go-iouring types (Opcode, Ioprio, UserData, ...); ring
// mechanics follow the VirtQueue's fence discipline, generalized from
// descriptor indices to raw SQE/CQE payloads.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package ioring

import (
	"encoding/binary"

	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/internal/glerr"
	"github.com/glenda-project/drivers/internal/mmio"
)

// Opcodes a SQE may carry.
const (
	OpRead uint8 = iota
	OpWrite
	OpSync
)

const headerSize = 64
const sqeSize = 64
const cqeSize = 16

// SQE is the submission entry, 64 bytes on the wire.
type SQE struct {
	Opcode   uint8
	Flags    uint8
	Ioprio   uint16
	Fd       int32
	Off      uint64
	Addr     uint64
	Len      uint32
	RwFlags  uint32
	UserData uint64
}

// CQE is the completion entry, 16 bytes on the wire.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// Geometry describes the ring sizing needed to compute the total backing
// buffer size before allocation.
type Geometry struct {
	SQEntries uint32
	CQEntries uint32
}

// Size returns the total byte size required to back a ring of this
// geometry: header + SQE array + CQE array, no padding, per spec §6.
func (g Geometry) Size() uint64 {
	return uint64(headerSize) + uint64(g.SQEntries)*sqeSize + uint64(g.CQEntries)*cqeSize
}

// ring is the shared layout accessor common to both the client (submitter)
// and driver (IoRingServer) views; both wrap the same backing buffer.
type ring struct {
	space     *mmio.Space
	geometry  Geometry
	sqOff     int
	cqOff     int
}

func newRing(buf []byte, g Geometry) (*ring, error) {
	if !isPowerOfTwo(g.SQEntries) || !isPowerOfTwo(g.CQEntries) {
		return nil, glerr.New(glerr.InvalidArgs, "sq_entries and cq_entries must be powers of two")
	}
	if uint64(len(buf)) < g.Size() {
		return nil, glerr.New(glerr.InvalidArgs, "backing buffer too small for ring geometry")
	}

	r := &ring{
		space:    mmio.NewSpace(buf),
		geometry: g,
		sqOff:    headerSize,
		cqOff:    headerSize + int(g.SQEntries)*sqeSize,
	}
	r.setSQMask(g.SQEntries - 1)
	r.setCQMask(g.CQEntries - 1)
	return r, nil
}

// Header field offsets, per spec §3:
// {sq_head, sq_tail, cq_head, cq_tail, sq_mask, cq_mask, flags, reserved}.
const (
	hdrSQHead = 0
	hdrSQTail = 4
	hdrCQHead = 8
	hdrCQTail = 12
	hdrSQMask = 16
	hdrCQMask = 20
	hdrFlags  = 24
)

func (r *ring) sqHead() uint32     { return r.space.Read32(hdrSQHead) }
func (r *ring) setSQHead(v uint32) { r.space.Write32(hdrSQHead, v) }
func (r *ring) sqTail() uint32     { return r.space.Read32(hdrSQTail) }
func (r *ring) setSQTail(v uint32) { r.space.Write32(hdrSQTail, v) }
func (r *ring) cqHead() uint32     { return r.space.Read32(hdrCQHead) }
func (r *ring) setCQHead(v uint32) { r.space.Write32(hdrCQHead, v) }
func (r *ring) cqTail() uint32     { return r.space.Read32(hdrCQTail) }
func (r *ring) setCQTail(v uint32) { r.space.Write32(hdrCQTail, v) }
func (r *ring) sqMask() uint32     { return r.space.Read32(hdrSQMask) }
func (r *ring) setSQMask(v uint32) { r.space.Write32(hdrSQMask, v) }
func (r *ring) cqMask() uint32     { return r.space.Read32(hdrCQMask) }
func (r *ring) setCQMask(v uint32) { r.space.Write32(hdrCQMask, v) }

func (r *ring) writeSQE(slot uint32, s SQE) {
	off := r.sqOff + int(slot)*sqeSize
	buf := r.space.Bytes()
	buf[off] = s.Opcode
	buf[off+1] = s.Flags
	binary.LittleEndian.PutUint16(buf[off+2:], s.Ioprio)
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(s.Fd))
	binary.LittleEndian.PutUint64(buf[off+8:], s.Off)
	binary.LittleEndian.PutUint64(buf[off+16:], s.Addr)
	binary.LittleEndian.PutUint32(buf[off+24:], s.Len)
	binary.LittleEndian.PutUint32(buf[off+28:], s.RwFlags)
	binary.LittleEndian.PutUint64(buf[off+32:], s.UserData)
}

func (r *ring) readSQE(slot uint32) SQE {
	off := r.sqOff + int(slot)*sqeSize
	buf := r.space.Bytes()
	return SQE{
		Opcode:   buf[off],
		Flags:    buf[off+1],
		Ioprio:   binary.LittleEndian.Uint16(buf[off+2:]),
		Fd:       int32(binary.LittleEndian.Uint32(buf[off+4:])),
		Off:      binary.LittleEndian.Uint64(buf[off+8:]),
		Addr:     binary.LittleEndian.Uint64(buf[off+16:]),
		Len:      binary.LittleEndian.Uint32(buf[off+24:]),
		RwFlags:  binary.LittleEndian.Uint32(buf[off+28:]),
		UserData: binary.LittleEndian.Uint64(buf[off+32:]),
	}
}

func (r *ring) writeCQE(slot uint32, c CQE) {
	off := r.cqOff + int(slot)*cqeSize
	buf := r.space.Bytes()
	binary.LittleEndian.PutUint64(buf[off:], c.UserData)
	binary.LittleEndian.PutUint32(buf[off+8:], uint32(c.Res))
	binary.LittleEndian.PutUint32(buf[off+12:], c.Flags)
}

func (r *ring) readCQE(slot uint32) CQE {
	off := r.cqOff + int(slot)*cqeSize
	buf := r.space.Bytes()
	return CQE{
		UserData: binary.LittleEndian.Uint64(buf[off:]),
		Res:      int32(binary.LittleEndian.Uint32(buf[off+8:])),
		Flags:    binary.LittleEndian.Uint32(buf[off+12:]),
	}
}

// Submitter is the client-side view: it produces SQEs and consumes CQEs.
type Submitter struct {
	r *ring
}

// NewSubmitter wraps buf as the client-side view of a ring of the given
// geometry. The caller (setup_ring) allocates and zeroes buf before the
// driver also wraps it as an IoRingServer.
func NewSubmitter(buf []byte, g Geometry) (*Submitter, error) {
	r, err := newRing(buf, g)
	if err != nil {
		return nil, err
	}
	return &Submitter{r: r}, nil
}

// TrySubmit appends sqe to the ring if space is available. Returns false
// (without modifying the ring) when sq_tail - sq_head == sq_entries, per
// spec §8 property 3: backpressure, never overwrite.
func (s *Submitter) TrySubmit(sqe SQE) bool {
	head := s.r.sqHead()
	tail := s.r.sqTail()
	if tail-head == s.r.geometry.SQEntries {
		return false
	}
	s.r.writeSQE(tail&s.r.sqMask(), sqe)
	mmio.Fence()
	s.r.setSQTail(tail + 1)
	return true
}

// Submit spins until TrySubmit succeeds, per spec §4.3's backpressure
// contract (the client's duty is to drain cq before resubmitting into a
// full sq, which bounds the spin).
func (s *Submitter) Submit(sqe SQE) {
	for !s.TrySubmit(sqe) {
	}
}

// TryNextCompletion returns the next unconsumed CQE, if any.
func (s *Submitter) TryNextCompletion() (CQE, bool) {
	head := s.r.cqHead()
	tail := s.r.cqTail()
	if head == tail {
		return CQE{}, false
	}
	mmio.Fence()
	c := s.r.readCQE(head & s.r.cqMask())
	s.r.setCQHead(head + 1)
	return c, true
}

// Server is the driver-side view: it consumes SQEs and produces CQEs, and
// owns the optional client-notification wake-up, per spec §4.3.
type Server struct {
	r          *ring
	notifyEP   *capability.Endpoint
	notifyTag  uint32
	pendingOut bool
}

// NewServer wraps buf as the driver-side view of a ring of the given
// geometry.
func NewServer(buf []byte, g Geometry) (*Server, error) {
	r, err := newRing(buf, g)
	if err != nil {
		return nil, err
	}
	return &Server{r: r}, nil
}

// SetClientNotify configures the endpoint the driver signals after posting
// completions.
func (s *Server) SetClientNotify(ep *capability.Endpoint) {
	s.notifyEP = ep
}

// SetNotifyTag configures the (protocol, label) tag sent with the
// notification, packed here as a single uint32 label.
func (s *Server) SetNotifyTag(tag uint32) {
	s.notifyTag = tag
}

// NextRequest returns the next pending SQE, if sq_head != sq_tail. Returns
// a by-value copy so the client can reuse the slot once sq_head advances.
func (s *Server) NextRequest() (SQE, bool) {
	head := s.r.sqHead()
	tail := s.r.sqTail()
	if head == tail {
		return SQE{}, false
	}
	mmio.Fence()
	sqe := s.r.readSQE(head & s.r.sqMask())
	s.r.setSQHead(head + 1)
	return sqe, true
}

// Complete posts a CQE, spinning if the completion ring is full rather than
// overwriting an unconsumed entry, per spec §4.3/§7 (OutOfMemory-class
// backpressure is never dropped). Marks a pending notification for the
// current drain pass; Flush sends it at most once.
func (s *Server) Complete(userData uint64, res int32) {
	for s.r.cqTail()-s.r.cqHead() == s.r.geometry.CQEntries {
		// spin: bounded because the client drains cq before
		// resubmitting into a full sq.
	}
	tail := s.r.cqTail()
	s.r.writeCQE(tail&s.r.cqMask(), CQE{UserData: userData, Res: res})
	mmio.Fence()
	s.r.setCQTail(tail + 1)
	s.pendingOut = true
}

// Flush sends at most one client notification for everything completed
// since the last Flush, per spec §4.3's coalescing rule and §8 property 7.
// A no-op if nothing completed or no notification endpoint is configured.
func (s *Server) Flush() {
	if !s.pendingOut || s.notifyEP == nil {
		s.pendingOut = false
		return
	}
	s.notifyEP.Send(capability.Message{Label: s.notifyTag})
	s.pendingOut = false
}
