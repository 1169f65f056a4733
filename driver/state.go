// Package driver implements the generic ServerLoop dispatcher and the
// DriverCore bridging state machine shared by the block, net and RAM-disk
// variants, grounded on original_source/virtio/block/src/server.rs's
// badge-demultiplexing dispatch loop and sys/ramdisk/src/main.rs's
// initialization sequence.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package driver

// State is one of the DriverCore lifecycle states, per spec §4.4.6.
type State int

const (
	Uninit State = iota
	Armed
	Bufbound
	Running
	Failed
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "uninit"
	case Armed:
		return "armed"
	case Bufbound:
		return "bufbound"
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// SharedBufferDescriptor is the negotiated client<->driver<->physical
// address translation triple established by setup_buffer, per spec §3.
type SharedBufferDescriptor struct {
	ClientVaddr uint64
	DriverVaddr uint64
	PhysAddr    uint64
	Size        uint64
}

// Contains reports whether [addr, addr+length) lies entirely within the
// registered window.
func (d SharedBufferDescriptor) Contains(addr, length uint64) bool {
	return addr >= d.ClientVaddr && addr+length <= d.ClientVaddr+d.Size
}

// ToPhys translates a client-virtual address to its physical counterpart,
// per spec §4.4.2's address translation contract: physical = Pp + (a - Cv).
func (d SharedBufferDescriptor) ToPhys(addr uint64) uint64 {
	return d.PhysAddr + (addr - d.ClientVaddr)
}

// ToDriverVaddr translates a client-virtual address to the driver-virtual
// alias of the same byte, used only by the RAM-disk variant which memcpys
// directly instead of handing physical addresses to a device.
func (d SharedBufferDescriptor) ToDriverVaddr(addr uint64) uint64 {
	return d.DriverVaddr + (addr - d.ClientVaddr)
}

// InFlightEntry records the (user_data, head) pair for one submitted chain,
// per spec §3's InFlight table.
type InFlightEntry struct {
	UserData uint64
	Head     uint16
	Valid    bool
}

// InFlightTable is a bounded mapping from descriptor-chain head index to
// (user_data, head) pairs, indexed by a slot derived from the head index
// itself (per spec §4.4.3: "addressed by the head descriptor index, not by
// a client-supplied id").
type InFlightTable struct {
	entries []InFlightEntry
}

// NewInFlightTable creates a table sized for a queue of the given size.
func NewInFlightTable(size uint16) *InFlightTable {
	return &InFlightTable{entries: make([]InFlightEntry, size)}
}

// Alloc reserves the slot for head and records userData, returning false
// if that slot is already occupied (the queue's free-list invariant should
// make this unreachable, but the table does not trust the caller).
func (t *InFlightTable) Alloc(head uint16, userData uint64) bool {
	slot := int(head) % len(t.entries)
	if t.entries[slot].Valid {
		return false
	}
	t.entries[slot] = InFlightEntry{UserData: userData, Head: head, Valid: true}
	return true
}

// Take removes and returns the entry for the completed head index, if one
// is live. Returns ok=false if the used ring yielded a head with no match
// (treated as a device bug per spec §4.4.3, processing continues).
func (t *InFlightTable) Take(head uint32) (InFlightEntry, bool) {
	slot := int(head) % len(t.entries)
	e := t.entries[slot]
	if !e.Valid || uint32(e.Head) != head {
		return InFlightEntry{}, false
	}
	t.entries[slot] = InFlightEntry{}
	return e, true
}
